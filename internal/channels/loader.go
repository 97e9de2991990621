package channels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/OpenDAC/internal/types"
)

// ChannelFile is the on-disk format: one or more channels per file.
type ChannelFile struct {
	Version  string                    `json:"version,omitempty" yaml:"version,omitempty"`
	Channels []types.ChannelDefinition `json:"channels" yaml:"channels"`
}

var definitionExtensions = []string{".yaml", ".yml", ".json"}

type DefinitionLoader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewDefinitionLoader(searchPaths []string) (*DefinitionLoader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &DefinitionLoader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

func (l *DefinitionLoader) Validator() *Validator {
	return l.validator
}

// Load finds name (without extension) in the search paths.
func (l *DefinitionLoader) Load(name string) (*ChannelFile, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*ChannelFile), nil
	}

	for _, searchPath := range l.searchPaths {
		for _, ext := range definitionExtensions {
			fullPath := filepath.Join(searchPath, name+ext)
			if _, err := os.Stat(fullPath); err != nil {
				continue
			}
			file, err := l.LoadFile(fullPath)
			if err != nil {
				return nil, err
			}
			l.cache.Store(name, file)
			return file, nil
		}
	}

	return nil, fmt.Errorf("definition not found: %s (searched in: %v)", name, l.searchPaths)
}

// LoadFile reads, validates and decodes one definition file.
func (l *DefinitionLoader) LoadFile(path string) (*ChannelFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	file, err := l.Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// Decode validates data in the format given by ext and decodes it.
func (l *DefinitionLoader) Decode(data []byte, ext string) (*ChannelFile, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		converted, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = converted
	case ".json":
	default:
		return nil, fmt.Errorf("unsupported definition format %q", ext)
	}

	if err := l.validator.ValidateFile(data); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	var file ChannelFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	for i := range file.Channels {
		file.Channels[i].Normalize()
	}

	return &file, nil
}

// Discover lists every definition file in the search paths, sorted.
// Missing directories are skipped.
func (l *DefinitionLoader) Discover() ([]string, error) {
	var paths []string
	for _, searchPath := range l.searchPaths {
		entries, err := os.ReadDir(searchPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			for _, known := range definitionExtensions {
				if ext == known {
					paths = append(paths, filepath.Join(searchPath, entry.Name()))
					break
				}
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (l *DefinitionLoader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}
