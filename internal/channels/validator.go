package channels

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/KevinKickass/OpenDAC/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/channel-definition-v1.json
var channelDefinitionSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("channel-definition-v1.json",
		strings.NewReader(channelDefinitionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("channel-definition-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateFile checks a JSON definition file against the schema.
func (v *Validator) ValidateFile(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// ValidateDefinition checks a single channel, e.g. one posted over the API.
func (v *Validator) ValidateDefinition(def *types.ChannelDefinition) error {
	data, err := json.Marshal(ChannelFile{Channels: []types.ChannelDefinition{*def}})
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	return v.ValidateFile(data)
}

// yamlToJSON re-encodes a YAML document so that one schema covers both
// file formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return json.Marshal(doc)
}
