package channels

import (
	"fmt"
	"io"
	"sync"

	"github.com/KevinKickass/OpenDAC/internal/mcp472x"
	"github.com/KevinKickass/OpenDAC/internal/modbus"
	"github.com/KevinKickass/OpenDAC/internal/output"
	"github.com/KevinKickass/OpenDAC/internal/types"
	"go.uber.org/zap"
)

// PortFactory hands out device ports. Channels that live on the same chip
// or Modbus module share one port.
type PortFactory interface {
	Port(def *types.ChannelDefinition) (output.DevicePort, error)
	Close() error
}

// I2COpener opens an MCP472x on a bus. It is replaced in tests.
type I2COpener func(bus string, addr uint16, variant mcp472x.Variant) (*mcp472x.Port, error)

type DriverFactory struct {
	mu         sync.Mutex
	ports      map[string]output.DevicePort
	defaultI2C string
	openI2C    I2COpener
	logger     *zap.Logger
}

func NewDriverFactory(defaultBus string, openI2C I2COpener, logger *zap.Logger) *DriverFactory {
	if openI2C == nil {
		openI2C = mcp472x.Open
	}
	return &DriverFactory{
		ports:      make(map[string]output.DevicePort),
		defaultI2C: defaultBus,
		openI2C:    openI2C,
		logger:     logger,
	}
}

func (f *DriverFactory) Port(def *types.ChannelDefinition) (output.DevicePort, error) {
	key, err := f.key(def)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if port, ok := f.ports[key]; ok {
		return port, nil
	}

	port, err := f.open(def)
	if err != nil {
		return nil, err
	}
	f.ports[key] = port

	f.logger.Info("Device port opened",
		zap.String("driver", string(def.Driver)),
		zap.String("port", key))

	return port, nil
}

func (f *DriverFactory) key(def *types.ChannelDefinition) (string, error) {
	switch def.Driver {
	case types.DriverMCP4725, types.DriverMCP4728:
		variant, err := mcp472x.ParseVariant(string(def.Driver))
		if err != nil {
			return "", err
		}
		addr, err := def.I2CAddress(variant.DefaultAddress())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("i2c:%s:0x%02x", f.bus(def), addr), nil
	case types.DriverModbus:
		if def.Modbus == nil {
			return "", fmt.Errorf("channel %s: modbus driver needs a modbus target", def.Name)
		}
		t := def.Modbus.WithDefaults()
		return fmt.Sprintf("modbus:%s/%d", t.Address(), t.UnitID), nil
	case types.DriverSim:
		return "sim:" + def.Bus, nil
	default:
		return "", fmt.Errorf("unknown driver: %q", def.Driver)
	}
}

func (f *DriverFactory) open(def *types.ChannelDefinition) (output.DevicePort, error) {
	switch def.Driver {
	case types.DriverMCP4725, types.DriverMCP4728:
		variant, _ := mcp472x.ParseVariant(string(def.Driver))
		addr, _ := def.I2CAddress(variant.DefaultAddress())
		port, err := f.openI2C(f.bus(def), addr, variant)
		if err != nil {
			return nil, err
		}
		port.SetLogger(f.logger)
		return port, nil
	case types.DriverModbus:
		return modbus.NewPort(*def.Modbus), nil
	default:
		return output.NewSimPort(), nil
	}
}

func (f *DriverFactory) bus(def *types.ChannelDefinition) string {
	if def.Bus != "" {
		return def.Bus
	}
	return f.defaultI2C
}

// Close releases every opened port.
func (f *DriverFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for key, port := range f.ports {
		if closer, ok := port.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				f.logger.Error("Failed to close device port", zap.String("port", key), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		delete(f.ports, key)
	}
	return firstErr
}
