package types

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/output"
	"github.com/google/uuid"
)

type Driver string

const (
	DriverMCP4725 Driver = "mcp4725"
	DriverMCP4728 Driver = "mcp4728"
	DriverModbus  Driver = "modbus"
	DriverSim     Driver = "sim"
)

func (d Driver) Valid() bool {
	switch d {
	case DriverMCP4725, DriverMCP4728, DriverModbus, DriverSim:
		return true
	}
	return false
}

// ChannelDefinition is one output channel as stored in a definition file or
// in the database.
type ChannelDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Driver      Driver            `json:"driver" yaml:"driver"`
	Channel     uint8             `json:"channel" yaml:"channel"`
	Bus         string            `json:"bus,omitempty" yaml:"bus,omitempty"`
	Address     string            `json:"address,omitempty" yaml:"address,omitempty"`
	Modbus      *ModbusTarget     `json:"modbus,omitempty" yaml:"modbus,omitempty"`
	Options     output.RawOptions `json:"options" yaml:"options"`
}

// Normalize gives a definition without an options block the default options.
func (d *ChannelDefinition) Normalize() {
	if d.Options == (output.RawOptions{}) {
		d.Options = output.DefaultRawOptions()
	}
}

// I2CAddress parses Address ("0x62", "98") or returns def when it is empty.
func (d *ChannelDefinition) I2CAddress(def uint16) (uint16, error) {
	if d.Address == "" {
		return def, nil
	}
	addr, err := strconv.ParseUint(d.Address, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid i2c address %q: %w", d.Address, err)
	}
	if addr > 0x7f {
		return 0, fmt.Errorf("i2c address 0x%x out of 7-bit range", addr)
	}
	return uint16(addr), nil
}

// ModbusTarget maps the DAC operations onto holding registers of a
// Modbus-TCP analog output module. Per-channel registers are base+channel.
type ModbusTarget struct {
	Host              string `json:"host" yaml:"host"`
	Port              int    `json:"port,omitempty" yaml:"port,omitempty"`
	UnitID            uint8  `json:"unit_id,omitempty" yaml:"unit_id,omitempty"`
	TimeoutMs         int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	CodeRegister      uint16 `json:"code_register" yaml:"code_register"`
	ReferenceRegister uint16 `json:"reference_register,omitempty" yaml:"reference_register,omitempty"`
	GainRegister      uint16 `json:"gain_register,omitempty" yaml:"gain_register,omitempty"`
	PersistRegister   uint16 `json:"persist_register,omitempty" yaml:"persist_register,omitempty"`
	PersistValue      uint16 `json:"persist_value,omitempty" yaml:"persist_value,omitempty"`
}

const (
	DefaultModbusPort              = 502
	DefaultModbusTimeout           = 2 * time.Second
	DefaultModbusReferenceRegister = 16
	DefaultModbusGainRegister      = 32
	DefaultModbusPersistRegister   = 48
	DefaultModbusPersistValue      = 1
)

// WithDefaults fills the zero fields of a target.
func (t ModbusTarget) WithDefaults() ModbusTarget {
	if t.Port == 0 {
		t.Port = DefaultModbusPort
	}
	if t.UnitID == 0 {
		t.UnitID = 1
	}
	if t.ReferenceRegister == 0 {
		t.ReferenceRegister = DefaultModbusReferenceRegister
	}
	if t.GainRegister == 0 {
		t.GainRegister = DefaultModbusGainRegister
	}
	if t.PersistRegister == 0 {
		t.PersistRegister = DefaultModbusPersistRegister
	}
	if t.PersistValue == 0 {
		t.PersistValue = DefaultModbusPersistValue
	}
	return t
}

func (t ModbusTarget) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t ModbusTarget) Timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return DefaultModbusTimeout
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// ChannelInfo is the runtime view of a registered channel.
type ChannelInfo struct {
	ID        uuid.UUID            `json:"id"`
	Name      string               `json:"name"`
	Driver    Driver               `json:"driver"`
	Source    string               `json:"source"`
	Status    output.ChannelStatus `json:"status"`
	InitError string               `json:"init_error,omitempty"`
}
