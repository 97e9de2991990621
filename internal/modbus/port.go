package modbus

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenDAC/internal/output"
	"github.com/KevinKickass/OpenDAC/internal/types"
)

// Port drives a Modbus-TCP analog output module. Codes are written 1:1 into
// 16-bit holding registers; the module does the scaling.
type Port struct {
	Client *Client
	target types.ModbusTarget
}

func NewPort(target types.ModbusTarget) *Port {
	target = target.WithDefaults()
	return &Port{
		Client: NewClient(target.Address(), target.Timeout()),
		target: target,
	}
}

func (p *Port) Target() types.ModbusTarget {
	return p.target
}

func (p *Port) WriteChannelCode(ctx context.Context, channel uint8, code uint16) error {
	return p.write(ctx, p.target.CodeRegister+uint16(channel), code)
}

func (p *Port) WriteReference(ctx context.Context, channel uint8, ref output.ReferenceSource) error {
	return p.write(ctx, p.target.ReferenceRegister+uint16(channel), uint16(ref))
}

func (p *Port) WriteGain(ctx context.Context, channel uint8, gain output.Gain) error {
	return p.write(ctx, p.target.GainRegister+uint16(channel), uint16(gain))
}

// Persist triggers the module's store-to-flash command.
func (p *Port) Persist(ctx context.Context) error {
	return p.write(ctx, p.target.PersistRegister, p.target.PersistValue)
}

func (p *Port) ReadChannelCode(ctx context.Context, channel uint8) (uint16, error) {
	if err := p.Client.Connect(ctx); err != nil {
		return 0, err
	}

	addr := p.target.CodeRegister + uint16(channel)
	registers, err := p.Client.ReadHoldingRegisters(ctx, p.target.UnitID, addr, 1)
	if err != nil {
		return 0, fmt.Errorf("read register %d: %w", addr, err)
	}
	return registers[0], nil
}

func (p *Port) Close() error {
	return p.Client.Close()
}

func (p *Port) write(ctx context.Context, addr, value uint16) error {
	if err := p.Client.Connect(ctx); err != nil {
		return err
	}
	if err := p.Client.WriteSingleRegister(ctx, p.target.UnitID, addr, value); err != nil {
		return fmt.Errorf("write register %d: %w", addr, err)
	}
	return nil
}
