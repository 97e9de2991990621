// Package mcp472x drives Microchip MCP4725 and MCP4728 12-bit DACs over I²C.
//
// Codes arrive in the 16-bit output code space and are truncated to the
// 12 bits the converters hold. Readback shifts them back up, so a read code
// is the written code with the low nibble cleared.
package mcp472x

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/output"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"go.uber.org/zap"
	"periph.io/x/host/v3"
)

type Variant string

const (
	MCP4725 Variant = "MCP4725"
	MCP4728 Variant = "MCP4728"

	DefaultAddress4725 uint16 = 0x62
	DefaultAddress4728 uint16 = 0x60

	// InternalRef is the MCP4728 precision reference at gain 1.
	InternalRef physic.ElectricPotential = 2048 * physic.MilliVolt

	Channels4725 = 1
	Channels4728 = 4

	cmdWrite4725         byte = 0x40
	cmdWriteWithSave4725 byte = 0x60
	cmdMultiWrite        byte = 0x40
	cmdSequentialWrite   byte = 0x50
	cmdSelectVref        byte = 0x80
	cmdSelectGain        byte = 0xC0

	readyFlag byte = 0x80
	vrefBit   byte = 0x80
	gainBit   byte = 0x10

	readLen4725 = 5
	readLen4728 = 6 * Channels4728

	// EEPROM writes take up to 50ms on both parts.
	defaultReadyTimeout = 250 * time.Millisecond
	readyPoll           = 10 * time.Millisecond
)

var (
	ErrInvalidVariant  = errors.New("mcp472x: invalid variant")
	ErrInvalidChannel  = errors.New("mcp472x: channel out of range")
	ErrUnsupportedGain = errors.New("mcp472x: MCP4725 has no gain stage")
	ErrBusy            = errors.New("mcp472x: device busy")
)

// ParseVariant accepts "mcp4725" and "mcp4728" in any case.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "mcp4725", "MCP4725", "4725":
		return MCP4725, nil
	case "mcp4728", "MCP4728", "4728":
		return MCP4728, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidVariant, s)
}

func (v Variant) DefaultAddress() uint16 {
	if v == MCP4728 {
		return DefaultAddress4728
	}
	return DefaultAddress4725
}

type channelRegs struct {
	internalRef bool
	gain2       bool
	pdMode      byte
	count       uint16
}

func (r channelRegs) configByte() byte {
	b := byte(r.count>>8) & 0x0f
	if r.internalRef {
		b |= vrefBit
	}
	if r.gain2 {
		b |= gainBit
	}
	return b | (r.pdMode&0x03)<<5
}

// Port implements output.DevicePort for one chip. All channels of a chip
// share the Port, which serializes bus access.
type Port struct {
	mu sync.Mutex

	d        i2c.Dev
	variant  Variant
	channels int
	regs     [Channels4728]channelRegs
	loaded   bool

	closer       io.Closer
	readyTimeout time.Duration
	logger       *zap.Logger
}

// New returns a Port on an already opened bus.
func New(bus i2c.Bus, addr uint16, variant Variant) (*Port, error) {
	p := &Port{
		d:            i2c.Dev{Bus: bus, Addr: addr},
		variant:      variant,
		readyTimeout: defaultReadyTimeout,
		logger:       zap.NewNop(),
	}
	switch variant {
	case MCP4725:
		p.channels = Channels4725
	case MCP4728:
		p.channels = Channels4728
	default:
		return nil, ErrInvalidVariant
	}
	return p, nil
}

// Open initializes the host drivers and opens the named bus ("" for the
// first one found). Close releases the bus.
func Open(busName string, addr uint16, variant Variant) (*Port, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("mcp472x: host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("mcp472x: open bus %q: %w", busName, err)
	}
	p, err := New(bus, addr, variant)
	if err != nil {
		bus.Close()
		return nil, err
	}
	p.closer = bus
	return p, nil
}

func (p *Port) SetLogger(logger *zap.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

func (p *Port) Variant() Variant { return p.variant }

func (p *Port) Channels() int { return p.channels }

func (p *Port) String() string {
	return fmt.Sprintf("%s@%s:0x%02x", p.variant, p.d.Bus, p.d.Addr)
}

func (p *Port) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}

func (p *Port) WriteChannelCode(ctx context.Context, channel uint8, code uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.prepare(ctx, channel); err != nil {
		return err
	}

	regs := p.regs[channel]
	regs.count = code >> 4

	var w []byte
	if p.variant == MCP4725 {
		w = []byte{cmdWrite4725 | regs.pdMode<<1, byte(regs.count >> 4), byte(regs.count<<4) & 0xf0}
	} else {
		w = []byte{cmdMultiWrite | channel<<1, regs.configByte(), byte(regs.count)}
	}
	if err := p.tx(w, nil); err != nil {
		return err
	}
	p.regs[channel] = regs
	return nil
}

func (p *Port) WriteReference(ctx context.Context, channel uint8, ref output.ReferenceSource) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.prepare(ctx, channel); err != nil {
		return err
	}

	internal := ref == output.ReferenceInternal
	if p.variant == MCP4725 {
		// The MCP4725 always runs from VDD.
		if internal {
			p.logger.Warn("MCP4725 has no internal reference, output follows VDD",
				zap.String("port", p.String()))
		}
		return nil
	}

	next := p.regs
	next[channel].internalRef = internal
	if err := p.tx([]byte{cmdSelectVref | selectBits(next, func(r channelRegs) bool { return r.internalRef })}, nil); err != nil {
		return err
	}
	p.regs = next
	return nil
}

func (p *Port) WriteGain(ctx context.Context, channel uint8, gain output.Gain) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.prepare(ctx, channel); err != nil {
		return err
	}

	gain2 := gain == output.GainTwo
	if p.variant == MCP4725 {
		if gain2 {
			return ErrUnsupportedGain
		}
		return nil
	}

	next := p.regs
	next[channel].gain2 = gain2
	if err := p.tx([]byte{cmdSelectGain | selectBits(next, func(r channelRegs) bool { return r.gain2 })}, nil); err != nil {
		return err
	}
	p.regs = next
	return nil
}

// Persist writes the current registers of every channel to EEPROM and waits
// until the chip reports ready again.
func (p *Port) Persist(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.load(ctx); err != nil {
		return err
	}

	var w []byte
	if p.variant == MCP4725 {
		regs := p.regs[0]
		w = []byte{cmdWriteWithSave4725 | regs.pdMode<<1, byte(regs.count >> 4), byte(regs.count<<4) & 0xf0}
	} else {
		w = []byte{cmdSequentialWrite}
		for _, regs := range p.regs {
			w = append(w, regs.configByte(), byte(regs.count))
		}
	}
	if err := p.tx(w, nil); err != nil {
		return err
	}
	return p.waitReady(ctx)
}

// ReadChannelCode returns the live output register of channel.
func (p *Port) ReadChannelCode(ctx context.Context, channel uint8) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(channel) >= p.channels {
		return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	if err := p.readAll(ctx); err != nil {
		return 0, err
	}
	return p.regs[channel].count << 4, nil
}

func (p *Port) prepare(ctx context.Context, channel uint8) error {
	if int(channel) >= p.channels {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	return p.load(ctx)
}

// load reads the chip once so that writes covering several channels keep
// the settings of channels this process does not drive.
func (p *Port) load(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	return p.readAll(ctx)
}

func (p *Port) readAll(ctx context.Context) error {
	size := readLen4725
	if p.variant == MCP4728 {
		size = readLen4728
	}
	r := make([]byte, size)

	deadline := time.Now().Add(p.readyTimeout)
	for {
		if err := p.tx(nil, r); err != nil {
			return err
		}
		if r[0]&readyFlag != 0 {
			break
		}
		if time.Now().After(deadline) {
			return ErrBusy
		}
		if err := sleep(ctx, readyPoll); err != nil {
			return err
		}
	}

	if p.variant == MCP4725 {
		p.regs[0].pdMode = (r[0] >> 1) & 0x03
		p.regs[0].count = uint16(r[1])<<4 | uint16(r[2])>>4
	} else {
		for ch := 0; ch < Channels4728; ch++ {
			o := ch * 6
			p.regs[ch] = channelRegs{
				internalRef: r[o+1]&vrefBit != 0,
				gain2:       r[o+1]&gainBit != 0,
				pdMode:      (r[o+1] >> 5) & 0x03,
				count:       uint16(r[o+1]&0x0f)<<8 | uint16(r[o+2]),
			}
		}
	}
	p.loaded = true
	return nil
}

func (p *Port) waitReady(ctx context.Context) error {
	status := make([]byte, 1)
	deadline := time.Now().Add(p.readyTimeout)
	for {
		if err := p.tx(nil, status); err != nil {
			return err
		}
		if status[0]&readyFlag != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrBusy
		}
		if err := sleep(ctx, readyPoll); err != nil {
			return err
		}
	}
}

func (p *Port) tx(w, r []byte) error {
	if err := p.d.Tx(w, r); err != nil {
		return fmt.Errorf("mcp472x: %w", err)
	}
	return nil
}

// selectBits packs one flag per channel, channel A in bit 3.
func selectBits(regs [Channels4728]channelRegs, flag func(channelRegs) bool) byte {
	var b byte
	for ch, r := range regs {
		if flag(r) {
			b |= 1 << (3 - ch)
		}
	}
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
