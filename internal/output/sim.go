package output

import (
	"context"
	"fmt"
	"sync"
)

// SimPort is an in-memory DevicePort. It behaves like a DAC with an EEPROM:
// Persist copies the live registers into the saved set, and a fresh SimPort
// built from saved registers reads back the saved codes.
type SimPort struct {
	mu sync.Mutex

	codes      map[uint8]uint16
	references map[uint8]ReferenceSource
	gains      map[uint8]Gain
	saved      map[uint8]uint16

	ops      []SimOp
	failures map[string]error
}

// SimOp records one call made against a SimPort.
type SimOp struct {
	Name      string
	Channel   uint8
	Code      uint16
	Reference ReferenceSource
	Gain      Gain
}

const (
	OpWriteCode      = "write_channel_code"
	OpWriteReference = "write_reference"
	OpWriteGain      = "write_gain"
	OpPersist        = "persist"
	OpReadCode       = "read_channel_code"
)

func NewSimPort() *SimPort {
	return &SimPort{
		codes:      make(map[uint8]uint16),
		references: make(map[uint8]ReferenceSource),
		gains:      make(map[uint8]Gain),
		saved:      make(map[uint8]uint16),
		failures:   make(map[string]error),
	}
}

// NewSimPortWithSaved starts the simulated device with codes already in
// non-volatile memory, as after a power cycle.
func NewSimPortWithSaved(saved map[uint8]uint16) *SimPort {
	p := NewSimPort()
	for ch, code := range saved {
		p.saved[ch] = code
		p.codes[ch] = code
	}
	return p
}

// Fail makes every following call of op return err. A nil err clears it.
func (p *SimPort) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

func (p *SimPort) WriteChannelCode(ctx context.Context, channel uint8, code uint16) error {
	return p.do(ctx, SimOp{Name: OpWriteCode, Channel: channel, Code: code}, func() {
		p.codes[channel] = code
	})
}

func (p *SimPort) WriteReference(ctx context.Context, channel uint8, ref ReferenceSource) error {
	return p.do(ctx, SimOp{Name: OpWriteReference, Channel: channel, Reference: ref}, func() {
		p.references[channel] = ref
	})
}

func (p *SimPort) WriteGain(ctx context.Context, channel uint8, gain Gain) error {
	return p.do(ctx, SimOp{Name: OpWriteGain, Channel: channel, Gain: gain}, func() {
		p.gains[channel] = gain
	})
}

func (p *SimPort) Persist(ctx context.Context) error {
	return p.do(ctx, SimOp{Name: OpPersist}, func() {
		for ch, code := range p.codes {
			p.saved[ch] = code
		}
	})
}

func (p *SimPort) ReadChannelCode(ctx context.Context, channel uint8) (uint16, error) {
	var code uint16
	err := p.do(ctx, SimOp{Name: OpReadCode, Channel: channel}, func() {
		code = p.codes[channel]
	})
	return code, err
}

func (p *SimPort) do(ctx context.Context, op SimOp, apply func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.ops = append(p.ops, op)
	if err, ok := p.failures[op.Name]; ok {
		return fmt.Errorf("sim %s: %w", op.Name, err)
	}
	apply()
	return nil
}

// Ops returns a copy of the calls made so far.
func (p *SimPort) Ops() []SimOp {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SimOp, len(p.ops))
	copy(out, p.ops)
	return out
}

// Writes returns the calls that changed device state, without reads.
func (p *SimPort) Writes() []SimOp {
	var out []SimOp
	for _, op := range p.Ops() {
		if op.Name != OpReadCode {
			out = append(out, op)
		}
	}
	return out
}

func (p *SimPort) ResetOps() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = nil
}

func (p *SimPort) Code(channel uint8) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.codes[channel]
}

func (p *SimPort) SavedCode(channel uint8) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved[channel]
}

func (p *SimPort) Reference(channel uint8) ReferenceSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.references[channel]
}

func (p *SimPort) ChannelGain(channel uint8) Gain {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gains[channel]
}
