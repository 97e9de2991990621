package mcp472x

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/output"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

// readback4728 builds the 24-byte register dump with every channel ready.
// hi holds the config nibble and the top four code bits of each channel.
func readback4728(hi, lo [4]byte) []byte {
	r := make([]byte, readLen4728)
	for ch := 0; ch < 4; ch++ {
		o := ch * 6
		r[o] = readyFlag | byte(ch)<<4
		r[o+1] = hi[ch]
		r[o+2] = lo[ch]
		r[o+3] = readyFlag | byte(ch)<<4
		r[o+4] = hi[ch]
		r[o+5] = lo[ch]
	}
	return r
}

func newPort(t *testing.T, variant Variant, ops []i2ctest.IO) (*Port, *i2ctest.Playback) {
	t.Helper()
	bus := &i2ctest.Playback{Ops: ops, DontPanic: true}
	p, err := New(bus, variant.DefaultAddress(), variant)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, bus
}

func TestMCP4728Writes(t *testing.T) {
	const addr = DefaultAddress4728
	ops := []i2ctest.IO{
		{Addr: addr, R: readback4728([4]byte{}, [4]byte{})},
		{Addr: addr, W: []byte{0x84}},
		{Addr: addr, W: []byte{0xC4}},
		{Addr: addr, W: []byte{0x42, 0x98, 0x00}},
		{Addr: addr, W: []byte{0x50, 0x00, 0x00, 0x98, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{Addr: addr, R: []byte{0x00}},
		{Addr: addr, R: []byte{readyFlag}},
	}
	p, bus := newPort(t, MCP4728, ops)
	ctx := context.Background()

	if err := p.WriteReference(ctx, 1, output.ReferenceInternal); err != nil {
		t.Fatalf("WriteReference: %v", err)
	}
	if err := p.WriteGain(ctx, 1, output.GainTwo); err != nil {
		t.Fatalf("WriteGain: %v", err)
	}
	if err := p.WriteChannelCode(ctx, 1, 32768); err != nil {
		t.Fatalf("WriteChannelCode: %v", err)
	}
	if err := p.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Error(err)
	}
}

func TestMCP4728KeepsOtherChannels(t *testing.T) {
	const addr = DefaultAddress4728
	// Channel A runs on the internal reference at gain 2 with code 0x123.
	hi := [4]byte{vrefBit | gainBit | 0x01, 0, 0, 0}
	lo := [4]byte{0x23, 0, 0, 0}
	ops := []i2ctest.IO{
		{Addr: addr, R: readback4728(hi, lo)},
		{Addr: addr, W: []byte{0x88 | 0x02}},
		{Addr: addr, W: []byte{0x44, vrefBit | 0x0f, 0xff}},
	}
	p, bus := newPort(t, MCP4728, ops)
	ctx := context.Background()

	if err := p.WriteReference(ctx, 2, output.ReferenceInternal); err != nil {
		t.Fatalf("WriteReference: %v", err)
	}
	if err := p.WriteChannelCode(ctx, 2, 65535); err != nil {
		t.Fatalf("WriteChannelCode: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Error(err)
	}
}

func TestMCP4728ReadChannelCode(t *testing.T) {
	const addr = DefaultAddress4728
	hi := [4]byte{0, 0, 0, 0x08}
	ops := []i2ctest.IO{
		{Addr: addr, R: readback4728(hi, [4]byte{})},
	}
	p, _ := newPort(t, MCP4728, ops)

	code, err := p.ReadChannelCode(context.Background(), 3)
	if err != nil {
		t.Fatalf("ReadChannelCode: %v", err)
	}
	if code != 32768 {
		t.Errorf("code = %d, want 32768", code)
	}
}

func TestMCP4725(t *testing.T) {
	const addr = DefaultAddress4725
	ops := []i2ctest.IO{
		{Addr: addr, R: []byte{0xC0, 0x00, 0x00, 0x00, 0x00}},
		{Addr: addr, R: []byte{0xC0, 0x80, 0x00, 0x08, 0x00}},
		{Addr: addr, W: []byte{0x40, 0xff, 0xf0}},
		{Addr: addr, W: []byte{0x60, 0xff, 0xf0}},
		{Addr: addr, R: []byte{0xC0}},
	}
	p, bus := newPort(t, MCP4725, ops)
	ctx := context.Background()

	if err := p.WriteReference(ctx, 0, output.ReferenceSupply); err != nil {
		t.Fatalf("WriteReference(vdd): %v", err)
	}
	if err := p.WriteGain(ctx, 0, output.GainOne); err != nil {
		t.Fatalf("WriteGain(1): %v", err)
	}

	code, err := p.ReadChannelCode(ctx, 0)
	if err != nil {
		t.Fatalf("ReadChannelCode: %v", err)
	}
	if code != 32768 {
		t.Errorf("code = %d, want 32768", code)
	}

	if err := p.WriteChannelCode(ctx, 0, 65535); err != nil {
		t.Fatalf("WriteChannelCode: %v", err)
	}
	if err := p.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Error(err)
	}
}

func TestMCP4725Unsupported(t *testing.T) {
	const addr = DefaultAddress4725
	ops := []i2ctest.IO{
		{Addr: addr, R: []byte{0xC0, 0x00, 0x00, 0x00, 0x00}},
	}
	p, bus := newPort(t, MCP4725, ops)
	core, logs := observer.New(zap.WarnLevel)
	p.SetLogger(zap.New(core))
	ctx := context.Background()

	if err := p.WriteReference(ctx, 0, output.ReferenceInternal); err != nil {
		t.Errorf("WriteReference(internal) error = %v, want nil", err)
	}
	if logs.FilterMessageSnippet("no internal reference").Len() != 1 {
		t.Error("internal reference on MCP4725 not logged")
	}
	if err := p.WriteGain(ctx, 0, output.GainTwo); !errors.Is(err, ErrUnsupportedGain) {
		t.Errorf("WriteGain(2) error = %v", err)
	}
	if err := p.WriteChannelCode(ctx, 1, 0); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("WriteChannelCode(ch 1) error = %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Error(err)
	}
}

func TestControllerDefaultsOnMCP4725(t *testing.T) {
	const addr = DefaultAddress4725
	ops := []i2ctest.IO{
		// load on WriteReference, then readback for the saved start
		{Addr: addr, R: []byte{0xC0, 0x80, 0x00, 0x08, 0x00}},
		{Addr: addr, R: []byte{0xC0, 0x80, 0x00, 0x08, 0x00}},
		{Addr: addr, W: []byte{0x60, 0x80, 0x00}},
		{Addr: addr, R: []byte{0xC0}},
	}
	p, bus := newPort(t, MCP4725, ops)

	cfg, err := output.Resolve(output.DefaultRawOptions())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Reference() != output.ReferenceInternal {
		t.Fatalf("default reference = %s", cfg.Reference())
	}

	c := output.NewController(0, nil)
	if err := c.Initialize(context.Background(), cfg, p); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !c.IsSetup() {
		t.Error("controller not set up after Initialize")
	}
	if code, on := c.IsOn(); !on || code != 32768 {
		t.Errorf("IsOn() = %d, %v; want 32768, true", code, on)
	}
	if err := bus.Close(); err != nil {
		t.Error(err)
	}
}

func TestPersistBusy(t *testing.T) {
	const addr = DefaultAddress4725
	ops := []i2ctest.IO{
		{Addr: addr, R: []byte{0xC0, 0x00, 0x00, 0x00, 0x00}},
		{Addr: addr, W: []byte{0x60, 0x00, 0x00}},
		{Addr: addr, R: []byte{0x40}},
	}
	p, _ := newPort(t, MCP4725, ops)
	p.readyTimeout = -time.Second

	if err := p.Persist(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Persist() error = %v, want ErrBusy", err)
	}
}

func TestBusErrorWrapped(t *testing.T) {
	p, _ := newPort(t, MCP4728, nil)
	err := p.WriteChannelCode(context.Background(), 0, 1)
	if err == nil {
		t.Fatal("expected error from empty playback")
	}
}

func TestControllerOnMCP4728(t *testing.T) {
	const addr = DefaultAddress4728
	saved := readback4728([4]byte{0x09, 0, 0, 0}, [4]byte{0xc4, 0, 0, 0})
	configured := readback4728([4]byte{vrefBit | 0x09, 0, 0, 0}, [4]byte{0xc4, 0, 0, 0})
	ops := []i2ctest.IO{
		{Addr: addr, R: saved},
		{Addr: addr, W: []byte{0x88}},
		{Addr: addr, W: []byte{0xC0}},
		{Addr: addr, R: configured},
		{Addr: addr, W: []byte{0x50, 0x89, 0xc4, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{Addr: addr, R: []byte{readyFlag}},
	}
	p, bus := newPort(t, MCP4728, ops)

	cfg, err := output.NewChannelConfig(output.ReferenceInternal, output.GainOne, output.Saved(), output.Saved(), 2.048)
	if err != nil {
		t.Fatalf("NewChannelConfig: %v", err)
	}
	c := output.NewController(0, nil)
	if err := c.Initialize(context.Background(), cfg, p); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	code, on := c.IsOn()
	if !on || code != 0x9c4<<4 {
		t.Errorf("IsOn() = %#x, %v; want %#x, true", code, on, 0x9c4<<4)
	}
	if err := bus.Close(); err != nil {
		t.Error(err)
	}
}

func TestParseVariant(t *testing.T) {
	for in, want := range map[string]Variant{"mcp4725": MCP4725, "MCP4728": MCP4728, "4728": MCP4728} {
		got, err := ParseVariant(in)
		if err != nil || got != want {
			t.Errorf("ParseVariant(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseVariant("mcp4922"); !errors.Is(err, ErrInvalidVariant) {
		t.Errorf("ParseVariant(mcp4922) error = %v", err)
	}
}
