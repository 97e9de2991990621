package output

import (
	"fmt"
	"math"
	"strings"
)

// ReferenceSource selects the voltage baseline of the converter.
type ReferenceSource int

const (
	ReferenceInternal ReferenceSource = iota
	ReferenceSupply
)

func (r ReferenceSource) String() string {
	switch r {
	case ReferenceInternal:
		return "internal"
	case ReferenceSupply:
		return "vdd"
	default:
		return "unknown"
	}
}

// ParseReference accepts "internal", "vdd" and "supply" (case-insensitive).
func ParseReference(s string) (ReferenceSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "internal":
		return ReferenceInternal, nil
	case "vdd", "supply":
		return ReferenceSupply, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownReference, s)
	}
}

type Gain uint8

const (
	GainOne Gain = 1
	GainTwo Gain = 2
)

func (g Gain) Valid() bool {
	return g == GainOne || g == GainTwo
}

type PolicyKind string

const (
	PolicySaved PolicyKind = "saved"
	PolicyValue PolicyKind = "value"
)

// StatePolicy decides what the output does at start and shutdown: keep the
// code the device already holds, or drive a specific voltage.
type StatePolicy struct {
	kind  PolicyKind
	volts float64
}

func Saved() StatePolicy {
	return StatePolicy{kind: PolicySaved}
}

func Value(volts float64) StatePolicy {
	return StatePolicy{kind: PolicyValue, volts: volts}
}

func (p StatePolicy) Kind() PolicyKind {
	if p.kind == "" {
		return PolicySaved
	}
	return p.kind
}

// Voltage returns the voltage to drive and true for a Value policy.
func (p StatePolicy) Voltage() (float64, bool) {
	if p.kind != PolicyValue {
		return 0, false
	}
	return p.volts, true
}

func (p StatePolicy) String() string {
	if v, ok := p.Voltage(); ok {
		return fmt.Sprintf("value(%gV)", v)
	}
	return string(PolicySaved)
}

// ChannelConfig is the validated configuration of one channel. It is built
// once by NewChannelConfig or Resolve and only read afterwards.
type ChannelConfig struct {
	reference ReferenceSource
	gain      Gain
	start     StatePolicy
	shutdown  StatePolicy
	vrefVolts float64
}

// NewChannelConfig validates the typed inputs and returns an immutable config.
func NewChannelConfig(ref ReferenceSource, gain Gain, start, shutdown StatePolicy, vrefVolts float64) (ChannelConfig, error) {
	if math.IsNaN(vrefVolts) || vrefVolts <= 0 {
		return ChannelConfig{}, &ConfigError{Field: "vref", Err: ErrNonPositiveReference}
	}
	if !gain.Valid() {
		return ChannelConfig{}, &ConfigError{Field: "gain", Err: fmt.Errorf("%w: got %d", ErrUnsupportedGain, gain)}
	}
	if ref != ReferenceInternal && ref != ReferenceSupply {
		return ChannelConfig{}, &ConfigError{Field: "reference", Err: ErrUnknownReference}
	}
	if err := checkPolicy(start); err != nil {
		return ChannelConfig{}, &ConfigError{Field: "state_start_value", Err: err}
	}
	if err := checkPolicy(shutdown); err != nil {
		return ChannelConfig{}, &ConfigError{Field: "state_shutdown_value", Err: err}
	}

	return ChannelConfig{
		reference: ref,
		gain:      gain,
		start:     start,
		shutdown:  shutdown,
		vrefVolts: vrefVolts,
	}, nil
}

func checkPolicy(p StatePolicy) error {
	v, ok := p.Voltage()
	if !ok {
		return nil
	}
	if math.IsNaN(v) || v < 0 {
		return fmt.Errorf("%w: got %g", ErrNegativeVoltage, v)
	}
	return nil
}

func (c ChannelConfig) Reference() ReferenceSource { return c.reference }
func (c ChannelConfig) Gain() Gain                 { return c.gain }
func (c ChannelConfig) Start() StatePolicy         { return c.start }
func (c ChannelConfig) Shutdown() StatePolicy      { return c.shutdown }
func (c ChannelConfig) VrefVolts() float64         { return c.vrefVolts }

func (c ChannelConfig) resolved() bool {
	return c.vrefVolts > 0 && c.gain.Valid()
}

// Summary is the JSON view of a ChannelConfig.
type Summary struct {
	Reference string  `json:"reference"`
	Gain      int     `json:"gain"`
	Start     string  `json:"state_start"`
	Shutdown  string  `json:"state_shutdown"`
	VrefVolts float64 `json:"vref"`
}

func (c ChannelConfig) Summary() Summary {
	return Summary{
		Reference: c.reference.String(),
		Gain:      int(c.gain),
		Start:     c.start.String(),
		Shutdown:  c.shutdown.String(),
		VrefVolts: c.vrefVolts,
	}
}
