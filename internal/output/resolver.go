package output

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	DefaultVrefVolts = 4.096
	DefaultReference = "internal"
	DefaultGain      = 1
)

// RawOptions are the per-channel options as a user supplies them.
// Policy values are pointers so that "not provided" is distinguishable
// from an explicit 0 V.
type RawOptions struct {
	Reference     string   `json:"reference" yaml:"reference" mapstructure:"reference"`
	Gain          int      `json:"gain" yaml:"gain" mapstructure:"gain"`
	StartState    string   `json:"state_start" yaml:"state_start" mapstructure:"state_start"`
	StartValue    *float64 `json:"state_start_value,omitempty" yaml:"state_start_value,omitempty" mapstructure:"state_start_value"`
	ShutdownState string   `json:"state_shutdown" yaml:"state_shutdown" mapstructure:"state_shutdown"`
	ShutdownValue *float64 `json:"state_shutdown_value,omitempty" yaml:"state_shutdown_value,omitempty" mapstructure:"state_shutdown_value"`
	Vref          float64  `json:"vref" yaml:"vref" mapstructure:"vref"`
}

// DefaultRawOptions returns the options a channel gets when nothing is set:
// internal reference, gain 1, keep the saved code at start and shutdown.
func DefaultRawOptions() RawOptions {
	return RawOptions{
		Reference:     DefaultReference,
		Gain:          DefaultGain,
		StartState:    string(PolicySaved),
		ShutdownState: string(PolicySaved),
		Vref:          DefaultVrefVolts,
	}
}

// UnmarshalJSON starts from DefaultRawOptions, so omitted keys keep their
// defaults while explicit values, including zero, are kept as given.
func (o *RawOptions) UnmarshalJSON(data []byte) error {
	type plain RawOptions
	p := plain(DefaultRawOptions())
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = RawOptions(p)
	return nil
}

// Resolve validates raw options into a ChannelConfig. It has no side effects.
//
// A "value" policy without a voltage resolves to Saved: an unconfigured
// voltage is never forced onto the output.
func Resolve(raw RawOptions) (ChannelConfig, error) {
	ref, err := ParseReference(raw.Reference)
	if err != nil {
		return ChannelConfig{}, &ConfigError{Field: "reference", Err: err}
	}

	start, err := resolvePolicy(raw.StartState, raw.StartValue)
	if err != nil {
		return ChannelConfig{}, &ConfigError{Field: "state_start", Err: err}
	}

	shutdown, err := resolvePolicy(raw.ShutdownState, raw.ShutdownValue)
	if err != nil {
		return ChannelConfig{}, &ConfigError{Field: "state_shutdown", Err: err}
	}

	if raw.Gain < 0 || raw.Gain > 255 {
		return ChannelConfig{}, &ConfigError{Field: "gain", Err: fmt.Errorf("%w: got %d", ErrUnsupportedGain, raw.Gain)}
	}

	return NewChannelConfig(ref, Gain(raw.Gain), start, shutdown, raw.Vref)
}

func resolvePolicy(name string, value *float64) (StatePolicy, error) {
	switch PolicyKind(strings.ToLower(strings.TrimSpace(name))) {
	case PolicySaved:
		return Saved(), nil
	case PolicyValue:
		if value == nil {
			return Saved(), nil
		}
		return Value(*value), nil
	default:
		return StatePolicy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}
