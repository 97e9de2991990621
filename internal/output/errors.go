package output

import (
	"errors"
	"fmt"
)

var (
	// Configuration errors, returned wrapped in *ConfigError.
	ErrNonPositiveReference = errors.New("reference voltage must be positive")
	ErrNegativeVoltage      = errors.New("voltage must be zero or positive")
	ErrUnsupportedGain      = errors.New("gain must be 1 or 2")
	ErrUnknownReference     = errors.New("unknown reference source")
	ErrUnknownPolicy        = errors.New("unknown state policy")

	// Controller errors.
	ErrNotRunning       = errors.New("channel not running")
	ErrAlreadyRunning   = errors.New("channel already running")
	ErrInvalidVoltage   = errors.New("invalid voltage")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrUnresolvedConfig = errors.New("channel config not resolved")
	ErrNoDevice         = errors.New("no device port")

	// ErrDevice matches every *DeviceError via errors.Is.
	ErrDevice = errors.New("device error")
)

// ConfigError names the option that failed to resolve.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DeviceError wraps a failure of the device port. The transport error is
// kept as-is and reachable through errors.Unwrap.
type DeviceError struct {
	Op      string
	Channel uint8
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s on channel %d: %v", e.Op, e.Channel, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

func (e *DeviceError) Is(target error) bool {
	return target == ErrDevice
}
