package output

import "context"

// DevicePort is the write side of a DAC. Every call blocks until the device
// acknowledged the write or failed.
type DevicePort interface {
	// WriteChannelCode sets the output register of channel to code.
	WriteChannelCode(ctx context.Context, channel uint8, code uint16) error

	// WriteReference selects the voltage reference of channel.
	WriteReference(ctx context.Context, channel uint8, ref ReferenceSource) error

	// WriteGain selects the output gain of channel.
	WriteGain(ctx context.Context, channel uint8, gain Gain) error

	// Persist commits the current settings to non-volatile memory.
	Persist(ctx context.Context) error
}

// CodeReader is implemented by ports that can read back the code a channel
// currently holds.
type CodeReader interface {
	ReadChannelCode(ctx context.Context, channel uint8) (uint16, error)
}
