package output

import "time"

type Lifecycle string

const (
	LifecycleUninitialized Lifecycle = "uninitialized"
	LifecycleConfigured    Lifecycle = "configured"
	LifecycleRunning       Lifecycle = "running"
	LifecycleStopped       Lifecycle = "stopped"
)

type CommandKind string

const (
	CommandOn  CommandKind = "on"
	CommandOff CommandKind = "off"
)

// Command is a request to drive the output. Voltage is only read for CommandOn.
type Command struct {
	Kind    CommandKind `json:"state"`
	Voltage float64     `json:"voltage,omitempty"`
}

func On(voltage float64) Command {
	return Command{Kind: CommandOn, Voltage: voltage}
}

func Off() Command {
	return Command{Kind: CommandOff}
}

// ChannelState is owned by a Controller and never shared.
type ChannelState struct {
	Lifecycle Lifecycle `json:"lifecycle"`
	LastCode  uint16    `json:"last_code"`
}

type ChannelStatus struct {
	Channel         uint8     `json:"channel"`
	Lifecycle       Lifecycle `json:"lifecycle"`
	Setup           bool      `json:"setup"`
	On              bool      `json:"on"`
	LastCode        uint16    `json:"last_code"`
	Voltage         float64   `json:"voltage"`
	Config          *Summary  `json:"config,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}
