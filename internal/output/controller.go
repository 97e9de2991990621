package output

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Controller owns the runtime state of one DAC channel. It does no locking:
// callers serialize operations on a channel.
type Controller struct {
	channel uint8
	logger  *zap.Logger

	config ChannelConfig
	port   DevicePort

	state           ChannelState
	lastStateChange time.Time
}

func NewController(channel uint8, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		channel:         channel,
		logger:          logger.With(zap.Uint8("channel", channel)),
		state:           ChannelState{Lifecycle: LifecycleUninitialized},
		lastStateChange: time.Now(),
	}
}

// Initialize applies reference and gain, then the start policy, and leaves
// the channel running. On any failure nothing is committed: the lifecycle
// and the cached code stay as they were.
//
// A stopped controller may be initialized again to resume.
func (c *Controller) Initialize(ctx context.Context, cfg ChannelConfig, port DevicePort) error {
	if c.state.Lifecycle == LifecycleRunning {
		return fmt.Errorf("cannot initialize: %w", ErrAlreadyRunning)
	}
	if port == nil {
		return fmt.Errorf("cannot initialize: %w", ErrNoDevice)
	}
	if !cfg.resolved() {
		return fmt.Errorf("cannot initialize: %w", ErrUnresolvedConfig)
	}

	if err := port.WriteReference(ctx, c.channel, cfg.Reference()); err != nil {
		return c.deviceError("write reference", err)
	}
	if err := port.WriteGain(ctx, c.channel, cfg.Gain()); err != nil {
		return c.deviceError("write gain", err)
	}

	code := c.state.LastCode
	if reader, ok := port.(CodeReader); ok {
		current, err := reader.ReadChannelCode(ctx, c.channel)
		if err != nil {
			return c.deviceError("read code", err)
		}
		code = current
	}

	if v, ok := cfg.Start().Voltage(); ok {
		code = VoltageToCode(v, cfg.VrefVolts())
		if err := port.WriteChannelCode(ctx, c.channel, code); err != nil {
			return c.deviceError("write code", err)
		}
	}

	if err := port.Persist(ctx); err != nil {
		return c.deviceError("persist", err)
	}

	c.config = cfg
	c.port = port
	c.setLifecycle(LifecycleConfigured)

	c.state.LastCode = code
	c.setLifecycle(LifecycleRunning)

	c.logger.Info("Channel initialized",
		zap.String("reference", cfg.Reference().String()),
		zap.Uint8("gain", uint8(cfg.Gain())),
		zap.String("start", cfg.Start().String()),
		zap.Float64("vref", cfg.VrefVolts()),
		zap.Uint16("code", code))

	return nil
}

// SetState drives the output. On(v) with v == 0 is the same as Off.
// Negative or NaN voltages are rejected; voltages above vref saturate at
// full scale.
func (c *Controller) SetState(ctx context.Context, cmd Command) error {
	if c.state.Lifecycle != LifecycleRunning {
		return fmt.Errorf("cannot set state: %w (current: %s)", ErrNotRunning, c.state.Lifecycle)
	}

	var code uint16
	switch cmd.Kind {
	case CommandOn:
		if math.IsNaN(cmd.Voltage) || cmd.Voltage < 0 {
			return fmt.Errorf("%w: %g V", ErrInvalidVoltage, cmd.Voltage)
		}
		code = VoltageToCode(cmd.Voltage, c.config.VrefVolts())
	case CommandOff:
		code = 0
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Kind)
	}

	if err := c.writeCode(ctx, code); err != nil {
		return err
	}

	c.logger.Debug("Channel output set",
		zap.String("command", string(cmd.Kind)),
		zap.Float64("voltage", cmd.Voltage),
		zap.Uint16("code", code))

	return nil
}

// IsOn reports the cached code when the channel is running and not at zero.
// It never touches the device.
func (c *Controller) IsOn() (uint16, bool) {
	if c.state.Lifecycle != LifecycleRunning || c.state.LastCode == 0 {
		return 0, false
	}
	return c.state.LastCode, true
}

// Stop applies the shutdown policy and moves the channel to Stopped. If the
// shutdown write fails the channel stays running.
func (c *Controller) Stop(ctx context.Context) error {
	if c.state.Lifecycle != LifecycleRunning {
		return fmt.Errorf("cannot stop: %w (current: %s)", ErrNotRunning, c.state.Lifecycle)
	}

	if v, ok := c.config.Shutdown().Voltage(); ok {
		if err := c.writeCode(ctx, VoltageToCode(v, c.config.VrefVolts())); err != nil {
			return err
		}
	}

	c.setLifecycle(LifecycleStopped)
	return nil
}

// IsSetup is true only while the channel is running.
func (c *Controller) IsSetup() bool {
	return c.state.Lifecycle == LifecycleRunning
}

func (c *Controller) Lifecycle() Lifecycle {
	return c.state.Lifecycle
}

func (c *Controller) State() ChannelState {
	return c.state
}

// Config returns the config the channel was last initialized with.
func (c *Controller) Config() (ChannelConfig, bool) {
	return c.config, c.config.resolved()
}

func (c *Controller) Channel() uint8 {
	return c.channel
}

func (c *Controller) Status() ChannelStatus {
	status := ChannelStatus{
		Channel:         c.channel,
		Lifecycle:       c.state.Lifecycle,
		Setup:           c.IsSetup(),
		LastCode:        c.state.LastCode,
		LastStateChange: c.lastStateChange,
	}
	_, status.On = c.IsOn()
	if cfg, ok := c.Config(); ok {
		summary := cfg.Summary()
		status.Config = &summary
		status.Voltage = CodeToVoltage(c.state.LastCode, cfg.VrefVolts())
	}
	return status
}

// writeCode writes and persists a code. The cached code follows the output
// register, so it is updated as soon as the register write succeeded.
func (c *Controller) writeCode(ctx context.Context, code uint16) error {
	if err := c.port.WriteChannelCode(ctx, c.channel, code); err != nil {
		return c.deviceError("write code", err)
	}
	c.state.LastCode = code

	if err := c.port.Persist(ctx); err != nil {
		return c.deviceError("persist", err)
	}
	return nil
}

func (c *Controller) setLifecycle(next Lifecycle) {
	previous := c.state.Lifecycle
	c.state.Lifecycle = next
	c.lastStateChange = time.Now()

	c.logger.Info("Channel state changed",
		zap.String("state", string(next)),
		zap.String("previous_state", string(previous)))
}

func (c *Controller) deviceError(op string, err error) error {
	c.logger.Error("Device write failed",
		zap.String("op", op),
		zap.String("lifecycle", string(c.state.Lifecycle)),
		zap.Error(err))
	return &DeviceError{Op: op, Channel: c.channel, Err: err}
}
