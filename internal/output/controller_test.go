package output

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errBus = errors.New("i2c: remote I/O error")

func mustConfig(t *testing.T, start, shutdown StatePolicy) ChannelConfig {
	t.Helper()
	cfg, err := NewChannelConfig(ReferenceInternal, GainOne, start, shutdown, 4.096)
	if err != nil {
		t.Fatalf("NewChannelConfig: %v", err)
	}
	return cfg
}

func runningController(t *testing.T, port *SimPort, start, shutdown StatePolicy) *Controller {
	t.Helper()
	c := NewController(0, zap.NewNop())
	if err := c.Initialize(context.Background(), mustConfig(t, start, shutdown), port); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

func TestControllerInitializeWriteOrder(t *testing.T) {
	port := NewSimPort()
	c := NewController(2, nil)
	cfg := mustConfig(t, Value(1.024), Saved())

	if err := c.Initialize(context.Background(), cfg, port); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	want := []string{OpWriteReference, OpWriteGain, OpWriteCode, OpPersist}
	writes := port.Writes()
	if len(writes) != len(want) {
		t.Fatalf("writes = %+v, want %v", writes, want)
	}
	for i, op := range writes {
		if op.Name != want[i] {
			t.Errorf("write %d = %s, want %s", i, op.Name, want[i])
		}
		if op.Name != OpPersist && op.Channel != 2 {
			t.Errorf("write %d on channel %d, want 2", i, op.Channel)
		}
	}

	if got := port.Code(2); got != 16384 {
		t.Errorf("device code = %d, want 16384", got)
	}
	if c.State().LastCode != 16384 {
		t.Errorf("last code = %d, want 16384", c.State().LastCode)
	}
	if !c.IsSetup() || c.Lifecycle() != LifecycleRunning {
		t.Errorf("lifecycle = %s, want running", c.Lifecycle())
	}
}

func TestControllerInitializeSavedKeepsDeviceCode(t *testing.T) {
	port := NewSimPortWithSaved(map[uint8]uint16{0: 40000})
	c := NewController(0, nil)

	if err := c.Initialize(context.Background(), mustConfig(t, Saved(), Saved()), port); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	for _, op := range port.Writes() {
		if op.Name == OpWriteCode {
			t.Fatalf("saved start wrote a code: %+v", op)
		}
	}
	if port.Code(0) != 40000 {
		t.Errorf("device code = %d, want 40000", port.Code(0))
	}
	if c.Lifecycle() != LifecycleRunning {
		t.Errorf("lifecycle = %s, want running", c.Lifecycle())
	}
	if code, on := c.IsOn(); !on || code != 40000 {
		t.Errorf("IsOn() = %d, %v; want 40000, true", code, on)
	}
}

func TestControllerInitializeFailure(t *testing.T) {
	for _, op := range []string{OpWriteReference, OpWriteGain, OpWriteCode, OpPersist} {
		t.Run(op, func(t *testing.T) {
			port := NewSimPort()
			port.Fail(op, errBus)
			c := NewController(0, nil)

			err := c.Initialize(context.Background(), mustConfig(t, Value(1), Saved()), port)
			if !errors.Is(err, ErrDevice) {
				t.Fatalf("Initialize() error = %v, want device error", err)
			}
			if !errors.Is(err, errBus) {
				t.Errorf("device error does not wrap transport error: %v", err)
			}

			if c.IsSetup() {
				t.Error("IsSetup() = true after failed initialize")
			}
			if c.Lifecycle() != LifecycleUninitialized {
				t.Errorf("lifecycle = %s, want uninitialized", c.Lifecycle())
			}
			if err := c.SetState(context.Background(), On(1)); !errors.Is(err, ErrNotRunning) {
				t.Errorf("SetState() error = %v, want ErrNotRunning", err)
			}
			if err := c.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
				t.Errorf("Stop() error = %v, want ErrNotRunning", err)
			}
		})
	}
}

func TestControllerInitializeGuards(t *testing.T) {
	ctx := context.Background()
	cfg := mustConfig(t, Saved(), Saved())

	c := NewController(0, nil)
	if err := c.Initialize(ctx, cfg, nil); !errors.Is(err, ErrNoDevice) {
		t.Errorf("nil port: error = %v, want ErrNoDevice", err)
	}
	if err := c.Initialize(ctx, ChannelConfig{}, NewSimPort()); !errors.Is(err, ErrUnresolvedConfig) {
		t.Errorf("zero config: error = %v, want ErrUnresolvedConfig", err)
	}

	running := runningController(t, NewSimPort(), Saved(), Saved())
	if err := running.Initialize(ctx, cfg, NewSimPort()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("running: error = %v, want ErrAlreadyRunning", err)
	}
}

func TestControllerSetState(t *testing.T) {
	port := NewSimPort()
	c := runningController(t, port, Saved(), Saved())
	ctx := context.Background()

	if err := c.SetState(ctx, On(2.048)); err != nil {
		t.Fatalf("SetState(On(2.048)): %v", err)
	}
	code, on := c.IsOn()
	if !on || code != 32768 {
		t.Errorf("IsOn() = %d, %v; want 32768, true", code, on)
	}
	if port.Code(0) != 32768 || port.SavedCode(0) != 32768 {
		t.Errorf("device code = %d saved = %d, want 32768", port.Code(0), port.SavedCode(0))
	}

	if err := c.SetState(ctx, Off()); err != nil {
		t.Fatalf("SetState(Off): %v", err)
	}
	if _, on := c.IsOn(); on {
		t.Error("IsOn() = true after Off")
	}
	if c.State().LastCode != 0 {
		t.Errorf("last code = %d after Off, want 0", c.State().LastCode)
	}

	if err := c.SetState(ctx, On(9)); err != nil {
		t.Fatalf("SetState(On(9)): %v", err)
	}
	if code, _ := c.IsOn(); code != MaxCode {
		t.Errorf("over-range code = %d, want %d", code, MaxCode)
	}

	if err := c.SetState(ctx, On(0)); err != nil {
		t.Fatalf("SetState(On(0)): %v", err)
	}
	if _, on := c.IsOn(); on {
		t.Error("On(0) left the channel on")
	}
}

func TestControllerSetStateRejects(t *testing.T) {
	port := NewSimPort()
	c := runningController(t, port, Value(1), Saved())
	before := c.State().LastCode
	port.ResetOps()

	tests := []struct {
		name    string
		cmd     Command
		wantErr error
	}{
		{"negative voltage", On(-0.5), ErrInvalidVoltage},
		{"nan voltage", On(math.NaN()), ErrInvalidVoltage},
		{"unknown command", Command{Kind: "toggle"}, ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.SetState(context.Background(), tt.cmd); !errors.Is(err, tt.wantErr) {
				t.Errorf("SetState() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if len(port.Ops()) != 0 {
		t.Errorf("rejected commands reached the device: %+v", port.Ops())
	}
	if c.State().LastCode != before {
		t.Errorf("last code changed to %d", c.State().LastCode)
	}
}

func TestControllerSetStateDeviceError(t *testing.T) {
	ctx := context.Background()

	t.Run("write fails", func(t *testing.T) {
		port := NewSimPort()
		c := runningController(t, port, Value(1), Saved())
		before := c.State().LastCode

		port.Fail(OpWriteCode, errBus)
		err := c.SetState(ctx, On(3))

		var derr *DeviceError
		if !errors.As(err, &derr) || derr.Op != "write code" {
			t.Fatalf("SetState() error = %v, want write code device error", err)
		}
		if c.State().LastCode != before {
			t.Errorf("last code = %d, want unchanged %d", c.State().LastCode, before)
		}
		if !c.IsSetup() {
			t.Error("channel stopped running after a failed write")
		}
	})

	t.Run("persist fails", func(t *testing.T) {
		port := NewSimPort()
		c := runningController(t, port, Saved(), Saved())

		port.Fail(OpPersist, errBus)
		err := c.SetState(ctx, On(2.048))
		if !errors.Is(err, ErrDevice) {
			t.Fatalf("SetState() error = %v, want device error", err)
		}
		if c.State().LastCode != 32768 {
			t.Errorf("last code = %d, want 32768 from the register write", c.State().LastCode)
		}
	})
}

func TestControllerStop(t *testing.T) {
	port := NewSimPort()
	c := runningController(t, port, Saved(), Value(0))
	ctx := context.Background()

	if err := c.SetState(ctx, On(CodeToVoltage(40000, 4.096))); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if c.State().LastCode != 40000 {
		t.Fatalf("last code = %d, want 40000", c.State().LastCode)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if port.Code(0) != 0 {
		t.Errorf("device code = %d after stop, want 0", port.Code(0))
	}
	if c.Lifecycle() != LifecycleStopped {
		t.Errorf("lifecycle = %s, want stopped", c.Lifecycle())
	}
	if c.IsSetup() {
		t.Error("IsSetup() = true after stop")
	}
	if err := c.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop() error = %v, want ErrNotRunning", err)
	}
	if err := c.SetState(ctx, On(1)); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SetState() after stop error = %v, want ErrNotRunning", err)
	}
}

func TestControllerStopSavedWritesNothing(t *testing.T) {
	port := NewSimPort()
	c := runningController(t, port, Value(1), Saved())
	port.ResetOps()

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ops := port.Ops(); len(ops) != 0 {
		t.Errorf("saved shutdown touched the device: %+v", ops)
	}
	if port.Code(0) != VoltageToCode(1, 4.096) {
		t.Errorf("device code = %d, want the start code", port.Code(0))
	}
}

func TestControllerStopFailureKeepsRunning(t *testing.T) {
	port := NewSimPort()
	c := runningController(t, port, Saved(), Value(0.5))
	port.Fail(OpWriteCode, errBus)

	if err := c.Stop(context.Background()); !errors.Is(err, ErrDevice) {
		t.Fatalf("Stop() error = %v, want device error", err)
	}
	if c.Lifecycle() != LifecycleRunning {
		t.Errorf("lifecycle = %s, want running", c.Lifecycle())
	}

	port.Fail(OpWriteCode, nil)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("retry Stop: %v", err)
	}
}

func TestControllerReinitializeAfterStop(t *testing.T) {
	port := NewSimPort()
	c := runningController(t, port, Saved(), Saved())
	ctx := context.Background()

	if err := c.SetState(ctx, On(1)); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	port.Fail(OpWriteGain, errBus)
	if err := c.Initialize(ctx, mustConfig(t, Saved(), Saved()), port); err == nil {
		t.Fatal("Initialize succeeded with failing port")
	}
	if c.Lifecycle() != LifecycleStopped {
		t.Errorf("lifecycle = %s after failed re-init, want stopped", c.Lifecycle())
	}

	port.Fail(OpWriteGain, nil)
	if err := c.Initialize(ctx, mustConfig(t, Saved(), Saved()), port); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if code, on := c.IsOn(); !on || code != VoltageToCode(1, 4.096) {
		t.Errorf("IsOn() = %d, %v after resume", code, on)
	}
}

func TestControllerStatus(t *testing.T) {
	c := NewController(1, nil)
	if st := c.Status(); st.Config != nil || st.Setup || st.Lifecycle != LifecycleUninitialized {
		t.Errorf("fresh status = %+v", st)
	}

	port := NewSimPort()
	if err := c.Initialize(context.Background(), mustConfig(t, Value(2.048), Saved()), port); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := c.Status()
	if !st.Setup || !st.On || st.LastCode != 32768 || st.Config == nil {
		t.Fatalf("running status = %+v", st)
	}
	if math.Abs(st.Voltage-2.048) > 1e-4 {
		t.Errorf("voltage = %g, want about 2.048", st.Voltage)
	}
	if st.Config.Start != "value(2.048V)" {
		t.Errorf("config start = %q", st.Config.Start)
	}
}

func TestControllerLogsTransitions(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := NewController(3, zap.New(core))
	ctx := context.Background()

	if err := c.Initialize(ctx, mustConfig(t, Saved(), Saved()), NewSimPort()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var states []string
	for _, entry := range logs.FilterMessage("Channel state changed").All() {
		fields := entry.ContextMap()
		if fields["channel"] != uint8(3) {
			t.Errorf("channel field = %v, want 3", fields["channel"])
		}
		states = append(states, fields["state"].(string))
	}

	want := []string{"configured", "running", "stopped"}
	if len(states) != len(want) {
		t.Fatalf("logged transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, states[i], want[i])
		}
	}
}
