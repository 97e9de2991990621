package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/config"
	"github.com/KevinKickass/OpenDAC/internal/output"
	"go.uber.org/zap"
)

const benchChannels = `
version: "1"
channels:
  - name: heater
    driver: sim
    options:
      vref: 4.096
      state_start: value
      state_start_value: 1.0
      state_shutdown: value
      state_shutdown_value: 0
  - name: spare
    driver: sim
    channel: 1
`

func newTestLifecycle(t *testing.T) *LifecycleManager {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bench.yaml"), []byte(benchChannels), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.HTTPPort = 0
	cfg.Server.Mode = "test"
	cfg.Auth.Enabled = false
	cfg.Channels.SearchPaths = []string{dir}
	cfg.Startup.VerifyInterval = time.Hour

	lm, err := NewLifecycleManager(nil, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewLifecycleManager: %v", err)
	}
	return lm
}

func TestLifecycleStartAndShutdown(t *testing.T) {
	lm := newTestLifecycle(t)

	if err := lm.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status := lm.GetCurrentStatus()
	if status.State != "RUNNING" || status.ChannelCount != 2 || status.RunningChannels != 2 {
		t.Fatalf("status = %+v", status)
	}
	if !status.MonitorRunning || status.StorageEnabled || lm.ChannelStore() != nil {
		t.Errorf("optional components: %+v", status)
	}

	heater, err := lm.ChannelManager().GetChannelByName("heater")
	if err != nil {
		t.Fatal(err)
	}
	if code, on, _ := lm.ChannelManager().IsOn(heater.ID); !on || code != 16000 {
		t.Errorf("start value: code %d on %v, want 16000", code, on)
	}
	if heater.Source != "file:bench" {
		t.Errorf("source = %q", heater.Source)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-lm.Done():
	default:
		t.Error("Done not closed after Shutdown")
	}
	if got := lm.GetCurrentStatus().State; got != "STOPPED" {
		t.Errorf("state = %s", got)
	}

	info := heater.Info()
	if info.Status.Lifecycle != output.LifecycleStopped || info.Status.LastCode != 0 {
		t.Errorf("heater after shutdown: %+v", info.Status)
	}

	// second call is a no-op
	if err := lm.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateStopped, StateInitializing, true},
		{StateRunning, StateInitializing, false},
		{StateStopped, StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err == nil) != tt.ok {
				t.Errorf("err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
