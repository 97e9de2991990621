package channels

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/output"
	"go.uber.org/zap"
)

// driftTolerance absorbs the truncation of 12-bit converters, whose
// readback has the low nibble cleared.
const driftTolerance = 0x0f

// Drift is a running channel whose device no longer holds the cached code.
type Drift struct {
	Name     string
	Expected uint16
	Actual   uint16
}

// Verify reads back every running channel whose port supports it and
// reports the ones that drifted from the cached code.
func (m *Manager) Verify(ctx context.Context) []Drift {
	m.mu.RLock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	var drifts []Drift
	for _, ch := range channels {
		ch.mu.Lock()
		reader, ok := ch.port.(output.CodeReader)
		if !ok || !ch.ctrl.IsSetup() {
			ch.mu.Unlock()
			continue
		}

		expected := ch.ctrl.State().LastCode
		actual, err := reader.ReadChannelCode(ctx, ch.Definition.Channel)
		if err != nil {
			ch.mu.Unlock()
			m.logger.Error("Readback failed",
				zap.String("name", ch.Definition.Name),
				zap.Error(err))
			continue
		}

		if diff(expected, actual) <= driftTolerance {
			ch.mu.Unlock()
			continue
		}

		event := m.eventLocked(ch, EventDrift, nil, nil)
		ch.mu.Unlock()

		m.logger.Warn("Output drifted from cached code",
			zap.String("name", ch.Definition.Name),
			zap.Uint16("expected", expected),
			zap.Uint16("actual", actual))
		m.publish(event)
		drifts = append(drifts, Drift{Name: ch.Definition.Name, Expected: expected, Actual: actual})
	}
	return drifts
}

func diff(a, b uint16) uint16 {
	if a > b {
		return a - b
	}
	return b - a
}

// Monitor calls Verify periodically.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewMonitor(manager *Manager, interval time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		manager:  manager,
		interval: interval,
		logger:   logger,
	}
}

// Start startet die zyklische Prüfung
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.running = true
	m.stopChan = make(chan struct{})
	m.wg.Add(1)

	go m.loop(m.stopChan)

	m.logger.Info("Readback monitor started", zap.Duration("interval", m.interval))

	return nil
}

// Stop stoppt die Prüfung
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop := m.stopChan
	m.mu.Unlock()

	close(stop)
	m.wg.Wait()

	m.logger.Info("Readback monitor stopped")
}

func (m *Monitor) loop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval/2)
			m.manager.Verify(ctx)
			cancel()
		}
	}
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
