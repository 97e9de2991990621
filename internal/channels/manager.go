package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/mcp472x"
	"github.com/KevinKickass/OpenDAC/internal/output"
	"github.com/KevinKickass/OpenDAC/internal/types"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrDuplicateName   = errors.New("channel name already in use")
)

// Event names carried by StateEvent.
const (
	EventInitialized = "initialized"
	EventSet         = "set"
	EventStopped     = "stopped"
	EventError       = "error"
	EventDrift       = "drift"
	EventRemoved     = "removed"
)

// StateEvent is emitted after every operation that touched a channel.
type StateEvent struct {
	ChannelID uuid.UUID            `json:"channel_id"`
	Name      string               `json:"name"`
	Event     string               `json:"event"`
	Command   *output.Command      `json:"command,omitempty"`
	Status    output.ChannelStatus `json:"status"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Publisher receives state events. Implementations must not block.
type Publisher interface {
	PublishState(event StateEvent)
}

// RetryPolicy bounds the retries of a channel initialization that failed
// with a device error.
type RetryPolicy struct {
	Attempts        uint64
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// Channel is a registered output. Its mutex serializes every operation on
// the controller.
type Channel struct {
	ID         uuid.UUID
	Definition types.ChannelDefinition
	Source     string

	mu      sync.Mutex
	ctrl    *output.Controller
	config  output.ChannelConfig
	port    output.DevicePort
	initErr error
}

func (c *Channel) Info() types.ChannelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.infoLocked()
}

func (c *Channel) infoLocked() types.ChannelInfo {
	info := types.ChannelInfo{
		ID:     c.ID,
		Name:   c.Definition.Name,
		Driver: c.Definition.Driver,
		Source: c.Source,
		Status: c.ctrl.Status(),
	}
	if c.initErr != nil {
		info.InitError = c.initErr.Error()
	}
	return info
}

type Manager struct {
	ports      PortFactory
	channels   map[uuid.UUID]*Channel
	byName     map[string]uuid.UUID
	publishers []Publisher
	retry      RetryPolicy
	mu         sync.RWMutex
	logger     *zap.Logger
}

func NewManager(ports PortFactory, retry RetryPolicy, logger *zap.Logger) *Manager {
	return &Manager{
		ports:    ports,
		channels: make(map[uuid.UUID]*Channel),
		byName:   make(map[string]uuid.UUID),
		retry:    retry,
		logger:   logger,
	}
}

// AddPublisher registers a receiver for state events.
func (m *Manager) AddPublisher(p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers = append(m.publishers, p)
}

// LoadChannel resolves def, opens its port and initializes the controller.
//
// Configuration errors reject the channel. A channel whose port cannot be
// opened or whose initialization fails is still registered, not running,
// and the error is returned alongside it.
func (m *Manager) LoadChannel(ctx context.Context, id uuid.UUID, def types.ChannelDefinition, source string) (*Channel, error) {
	def.Normalize()
	cfg, err := output.Resolve(def.Options)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", def.Name, err)
	}
	if def.Driver == types.DriverMCP4725 && cfg.Gain() == output.GainTwo {
		return nil, fmt.Errorf("channel %s: %w", def.Name,
			&output.ConfigError{Field: "gain", Err: mcp472x.ErrUnsupportedGain})
	}
	if id == uuid.Nil {
		id = uuid.New()
	}

	m.mu.Lock()
	if _, exists := m.byName[def.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, def.Name)
	}
	ch := &Channel{
		ID:         id,
		Definition: def,
		Source:     source,
		ctrl:       output.NewController(def.Channel, m.logger.With(zap.String("name", def.Name))),
		config:     cfg,
	}
	m.channels[id] = ch
	m.byName[def.Name] = id
	m.mu.Unlock()

	ch.mu.Lock()
	port, err := m.ports.Port(&def)
	if err != nil {
		ch.initErr = err
	} else {
		ch.port = port
		ch.initErr = m.initialize(ctx, ch)
	}
	err = ch.initErr
	event := m.eventLocked(ch, EventInitialized, nil, err)
	ch.mu.Unlock()

	m.publish(event)

	if err != nil {
		m.logger.Error("Channel failed to start",
			zap.String("name", def.Name),
			zap.String("driver", string(def.Driver)),
			zap.Error(err))
		return ch, err
	}

	m.logger.Info("Channel loaded",
		zap.String("id", id.String()),
		zap.String("name", def.Name),
		zap.String("driver", string(def.Driver)),
		zap.Uint8("channel", def.Channel),
		zap.String("source", source))

	return ch, nil
}

// initialize runs Controller.Initialize and retries device errors with an
// exponential backoff. Any other error ends the retries at once.
func (m *Manager) initialize(ctx context.Context, ch *Channel) error {
	var permanent error
	attempt := 0
	op := func() error {
		attempt++
		err := ch.ctrl.Initialize(ctx, ch.config, ch.port)
		if err == nil {
			return nil
		}
		if errors.Is(err, output.ErrDevice) && !permanentPortError(err) {
			m.logger.Warn("Channel initialization failed, retrying",
				zap.String("name", ch.Definition.Name),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		// other errors are captured in the closure to be handled without retrying
		permanent = err
		return nil
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     m.retry.InitialInterval,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      m.retry.MaxElapsed,
		Clock:               backoff.SystemClock,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, m.retry.Attempts), ctx))
	if permanent != nil {
		return permanent
	}
	return err
}

// permanentPortError reports port errors that no retry can clear.
func permanentPortError(err error) bool {
	return errors.Is(err, mcp472x.ErrInvalidChannel) ||
		errors.Is(err, mcp472x.ErrUnsupportedGain) ||
		errors.Is(err, mcp472x.ErrInvalidVariant)
}

// Initialize starts a channel again after Stop or a failed start.
func (m *Manager) Initialize(ctx context.Context, id uuid.UUID) (types.ChannelInfo, error) {
	ch, err := m.GetChannel(id)
	if err != nil {
		return types.ChannelInfo{}, err
	}

	ch.mu.Lock()
	if ch.port == nil {
		ch.port, err = m.ports.Port(&ch.Definition)
	}
	if err == nil {
		err = m.initialize(ctx, ch)
	}
	if !errors.Is(err, output.ErrAlreadyRunning) {
		ch.initErr = err
	}
	info := ch.infoLocked()
	event := m.eventLocked(ch, EventInitialized, nil, err)
	ch.mu.Unlock()

	m.publish(event)
	return info, err
}

func (m *Manager) SetState(ctx context.Context, id uuid.UUID, cmd output.Command) (types.ChannelInfo, error) {
	ch, err := m.GetChannel(id)
	if err != nil {
		return types.ChannelInfo{}, err
	}

	ch.mu.Lock()
	err = ch.ctrl.SetState(ctx, cmd)
	info := ch.infoLocked()
	event := m.eventLocked(ch, EventSet, &cmd, err)
	ch.mu.Unlock()

	// Rejected commands never reached the device.
	if err == nil || errors.Is(err, output.ErrDevice) {
		m.publish(event)
	}
	return info, err
}

// IsOn reports the cached output without touching the device.
func (m *Manager) IsOn(id uuid.UUID) (uint16, bool, error) {
	ch, err := m.GetChannel(id)
	if err != nil {
		return 0, false, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	code, on := ch.ctrl.IsOn()
	return code, on, nil
}

func (m *Manager) Stop(ctx context.Context, id uuid.UUID) (types.ChannelInfo, error) {
	ch, err := m.GetChannel(id)
	if err != nil {
		return types.ChannelInfo{}, err
	}

	ch.mu.Lock()
	err = ch.ctrl.Stop(ctx)
	info := ch.infoLocked()
	event := m.eventLocked(ch, EventStopped, nil, err)
	ch.mu.Unlock()

	if !errors.Is(err, output.ErrNotRunning) {
		m.publish(event)
	}
	return info, err
}

func (m *Manager) Status(id uuid.UUID) (types.ChannelInfo, error) {
	ch, err := m.GetChannel(id)
	if err != nil {
		return types.ChannelInfo{}, err
	}
	return ch.Info(), nil
}

// GetChannel returns channel by ID
func (m *Manager) GetChannel(id uuid.UUID) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ch, exists := m.channels[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return ch, nil
}

// GetChannelByName returns channel by name
func (m *Manager) GetChannelByName(name string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.byName[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	return m.channels[id], nil
}

// Lookup accepts either a channel ID or a channel name.
func (m *Manager) Lookup(ref string) (*Channel, error) {
	if id, err := uuid.Parse(ref); err == nil {
		if ch, err := m.GetChannel(id); err == nil {
			return ch, nil
		}
	}
	return m.GetChannelByName(ref)
}

// ListChannels returns all channels sorted by name.
func (m *Manager) ListChannels() []types.ChannelInfo {
	m.mu.RLock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	infos := make([]types.ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		infos = append(infos, ch.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// RemoveChannel stops a running channel and unregisters it.
func (m *Manager) RemoveChannel(ctx context.Context, id uuid.UUID) error {
	ch, err := m.GetChannel(id)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	if ch.ctrl.IsSetup() {
		if err := ch.ctrl.Stop(ctx); err != nil {
			ch.mu.Unlock()
			return err
		}
	}
	event := m.eventLocked(ch, EventRemoved, nil, nil)
	ch.mu.Unlock()

	m.mu.Lock()
	delete(m.channels, id)
	delete(m.byName, ch.Definition.Name)
	m.mu.Unlock()

	m.publish(event)
	m.logger.Info("Channel removed", zap.String("name", ch.Definition.Name))
	return nil
}

// StopAll applies the shutdown policy of every running channel and closes
// all device ports. It keeps going after a failing channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	var errs []error
	for _, ch := range channels {
		ch.mu.Lock()
		if !ch.ctrl.IsSetup() {
			ch.mu.Unlock()
			continue
		}
		err := ch.ctrl.Stop(ctx)
		event := m.eventLocked(ch, EventStopped, nil, err)
		ch.mu.Unlock()

		m.publish(event)
		if err != nil {
			m.logger.Error("Failed to stop channel",
				zap.String("name", ch.Definition.Name),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Definition.Name, err))
		}
	}

	if err := m.ports.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunningCount returns how many channels are running.
func (m *Manager) RunningCount() (running, total int) {
	for _, info := range m.ListChannels() {
		total++
		if info.Status.Setup {
			running++
		}
	}
	return running, total
}

func (m *Manager) eventLocked(ch *Channel, name string, cmd *output.Command, err error) StateEvent {
	event := StateEvent{
		ChannelID: ch.ID,
		Name:      ch.Definition.Name,
		Event:     name,
		Command:   cmd,
		Status:    ch.ctrl.Status(),
		Timestamp: time.Now(),
	}
	if err != nil {
		event.Event = EventError
		event.Error = err.Error()
	}
	return event
}

func (m *Manager) publish(event StateEvent) {
	m.mu.RLock()
	publishers := m.publishers
	m.mu.RUnlock()

	for _, p := range publishers {
		p.PublishState(event)
	}
}
