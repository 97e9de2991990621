package system

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDAC/internal/api/rest"
	"github.com/KevinKickass/OpenDAC/internal/api/websocket"
	"github.com/KevinKickass/OpenDAC/internal/auth"
	"github.com/KevinKickass/OpenDAC/internal/channels"
	"github.com/KevinKickass/OpenDAC/internal/config"
	"github.com/KevinKickass/OpenDAC/internal/interfaces"
	"github.com/KevinKickass/OpenDAC/internal/mqtt"
	"github.com/KevinKickass/OpenDAC/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sourceDatabase   = "database"
	sourceFilePrefix = "file:"
)

type LifecycleManager struct {
	config         *config.Config
	storage        *storage.PostgresClient
	recorder       *storage.Recorder
	loader         *channels.DefinitionLoader
	channelManager *channels.Manager
	monitor        *channels.Monitor
	authService    *auth.AuthService
	wsHub          *websocket.Hub
	mqttBridge     *mqtt.Bridge
	logger         *zap.Logger

	restServer *rest.Server
	hubCancel  context.CancelFunc

	stateMu      sync.RWMutex
	currentState SystemState
	lastError    error
	startedAt    time.Time

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager wires every component from cfg. store may be nil when
// the database is disabled.
func NewLifecycleManager(store *storage.PostgresClient, cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	loader, err := channels.NewDefinitionLoader(cfg.Channels.SearchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition loader: %w", err)
	}

	authService, err := auth.NewAuthService(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	ports := channels.NewDriverFactory(cfg.I2C.DefaultBus, nil, logger)
	channelManager := channels.NewManager(ports, channels.RetryPolicy{
		Attempts:        cfg.Startup.InitRetries,
		InitialInterval: cfg.Startup.InitInterval,
		MaxElapsed:      cfg.Startup.InitMaxElapsed,
	}, logger)

	lm := &LifecycleManager{
		config:         cfg,
		storage:        store,
		loader:         loader,
		channelManager: channelManager,
		authService:    authService,
		logger:         logger,
		currentState:   StateInitializing,
		shutdownChan:   make(chan struct{}),
	}

	lm.wsHub = websocket.NewHub(logger, authService)
	lm.wsHub.SetStatusProvider(lm)
	channelManager.AddPublisher(lm.wsHub)

	if store != nil {
		lm.recorder = storage.NewRecorder(store, logger)
		channelManager.AddPublisher(lm.recorder)
	}

	if cfg.MQTT.Enabled {
		lm.mqttBridge = mqtt.New(cfg.MQTT, channelManager, logger)
		channelManager.AddPublisher(lm.mqttBridge)
	}

	if cfg.Startup.VerifyInterval > 0 {
		lm.monitor = channels.NewMonitor(channelManager, cfg.Startup.VerifyInterval, logger)
	}

	return lm, nil
}

// Start loads all channels and starts the servers.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenDAC")

	lm.setState(StateInitializing)
	lm.broadcastStatus()

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.hubCancel = cancel
	go lm.wsHub.Run(hubCtx)

	if err := lm.loadChannelFiles(ctx); err != nil {
		lm.logger.Warn("Failed to load channel files", zap.Error(err))
	}

	if lm.storage != nil {
		if err := lm.storage.Migrate(ctx); err != nil {
			lm.setError(fmt.Errorf("database migration failed: %w", err))
			return err
		}
		// Continue anyway, not critical
		if err := lm.loadChannelsFromDB(ctx); err != nil {
			lm.logger.Warn("Failed to load channels from database", zap.Error(err))
		}
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	if lm.mqttBridge != nil {
		if err := lm.mqttBridge.Start(ctx); err != nil {
			lm.logger.Error("MQTT bridge not started", zap.Error(err))
		}
	}

	if lm.monitor != nil {
		if err := lm.monitor.Start(); err != nil {
			lm.logger.Warn("Failed to start output monitor", zap.Error(err))
		}
	}

	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.stateMu.Unlock()

	lm.setState(StateRunning)
	lm.broadcastStatus()

	running, total := lm.channelManager.RunningCount()
	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("channels", total),
		zap.Int("running_channels", running),
		zap.Bool("database", lm.storage != nil),
		zap.Bool("mqtt", lm.mqttBridge != nil))

	return nil
}

func (lm *LifecycleManager) loadChannelFiles(ctx context.Context) error {
	paths, err := lm.loader.Discover()
	if err != nil {
		return err
	}

	lm.logger.Info("Loading channel files", zap.Int("count", len(paths)))

	var errs []error
	for _, path := range paths {
		file, err := lm.loader.LoadFile(path)
		if err != nil {
			lm.logger.Error("Failed to load channel file", zap.String("file", path), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		source := sourceFilePrefix + strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		for _, def := range file.Channels {
			// Device errors leave the channel registered, only log them.
			if _, err := lm.channelManager.LoadChannel(ctx, uuid.Nil, def, source); err != nil {
				lm.logger.Warn("Channel from file not running",
					zap.String("file", path),
					zap.String("name", def.Name),
					zap.Error(err))
			}
		}
	}
	return errors.Join(errs...)
}

func (lm *LifecycleManager) loadChannelsFromDB(ctx context.Context) error {
	stored, err := lm.storage.LoadChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}

	lm.logger.Info("Loading channels from database", zap.Int("count", len(stored)))

	for _, sc := range stored {
		if _, err := lm.channelManager.LoadChannel(ctx, sc.ID, sc.Definition, sourceDatabase); err != nil {
			if errors.Is(err, channels.ErrDuplicateName) {
				lm.logger.Warn("Stored channel shadowed by channel file", zap.String("name", sc.Name))
				continue
			}
			lm.logger.Warn("Stored channel not running",
				zap.String("name", sc.Name),
				zap.Error(err))
		}
	}

	return nil
}

// Shutdown applies the shutdown policy of every channel, then stops the
// servers.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		lm.logger.Info("System stopped")

		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown has finished.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	if lm.monitor != nil {
		lm.monitor.Stop()
	}

	// Outputs first, publishers still see the final events.
	var errs []error
	if err := lm.channelManager.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("channel stop failed: %w", err))
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 4)

	// REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, lm.config.Server.ShutdownTimeout)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	if lm.mqttBridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.mqttBridge.Stop()
		}()
	}

	if lm.recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.recorder.Close()
		}()
	}

	// Wait for all shutdowns
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		lm.logger.Info("Graceful shutdown completed")
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded"))
	}
	close(errChan)
	for err := range errChan {
		errs = append(errs, err)
	}

	lm.broadcastStatus()
	if lm.hubCancel != nil {
		lm.hubCancel()
	}
	if lm.storage != nil {
		lm.storage.Close()
	}

	return errors.Join(errs...)
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm.config, lm, lm.logger, lm.wsHub, lm.authService)
	return lm.restServer.Start()
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if state == lm.currentState {
		return
	}
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
	if state != StateError {
		lm.lastError = nil
	}
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)

	lm.stateMu.Lock()
	lm.lastError = err
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	startedAt := lm.startedAt
	lm.stateMu.RUnlock()

	running, total := lm.channelManager.RunningCount()
	status := interfaces.SystemStatus{
		State:           state.String(),
		ChannelCount:    total,
		RunningChannels: running,
		StorageEnabled:  lm.storage != nil,
		MQTTConnected:   lm.mqttBridge != nil && lm.mqttBridge.Connected(),
		MonitorRunning:  lm.monitor != nil && lm.monitor.IsRunning(),
		WSClients:       lm.wsHub.GetClientCount(),
	}
	if !startedAt.IsZero() {
		status.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	return status
}

// GetStatus feeds the websocket greeting.
func (lm *LifecycleManager) GetStatus() any {
	return lm.GetCurrentStatus()
}

// LastError returns the error that put the system into StateError.
func (lm *LifecycleManager) LastError() error {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.lastError
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.wsHub.Broadcast(websocket.NewSystemStatusMessage(lm.GetCurrentStatus()))
}

// ChannelStore returns nil when the database is disabled.
func (lm *LifecycleManager) ChannelStore() interfaces.ChannelStore {
	if lm.storage == nil {
		return nil
	}
	return lm.storage
}

func (lm *LifecycleManager) ChannelManager() *channels.Manager {
	return lm.channelManager
}

func (lm *LifecycleManager) DefinitionLoader() *channels.DefinitionLoader {
	return lm.loader
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}
