package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenDAC/internal/channels"
	"github.com/KevinKickass/OpenDAC/internal/config"
	"github.com/KevinKickass/OpenDAC/internal/storage"
	"github.com/KevinKickass/OpenDAC/internal/types"
	"github.com/google/uuid"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State           string `json:"state"`
	ChannelCount    int    `json:"channel_count"`
	RunningChannels int    `json:"running_channels"`
	StorageEnabled  bool   `json:"storage_enabled"`
	MQTTConnected   bool   `json:"mqtt_connected"`
	MonitorRunning  bool   `json:"monitor_running"`
	WSClients       int    `json:"ws_clients"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// ChannelStore persists channel definitions and reads back recorded
// output events.
type ChannelStore interface {
	SaveChannel(ctx context.Context, id uuid.UUID, def types.ChannelDefinition) (uuid.UUID, error)
	DeleteChannel(ctx context.Context, name string) error
	RecentOutputEvents(ctx context.Context, name string, limit int) ([]storage.OutputEvent, error)
}

type LifecycleManager interface {
	Config() *config.Config
	// ChannelStore is nil when the database is disabled.
	ChannelStore() ChannelStore
	ChannelManager() *channels.Manager
	DefinitionLoader() *channels.DefinitionLoader
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
