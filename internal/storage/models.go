package storage

import (
	"time"

	"github.com/KevinKickass/OpenDAC/internal/types"
	"github.com/google/uuid"
)

// StoredChannel is a row of the channels table.
type StoredChannel struct {
	ID         uuid.UUID               `json:"id"`
	Name       string                  `json:"name"`
	Definition types.ChannelDefinition `json:"definition"` // JSONB
	Enabled    bool                    `json:"enabled"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// OutputEvent is a row of the output_events table. Voltage is the
// electrical potential in volts the output was driven to.
type OutputEvent struct {
	ID         int64     `json:"id"`
	ChannelID  uuid.UUID `json:"channel_id"`
	Name       string    `json:"name"`
	Event      string    `json:"event"`
	Command    string    `json:"command,omitempty"`
	Lifecycle  string    `json:"lifecycle"`
	Code       int32     `json:"code"`
	Voltage    float64   `json:"voltage"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
