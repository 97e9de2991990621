package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenDAC/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrChannelNotStored = errors.New("channel not stored")

// SaveChannel inserts or updates the definition stored under def.Name.
func (p *PostgresClient) SaveChannel(ctx context.Context, id uuid.UUID, def types.ChannelDefinition) (uuid.UUID, error) {
	defJSON, err := json.Marshal(def)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal definition: %w", err)
	}

	var stored uuid.UUID
	err = p.pool.QueryRow(ctx, `
		INSERT INTO channels (id, name, definition, enabled)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (name)
		DO UPDATE SET
			definition = EXCLUDED.definition,
			enabled = TRUE,
			updated_at = NOW()
		RETURNING id
	`, id, def.Name, defJSON).Scan(&stored)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert channel: %w", err)
	}

	return stored, nil
}

// LoadChannels returns every enabled channel ordered by name.
func (p *PostgresClient) LoadChannels(ctx context.Context) ([]StoredChannel, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, definition, enabled, created_at, updated_at
		FROM channels
		WHERE enabled = TRUE
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	stored := make([]StoredChannel, 0)
	for rows.Next() {
		var ch StoredChannel
		var defJSON []byte

		if err := rows.Scan(&ch.ID, &ch.Name, &defJSON, &ch.Enabled, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		if err := json.Unmarshal(defJSON, &ch.Definition); err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition of %s: %w", ch.Name, err)
		}
		ch.Definition.Normalize()

		stored = append(stored, ch)
	}

	return stored, rows.Err()
}

// DeleteChannel removes the channel stored under name.
func (p *PostgresClient) DeleteChannel(ctx context.Context, name string) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM channels WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrChannelNotStored, name)
	}

	return nil
}

// InsertOutputEvent appends one row to output_events.
func (p *PostgresClient) InsertOutputEvent(ctx context.Context, ev OutputEvent) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO output_events (channel_id, name, event, command, lifecycle, code, voltage, error, recorded_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), $9)
	`, ev.ChannelID, ev.Name, ev.Event, ev.Command, ev.Lifecycle, ev.Code, ev.Voltage, ev.Error, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert output event: %w", err)
	}
	return nil
}

// RecentOutputEvents returns the newest events of a channel, newest first.
func (p *PostgresClient) RecentOutputEvents(ctx context.Context, name string, limit int) ([]OutputEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, channel_id, name, event, COALESCE(command, ''), lifecycle, code, voltage,
		       COALESCE(error, ''), recorded_at
		FROM output_events
		WHERE name = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query output events: %w", err)
	}

	events, err := pgx.CollectRows(rows, pgx.RowToStructByPos[OutputEvent])
	if err != nil {
		return nil, fmt.Errorf("failed to scan output events: %w", err)
	}
	return events, nil
}
