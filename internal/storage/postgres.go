package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenDAC/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id          UUID PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		definition  JSONB NOT NULL,
		enabled     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS output_events (
		id          BIGSERIAL PRIMARY KEY,
		channel_id  UUID NOT NULL,
		name        TEXT NOT NULL,
		event       TEXT NOT NULL,
		command     TEXT,
		lifecycle   TEXT NOT NULL,
		code        INTEGER NOT NULL,
		voltage     DOUBLE PRECISION NOT NULL,
		error       TEXT,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS output_events_name_time
		ON output_events (name, recorded_at DESC)`,
}

// Migrate creates the tables if they do not exist yet.
func (p *PostgresClient) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
