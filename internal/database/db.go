// Package database is the durable store: Postgres for the stream journal,
// execution journal, incidents and the append-only range log, plus the
// Redis-backed protection watchdog.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database connection configuration.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// NewDB connects and verifies the pool.
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "Database").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the engine's tables.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stream_journal (
			stream_id VARCHAR(128) PRIMARY KEY,
			state VARCHAR(40) NOT NULL,
			committed BOOLEAN NOT NULL DEFAULT FALSE,
			commit_reason VARCHAR(200),
			entry_detected BOOLEAN NOT NULL DEFAULT FALSE,
			range_locked BOOLEAN NOT NULL DEFAULT FALSE,
			range_high DECIMAL(20, 8),
			range_low DECIMAL(20, 8),
			freeze_close DECIMAL(20, 8),
			breakout_long DECIMAL(20, 8),
			breakout_short DECIMAL(20, 8),
			range_bar_count INT NOT NULL DEFAULT 0,
			range_start TIMESTAMPTZ,
			slot_time TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS execution_journal (
			intent_id VARCHAR(64) PRIMARY KEY,
			stream_id VARCHAR(128) NOT NULL,
			contract VARCHAR(32) NOT NULL,
			direction VARCHAR(8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			stop_price DECIMAL(20, 8) NOT NULL,
			target_price DECIMAL(20, 8) NOT NULL,
			quantity INT NOT NULL,
			point_value DECIMAL(20, 8) NOT NULL DEFAULT 0,
			submitted BOOLEAN NOT NULL DEFAULT FALSE,
			submitted_at TIMESTAMPTZ,
			rejected BOOLEAN NOT NULL DEFAULT FALSE,
			rejected_at TIMESTAMPTZ,
			reject_note TEXT,
			entry_filled_qty INT NOT NULL DEFAULT 0,
			avg_entry_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			first_fill_at TIMESTAMPTZ,
			exit_filled_qty INT NOT NULL DEFAULT 0,
			avg_exit_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			closed_at TIMESTAMPTZ,
			break_even_done BOOLEAN NOT NULL DEFAULT FALSE,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pnl_final BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_journal_stream
			ON execution_journal(stream_id)`,

		`CREATE TABLE IF NOT EXISTS incidents (
			id VARCHAR(26) PRIMARY KEY,
			stream_id VARCHAR(128),
			intent_id VARCHAR(64),
			kind VARCHAR(40) NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_created
			ON incidents(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS range_log (
			stream_id VARCHAR(128) NOT NULL,
			seq BIGSERIAL,
			kind VARCHAR(20) NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (stream_id, seq)
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("database migrations completed")
	return nil
}
