package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"signal-engine/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	l := logger.With().Str("component", "Database").Logger()
	l.Info().Str("database", cfg.Name).Str("host", cfg.Host).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: l}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations creates the engine's tables. Every statement is idempotent.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Int("count", len(migrations)).Msg("Database migrations completed")
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS strategies (
		id BIGSERIAL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		name VARCHAR(100) NOT NULL DEFAULT '',
		symbol VARCHAR(20) NOT NULL,
		timeframe VARCHAR(8) NOT NULL,
		exchange VARCHAR(16) NOT NULL DEFAULT 'binance',
		strategy_type VARCHAR(20) NOT NULL,
		params JSONB,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategies_user_exchange ON strategies(user_id, exchange) WHERE active`,

	`CREATE TABLE IF NOT EXISTS strategy_conditions (
		id BIGSERIAL PRIMARY KEY,
		strategy_id BIGINT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
		kind VARCHAR(5) NOT NULL CHECK (kind IN ('entry', 'exit')),
		indicator_type VARCHAR(20) NOT NULL,
		operator VARCHAR(20) NOT NULL,
		threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
		period INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategy_conditions_strategy ON strategy_conditions(strategy_id)`,

	`CREATE TABLE IF NOT EXISTS strategy_live_state (
		strategy_id BIGINT PRIMARY KEY REFERENCES strategies(id) ON DELETE CASCADE,
		position_open BOOLEAN NOT NULL DEFAULT FALSE,
		position_side VARCHAR(4),
		entry_price DECIMAL(20, 8),
		entry_time TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 0,
		last_cross_direction VARCHAR(4) NOT NULL DEFAULT 'none',
		last_processed_candle_time TIMESTAMPTZ,
		updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS signals (
		id UUID PRIMARY KEY,
		strategy_id BIGINT NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		signal_type VARCHAR(4) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		timeframe VARCHAR(8) NOT NULL,
		exchange VARCHAR(16) NOT NULL,
		price DECIMAL(20, 8) NOT NULL,
		reason TEXT,
		stop_loss DECIMAL(20, 8),
		take_profit_1 DECIMAL(20, 8),
		take_profit_2 DECIMAL(20, 8),
		confidence DOUBLE PRECISION,
		candle_close_time TIMESTAMPTZ NOT NULL,
		status VARCHAR(10) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		delivered_at TIMESTAMPTZ,
		CONSTRAINT uq_signals_idempotency UNIQUE (strategy_id, candle_close_time, signal_type)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_user_created ON signals(user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS signal_buffer (
		id BIGSERIAL PRIMARY KEY,
		signal_id UUID NOT NULL,
		strategy_id BIGINT NOT NULL,
		payload JSONB NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		buffered_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS ohlcv (
		exchange VARCHAR(16) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		timeframe VARCHAR(8) NOT NULL,
		open_time TIMESTAMPTZ NOT NULL,
		close_time TIMESTAMPTZ,
		open DECIMAL(20, 8) NOT NULL,
		high DECIMAL(20, 8) NOT NULL,
		low DECIMAL(20, 8) NOT NULL,
		close DECIMAL(20, 8) NOT NULL,
		volume DECIMAL(28, 8) NOT NULL,
		PRIMARY KEY (exchange, symbol, timeframe, open_time)
	)`,
}
