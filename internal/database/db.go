// Package database holds the PostgreSQL persistence layer: historical
// market data reads and backtest result storage.
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

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a connection pool and verifies connectivity.
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

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// schemaMigrations is applied in order by RunMigrations. Column names
// and aliases must stay clear of reserved PostgreSQL keywords; the
// schema test enforces this.
var schemaMigrations = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		symbol VARCHAR(20) NOT NULL,
		interval VARCHAR(5) NOT NULL,
		close_time BIGINT NOT NULL,
		open DECIMAL(20, 8) NOT NULL,
		high DECIMAL(20, 8) NOT NULL,
		low DECIMAL(20, 8) NOT NULL,
		close DECIMAL(20, 8) NOT NULL,
		volume DECIMAL(24, 8) NOT NULL,
		PRIMARY KEY (symbol, interval, close_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_candles_lookup ON candles(symbol, interval, close_time DESC)`,

	`CREATE TABLE IF NOT EXISTS flow_records (
		symbol VARCHAR(20) NOT NULL,
		metric VARCHAR(20) NOT NULL,
		interval VARCHAR(5) NOT NULL,
		ts BIGINT NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (symbol, metric, interval, ts)
	)`,

	`CREATE TABLE IF NOT EXISTS signal_triggers (
		id BIGSERIAL PRIMARY KEY,
		pool_id VARCHAR(64) NOT NULL,
		pool_name VARCHAR(100),
		pool_logic VARCHAR(3),
		symbol VARCHAR(20) NOT NULL,
		ts BIGINT NOT NULL,
		signals JSONB,
		regime JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_signal_triggers_lookup ON signal_triggers(pool_id, symbol, ts)`,

	`CREATE TABLE IF NOT EXISTS strategies (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(100) NOT NULL,
		code TEXT NOT NULL,
		params JSONB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS backtest_results (
		run_id VARCHAR(64) PRIMARY KEY,
		success BOOLEAN NOT NULL,
		error TEXT,
		config JSONB NOT NULL,
		total_pnl DECIMAL(20, 8) NOT NULL,
		total_fees DECIMAL(20, 8) NOT NULL,
		win_rate DOUBLE PRECISION NOT NULL,
		profit_factor DOUBLE PRECISION,
		sharpe_ratio DOUBLE PRECISION NOT NULL,
		max_drawdown DECIMAL(20, 8) NOT NULL,
		max_drawdown_percent DECIMAL(10, 6) NOT NULL,
		total_trades INT NOT NULL,
		closed_trades INT NOT NULL,
		winning_trades INT NOT NULL,
		losing_trades INT NOT NULL,
		total_triggers INT NOT NULL,
		signal_triggers INT NOT NULL,
		scheduled_triggers INT NOT NULL,
		final_equity DECIMAL(20, 8) NOT NULL,
		execution_time_ms BIGINT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS backtest_trades (
		id BIGSERIAL PRIMARY KEY,
		run_id VARCHAR(64) NOT NULL REFERENCES backtest_results(run_id) ON DELETE CASCADE,
		open_time BIGINT NOT NULL,
		close_time BIGINT,
		trigger_type VARCHAR(10) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		operation VARCHAR(15) NOT NULL,
		side VARCHAR(5) NOT NULL,
		entry_price DECIMAL(20, 8) NOT NULL,
		exit_price DECIMAL(20, 8),
		exit_reason VARCHAR(10),
		size DECIMAL(24, 8) NOT NULL,
		leverage INT NOT NULL,
		realized_pnl DECIMAL(20, 8),
		pnl_percent DECIMAL(12, 6),
		fee DECIMAL(20, 8),
		equity_after DECIMAL(20, 8),
		reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backtest_trades_run ON backtest_trades(run_id)`,

	`CREATE TABLE IF NOT EXISTS backtest_equity_points (
		run_id VARCHAR(64) NOT NULL REFERENCES backtest_results(run_id) ON DELETE CASCADE,
		ts BIGINT NOT NULL,
		equity DECIMAL(20, 8) NOT NULL,
		balance DECIMAL(20, 8) NOT NULL,
		max_drawdown DECIMAL(20, 8) NOT NULL,
		PRIMARY KEY (run_id, ts)
	)`,
}

// RunMigrations creates the schema if it does not exist.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	for i, migration := range schemaMigrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	db.logger.Info().Msg("database migrations completed")
	return nil
}
