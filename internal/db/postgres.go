// Package db provides database connectivity and pool management.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/config"
)

// Querier is the subset of the pool the repositories use.
// Both *Pool and pgxmock pools satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Pool wraps pgxpool.Pool with additional functionality.
type Pool struct {
	*pgxpool.Pool
	logger *zap.Logger
}

// NewPool creates a new database connection pool.
func NewPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MaxIdleConnections)
	if lifetime := cfg.ConnMaxLifetimeDuration(); lifetime > 0 {
		poolConfig.MaxConnLifetime = lifetime
	}
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection pool created",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
		zap.Int("max_connections", cfg.MaxConnections),
	)

	return &Pool{
		Pool:   pool,
		logger: logger,
	}, nil
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	p.Pool.Close()
	p.logger.Info("Database connection pool closed")
}

// HealthCheck performs a health check on the database.
func (p *Pool) HealthCheck(ctx context.Context) error {
	return HealthCheck(ctx, p)
}

// HealthCheck runs a trivial query with a short timeout.
func HealthCheck(ctx context.Context, q Querier) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := q.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// schema creates the run history table. Statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS training_runs (
	id               UUID PRIMARY KEY,
	surface          TEXT NOT NULL,
	trigger          TEXT NOT NULL,
	status           TEXT NOT NULL,
	instrument_token BIGINT NOT NULL,
	interval         TEXT NOT NULL,
	request          JSONB NOT NULL,
	expected_units   INTEGER NOT NULL DEFAULT 0,
	completed_units  INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT,
	final_result     JSONB,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_training_runs_surface_started
	ON training_runs (surface, started_at DESC);
`

// Migrate creates the tables the service needs.
func Migrate(ctx context.Context, q Querier, logger *zap.Logger) error {
	if _, err := q.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	logger.Info("Database schema applied")
	return nil
}
