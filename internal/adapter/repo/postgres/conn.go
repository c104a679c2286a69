// Package postgres provides the Workload Store and Node Registry adapters
// backing the dispatch engine's durable queue and live-node lookups.
package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig sizes one pgx pool. Several group workers polling the same
// database concurrently need more connections than a
// single-group deployment, so this comes from config.Config rather than a
// fixed constant shared by every pool the process opens.
type PoolConfig struct {
	MaxConns        int32
	MaxConnIdleTime time.Duration
}

// NewPool creates a pgx connection pool from the provided DSN, sized per
// poolCfg, with OpenTelemetry tracing enabled for distributed tracing
// visibility.
func NewPool(ctx context.Context, dsn string, poolCfg PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if poolCfg.MaxConns > 0 {
		cfg.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = poolCfg.MaxConnIdleTime
	}

	// Add OpenTelemetry tracing to PostgreSQL connections
	cfg.ConnConfig.Tracer = otelpgx.NewTracer(
		otelpgx.WithTrimSQLInSpanName(),
	)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Record connection pool stats for metrics
	if err := otelpgx.RecordStats(pool); err != nil {
		slog.Warn("failed to record pgx stats", slog.Any("error", err))
	}

	return pool, nil
}
