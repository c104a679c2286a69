package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tx is the subset of pgx.Tx used by DeadLetterRetentionService.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens transactions against the dead-letter store.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// PoolBeginner adapts a *pgxpool.Pool to Beginner.
type PoolBeginner struct {
	Pool *pgxpool.Pool
}

// Begin opens a transaction on the wrapped pool.
func (b PoolBeginner) Begin(ctx context.Context) (Tx, error) {
	return b.Pool.Begin(ctx)
}

// DeadLetterRetentionService prunes dead_letters rows older than a retention
// window, so dead-lettered workload stays available for inspection without
// the table growing unbounded.
type DeadLetterRetentionService struct {
	db            Beginner
	retentionDays int
}

// NewDeadLetterRetentionService creates a retention service. A non-positive
// retentionDays falls back to a 90-day default.
func NewDeadLetterRetentionService(db Beginner, retentionDays int) *DeadLetterRetentionService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &DeadLetterRetentionService{db: db, retentionDays: retentionDays}
}

// PruneOldEntries deletes dead_letters rows recorded before the retention cutoff.
func (s *DeadLetterRetentionService) PruneOldEntries(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dead letter retention begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var deleted int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM dead_letters
			WHERE recorded_at < $1
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deleted)
	if err != nil {
		slog.Debug("no dead letters to prune", slog.Any("error", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dead letter retention commit: %w", err)
	}

	slog.Info("dead letter retention pruning completed",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic runs PruneOldEntries once immediately, then on every tick of
// interval until ctx is canceled.
func (s *DeadLetterRetentionService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.PruneOldEntries(ctx); err != nil {
		slog.Error("initial dead letter retention pruning failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("dead letter retention service stopping")
			return
		case <-ticker.C:
			if err := s.PruneOldEntries(ctx); err != nil {
				slog.Error("periodic dead letter retention pruning failed", slog.Any("error", err))
			}
		}
	}
}
