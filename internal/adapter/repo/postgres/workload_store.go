package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/ace-collector/internal/config"
	"github.com/fairyhunter13/ace-collector/internal/domain"
)

// PgxPool is the subset of *pgxpool.Pool used by the workload store and
// group store. Narrowing to an interface keeps these adapters testable
// without a live database.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// WorkloadStore implements domain.WorkloadStore and domain.GroupStore against
// PostgreSQL, grounded on the READY/COMPLETED work_distribution state machine
// of the original collector (SPEC_FULL.md §3, §4.2).
type WorkloadStore struct {
	pool  PgxPool
	retry config.StoreRetryConfig
}

// NewWorkloadStore constructs a WorkloadStore.
func NewWorkloadStore(pool PgxPool, retry config.StoreRetryConfig) *WorkloadStore {
	return &WorkloadStore{pool: pool, retry: retry}
}

func (s *WorkloadStore) withRetry(ctx context.Context, op func() error) error {
	return withDatabaseRetry(ctx, s.retry, op)
}

// UpsertGroup returns the id of the named work distribution group, creating
// the row if it does not already exist.
func (s *WorkloadStore) UpsertGroup(ctx context.Context, name string) (int64, error) {
	var groupID int64
	err := s.withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx, `SELECT id FROM work_distribution_groups WHERE name = $1`, name)
		err := row.Scan(&groupID)
		if errors.Is(err, pgx.ErrNoRows) {
			insertRow := s.pool.QueryRow(ctx,
				`INSERT INTO work_distribution_groups (name) VALUES ($1) RETURNING id`, name)
			return insertRow.Scan(&groupID)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("op=postgres.UpsertGroup: %w", err)
	}
	return groupID, nil
}

// Enqueue inserts a new workload item and assigns it to every named group
// with status READY.
func (s *WorkloadStore) Enqueue(ctx context.Context, blob []byte, mode string, groupIDs []int64) (int64, error) {
	var workID int64
	err := s.withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`INSERT INTO incoming_workload (mode, work) VALUES ($1, $2) RETURNING id`, mode, blob)
		if err := row.Scan(&workID); err != nil {
			return err
		}
		for _, groupID := range groupIDs {
			if _, err := s.pool.Exec(ctx,
				`INSERT INTO work_distribution (work_id, group_id, status) VALUES ($1, $2, 'READY')`,
				workID, groupID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("op=postgres.Enqueue: %w", err)
	}
	return workID, nil
}

// PeekModes returns the distinct analysis modes currently READY for the
// given group.
func (s *WorkloadStore) PeekModes(ctx context.Context, groupID int64) (map[string]struct{}, error) {
	modes := make(map[string]struct{})
	err := s.withRetry(ctx, func() error {
		rows, err := s.pool.Query(ctx, `
SELECT DISTINCT incoming_workload.mode
FROM incoming_workload
JOIN work_distribution ON incoming_workload.id = work_distribution.work_id
WHERE work_distribution.group_id = $1
  AND work_distribution.status = 'READY'`, groupID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var mode string
			if err := rows.Scan(&mode); err != nil {
				return err
			}
			modes[mode] = struct{}{}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=postgres.PeekModes: %w", err)
	}
	return modes, nil
}

// ClaimBatch returns up to limit READY workload items for the group whose
// mode is in modes, oldest first.
func (s *WorkloadStore) ClaimBatch(ctx context.Context, groupID int64, modes map[string]struct{}, limit int) ([]domain.WorkItem, error) {
	if len(modes) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(modes))
	args := []any{groupID}
	i := 2
	for mode := range modes {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, mode)
		i++
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
SELECT incoming_workload.id, incoming_workload.mode, incoming_workload.work
FROM incoming_workload
JOIN work_distribution ON incoming_workload.id = work_distribution.work_id
WHERE work_distribution.group_id = $1
  AND incoming_workload.mode IN (%s)
  AND work_distribution.status = 'READY'
ORDER BY incoming_workload.id ASC
LIMIT $%d`, strings.Join(placeholders, ","), i)

	var items []domain.WorkItem
	err := s.withRetry(ctx, func() error {
		items = nil
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var item domain.WorkItem
			if err := rows.Scan(&item.WorkID, &item.Mode, &item.Blob); err != nil {
				return err
			}
			items = append(items, item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=postgres.ClaimBatch: %w", err)
	}
	return items, nil
}

// MarkCompleted transitions a group's claim on a work item to COMPLETED.
func (s *WorkloadStore) MarkCompleted(ctx context.Context, groupID, workID int64) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`UPDATE work_distribution SET status = 'COMPLETED' WHERE group_id = $1 AND work_id = $2`,
			groupID, workID)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=postgres.MarkCompleted: %w", err)
	}
	return nil
}

// CountRemaining returns the number of groups still awaiting delivery of the
// given work item.
func (s *WorkloadStore) CountRemaining(ctx context.Context, workID int64) (int, error) {
	var count int
	err := s.withRetry(ctx, func() error {
		row := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM work_distribution WHERE work_id = $1 AND status = 'READY'`, workID)
		return row.Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("op=postgres.CountRemaining: %w", err)
	}
	return count, nil
}

// DeleteWorkload removes a workload item once every group has finished with it.
func (s *WorkloadStore) DeleteWorkload(ctx context.Context, workID int64) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `DELETE FROM incoming_workload WHERE id = $1`, workID)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=postgres.DeleteWorkload: %w", err)
	}
	return nil
}

// RecordDeadLetter records a workload item whose blob could not be decoded, for
// later inspection, per SPEC_FULL.md's resolution of the original's silent
// pickle-failure path.
func (s *WorkloadStore) RecordDeadLetter(ctx context.Context, groupID, workID int64, mode, reason string) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO dead_letters (group_id, work_id, mode, reason, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
			groupID, workID, mode, reason, time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("op=postgres.RecordDeadLetter: %w", err)
	}
	return nil
}
