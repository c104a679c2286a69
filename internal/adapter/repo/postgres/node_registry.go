package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/ace-collector/internal/config"
	"github.com/fairyhunter13/ace-collector/internal/domain"
)

// NodeRegistry implements domain.NodeRegistry against the shared node status
// database, grounded on the node/node_modes/workload join from the original
// collector's RemoteNodeGroup.execute() (SPEC_FULL.md §4.3).
type NodeRegistry struct {
	pool  PgxPool
	retry config.StoreRetryConfig
}

// NewNodeRegistry constructs a NodeRegistry.
func NewNodeRegistry(pool PgxPool, retry config.StoreRetryConfig) *NodeRegistry {
	return &NodeRegistry{pool: pool, retry: retry}
}

// Snapshot returns every live remote node that can accept at least one of
// the given analysis modes, ordered by ascending workload count then
// ascending last_update — the same tie-break the original used to spread
// load toward idle, long-unused nodes first.
func (r *NodeRegistry) Snapshot(ctx context.Context, database string, modes map[string]struct{}, maxAge time.Duration, companyID string) ([]domain.RemoteNode, error) {
	if len(modes) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(modes))
	args := []any{companyID, maxAge.Seconds()}
	i := 3
	for mode := range modes {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, mode)
		i++
	}

	query := fmt.Sprintf(`
SELECT
    nodes.id,
    nodes.name,
    nodes.location,
    nodes.any_mode,
    nodes.last_update,
    node_modes.analysis_mode,
    COUNT(workload.id) AS workload_count
FROM
    nodes
    LEFT JOIN node_modes ON nodes.id = node_modes.node_id
    LEFT JOIN workload ON nodes.id = workload.node_id
WHERE
    nodes.company_id = $1
    AND nodes.is_local = FALSE
    AND EXTRACT(EPOCH FROM (now() - nodes.last_update)) <= $2
    AND (nodes.any_mode OR node_modes.analysis_mode IN (%s))
GROUP BY
    nodes.id, nodes.name, nodes.location, nodes.any_mode, nodes.last_update, node_modes.analysis_mode
ORDER BY
    workload_count ASC, nodes.last_update ASC`, strings.Join(placeholders, ","))

	var result []domain.RemoteNode
	err := withDatabaseRetry(ctx, r.retry, func() error {
		result = nil
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var n domain.RemoteNode
			var analysisMode *string
			if err := rows.Scan(&n.ID, &n.Name, &n.Location, &n.AnyMode, &n.LastUpdate, &analysisMode, &n.WorkloadCount); err != nil {
				return err
			}
			if analysisMode != nil {
				n.AnalysisMode = *analysisMode
			}
			result = append(result, n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NodeRegistry.Snapshot: %w", err)
	}
	return result, nil
}
