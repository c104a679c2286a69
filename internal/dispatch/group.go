// Package dispatch implements the per-group dispatch loop and the
// Collector orchestrator, the direct Go transliteration of the original
// ACE collector's RemoteNodeGroup/Collector (SPEC_FULL.md §4.5, §4.6).
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ace-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ace-collector/internal/codec"
	"github.com/fairyhunter13/ace-collector/internal/domain"
)

var tracer = otel.Tracer("dispatch.group")

// GroupConfig is the fixed, caller-supplied configuration for one
// RemoteNodeGroup, loaded from the static groups YAML at startup.
type GroupConfig struct {
	Name         string
	Coverage     int
	FullDelivery bool
	Database     string
	BatchSize    int
}

// RemoteNodeGroup owns one dispatcher worker draining the Workload Store
// for its group, selecting targets from the Node Registry, and applying
// coverage and delivery policy.
type RemoteNodeGroup struct {
	cfg     GroupConfig
	groupID int64

	store      domain.WorkloadStore
	registry   domain.NodeRegistry
	client     domain.RemoteNodeClient
	deadLetter domain.DeadLetterSink

	heartbeat time.Duration
	tenant    string
	logger    *slog.Logger

	coverageCounter int
}

// newRemoteNodeGroup constructs a RemoteNodeGroup bound to an already
// upserted group id. Unexported: callers go through Collector.AddGroup so a
// group is never used detached from its lifecycle owner.
func newRemoteNodeGroup(cfg GroupConfig, groupID int64, store domain.WorkloadStore, registry domain.NodeRegistry, client domain.RemoteNodeClient, deadLetter domain.DeadLetterSink, heartbeat time.Duration, tenant string) *RemoteNodeGroup {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	return &RemoteNodeGroup{
		cfg:        cfg,
		groupID:    groupID,
		store:      store,
		registry:   registry,
		client:     client,
		deadLetter: deadLetter,
		heartbeat:  heartbeat,
		tenant:     tenant,
		logger:     observability.GroupLogger(cfg.Name, cfg.Database),
	}
}

// Name reports the group's configured name.
func (g *RemoteNodeGroup) Name() string { return g.cfg.Name }

// Run drives the dispatch loop until ctx is canceled, pacing iterations per
// the outcome of each one. Sleeps are cancellable so shutdown is observed
// mid-wait, not only between iterations.
func (g *RemoteNodeGroup) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		outcome, err := g.iterate(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Error("group iteration failed", slog.Any("error", err))
			if !g.sleep(ctx, time.Second) {
				return
			}
			continue
		}

		var wait time.Duration
		switch outcome {
		case domain.WorkSubmitted:
			continue
		case domain.NoWorkAvailable:
			wait = time.Second
		case domain.NoNodesAvailable:
			wait = g.heartbeat / 2
		case domain.NoWorkSubmitted:
			wait = time.Second
		}
		if !g.sleep(ctx, wait) {
			return
		}
	}
}

// sleep waits for d or ctx cancellation, returning false if the context was
// canceled first.
func (g *RemoteNodeGroup) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	return sleepCancelable(ctx, d)
}

// iterate runs one pass of the dispatch algorithm: peek modes, snapshot
// live nodes, claim a batch, and process each row per coverage/delivery
// policy. See SPEC_FULL.md §4.5 for the full per-step contract.
func (g *RemoteNodeGroup) iterate(ctx context.Context) (domain.IterationOutcome, error) {
	ctx, span := tracer.Start(ctx, "RemoteNodeGroup.iterate")
	defer span.End()

	modes, err := g.store.PeekModes(ctx, g.groupID)
	if err != nil {
		return 0, err
	}
	if len(modes) == 0 {
		return domain.NoWorkAvailable, nil
	}

	nodes, err := g.registry.Snapshot(ctx, g.cfg.Database, modes, 2*g.heartbeat, g.tenant)
	if err != nil {
		return 0, err
	}
	observability.RecordNodeSnapshotSize(g.cfg.Name, len(nodes))

	anyModeNodes, modeToNodes := partitionNodes(nodes)
	if len(anyModeNodes) == 0 {
		for mode := range modes {
			if _, ok := modeToNodes[mode]; !ok {
				delete(modes, mode)
			}
		}
	}
	if len(anyModeNodes) == 0 && len(modeToNodes) == 0 {
		return domain.NoNodesAvailable, nil
	}
	if len(modes) == 0 {
		return domain.NoNodesAvailable, nil
	}

	batch, err := g.store.ClaimBatch(ctx, g.groupID, modes, g.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	submitted := false
	for _, item := range batch {
		observability.ClaimWork(g.cfg.Name)
		ok, err := g.processItem(ctx, item, anyModeNodes, modeToNodes)
		if err != nil {
			return 0, err
		}
		if ok {
			submitted = true
		}
	}

	if submitted {
		return domain.WorkSubmitted, nil
	}
	return domain.NoWorkSubmitted, nil
}

// processItem runs steps 4a-4f of the per-row algorithm for one claimed
// work item. The returned bool reports whether the item was successfully
// submitted (step 4d succeeded).
func (g *RemoteNodeGroup) processItem(ctx context.Context, item domain.WorkItem, anyModeNodes []domain.RemoteNode, modeToNodes map[string][]domain.RemoteNode) (bool, error) {
	submission, err := codec.DecodeSubmission(item.Blob)
	if err != nil {
		if derr := g.deadLetter.Record(ctx, g.groupID, item.WorkID, item.Mode, "deserialization: "+err.Error()); derr != nil {
			g.logger.Error("dead letter record failed", slog.Int64("work_id", item.WorkID), slog.Any("error", derr))
		}
		if merr := g.store.MarkCompleted(ctx, g.groupID, item.WorkID); merr != nil {
			return false, merr
		}
		observability.FailWork(g.cfg.Name)
		g.finalize(ctx, item.WorkID, true, nil)
		return false, nil
	}

	g.coverageCounter += g.cfg.Coverage
	if g.coverageCounter < 100 {
		observability.RecordCoverageSkip(g.cfg.Name)
		if err := g.store.MarkCompleted(ctx, g.groupID, item.WorkID); err != nil {
			return false, err
		}
		observability.CompleteWork(g.cfg.Name)
		g.finalize(ctx, item.WorkID, false, submission)
		return false, nil
	}
	g.coverageCounter -= 100

	candidates := append(append([]domain.RemoteNode{}, anyModeNodes...), modeToNodes[item.Mode]...)
	if len(candidates) == 0 {
		// Unreachable in practice: modes is already narrowed to entries
		// with a matching node (see iterate), but guard against drift.
		observability.FailWork(g.cfg.Name)
		return false, nil
	}
	target := selectTarget(candidates)

	breaker := observability.GetCircuitBreaker("group:"+g.cfg.Name+":"+g.cfg.Database, 5, 30*time.Second)
	start := time.Now()
	submitErr := breaker.Call(func() error {
		_, err := g.client.Submit(ctx, target, submission)
		return err
	})
	observability.RecordCircuitBreakerStatus(g.cfg.Name, g.cfg.Database, int(breaker.GetState()))
	failed := submitErr != nil
	observability.RecordSubmit(g.cfg.Name, outcomeLabel(failed), time.Since(start))
	if failed {
		g.logger.Warn("submit attempt failed", slog.String("node", target.Name), slog.Any("error", submitErr))
		observability.FailWork(g.cfg.Name)
	} else {
		observability.CompleteWork(g.cfg.Name)
	}

	if failed && g.cfg.FullDelivery {
		return false, nil
	}

	if err := g.store.MarkCompleted(ctx, g.groupID, item.WorkID); err != nil {
		return false, err
	}
	g.finalize(ctx, item.WorkID, failed, submission)
	return !failed, nil
}

// finalize implements step 4f: once the distribution row for this group is
// COMPLETED, check whether every other group has also finished with the
// workload row, and if so delete it and fire the submission's outcome
// hook. submission is nil for the deserialize-fail path, which never
// produced one and so never gets an outcome hook.
func (g *RemoteNodeGroup) finalize(ctx context.Context, workID int64, failed bool, submission *domain.Submission) {
	remaining, err := g.store.CountRemaining(ctx, workID)
	if err != nil {
		g.logger.Error("count remaining failed", slog.Int64("work_id", workID), slog.Any("error", err))
		return
	}
	if remaining > 0 {
		return
	}
	if err := g.store.DeleteWorkload(ctx, workID); err != nil {
		g.logger.Error("delete workload failed", slog.Int64("work_id", workID), slog.Any("error", err))
		return
	}
	if submission == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("outcome hook panicked", slog.Int64("work_id", workID), slog.Any("panic", r))
			}
		}()
		if failed {
			submission.OnFailure()
		} else {
			submission.OnSuccess()
		}
	}()
}

func outcomeLabel(failed bool) string {
	if failed {
		return "failed"
	}
	return "succeeded"
}

// partitionNodes splits a registry snapshot into nodes that accept any mode
// and a mode-keyed index of nodes that advertise specific modes.
func partitionNodes(nodes []domain.RemoteNode) ([]domain.RemoteNode, map[string][]domain.RemoteNode) {
	var anyModeNodes []domain.RemoteNode
	modeToNodes := make(map[string][]domain.RemoteNode)
	for _, n := range nodes {
		if n.AnyMode {
			anyModeNodes = append(anyModeNodes, n)
			continue
		}
		modeToNodes[n.AnalysisMode] = append(modeToNodes[n.AnalysisMode], n)
	}
	return anyModeNodes, modeToNodes
}

// selectTarget picks the least-loaded candidate, ties broken by the
// registry's own ordering (ascending last_update).
func selectTarget(candidates []domain.RemoteNode) domain.RemoteNode {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].WorkloadCount < candidates[j].WorkloadCount
	})
	return candidates[0]
}

var errNoGroups = fmt.Errorf("%w: dispatch: collector requires at least one group", domain.ErrConfiguration)
