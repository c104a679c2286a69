package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ace-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ace-collector/internal/codec"
	"github.com/fairyhunter13/ace-collector/internal/domain"
)

// GetNextSubmission is the sole producer extension point: the caller
// supplies domain-specific sources (mailbox pollers, directory watchers,
// upstream queues) as a function value rather than a subclass hook.
type GetNextSubmission func(ctx context.Context) (*domain.Submission, error)

// Collector owns the producer loop and every group's lifecycle, grounded
// on the original collector's Collector class (add_group/start/stop/wait/
// loop/execute, SPEC_FULL.md §4.6).
type Collector struct {
	workloadStore domain.WorkloadStore
	groupStore    domain.GroupStore
	registry      domain.NodeRegistry
	registries    map[string]domain.NodeRegistry
	client        domain.RemoteNodeClient
	deadLetter    domain.DeadLetterSink

	heartbeat time.Duration
	tenant    string

	getNext GetNextSubmission

	groups []*RemoteNodeGroup

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the shared collaborators every group needs, to keep
// AddGroup's signature matched to SPEC_FULL.md §4.6 exactly.
type Deps struct {
	WorkloadStore domain.WorkloadStore
	GroupStore    domain.GroupStore
	// Registry is the fallback NodeRegistry used for a group whose declared
	// database has no entry in Registries. Sufficient on its own for a
	// single-backend deployment.
	Registry domain.NodeRegistry
	// Registries routes a group's declared database name to the NodeRegistry
	// backend it should poll, so groups configured with different database
	// values genuinely query different backends instead of silently sharing
	// whatever Registry happens to be.
	Registries map[string]domain.NodeRegistry
	Client     domain.RemoteNodeClient
	DeadLetter domain.DeadLetterSink
	Heartbeat  time.Duration
	Tenant     string
}

// NewCollector constructs a Collector. getNext supplies new submissions to
// the producer loop; it may return (nil, nil) to signal "no work right
// now" without being treated as an error.
func NewCollector(deps Deps, getNext GetNextSubmission) *Collector {
	return &Collector{
		workloadStore: deps.WorkloadStore,
		groupStore:    deps.GroupStore,
		registry:      deps.Registry,
		registries:    deps.Registries,
		client:        deps.Client,
		deadLetter:    deps.DeadLetter,
		heartbeat:     deps.Heartbeat,
		tenant:        deps.Tenant,
		getNext:       getNext,
	}
}

// AddGroup upserts the groups table by name and constructs a Group bound to
// it. Must be called before Start.
func (c *Collector) AddGroup(ctx context.Context, name string, coverage int, fullDelivery bool, database string, batchSize int) (*RemoteNodeGroup, error) {
	if coverage <= 0 || coverage > 100 {
		return nil, fmt.Errorf("%w: coverage must be in (0, 100], got %d", domain.ErrConfiguration, coverage)
	}
	groupID, err := c.groupStore.UpsertGroup(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("dispatch: add group %s: %w", name, err)
	}
	registry := c.registry
	if r, ok := c.registries[database]; ok {
		registry = r
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: no node registry configured for database %q", domain.ErrConfiguration, database)
	}
	cfg := GroupConfig{Name: name, Coverage: coverage, FullDelivery: fullDelivery, Database: database, BatchSize: batchSize}
	group := newRemoteNodeGroup(cfg, groupID, c.workloadStore, registry, c.client, c.deadLetter, c.heartbeat, c.tenant)
	c.groups = append(c.groups, group)
	return group, nil
}

// groupIDs returns the group id of every registered group, in registration
// order, for use by the producer loop's Enqueue call.
func (c *Collector) groupIDs() []int64 {
	ids := make([]int64, len(c.groups))
	for i, g := range c.groups {
		ids[i] = g.groupID
	}
	return ids
}

// GroupStatus is a read-only snapshot of one group's static configuration,
// exposed for operational introspection (the debug/groups HTTP endpoint).
type GroupStatus struct {
	Name         string
	GroupID      int64
	Coverage     int
	FullDelivery bool
	Database     string
	BatchSize    int
}

// Status returns a snapshot of every registered group's configuration, in
// registration order. Safe to call concurrently with Start/Stop; group
// configuration is immutable after AddGroup.
func (c *Collector) Status() []GroupStatus {
	statuses := make([]GroupStatus, len(c.groups))
	for i, g := range c.groups {
		statuses[i] = GroupStatus{
			Name:         g.cfg.Name,
			GroupID:      g.groupID,
			Coverage:     g.cfg.Coverage,
			FullDelivery: g.cfg.FullDelivery,
			Database:     g.cfg.Database,
			BatchSize:    g.cfg.BatchSize,
		}
	}
	return statuses
}

// Start requires at least one group, then spawns the producer worker and
// every group worker.
func (c *Collector) Start(ctx context.Context) error {
	if len(c.groups) == 0 {
		return errNoGroups
	}
	if c.heartbeat <= 0 {
		return fmt.Errorf("%w: heartbeat period must be positive", domain.ErrConfiguration)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runProducer(runCtx)
	}()

	for _, group := range c.groups {
		g := group
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			g.Run(runCtx)
		}()
	}
	return nil
}

// Stop signals shutdown; it does not block. Call Wait to join every
// worker.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait blocks until the producer and every group worker have exited. All of
// them are joined through one WaitGroup, with no order among them; a
// group's in-flight Submit call runs to completion before its worker exits.
func (c *Collector) Wait() {
	c.wg.Wait()
}

// runProducer repeatedly calls getNext and enqueues whatever it returns
// against every registered group.
func (c *Collector) runProducer(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		submission, err := c.getNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("get next submission failed", slog.Any("error", err))
			if !sleepCancelable(ctx, time.Second) {
				return
			}
			continue
		}
		if submission == nil {
			if !sleepCancelable(ctx, time.Second) {
				return
			}
			continue
		}

		blob, err := codec.EncodeSubmission(submission)
		if err != nil {
			slog.Error("encode submission failed", slog.Any("error", err))
			continue
		}
		workID, err := c.workloadStore.Enqueue(ctx, blob, submission.AnalysisMode, c.groupIDs())
		if err != nil {
			slog.Error("enqueue submission failed", slog.Any("error", err))
			continue
		}
		observability.EnqueueWork(submission.AnalysisMode)
		slog.Debug("submission enqueued", slog.Int64("work_id", workID), slog.String("mode", submission.AnalysisMode))
	}
}

func sleepCancelable(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
