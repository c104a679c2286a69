package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fairyhunter13/ace-collector/internal/domain"
)

// fakeWorkloadStore is an in-memory domain.WorkloadStore/domain.GroupStore
// sufficient to drive RemoteNodeGroup/Collector through every documented
// outcome without a database.
type fakeWorkloadStore struct {
	mu sync.Mutex

	nextWorkID int64
	nextGroup  int64
	groups     map[string]int64

	// rows maps workID -> (mode, blob); distribution maps (groupID,workID) -> status.
	rows         map[int64]fakeRow
	distribution map[[2]int64]string

	enqueueErr      error
	peekModesErr    error
	claimBatchErr   error
	markCompleteErr error
	countErr        error
	deleteErr       error
	deadLetterErr   error

	deadLetters []fakeDeadLetter
}

type fakeRow struct {
	mode string
	blob []byte
}

type fakeDeadLetter struct {
	groupID, workID int64
	mode, reason    string
}

func newFakeWorkloadStore() *fakeWorkloadStore {
	return &fakeWorkloadStore{
		groups:       make(map[string]int64),
		rows:         make(map[int64]fakeRow),
		distribution: make(map[[2]int64]string),
	}
}

func (s *fakeWorkloadStore) UpsertGroup(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.groups[name]; ok {
		return id, nil
	}
	s.nextGroup++
	s.groups[name] = s.nextGroup
	return s.nextGroup, nil
}

func (s *fakeWorkloadStore) Enqueue(_ context.Context, blob []byte, mode string, groupIDs []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return 0, s.enqueueErr
	}
	s.nextWorkID++
	id := s.nextWorkID
	s.rows[id] = fakeRow{mode: mode, blob: blob}
	for _, gid := range groupIDs {
		s.distribution[[2]int64{gid, id}] = "READY"
	}
	return id, nil
}

func (s *fakeWorkloadStore) PeekModes(_ context.Context, groupID int64) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peekModesErr != nil {
		return nil, s.peekModesErr
	}
	modes := make(map[string]struct{})
	for key, status := range s.distribution {
		if key[0] != groupID || status != "READY" {
			continue
		}
		modes[s.rows[key[1]].mode] = struct{}{}
	}
	return modes, nil
}

func (s *fakeWorkloadStore) ClaimBatch(_ context.Context, groupID int64, modes map[string]struct{}, limit int) ([]domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimBatchErr != nil {
		return nil, s.claimBatchErr
	}
	var items []domain.WorkItem
	for workID := int64(1); workID <= s.nextWorkID; workID++ {
		status, ok := s.distribution[[2]int64{groupID, workID}]
		if !ok || status != "READY" {
			continue
		}
		row := s.rows[workID]
		if _, ok := modes[row.mode]; !ok {
			continue
		}
		items = append(items, domain.WorkItem{WorkID: workID, Mode: row.mode, Blob: row.blob})
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (s *fakeWorkloadStore) MarkCompleted(_ context.Context, groupID, workID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markCompleteErr != nil {
		return s.markCompleteErr
	}
	s.distribution[[2]int64{groupID, workID}] = "COMPLETED"
	return nil
}

func (s *fakeWorkloadStore) CountRemaining(_ context.Context, workID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	count := 0
	for key, status := range s.distribution {
		if key[1] == workID && status == "READY" {
			count++
		}
	}
	return count, nil
}

func (s *fakeWorkloadStore) DeleteWorkload(_ context.Context, workID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.rows, workID)
	return nil
}

func (s *fakeWorkloadStore) RecordDeadLetter(_ context.Context, groupID, workID int64, mode, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deadLetterErr != nil {
		return s.deadLetterErr
	}
	s.deadLetters = append(s.deadLetters, fakeDeadLetter{groupID, workID, mode, reason})
	return nil
}

func (s *fakeWorkloadStore) statusOf(groupID, workID int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.distribution[[2]int64{groupID, workID}]
	return status, ok
}

func (s *fakeWorkloadStore) rowExists(workID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[workID]
	return ok
}

// fakeRegistry is a domain.NodeRegistry returning a fixed node set.
type fakeRegistry struct {
	nodes []domain.RemoteNode
	err   error
}

func (r *fakeRegistry) Snapshot(_ context.Context, _ string, _ map[string]struct{}, _ time.Duration, _ string) ([]domain.RemoteNode, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.nodes, nil
}

// fakeClient is a domain.RemoteNodeClient that fails for every node name in
// failFor, and otherwise succeeds.
type fakeClient struct {
	mu      sync.Mutex
	failFor map[string]bool
	calls   []string
}

func (c *fakeClient) Submit(_ context.Context, node domain.RemoteNode, _ *domain.Submission) (domain.SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, node.Name)
	if c.failFor[node.Name] {
		return domain.SubmitResult{}, errors.New("simulated submit failure")
	}
	return domain.SubmitResult{RemoteID: "remote-" + node.Name}, nil
}

// fakeDeadLetterSink is a domain.DeadLetterSink recording every call.
type fakeDeadLetterSink struct {
	mu      sync.Mutex
	records []fakeDeadLetter
}

func (s *fakeDeadLetterSink) Record(_ context.Context, groupID, workID int64, mode, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, fakeDeadLetter{groupID, workID, mode, reason})
	return nil
}
