package rewind

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySnapshotStore is an in-process SnapshotStore. It is the default for
// engines constructed without storage and the workhorse for tests.
//
// Superseded snapshots are retained alongside their live replacements, so a
// rollback followed by re-recorded steps produces two snapshots at the same
// index: one superseded, one live. Read methods only surface the live
// lineage.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]*Snapshot
	clock     func() time.Time
}

// NewMemorySnapshotStore creates a new in-memory snapshot store
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: map[string][]*Snapshot{},
		clock:     time.Now,
	}
}

// Append stores a snapshot, assigning its ID and Timestamp when unset.
func (s *MemorySnapshotStore) Append(ctx context.Context, snapshot *Snapshot) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.snapshots[snapshot.ExecutionID] {
		if existing.StepIndex == snapshot.StepIndex && !existing.Superseded {
			return nil, NewError(ErrDuplicateStep, "step %d already recorded", snapshot.StepIndex).
				WithExecution(snapshot.ExecutionID)
		}
	}

	stored := snapshot.Copy()
	if stored.ID == "" {
		stored.ID = NewSnapshotID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.clock()
	}
	s.snapshots[snapshot.ExecutionID] = append(s.snapshots[snapshot.ExecutionID], stored)
	return stored.Copy(), nil
}

// GetByStep returns the live snapshot at the given step index.
func (s *MemorySnapshotStore) GetByStep(ctx context.Context, executionID string, stepIndex int) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snapshot := range s.snapshots[executionID] {
		if snapshot.StepIndex == stepIndex && !snapshot.Superseded {
			return snapshot.Copy(), nil
		}
	}
	return nil, NewError(ErrNotFound, "no snapshot at step %d", stepIndex).
		WithExecution(executionID)
}

// List returns live snapshots within the range, ordered by step index.
func (s *MemorySnapshotStore) List(ctx context.Context, executionID string, r ListRange) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Snapshot
	for _, snapshot := range s.snapshots[executionID] {
		if !snapshot.Superseded && r.Contains(snapshot.StepIndex) {
			out = append(out, snapshot.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// MarkSuperseded flags live snapshots after the given step index.
func (s *MemorySnapshotStore) MarkSuperseded(ctx context.Context, executionID string, fromStepExclusive int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snapshot := range s.snapshots[executionID] {
		if snapshot.StepIndex > fromStepExclusive {
			snapshot.Superseded = true
		}
	}
	return nil
}

// ListCheckpoints returns live checkpoint snapshots ordered by step index.
func (s *MemorySnapshotStore) ListCheckpoints(ctx context.Context, executionID string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Snapshot
	for _, snapshot := range s.snapshots[executionID] {
		if snapshot.IsCheckpoint && !snapshot.Superseded {
			out = append(out, snapshot.Copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}
