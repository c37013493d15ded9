package rewind

import (
	"context"
	"time"

	"go.jetify.com/typeid"
)

// NewSnapshotID returns a new unique identifier for a snapshot
func NewSnapshotID() string {
	id, err := typeid.WithPrefix("snap")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Snapshot is an immutable record of execution state at one step index.
// Content is never edited after append; a rollback may flip the Superseded
// flag to take the snapshot out of the execution's current lineage, which
// changes eligibility, never content.
type Snapshot struct {
	ID           string            `json:"id"`
	ExecutionID  string            `json:"execution_id"`
	StepIndex    int               `json:"step_index"`
	Timestamp    time.Time         `json:"timestamp"`
	State        []byte            `json:"state"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	IsCheckpoint bool              `json:"is_checkpoint"`
	Superseded   bool              `json:"superseded,omitempty"`
}

// Copy returns a deep copy of the snapshot.
func (s *Snapshot) Copy() *Snapshot {
	dup := *s
	dup.State = append([]byte(nil), s.State...)
	dup.Metadata = copyMetadata(s.Metadata)
	return &dup
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ListRange bounds a snapshot listing by step index. From is inclusive and
// To is exclusive; a zero To means no upper bound. The zero value lists the
// full history.
type ListRange struct {
	From int
	To   int
}

// Contains reports whether the range includes the given step index.
func (r ListRange) Contains(stepIndex int) bool {
	if stepIndex < r.From {
		return false
	}
	return r.To == 0 || stepIndex < r.To
}

// SnapshotStore is the durable, append-only ledger of per-execution state
// snapshots. Implementations must order listings by step index ascending and
// must treat a superseded snapshot's index as reusable: Append fails with
// ErrDuplicateStep only when a live snapshot already occupies the index, so
// an execution resumed after a rollback can re-record invalidated steps.
//
// Readers may call listing methods concurrently with appends; snapshots are
// immutable once written, so a stale listing is simply behind, never corrupt.
type SnapshotStore interface {
	// Append writes a snapshot. The snapshot's ID and Timestamp are assigned
	// by the store when unset. Returns the stored snapshot.
	Append(ctx context.Context, snapshot *Snapshot) (*Snapshot, error)

	// GetByStep returns the live snapshot at the given step index.
	GetByStep(ctx context.Context, executionID string, stepIndex int) (*Snapshot, error)

	// List returns the live snapshots for an execution within the range,
	// ordered by step index ascending. Listings are finite and restartable.
	List(ctx context.Context, executionID string, r ListRange) ([]*Snapshot, error)

	// MarkSuperseded flags all live snapshots with a step index strictly
	// greater than fromStepExclusive. Snapshots are never deleted.
	MarkSuperseded(ctx context.Context, executionID string, fromStepExclusive int) error

	// ListCheckpoints returns the live checkpoint snapshots for an
	// execution, ordered by step index ascending.
	ListCheckpoints(ctx context.Context, executionID string) ([]*Snapshot, error)
}

// latestStep returns the step index of the newest live snapshot, or
// ErrNotFound when the execution has no recorded history.
func latestStep(ctx context.Context, store SnapshotStore, executionID string) (int, error) {
	snapshots, err := store.List(ctx, executionID, ListRange{})
	if err != nil {
		return 0, storageError(executionID, err)
	}
	if len(snapshots) == 0 {
		return 0, NewError(ErrNotFound, "no snapshots recorded for execution").
			WithExecution(executionID)
	}
	return snapshots[len(snapshots)-1].StepIndex, nil
}
