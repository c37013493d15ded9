package rewind

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewRollbackID returns a new unique identifier for a rollback record
func NewRollbackID() string {
	id, err := typeid.WithPrefix("rollback")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// RollbackOutcome records whether a rollback attempt applied.
type RollbackOutcome string

const (
	RollbackSucceeded RollbackOutcome = "succeeded"
	RollbackFailed    RollbackOutcome = "failed"
)

// RollbackRecord is one entry in the append-only rollback audit trail.
// Records are never mutated after append.
type RollbackRecord struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	CheckpointID string          `json:"checkpoint_id"`
	Reason       string          `json:"reason"`
	RolledBackAt time.Time       `json:"rolled_back_at"`
	Outcome      RollbackOutcome `json:"outcome"`
	Error        string          `json:"error,omitempty"`
}

// RollbackLog is the append-only audit trail of rollback attempts.
type RollbackLog interface {
	// AppendRollback records a rollback attempt.
	AppendRollback(ctx context.Context, record *RollbackRecord) error

	// ListRollbacks returns the rollback records for an execution in append
	// order.
	ListRollbacks(ctx context.Context, executionID string) ([]*RollbackRecord, error)
}

// MemoryRollbackLog is an in-process RollbackLog.
type MemoryRollbackLog struct {
	mu      sync.RWMutex
	records map[string][]*RollbackRecord
}

// NewMemoryRollbackLog creates a new in-memory rollback log
func NewMemoryRollbackLog() *MemoryRollbackLog {
	return &MemoryRollbackLog{records: map[string][]*RollbackRecord{}}
}

func (l *MemoryRollbackLog) AppendRollback(ctx context.Context, record *RollbackRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dup := *record
	l.records[record.ExecutionID] = append(l.records[record.ExecutionID], &dup)
	return nil
}

func (l *MemoryRollbackLog) ListRollbacks(ctx context.Context, executionID string) ([]*RollbackRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := l.records[executionID]
	out := make([]*RollbackRecord, len(records))
	for i, record := range records {
		dup := *record
		out[i] = &dup
	}
	return out, nil
}

// RollbackManagerOptions configures a new rollback manager
type RollbackManagerOptions struct {
	Engine *Engine
	Log    RollbackLog
	Logger *slog.Logger
	Clock  func() time.Time
}

// RollbackManager restores a live execution to a prior checkpoint and
// invalidates the snapshots recorded after it. This is the one
// state-mutating "time travel" operation; it shares the engine's
// per-execution lock so it cannot race pause, resume, cancel, or an
// in-flight step record.
type RollbackManager struct {
	engine *Engine
	log    RollbackLog
	logger *slog.Logger
	clock  func() time.Time
}

// NewRollbackManager creates a new rollback manager
func NewRollbackManager(opts RollbackManagerOptions) (*RollbackManager, error) {
	if opts.Engine == nil {
		return nil, NewError(ErrInvalidArgument, "engine is required")
	}
	if opts.Log == nil {
		opts.Log = NewMemoryRollbackLog()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &RollbackManager{
		engine: opts.Engine,
		log:    opts.Log,
		logger: opts.Logger,
		clock:  opts.Clock,
	}, nil
}

// RollbackPoints returns the checkpoints an execution can be rolled back
// to, ordered by step index ascending. Superseded checkpoints are excluded.
func (m *RollbackManager) RollbackPoints(ctx context.Context, executionID string) ([]*Snapshot, error) {
	if _, err := m.engine.GetExecution(executionID); err != nil {
		return nil, err
	}
	checkpoints, err := m.engine.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, storageError(executionID, err)
	}
	return checkpoints, nil
}

// History returns the rollback audit records for an execution.
func (m *RollbackManager) History(ctx context.Context, executionID string) ([]*RollbackRecord, error) {
	return m.log.ListRollbacks(ctx, executionID)
}

// RollbackToCheckpoint restores the execution's live state to the given
// checkpoint. The execution ends up Paused at the checkpoint's step with all
// later snapshots marked superseded. The operation is all-or-nothing: on a
// storage failure the execution is left exactly as it was and a Failed
// record is appended to the audit trail.
func (m *RollbackManager) RollbackToCheckpoint(ctx context.Context, executionID, checkpointID, reason string) error {
	if len(reason) == 0 || len(reason) > 500 {
		return NewError(ErrInvalidArgument, "reason must be 1-500 characters").
			WithExecution(executionID)
	}

	checkpoint, err := m.findCheckpoint(ctx, executionID, checkpointID)
	if err != nil {
		return err
	}

	err = m.engine.withExecution(ctx, executionID, func(ctx context.Context, state *executionState) error {
		status := state.Status()
		if status.Terminal() {
			return NewError(ErrInvalidState, "cannot roll back: execution is %s", status).
				WithExecution(executionID)
		}

		// Serialize against the step loop: a Running execution is paused
		// first (recording its pre-rollback state as a checkpoint), so no
		// concurrent RecordStep can race the restore.
		if status == ExecutionStatusRunning {
			if err := m.engine.pauseLocked(ctx, state); err != nil {
				return err
			}
		}

		prior := state.Capture()
		state.RestoreTo(checkpoint)

		if err := m.engine.store.MarkSuperseded(ctx, executionID, checkpoint.StepIndex); err != nil {
			state.Restore(prior)
			return storageError(executionID, err)
		}
		return nil
	})

	now := m.clock()
	record := &RollbackRecord{
		ID:           NewRollbackID(),
		ExecutionID:  executionID,
		CheckpointID: checkpointID,
		Reason:       reason,
		RolledBackAt: now,
		Outcome:      RollbackSucceeded,
	}
	if err != nil {
		record.Outcome = RollbackFailed
		record.Error = err.Error()
	}
	if logErr := m.log.AppendRollback(ctx, record); logErr != nil {
		m.logger.Error("failed to append rollback record",
			"execution_id", executionID, "error", logErr)
	}

	m.engine.callbacks.OnRollback(ctx, &RollbackEvent{
		ExecutionID:  executionID,
		CheckpointID: checkpointID,
		Reason:       reason,
		At:           now,
		Error:        err,
	})

	if err != nil {
		m.logger.Error("rollback failed",
			"execution_id", executionID,
			"checkpoint_id", checkpointID,
			"error", err)
		return err
	}
	m.logger.Info("execution rolled back",
		"execution_id", executionID,
		"checkpoint_id", checkpointID,
		"step_index", checkpoint.StepIndex,
		"reason", reason)
	return nil
}

// findCheckpoint resolves a rollback target: it must be a live checkpoint
// snapshot belonging to the execution.
func (m *RollbackManager) findCheckpoint(ctx context.Context, executionID, checkpointID string) (*Snapshot, error) {
	checkpoints, err := m.engine.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, storageError(executionID, err)
	}
	for _, checkpoint := range checkpoints {
		if checkpoint.ID == checkpointID {
			return checkpoint, nil
		}
	}
	return nil, NewError(ErrInvalidCheckpoint,
		"checkpoint %s is missing, superseded, or not a checkpoint of this execution",
		checkpointID).WithExecution(executionID)
}
