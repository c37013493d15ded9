package rewind

import (
	"context"
	"io"
	"log/slog"
	"time"
)

const (
	// DefaultLockTimeout bounds how long control operations wait on the
	// per-execution lock before failing with ErrLockTimeout.
	DefaultLockTimeout = 5 * time.Second

	// metadataControlKey marks snapshots recorded by the engine itself
	// (pause and cancel points) rather than by the step loop.
	metadataControlKey = "control"
)

// EngineOptions configures a new engine
type EngineOptions struct {
	Store       SnapshotStore
	Policy      *CheckpointPolicy
	Logger      *slog.Logger
	Callbacks   EngineCallbacks
	LockTimeout time.Duration
	Clock       func() time.Time
}

// Engine drives executions through their control state machine and appends
// snapshots of their state as they advance. The engine never computes
// workflow business logic: an external step loop computes each state and
// reports it via RecordStep.
type Engine struct {
	store       SnapshotStore
	policy      CheckpointPolicy
	executions  *executionRegistry
	locks       *lockTable
	logger      *slog.Logger
	callbacks   EngineCallbacks
	lockTimeout time.Duration
	clock       func() time.Time
}

// NewEngine creates a new execution engine
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		opts.Store = NewMemorySnapshotStore()
	}
	policy := DefaultCheckpointPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseEngineCallbacks{}
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		store:       opts.Store,
		policy:      policy,
		executions:  newExecutionRegistry(),
		locks:       newLockTable(),
		logger:      opts.Logger,
		callbacks:   opts.Callbacks,
		lockTimeout: opts.LockTimeout,
		clock:       opts.Clock,
	}, nil
}

// Store returns the snapshot store the engine writes to.
func (e *Engine) Store() SnapshotStore {
	return e.store
}

// StartOptions configures a new execution
type StartOptions struct {
	// WorkflowID identifies the workflow being run. Required.
	WorkflowID string

	// ExecutionID overrides the generated execution id.
	ExecutionID string

	// TotalSteps is the expected number of steps, or 0 when unknown. When
	// set, recording the final step completes the execution.
	TotalSteps int
}

// Start registers a new execution and moves it to Running.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*Execution, error) {
	if opts.WorkflowID == "" {
		return nil, NewError(ErrInvalidArgument, "workflow id is required")
	}
	if opts.TotalSteps < 0 {
		return nil, NewError(ErrInvalidArgument, "total steps must be >= 0")
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = NewExecutionID()
	}
	if _, err := e.executions.Get(opts.ExecutionID); err == nil {
		return nil, NewError(ErrInvalidState, "execution already exists").
			WithExecution(opts.ExecutionID)
	}

	now := e.clock()
	state := newExecutionState(opts.ExecutionID, opts.WorkflowID, opts.TotalSteps, now)
	e.executions.Put(state)

	e.logger.Info("execution started",
		"execution_id", opts.ExecutionID,
		"workflow_id", opts.WorkflowID,
		"total_steps", opts.TotalSteps)
	e.callbacks.OnStatusChange(ctx, &StatusChangeEvent{
		ExecutionID: opts.ExecutionID,
		WorkflowID:  opts.WorkflowID,
		From:        ExecutionStatusIdle,
		To:          ExecutionStatusRunning,
		At:          now,
	})
	return state.View(), nil
}

// GetExecution returns a consistent view of the execution. No lock is
// required: the view is a copy and may trail a concurrent mutation.
func (e *Engine) GetExecution(executionID string) (*Execution, error) {
	state, err := e.executions.Get(executionID)
	if err != nil {
		return nil, err
	}
	return state.View(), nil
}

// GetExecutionStatus returns just the execution's status.
func (e *Engine) GetExecutionStatus(executionID string) (ExecutionStatus, error) {
	state, err := e.executions.Get(executionID)
	if err != nil {
		return "", err
	}
	return state.Status(), nil
}

// ListExecutions returns views of all executions known to the engine.
func (e *Engine) ListExecutions() []*Execution {
	return e.executions.List()
}

// Control applies a command to an execution. Dispatch is an exhaustive
// switch over the command type; there is no string-mode branching.
func (e *Engine) Control(ctx context.Context, executionID string, cmd Command) error {
	switch cmd {
	case CommandPause:
		return e.Pause(ctx, executionID)
	case CommandResume:
		return e.Resume(ctx, executionID)
	case CommandCancel:
		return e.Cancel(ctx, executionID)
	default:
		return NewError(ErrInvalidArgument, "unknown command %d", int(cmd)).
			WithExecution(executionID)
	}
}

// Pause moves a Running execution to Paused, recording a checkpoint
// snapshot of its current state. Pause points are always rollback-eligible.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, state *executionState) error {
		if err := e.pauseLocked(ctx, state); err != nil {
			return err
		}
		e.logger.Info("execution paused", "execution_id", executionID)
		return nil
	})
}

// pauseLocked records the pause checkpoint and transitions to Paused. The
// caller must hold the execution's lock.
func (e *Engine) pauseLocked(ctx context.Context, state *executionState) error {
	if status := state.Status(); status != ExecutionStatusRunning {
		return NewError(ErrInvalidState, "cannot pause: execution is %s", status).
			WithExecution(state.id)
	}
	snapshot, err := e.appendControlSnapshot(ctx, state, "pause", true)
	if err != nil {
		return err
	}
	if err := state.Transition(ExecutionStatusPaused); err != nil {
		return err
	}
	e.callbacks.OnSnapshot(ctx, &SnapshotEvent{
		ExecutionID:  state.id,
		SnapshotID:   snapshot.ID,
		StepIndex:    snapshot.StepIndex,
		IsCheckpoint: true,
		At:           snapshot.Timestamp,
	})
	e.callbacks.OnStatusChange(ctx, &StatusChangeEvent{
		ExecutionID: state.id,
		WorkflowID:  state.workflowID,
		From:        ExecutionStatusRunning,
		To:          ExecutionStatusPaused,
		At:          e.clock(),
	})
	return nil
}

// Resume moves a Paused execution back to Running.
func (e *Engine) Resume(ctx context.Context, executionID string) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, state *executionState) error {
		if status := state.Status(); status != ExecutionStatusPaused {
			return NewError(ErrInvalidState, "cannot resume: execution is %s", status).
				WithExecution(executionID)
		}
		if err := state.Transition(ExecutionStatusRunning); err != nil {
			return err
		}
		e.logger.Info("execution resumed", "execution_id", executionID)
		e.callbacks.OnStatusChange(ctx, &StatusChangeEvent{
			ExecutionID: executionID,
			WorkflowID:  state.workflowID,
			From:        ExecutionStatusPaused,
			To:          ExecutionStatusRunning,
			At:          e.clock(),
		})
		return nil
	})
}

// Cancel terminates a Running or Paused execution, recording a final
// snapshot of the state at cancellation. Cancelling an already-Cancelled
// execution is a no-op: the desired end-state already holds.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, state *executionState) error {
		status := state.Status()
		if status == ExecutionStatusCancelled {
			return nil
		}
		if status != ExecutionStatusRunning && status != ExecutionStatusPaused {
			return NewError(ErrInvalidState, "cannot cancel: execution is %s", status).
				WithExecution(executionID)
		}
		snapshot, err := e.appendControlSnapshot(ctx, state, "cancel", false)
		if err != nil {
			return err
		}
		state.Finish(ExecutionStatusCancelled, e.clock(), nil)
		e.logger.Info("execution cancelled", "execution_id", executionID)
		e.callbacks.OnSnapshot(ctx, &SnapshotEvent{
			ExecutionID: executionID,
			SnapshotID:  snapshot.ID,
			StepIndex:   snapshot.StepIndex,
			At:          snapshot.Timestamp,
		})
		e.callbacks.OnStatusChange(ctx, &StatusChangeEvent{
			ExecutionID: executionID,
			WorkflowID:  state.workflowID,
			From:        status,
			To:          ExecutionStatusCancelled,
			At:          e.clock(),
		})
		return nil
	})
}

// Fail marks a Running execution as Failed with the given cause. The step
// loop calls this when a step raises an unrecoverable error.
func (e *Engine) Fail(ctx context.Context, executionID string, cause error) error {
	return e.withExecution(ctx, executionID, func(ctx context.Context, state *executionState) error {
		if status := state.Status(); status != ExecutionStatusRunning {
			return NewError(ErrInvalidState, "cannot fail: execution is %s", status).
				WithExecution(executionID)
		}
		state.Finish(ExecutionStatusFailed, e.clock(), cause)
		e.logger.Error("execution failed", "execution_id", executionID, "error", cause)
		e.callbacks.OnStatusChange(ctx, &StatusChangeEvent{
			ExecutionID: executionID,
			WorkflowID:  state.workflowID,
			From:        ExecutionStatusRunning,
			To:          ExecutionStatusFailed,
			At:          e.clock(),
			Error:       cause,
		})
		return nil
	})
}

// StepRecord carries one computed step from the external step loop.
type StepRecord struct {
	// StepIndex must equal the execution's next expected index. Earlier
	// indexes fail with ErrDuplicateStep, later ones with ErrOutOfOrderStep.
	StepIndex int

	// State is the opaque serialized execution state after this step.
	State []byte

	// Metadata is opaque key/value context stored with the snapshot.
	Metadata map[string]string

	// RequestCheckpoint forces this snapshot to be a checkpoint regardless
	// of the policy's step-count and age rules.
	RequestCheckpoint bool
}

// RecordStep appends a snapshot for a computed step and advances the
// execution's progress pointer. When the total step count is known and this
// is the final step, the execution completes.
func (e *Engine) RecordStep(ctx context.Context, executionID string, record StepRecord) (*Snapshot, error) {
	var stored *Snapshot
	err := e.withExecution(ctx, executionID, func(ctx context.Context, state *executionState) error {
		if status := state.Status(); status != ExecutionStatusRunning {
			return NewError(ErrInvalidState, "cannot record step: execution is %s", status).
				WithExecution(executionID)
		}
		next := state.NextStep()
		if record.StepIndex < next {
			return NewError(ErrDuplicateStep, "step %d already recorded (next is %d)",
				record.StepIndex, next).WithExecution(executionID)
		}
		if record.StepIndex > next {
			return NewError(ErrOutOfOrderStep, "step %d skips ahead (next is %d)",
				record.StepIndex, next).WithExecution(executionID)
		}

		lastCheckpointStep, lastCheckpointAt := state.CheckpointInfo()
		now := e.clock()
		isCheckpoint := e.policy.ShouldCheckpoint(StepInfo{
			StepIndex:          record.StepIndex,
			TotalSteps:         state.totalSteps,
			Requested:          record.RequestCheckpoint,
			LastCheckpointStep: lastCheckpointStep,
			LastCheckpointAt:   lastCheckpointAt,
			Now:                now,
		})

		snapshot, err := e.store.Append(ctx, &Snapshot{
			ExecutionID:  executionID,
			StepIndex:    record.StepIndex,
			Timestamp:    now,
			State:        record.State,
			Metadata:     record.Metadata,
			IsCheckpoint: isCheckpoint,
		})
		if err != nil {
			return storageError(executionID, err)
		}
		state.Advance(snapshot)
		stored = snapshot

		e.logger.Debug("step recorded",
			"execution_id", executionID,
			"step_index", record.StepIndex,
			"checkpoint", isCheckpoint)
		e.callbacks.OnSnapshot(ctx, &SnapshotEvent{
			ExecutionID:  executionID,
			SnapshotID:   snapshot.ID,
			StepIndex:    snapshot.StepIndex,
			IsCheckpoint: isCheckpoint,
			At:           snapshot.Timestamp,
		})

		if state.totalSteps > 0 && record.StepIndex == state.totalSteps-1 {
			state.Finish(ExecutionStatusCompleted, e.clock(), nil)
			e.logger.Info("execution completed",
				"execution_id", executionID,
				"steps", state.totalSteps)
			e.callbacks.OnStatusChange(ctx, &StatusChangeEvent{
				ExecutionID: executionID,
				WorkflowID:  state.workflowID,
				From:        ExecutionStatusRunning,
				To:          ExecutionStatusCompleted,
				At:          e.clock(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// appendControlSnapshot writes an engine-owned snapshot (pause or cancel
// point) at the next step index, carrying the last recorded state. The
// caller must hold the execution's lock.
func (e *Engine) appendControlSnapshot(ctx context.Context, state *executionState, control string, isCheckpoint bool) (*Snapshot, error) {
	snapshot, err := e.store.Append(ctx, &Snapshot{
		ExecutionID:  state.id,
		StepIndex:    state.NextStep(),
		Timestamp:    e.clock(),
		State:        state.LastState(),
		Metadata:     map[string]string{metadataControlKey: control},
		IsCheckpoint: isCheckpoint,
	})
	if err != nil {
		return nil, storageError(state.id, err)
	}
	state.Advance(snapshot)
	return snapshot, nil
}

// withExecution resolves the execution and runs fn while holding its
// exclusivity lock. Lock acquisition is bounded by the engine's lock
// timeout.
func (e *Engine) withExecution(ctx context.Context, executionID string, fn func(ctx context.Context, state *executionState) error) error {
	state, err := e.executions.Get(executionID)
	if err != nil {
		return err
	}
	release, err := e.locks.Acquire(ctx, executionID, e.lockTimeout)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, state)
}
