package rewind

import (
	"sync"
	"time"
)

// executionState is the mutable record behind an Execution view. All data
// here is guarded by its own RWMutex so that reads stay consistent while a
// control operation holds the per-execution lock and mutates fields.
//
// Progress pointer model: nextStep is the index the step loop must record
// next. The public CurrentStep is the index of the most recently recorded or
// restored snapshot, i.e. nextStep-1 (clamped to 0 before the first record).
type executionState struct {
	id                 string
	workflowID         string
	status             ExecutionStatus
	nextStep           int
	totalSteps         int
	startedAt          time.Time
	completedAt        time.Time
	err                string
	lastCheckpointID   string
	lastCheckpointStep int
	lastCheckpointAt   time.Time
	lastState          []byte
	mutex              sync.RWMutex
}

func newExecutionState(id, workflowID string, totalSteps int, now time.Time) *executionState {
	return &executionState{
		id:                 id,
		workflowID:         workflowID,
		status:             ExecutionStatusRunning,
		totalSteps:         totalSteps,
		startedAt:          now,
		lastCheckpointStep: -1,
	}
}

// View returns a consistent copy of the execution record.
func (s *executionState) View() *Execution {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return &Execution{
		ID:               s.id,
		WorkflowID:       s.workflowID,
		Status:           s.status,
		CurrentStep:      s.currentStepLocked(),
		TotalSteps:       s.totalSteps,
		StartedAt:        s.startedAt,
		CompletedAt:      s.completedAt,
		Error:            s.err,
		LastCheckpointID: s.lastCheckpointID,
	}
}

func (s *executionState) currentStepLocked() int {
	if s.nextStep == 0 {
		return 0
	}
	return s.nextStep - 1
}

// Status returns the current execution status.
func (s *executionState) Status() ExecutionStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.status
}

// NextStep returns the index the step loop must record next.
func (s *executionState) NextStep() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.nextStep
}

// Transition moves the execution to the given status if the state machine
// permits it. The returned error carries the execution id.
func (s *executionState) Transition(to ExecutionStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.status == to {
		return NewError(ErrInvalidState, "execution already %s", to).WithExecution(s.id)
	}
	if !canTransition(s.status, to) {
		return NewError(ErrInvalidState, "cannot %s: execution is %s", transitionVerb(to), s.status).
			WithExecution(s.id)
	}
	s.status = to
	return nil
}

func transitionVerb(to ExecutionStatus) string {
	switch to {
	case ExecutionStatusRunning:
		return "resume"
	case ExecutionStatusPaused:
		return "pause"
	case ExecutionStatusCancelled:
		return "cancel"
	case ExecutionStatusCompleted:
		return "complete"
	case ExecutionStatusFailed:
		return "fail"
	default:
		return "transition to " + string(to)
	}
}

// Finish marks the execution terminal with an optional error.
func (s *executionState) Finish(status ExecutionStatus, endTime time.Time, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.status = status
	s.completedAt = endTime
	if err != nil {
		s.err = err.Error()
	}
}

// Advance records that a snapshot was written at stepIndex, updating the
// progress pointer and (for checkpoints) the checkpoint bookkeeping.
func (s *executionState) Advance(snapshot *Snapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.nextStep = snapshot.StepIndex + 1
	s.lastState = append([]byte(nil), snapshot.State...)
	if snapshot.IsCheckpoint {
		s.lastCheckpointID = snapshot.ID
		s.lastCheckpointStep = snapshot.StepIndex
		s.lastCheckpointAt = snapshot.Timestamp
	}
}

// LastState returns a copy of the most recently recorded state blob, which
// may be empty before the first recorded step.
func (s *executionState) LastState() []byte {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]byte(nil), s.lastState...)
}

// CheckpointInfo returns the step index and time of the last checkpoint.
// The step is -1 when no checkpoint has been recorded.
func (s *executionState) CheckpointInfo() (int, time.Time) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.lastCheckpointStep, s.lastCheckpointAt
}

// restorePoint captures the fields a rollback mutates so a failed rollback
// can put them back exactly.
type restorePoint struct {
	status             ExecutionStatus
	nextStep           int
	lastCheckpointID   string
	lastCheckpointStep int
	lastCheckpointAt   time.Time
	lastState          []byte
}

// Capture returns a restore point for the current state.
func (s *executionState) Capture() restorePoint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return restorePoint{
		status:             s.status,
		nextStep:           s.nextStep,
		lastCheckpointID:   s.lastCheckpointID,
		lastCheckpointStep: s.lastCheckpointStep,
		lastCheckpointAt:   s.lastCheckpointAt,
		lastState:          append([]byte(nil), s.lastState...),
	}
}

// Restore puts back a previously captured restore point.
func (s *executionState) Restore(p restorePoint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.status = p.status
	s.nextStep = p.nextStep
	s.lastCheckpointID = p.lastCheckpointID
	s.lastCheckpointStep = p.lastCheckpointStep
	s.lastCheckpointAt = p.lastCheckpointAt
	s.lastState = p.lastState
}

// RestoreTo rewinds the execution to the given checkpoint snapshot. The
// status becomes Paused and the progress pointer moves to the checkpoint's
// step, so the next recorded step re-executes the first invalidated one.
func (s *executionState) RestoreTo(checkpoint *Snapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.status = ExecutionStatusPaused
	s.nextStep = checkpoint.StepIndex + 1
	s.lastCheckpointID = checkpoint.ID
	s.lastCheckpointStep = checkpoint.StepIndex
	s.lastCheckpointAt = checkpoint.Timestamp
	s.lastState = append([]byte(nil), checkpoint.State...)
	s.err = ""
}
