package rewind

import (
	"time"

	"go.jetify.com/typeid"
)

// NewExecutionID returns a new unique identifier for an execution
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionStatus represents the execution status
type ExecutionStatus string

const (
	ExecutionStatusIdle      ExecutionStatus = "idle"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// canTransition encodes the execution state machine. Any transition not
// listed here is rejected with ErrInvalidState.
func canTransition(from, to ExecutionStatus) bool {
	switch from {
	case ExecutionStatusIdle:
		return to == ExecutionStatusRunning
	case ExecutionStatusRunning:
		switch to {
		case ExecutionStatusPaused,
			ExecutionStatusCompleted,
			ExecutionStatusFailed,
			ExecutionStatusCancelled:
			return true
		}
	case ExecutionStatusPaused:
		switch to {
		case ExecutionStatusRunning, ExecutionStatusCancelled:
			return true
		}
	}
	return false
}

// Command is a control operation applied to a live execution.
type Command int

const (
	CommandPause Command = iota
	CommandResume
	CommandCancel
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandPause:
		return "pause"
	case CommandResume:
		return "resume"
	case CommandCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Execution is a point-in-time view of one tracked execution: its lifecycle
// status and progress pointer. Views are value copies; mutation happens only
// inside the engine and rollback manager under the per-execution lock.
type Execution struct {
	ID               string          `json:"id"`
	WorkflowID       string          `json:"workflow_id"`
	Status           ExecutionStatus `json:"status"`
	CurrentStep      int             `json:"current_step"`
	TotalSteps       int             `json:"total_steps"`
	StartedAt        time.Time       `json:"started_at,omitzero"`
	CompletedAt      time.Time       `json:"completed_at,omitzero"`
	Error            string          `json:"error,omitempty"`
	LastCheckpointID string          `json:"last_checkpoint_id,omitempty"`
}
