package rewind

import "time"

// StepInfo carries everything the checkpoint policy may consider for one
// recorded step. LastCheckpointStep is -1 when no checkpoint exists yet.
type StepInfo struct {
	StepIndex          int
	TotalSteps         int
	Requested          bool
	LastCheckpointStep int
	LastCheckpointAt   time.Time
	Now                time.Time
}

// CheckpointPolicy decides whether a recorded step's snapshot is a
// checkpoint (rollback-eligible) or an ordinary snapshot. The decision is a
// pure function of the step info; the engine supplies the inputs.
//
// Explicit checkpoint requests always win. The zero value enables nothing
// else, making checkpoints purely request-driven; see
// DefaultCheckpointPolicy for the usual configuration.
type CheckpointPolicy struct {
	// StepInterval checkpoints every Nth step since the last checkpoint.
	// Zero disables the step-count rule.
	StepInterval int `yaml:"step_interval"`

	// MaxAge checkpoints once this much time has elapsed since the last
	// checkpoint. Zero disables the age rule.
	MaxAge time.Duration `yaml:"max_age"`

	// FirstStep checkpoints the first recorded step.
	FirstStep bool `yaml:"first_step"`

	// FinalStep checkpoints the final step when the total is known.
	FinalStep bool `yaml:"final_step"`
}

// DefaultCheckpointPolicy returns the policy used when none is configured.
func DefaultCheckpointPolicy() CheckpointPolicy {
	return CheckpointPolicy{
		StepInterval: 10,
		MaxAge:       5 * time.Minute,
		FirstStep:    true,
		FinalStep:    true,
	}
}

// ShouldCheckpoint reports whether the step's snapshot is a checkpoint.
func (p CheckpointPolicy) ShouldCheckpoint(info StepInfo) bool {
	if info.Requested {
		return true
	}
	if p.FirstStep && info.StepIndex == 0 {
		return true
	}
	if p.FinalStep && info.TotalSteps > 0 && info.StepIndex == info.TotalSteps-1 {
		return true
	}
	if p.StepInterval > 0 && info.StepIndex-info.LastCheckpointStep >= p.StepInterval {
		return true
	}
	if p.MaxAge > 0 && !info.LastCheckpointAt.IsZero() &&
		info.Now.Sub(info.LastCheckpointAt) >= p.MaxAge {
		return true
	}
	return false
}
