package rewind

import "time"

// ExecutionSummary is an operator-facing digest of one execution's recorded
// history, derived from its live (non-superseded) snapshots.
type ExecutionSummary struct {
	ExecutionID     string    `json:"execution_id"`
	StepCount       int       `json:"step_count"`
	CheckpointCount int       `json:"checkpoint_count"`
	LastStep        int       `json:"last_step"`
	UpdatedAt       time.Time `json:"updated_at"`
}
