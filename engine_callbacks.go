package rewind

import (
	"context"
	"time"
)

// EngineCallbacks defines the callback interface for execution control
// events. Callbacks run synchronously while the engine holds the
// per-execution lock, so implementations should be quick.
type EngineCallbacks interface {
	// OnStatusChange fires after an execution's status changes.
	OnStatusChange(ctx context.Context, event *StatusChangeEvent)

	// OnSnapshot fires after a snapshot is appended.
	OnSnapshot(ctx context.Context, event *SnapshotEvent)

	// OnRollback fires after a rollback attempt, successful or not.
	OnRollback(ctx context.Context, event *RollbackEvent)
}

// StatusChangeEvent provides context for execution status transitions
type StatusChangeEvent struct {
	ExecutionID string
	WorkflowID  string
	From        ExecutionStatus
	To          ExecutionStatus
	At          time.Time
	Error       error
}

// SnapshotEvent provides context for appended snapshots
type SnapshotEvent struct {
	ExecutionID  string
	SnapshotID   string
	StepIndex    int
	IsCheckpoint bool
	At           time.Time
}

// RollbackEvent provides context for rollback attempts
type RollbackEvent struct {
	ExecutionID  string
	CheckpointID string
	Reason       string
	At           time.Time
	Error        error
}

// BaseEngineCallbacks provides a default implementation that does nothing.
// Embed this in your own callbacks to get no-op defaults.
type BaseEngineCallbacks struct{}

func (n *BaseEngineCallbacks) OnStatusChange(ctx context.Context, event *StatusChangeEvent) {
	// noop
}

func (n *BaseEngineCallbacks) OnSnapshot(ctx context.Context, event *SnapshotEvent) {
	// noop
}

func (n *BaseEngineCallbacks) OnRollback(ctx context.Context, event *RollbackEvent) {
	// noop
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []EngineCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...EngineCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback EngineCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) OnStatusChange(ctx context.Context, event *StatusChangeEvent) {
	for _, callback := range c.callbacks {
		callback.OnStatusChange(ctx, event)
	}
}

func (c *CallbackChain) OnSnapshot(ctx context.Context, event *SnapshotEvent) {
	for _, callback := range c.callbacks {
		callback.OnSnapshot(ctx, event)
	}
}

func (c *CallbackChain) OnRollback(ctx context.Context, event *RollbackEvent) {
	for _, callback := range c.callbacks {
		callback.OnRollback(ctx, event)
	}
}
