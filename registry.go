package rewind

import "sync"

// executionRegistry holds the live execution records, keyed by execution id.
// It is an explicit object injected into the engine and rollback manager so
// tests can construct isolated instances; nothing in this package keeps a
// process-wide registry.
type executionRegistry struct {
	mu         sync.RWMutex
	executions map[string]*executionState
}

func newExecutionRegistry() *executionRegistry {
	return &executionRegistry{executions: map[string]*executionState{}}
}

// Get returns the execution state, or an ErrNotFound error.
func (r *executionRegistry) Get(executionID string) (*executionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.executions[executionID]
	if !ok {
		return nil, NewError(ErrNotFound, "execution not found").WithExecution(executionID)
	}
	return state, nil
}

// Put registers an execution state.
func (r *executionRegistry) Put(state *executionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executions[state.id] = state
}

// List returns views of all registered executions.
func (r *executionRegistry) List() []*Execution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]*Execution, 0, len(r.executions))
	for _, state := range r.executions {
		views = append(views, state.View())
	}
	return views
}
