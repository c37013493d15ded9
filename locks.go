package rewind

import (
	"context"
	"sync"
	"time"
)

// lockTable provides a per-execution exclusivity lock. Every mutation of an
// execution (pause, resume, cancel, record, rollback) acquires its lock
// first, so each execution has exactly one logical owner of mutation at a
// time. Acquisition is bounded: callers get ErrLockTimeout instead of
// hanging when the lock is contended past their budget.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[string]chan struct{}{}}
}

func (t *lockTable) get(executionID string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[executionID]
	if !ok {
		lock = make(chan struct{}, 1)
		t.locks[executionID] = lock
	}
	return lock
}

// Acquire takes the execution's lock, waiting at most timeout. On success
// it returns a release function that must be called exactly once.
func (t *lockTable) Acquire(ctx context.Context, executionID string, timeout time.Duration) (func(), error) {
	lock := t.get(executionID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-timer.C:
		return nil, NewError(ErrLockTimeout, "lock not acquired within %s", timeout).
			WithExecution(executionID)
	case <-ctx.Done():
		return nil, NewError(ErrLockTimeout, "lock wait interrupted: %v", ctx.Err()).
			WithExecution(executionID).Wrap(ctx.Err())
	}
}
