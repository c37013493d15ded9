package rewind

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// storeFactories builds each SnapshotStore implementation that must satisfy
// the full contract. The sqlite store is covered separately so its database
// lifecycle stays local to its own test file.
func storeFactories(t *testing.T) map[string]func(t *testing.T) SnapshotStore {
	return map[string]func(t *testing.T) SnapshotStore{
		"memory": func(t *testing.T) SnapshotStore {
			return NewMemorySnapshotStore()
		},
		"file": func(t *testing.T) SnapshotStore {
			store, err := NewFileSnapshotStore(t.TempDir())
			require.NoError(t, err)
			return store
		},
	}
}

func appendSteps(t *testing.T, store SnapshotStore, executionID string, count int, checkpoints ...int) {
	t.Helper()
	ctx := context.Background()
	isCheckpoint := map[int]bool{}
	for _, step := range checkpoints {
		isCheckpoint[step] = true
	}
	for i := 0; i < count; i++ {
		_, err := store.Append(ctx, &Snapshot{
			ExecutionID:  executionID,
			StepIndex:    i,
			State:        []byte(fmt.Sprintf(`{"step":%d}`, i)),
			Metadata:     map[string]string{"source": "test"},
			IsCheckpoint: isCheckpoint[i],
		})
		require.NoError(t, err)
	}
}

func TestSnapshotStoreContract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			testSnapshotStore(t, factory)
		})
	}
}

func testSnapshotStore(t *testing.T, factory func(t *testing.T) SnapshotStore) {
	ctx := context.Background()

	t.Run("append assigns id and timestamp", func(t *testing.T) {
		store := factory(t)
		stored, err := store.Append(ctx, &Snapshot{
			ExecutionID: "exec-1",
			StepIndex:   0,
			State:       []byte("{}"),
		})
		require.NoError(t, err)
		require.NotEmpty(t, stored.ID)
		require.False(t, stored.Timestamp.IsZero())
	})

	t.Run("duplicate step index rejected", func(t *testing.T) {
		store := factory(t)
		appendSteps(t, store, "exec-1", 3)

		_, err := store.Append(ctx, &Snapshot{
			ExecutionID: "exec-1", StepIndex: 1, State: []byte("{}"),
		})
		require.True(t, IsKind(err, ErrDuplicateStep))

		// Other executions are unaffected
		_, err = store.Append(ctx, &Snapshot{
			ExecutionID: "exec-2", StepIndex: 1, State: []byte("{}"),
		})
		require.NoError(t, err)
	})

	t.Run("get by step", func(t *testing.T) {
		store := factory(t)
		appendSteps(t, store, "exec-1", 3)

		snapshot, err := store.GetByStep(ctx, "exec-1", 1)
		require.NoError(t, err)
		require.Equal(t, 1, snapshot.StepIndex)
		require.Equal(t, []byte(`{"step":1}`), snapshot.State)
		require.Equal(t, "test", snapshot.Metadata["source"])

		_, err = store.GetByStep(ctx, "exec-1", 9)
		require.True(t, IsKind(err, ErrNotFound))
	})

	t.Run("list is ordered and range-bounded", func(t *testing.T) {
		store := factory(t)
		appendSteps(t, store, "exec-1", 5)

		all, err := store.List(ctx, "exec-1", ListRange{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, snapshot := range all {
			require.Equal(t, i, snapshot.StepIndex)
		}

		bounded, err := store.List(ctx, "exec-1", ListRange{From: 1, To: 4})
		require.NoError(t, err)
		require.Len(t, bounded, 3)
		require.Equal(t, 1, bounded[0].StepIndex)
		require.Equal(t, 3, bounded[2].StepIndex)
	})

	t.Run("superseded snapshots leave the live lineage", func(t *testing.T) {
		store := factory(t)
		appendSteps(t, store, "exec-1", 5, 0, 2, 4)

		require.NoError(t, store.MarkSuperseded(ctx, "exec-1", 2))

		live, err := store.List(ctx, "exec-1", ListRange{})
		require.NoError(t, err)
		require.Len(t, live, 3)
		require.Equal(t, 2, live[len(live)-1].StepIndex)

		_, err = store.GetByStep(ctx, "exec-1", 3)
		require.True(t, IsKind(err, ErrNotFound))

		checkpoints, err := store.ListCheckpoints(ctx, "exec-1")
		require.NoError(t, err)
		require.Len(t, checkpoints, 2)
		require.Equal(t, 0, checkpoints[0].StepIndex)
		require.Equal(t, 2, checkpoints[1].StepIndex)
	})

	t.Run("superseded index is reusable", func(t *testing.T) {
		store := factory(t)
		appendSteps(t, store, "exec-1", 5)
		require.NoError(t, store.MarkSuperseded(ctx, "exec-1", 2))

		// Re-recording the invalidated steps starts a new lineage
		stored, err := store.Append(ctx, &Snapshot{
			ExecutionID: "exec-1",
			StepIndex:   3,
			State:       []byte(`{"step":3,"retry":true}`),
		})
		require.NoError(t, err)

		current, err := store.GetByStep(ctx, "exec-1", 3)
		require.NoError(t, err)
		require.Equal(t, stored.ID, current.ID)
		require.Equal(t, []byte(`{"step":3,"retry":true}`), current.State)

		// The new lineage enforces uniqueness again
		_, err = store.Append(ctx, &Snapshot{
			ExecutionID: "exec-1", StepIndex: 3, State: []byte("{}"),
		})
		require.True(t, IsKind(err, ErrDuplicateStep))
	})

	t.Run("checkpoint listing is ordered", func(t *testing.T) {
		store := factory(t)
		appendSteps(t, store, "exec-1", 6, 4, 1)

		checkpoints, err := store.ListCheckpoints(ctx, "exec-1")
		require.NoError(t, err)
		require.Len(t, checkpoints, 2)
		require.Equal(t, 1, checkpoints[0].StepIndex)
		require.Equal(t, 4, checkpoints[1].StepIndex)
	})
}

func TestFileSnapshotStoreExtras(t *testing.T) {
	ctx := context.Background()

	t.Run("list executions summarizes live history", func(t *testing.T) {
		store, err := NewFileSnapshotStore(t.TempDir())
		require.NoError(t, err)

		appendSteps(t, store, "exec-a", 5, 0, 3)
		appendSteps(t, store, "exec-b", 2)
		require.NoError(t, store.MarkSuperseded(ctx, "exec-a", 3))

		summaries, err := store.ListExecutions(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 2)

		byID := map[string]*ExecutionSummary{}
		for _, summary := range summaries {
			byID[summary.ExecutionID] = summary
		}
		require.Equal(t, 4, byID["exec-a"].StepCount)
		require.Equal(t, 2, byID["exec-a"].CheckpointCount)
		require.Equal(t, 3, byID["exec-a"].LastStep)
		require.Equal(t, 2, byID["exec-b"].StepCount)
	})

	t.Run("rollback log appends and lists", func(t *testing.T) {
		store, err := NewFileSnapshotStore(t.TempDir())
		require.NoError(t, err)

		first := &RollbackRecord{
			ID:           NewRollbackID(),
			ExecutionID:  "exec-a",
			CheckpointID: "snap-1",
			Reason:       "bad deploy",
			Outcome:      RollbackSucceeded,
		}
		second := &RollbackRecord{
			ID:           NewRollbackID(),
			ExecutionID:  "exec-a",
			CheckpointID: "snap-2",
			Reason:       "storage blip",
			Outcome:      RollbackFailed,
			Error:        "storage_failure: snapshot store: io timeout",
		}
		require.NoError(t, store.AppendRollback(ctx, first))
		require.NoError(t, store.AppendRollback(ctx, second))

		records, err := store.ListRollbacks(ctx, "exec-a")
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, first.ID, records[0].ID)
		require.Equal(t, RollbackFailed, records[1].Outcome)

		none, err := store.ListRollbacks(ctx, "exec-b")
		require.NoError(t, err)
		require.Empty(t, none)
	})
}

func TestMemoryRollbackLog(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryRollbackLog()

	record := &RollbackRecord{
		ID:           NewRollbackID(),
		ExecutionID:  "exec-1",
		CheckpointID: "snap-1",
		Reason:       "operator request",
		Outcome:      RollbackSucceeded,
	}
	require.NoError(t, log.AppendRollback(ctx, record))

	records, err := log.ListRollbacks(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Returned records are copies, not the stored entries
	records[0].Reason = "mutated"
	again, err := log.ListRollbacks(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, "operator request", again[0].Reason)
}
