package rewind_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/deepnoodle-ai/rewind"
	"github.com/stretchr/testify/require"
)

// A full pass through the public API: a step loop records its progress, the
// operator rolls the execution back to a checkpoint, the loop re-runs the
// invalidated steps, and a replay session inspects the final history.
func TestControlPlaneExample(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	store := rewind.NewMemorySnapshotStore()
	engine, err := rewind.NewEngine(rewind.EngineOptions{
		Store:  store,
		Logger: logger,
		Policy: &rewind.CheckpointPolicy{StepInterval: 3},
	})
	require.NoError(t, err)

	rollbacks, err := rewind.NewRollbackManager(rewind.RollbackManagerOptions{
		Engine: engine,
		Logger: logger,
	})
	require.NoError(t, err)

	sessions, err := rewind.NewSessionManager(rewind.SessionManagerOptions{
		Store:      store,
		Executions: engine,
		Logger:     logger,
	})
	require.NoError(t, err)
	defer sessions.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	execution, err := engine.Start(ctx, rewind.StartOptions{
		WorkflowID: "etl-pipeline",
		TotalSteps: 8,
	})
	require.NoError(t, err)

	// The step loop computes each state and reports it. The loop owns the
	// business logic; the engine only tracks progress and snapshots.
	runStep := func(step int) []byte {
		state, err := json.Marshal(map[string]any{"rows_loaded": step * 100})
		require.NoError(t, err)
		return state
	}

	var checkpointID string
	for step := 0; step < 6; step++ {
		snapshot, err := engine.RecordStep(ctx, execution.ID, rewind.StepRecord{
			StepIndex:         step,
			State:             runStep(step),
			RequestCheckpoint: step == 3,
		})
		require.NoError(t, err)
		if step == 3 {
			checkpointID = snapshot.ID
		}
	}

	// A data problem is discovered: rewind to the step-3 checkpoint and run
	// the tail of the pipeline again.
	require.NoError(t, rollbacks.RollbackToCheckpoint(ctx, execution.ID, checkpointID, "rows 400+ loaded from stale source"))

	view, err := engine.GetExecution(execution.ID)
	require.NoError(t, err)
	require.Equal(t, rewind.ExecutionStatusPaused, view.Status)
	require.Equal(t, 3, view.CurrentStep)

	require.NoError(t, engine.Control(ctx, execution.ID, rewind.CommandResume))
	for step := 4; step < 8; step++ {
		_, err := engine.RecordStep(ctx, execution.ID, rewind.StepRecord{
			StepIndex: step,
			State:     runStep(step),
		})
		require.NoError(t, err)
	}

	// Recording the final step completed the execution
	status, err := engine.GetExecutionStatus(execution.ID)
	require.NoError(t, err)
	require.Equal(t, rewind.ExecutionStatusCompleted, status)

	// Walk the finished history with a replay cursor
	session, err := sessions.CreateSession(ctx, execution.ID)
	require.NoError(t, err)
	require.Equal(t, 7, session.CurrentStep)

	for step := 7; step >= 0; step-- {
		snapshot, err := sessions.GetCurrentState(ctx, session.ID)
		require.NoError(t, err)
		require.Equal(t, step, snapshot.StepIndex)
		require.JSONEq(t, fmt.Sprintf(`{"rows_loaded":%d}`, step*100), string(snapshot.State))

		_, err = sessions.StepBackward(ctx, session.ID)
		require.NoError(t, err)
	}

	history, err := rollbacks.History(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, rewind.RollbackSucceeded, history[0].Outcome)

	sessions.DestroySession(session.ID)
}
