package rewind

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func newTestSessionManager(t *testing.T, store SnapshotStore, opts SessionManagerOptions) *SessionManager {
	t.Helper()
	opts.Store = store
	manager, err := NewSessionManager(opts)
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager
}

func storeWithHistory(t *testing.T, executionID string, steps int) SnapshotStore {
	t.Helper()
	store := NewMemorySnapshotStore()
	appendSteps(t, store, executionID, steps)
	return store
}

func intPtr(v int) *int           { return &v }
func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestCreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("cursor starts at most recent step", func(t *testing.T) {
		store := storeWithHistory(t, "exec-1", 5)
		manager := newTestSessionManager(t, store, SessionManagerOptions{})

		session, err := manager.CreateSession(ctx, "exec-1")
		require.NoError(t, err)
		require.NotEmpty(t, session.ID)
		require.Equal(t, "exec-1", session.ExecutionID)
		require.Equal(t, 4, session.CurrentStep)
		require.False(t, session.IsPlaying)
		require.Equal(t, DefaultPlaybackSpeed, session.PlaybackSpeed)
	})

	t.Run("execution without history is not found", func(t *testing.T) {
		manager := newTestSessionManager(t, NewMemorySnapshotStore(), SessionManagerOptions{})
		_, err := manager.CreateSession(ctx, "exec-empty")
		require.True(t, IsKind(err, ErrNotFound))
	})

	t.Run("unknown execution is rejected when an execution reader is wired", func(t *testing.T) {
		engine, err := NewEngine(EngineOptions{})
		require.NoError(t, err)
		manager := newTestSessionManager(t, engine.Store(), SessionManagerOptions{
			Executions: engine,
		})
		_, err = manager.CreateSession(ctx, "exec-unknown")
		require.True(t, IsKind(err, ErrNotFound))
	})

	t.Run("sessions over the same execution are independent", func(t *testing.T) {
		store := storeWithHistory(t, "exec-1", 4)
		manager := newTestSessionManager(t, store, SessionManagerOptions{})

		first, err := manager.CreateSession(ctx, "exec-1")
		require.NoError(t, err)
		second, err := manager.CreateSession(ctx, "exec-1")
		require.NoError(t, err)

		_, err = manager.JumpToStep(ctx, first.ID, 0)
		require.NoError(t, err)

		view, err := manager.GetSession(second.ID)
		require.NoError(t, err)
		require.Equal(t, 3, view.CurrentStep)
	})
}

func TestSessionStepping(t *testing.T) {
	ctx := context.Background()
	store := storeWithHistory(t, "exec-1", 5)
	manager := newTestSessionManager(t, store, SessionManagerOptions{})

	session, err := manager.CreateSession(ctx, "exec-1")
	require.NoError(t, err)

	t.Run("step backward walks history", func(t *testing.T) {
		view, err := manager.StepBackward(ctx, session.ID)
		require.NoError(t, err)
		require.Equal(t, 3, view.CurrentStep)

		view, err = manager.StepBackward(ctx, session.ID)
		require.NoError(t, err)
		require.Equal(t, 2, view.CurrentStep)

		state, err := manager.GetCurrentState(ctx, session.ID)
		require.NoError(t, err)
		require.Equal(t, []byte(`{"step":2}`), state.State)
	})

	t.Run("step forward stops at most recent step", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			view, err := manager.StepForward(ctx, session.ID)
			require.NoError(t, err)
			require.LessOrEqual(t, view.CurrentStep, 4)
		}
		view, err := manager.GetSession(session.ID)
		require.NoError(t, err)
		require.Equal(t, 4, view.CurrentStep)
	})

	t.Run("step backward stops at zero", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			_, err := manager.StepBackward(ctx, session.ID)
			require.NoError(t, err)
		}
		view, err := manager.GetSession(session.ID)
		require.NoError(t, err)
		require.Equal(t, 0, view.CurrentStep)
	})
}

func TestJumpToStep(t *testing.T) {
	ctx := context.Background()
	store := storeWithHistory(t, "exec-1", 5)
	manager := newTestSessionManager(t, store, SessionManagerOptions{})

	session, err := manager.CreateSession(ctx, "exec-1")
	require.NoError(t, err)

	view, err := manager.JumpToStep(ctx, session.ID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, view.CurrentStep)

	_, err = manager.JumpToStep(ctx, session.ID, -1)
	require.True(t, IsKind(err, ErrOutOfRange))

	_, err = manager.JumpToStep(ctx, session.ID, 5)
	require.True(t, IsKind(err, ErrOutOfRange))

	// Failed jumps leave the cursor where it was
	view, err = manager.GetSession(session.ID)
	require.NoError(t, err)
	require.Equal(t, 2, view.CurrentStep)
}

func TestUpdateSession(t *testing.T) {
	ctx := context.Background()
	store := storeWithHistory(t, "exec-1", 5)
	manager := newTestSessionManager(t, store, SessionManagerOptions{})

	session, err := manager.CreateSession(ctx, "exec-1")
	require.NoError(t, err)

	t.Run("playback speed bounds", func(t *testing.T) {
		_, err := manager.UpdateSession(ctx, session.ID, SessionPatch{
			PlaybackSpeed: floatPtr(20.0),
		})
		require.True(t, IsKind(err, ErrInvalidArgument))

		_, err = manager.UpdateSession(ctx, session.ID, SessionPatch{
			PlaybackSpeed: floatPtr(0.05),
		})
		require.True(t, IsKind(err, ErrInvalidArgument))

		view, err := manager.UpdateSession(ctx, session.ID, SessionPatch{
			PlaybackSpeed: floatPtr(2.0),
		})
		require.NoError(t, err)
		require.Equal(t, 2.0, view.PlaybackSpeed)
	})

	t.Run("cursor targets are clamped", func(t *testing.T) {
		view, err := manager.UpdateSession(ctx, session.ID, SessionPatch{
			CurrentStep: intPtr(99),
		})
		require.NoError(t, err)
		require.Equal(t, 4, view.CurrentStep)

		view, err = manager.UpdateSession(ctx, session.ID, SessionPatch{
			CurrentStep: intPtr(-7),
		})
		require.NoError(t, err)
		require.Equal(t, 0, view.CurrentStep)
	})

	t.Run("nil fields are left unchanged", func(t *testing.T) {
		view, err := manager.UpdateSession(ctx, session.ID, SessionPatch{})
		require.NoError(t, err)
		require.Equal(t, 0, view.CurrentStep)
		require.Equal(t, 2.0, view.PlaybackSpeed)
		require.False(t, view.IsPlaying)
	})
}

func TestGetCurrentState(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(EngineOptions{})
	require.NoError(t, err)
	execution, err := engine.Start(ctx, StartOptions{WorkflowID: "w"})
	require.NoError(t, err)

	recorded := [][]byte{
		[]byte(`{"cart":["a"]}`),
		[]byte(`{"cart":["a","b"]}`),
		[]byte(`{"cart":["a","b"],"paid":true}`),
	}
	for i, state := range recorded {
		_, err := engine.RecordStep(ctx, execution.ID, StepRecord{StepIndex: i, State: state})
		require.NoError(t, err)
	}

	manager := newTestSessionManager(t, engine.Store(), SessionManagerOptions{Executions: engine})
	session, err := manager.CreateSession(ctx, execution.ID)
	require.NoError(t, err)

	// Walking the cursor returns exactly the bytes recorded at each step
	for step := len(recorded) - 1; step >= 0; step-- {
		view, err := manager.JumpToStep(ctx, session.ID, step)
		require.NoError(t, err)
		require.Equal(t, step, view.CurrentStep)

		snapshot, err := manager.GetCurrentState(ctx, session.ID)
		require.NoError(t, err)
		require.Equal(t, recorded[step], snapshot.State)
	}
}

func TestDestroySession(t *testing.T) {
	ctx := context.Background()
	store := storeWithHistory(t, "exec-1", 3)
	registry := NewSessionRegistry()
	manager := newTestSessionManager(t, store, SessionManagerOptions{Registry: registry})

	session, err := manager.CreateSession(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, 1, registry.Len())

	manager.DestroySession(session.ID)
	require.Equal(t, 0, registry.Len())

	_, err = manager.GetSession(session.ID)
	require.True(t, IsKind(err, ErrNotFound))

	// Destroying again is a no-op
	manager.DestroySession(session.ID)
}

func TestSessionPlayback(t *testing.T) {
	ctx := context.Background()
	store := storeWithHistory(t, "exec-1", 6)
	manager := newTestSessionManager(t, store, SessionManagerOptions{
		BaseTickInterval: 10 * time.Millisecond,
	})

	session, err := manager.CreateSession(ctx, "exec-1")
	require.NoError(t, err)
	_, err = manager.JumpToStep(ctx, session.ID, 0)
	require.NoError(t, err)

	view, err := manager.UpdateSession(ctx, session.ID, SessionPatch{
		IsPlaying: boolPtr(true),
	})
	require.NoError(t, err)
	require.True(t, view.IsPlaying)

	// Playback advances the cursor to the end of history, then stops
	require.Eventually(t, func() bool {
		view, err := manager.GetSession(session.ID)
		if err != nil {
			return false
		}
		return view.CurrentStep == 5 && !view.IsPlaying
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionPlaybackPauses(t *testing.T) {
	ctx := context.Background()
	store := storeWithHistory(t, "exec-1", 1000)
	manager := newTestSessionManager(t, store, SessionManagerOptions{
		BaseTickInterval: 5 * time.Millisecond,
	})

	session, err := manager.CreateSession(ctx, "exec-1")
	require.NoError(t, err)
	_, err = manager.JumpToStep(ctx, session.ID, 0)
	require.NoError(t, err)

	_, err = manager.UpdateSession(ctx, session.ID, SessionPatch{IsPlaying: boolPtr(true)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := manager.GetSession(session.ID)
		return err == nil && view.CurrentStep > 0
	}, 2*time.Second, time.Millisecond)

	view, err := manager.UpdateSession(ctx, session.ID, SessionPatch{IsPlaying: boolPtr(false)})
	require.NoError(t, err)
	require.False(t, view.IsPlaying)

	// No tick fires after pausing; the cursor stays put
	paused := view.CurrentStep
	time.Sleep(50 * time.Millisecond)
	view, err = manager.GetSession(session.ID)
	require.NoError(t, err)
	require.Equal(t, paused, view.CurrentStep)
}

func TestSessionRegistryExpireIdle(t *testing.T) {
	registry := NewSessionRegistry()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	registry.Put(&replaySession{id: "replay-old", lastAccess: base})
	registry.Put(&replaySession{id: "replay-fresh", lastAccess: base.Add(25 * time.Minute)})

	expired := registry.ExpireIdle(base.Add(31*time.Minute), 30*time.Minute)
	require.Equal(t, []string{"replay-old"}, expired)
	require.Equal(t, 1, registry.Len())

	_, err := registry.View("replay-old")
	require.True(t, IsKind(err, ErrNotFound))
	_, err = registry.View("replay-fresh")
	require.NoError(t, err)
}

func TestCursorAlwaysInBounds(t *testing.T) {
	ctx := context.Background()
	const maxStep = 9
	store := storeWithHistory(t, "exec-1", maxStep+1)
	manager := newTestSessionManager(t, store, SessionManagerOptions{})

	session, err := manager.CreateSession(ctx, "exec-1")
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("cursor stays within recorded history", prop.ForAll(
		func(target int, backward bool) bool {
			var view *ReplaySession
			var err error
			if backward {
				view, err = manager.StepBackward(ctx, session.ID)
			} else {
				view, err = manager.UpdateSession(ctx, session.ID, SessionPatch{
					CurrentStep: intPtr(target),
				})
			}
			if err != nil {
				return false
			}
			return view.CurrentStep >= 0 && view.CurrentStep <= maxStep
		},
		gen.IntRange(-1000, 1000),
		gen.Bool(),
	))
	properties.TestingRun(t)
}

func TestTickInterval(t *testing.T) {
	manager := newTestSessionManager(t, storeWithHistory(t, "exec-1", 1), SessionManagerOptions{
		BaseTickInterval: 500 * time.Millisecond,
	})

	tests := []struct {
		speed float64
		want  time.Duration
	}{
		{1.0, 500 * time.Millisecond},
		{2.0, 250 * time.Millisecond},
		{0.5, time.Second},
		{10.0, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("speed_%.1f", tt.speed), func(t *testing.T) {
			require.Equal(t, tt.want, manager.tickInterval(tt.speed))
		})
	}
}
