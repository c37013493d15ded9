package rewind

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultBaseTickInterval is the playback tick interval at speed 1.0.
	DefaultBaseTickInterval = 500 * time.Millisecond

	// DefaultSessionTTL is how long an untouched session survives before
	// the idle sweeper destroys it.
	DefaultSessionTTL = 30 * time.Minute
)

// ExecutionReader is the read-only view of executions the session manager
// needs. *Engine satisfies it.
type ExecutionReader interface {
	GetExecution(executionID string) (*Execution, error)
}

// SessionManagerOptions configures a new session manager
type SessionManagerOptions struct {
	Store            SnapshotStore
	Executions       ExecutionReader
	Registry         *SessionRegistry
	Logger           *slog.Logger
	BaseTickInterval time.Duration
	SessionTTL       time.Duration
	Clock            func() time.Time
}

// SessionManager builds read-only replay cursors over recorded snapshot
// histories and exposes stepping and playback controls. Sessions never
// mutate snapshots or execution state, so the manager takes no per-execution
// locks: a listing that trails a live execution is just a bit behind.
type SessionManager struct {
	store        SnapshotStore
	executions   ExecutionReader
	sessions     *SessionRegistry
	scheduler    *playbackScheduler
	logger       *slog.Logger
	baseInterval time.Duration
	sessionTTL   time.Duration
	clock        func() time.Time
	sweepStop    chan struct{}
	sweepDone    chan struct{}
	closeOnce    sync.Once
}

// NewSessionManager creates a new replay session manager. Close must be
// called to stop the playback scheduler and idle sweeper.
func NewSessionManager(opts SessionManagerOptions) (*SessionManager, error) {
	if opts.Store == nil {
		return nil, NewError(ErrInvalidArgument, "snapshot store is required")
	}
	if opts.Registry == nil {
		opts.Registry = NewSessionRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.BaseTickInterval <= 0 {
		opts.BaseTickInterval = DefaultBaseTickInterval
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	m := &SessionManager{
		store:        opts.Store,
		executions:   opts.Executions,
		sessions:     opts.Registry,
		logger:       opts.Logger,
		baseInterval: opts.BaseTickInterval,
		sessionTTL:   opts.SessionTTL,
		clock:        opts.Clock,
		sweepStop:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}
	m.scheduler = newPlaybackScheduler(m.advancePlayback)
	go m.sweepIdleSessions()
	return m, nil
}

// Close stops playback ticking and idle sweeping. Live sessions are dropped.
func (m *SessionManager) Close() {
	m.closeOnce.Do(func() {
		close(m.sweepStop)
		<-m.sweepDone
		m.scheduler.Stop()
	})
}

// CreateSession opens a replay cursor over the execution's history,
// positioned at the most recent step with playback stopped.
func (m *SessionManager) CreateSession(ctx context.Context, executionID string) (*ReplaySession, error) {
	if m.executions != nil {
		if _, err := m.executions.GetExecution(executionID); err != nil {
			return nil, err
		}
	}
	maxStep, err := latestStep(ctx, m.store, executionID)
	if err != nil {
		return nil, err
	}

	now := m.clock()
	session := &replaySession{
		id:            NewSessionID(),
		executionID:   executionID,
		currentStep:   maxStep,
		playbackSpeed: DefaultPlaybackSpeed,
		createdAt:     now,
		lastAccess:    now,
	}
	m.sessions.Put(session)

	m.logger.Info("replay session created",
		"session_id", session.id,
		"execution_id", executionID,
		"max_step", maxStep)
	return session.view(), nil
}

// GetSession returns the current view of a session.
func (m *SessionManager) GetSession(sessionID string) (*ReplaySession, error) {
	return m.sessions.View(sessionID)
}

// SessionPatch is a partial update to a replay session. Nil fields are left
// unchanged.
type SessionPatch struct {
	CurrentStep   *int
	IsPlaying     *bool
	PlaybackSpeed *float64
}

// UpdateSession applies a patch. Cursor targets are clamped into
// [0, maxStep] so UI scrubbing never errors; playback speed outside
// [0.1, 10.0] fails with ErrInvalidArgument.
func (m *SessionManager) UpdateSession(ctx context.Context, sessionID string, patch SessionPatch) (*ReplaySession, error) {
	if patch.PlaybackSpeed != nil {
		speed := *patch.PlaybackSpeed
		if speed < MinPlaybackSpeed || speed > MaxPlaybackSpeed {
			return nil, NewError(ErrInvalidArgument,
				"playback speed %.2f outside [%.1f, %.1f]",
				speed, MinPlaybackSpeed, MaxPlaybackSpeed).WithSession(sessionID)
		}
	}

	maxStep, err := m.sessionMaxStep(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	view, err := m.sessions.Update(sessionID, m.clock(), func(session *replaySession) error {
		if patch.CurrentStep != nil {
			session.currentStep = clampStep(*patch.CurrentStep, maxStep)
		}
		if patch.PlaybackSpeed != nil {
			session.playbackSpeed = *patch.PlaybackSpeed
		}
		if patch.IsPlaying != nil {
			session.isPlaying = *patch.IsPlaying
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if view.IsPlaying {
		m.scheduler.Schedule(sessionID, m.clock().Add(m.tickInterval(view.PlaybackSpeed)))
	} else {
		m.scheduler.Cancel(sessionID)
	}
	return view, nil
}

// StepForward advances the cursor by one step, stopping at the most recent
// step. Repeated calls at the boundary are no-ops.
func (m *SessionManager) StepForward(ctx context.Context, sessionID string) (*ReplaySession, error) {
	maxStep, err := m.sessionMaxStep(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.sessions.Update(sessionID, m.clock(), func(session *replaySession) error {
		session.currentStep = clampStep(session.currentStep+1, maxStep)
		return nil
	})
}

// StepBackward moves the cursor back one step, stopping at step 0.
func (m *SessionManager) StepBackward(ctx context.Context, sessionID string) (*ReplaySession, error) {
	return m.sessions.Update(sessionID, m.clock(), func(session *replaySession) error {
		if session.currentStep > 0 {
			session.currentStep--
		}
		return nil
	})
}

// JumpToStep moves the cursor to an explicit step. Unlike relative moves, an
// out-of-bounds target is an error: it is an address, not a nudge.
func (m *SessionManager) JumpToStep(ctx context.Context, sessionID string, step int) (*ReplaySession, error) {
	maxStep, err := m.sessionMaxStep(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if step < 0 || step > maxStep {
		return nil, NewError(ErrOutOfRange, "step %d outside [0, %d]", step, maxStep).
			WithSession(sessionID)
	}
	return m.sessions.Update(sessionID, m.clock(), func(session *replaySession) error {
		session.currentStep = step
		return nil
	})
}

// GetCurrentState returns the snapshot at the session's cursor: what the
// execution looked like at that point.
func (m *SessionManager) GetCurrentState(ctx context.Context, sessionID string) (*Snapshot, error) {
	view, err := m.sessions.View(sessionID)
	if err != nil {
		return nil, err
	}
	return m.store.GetByStep(ctx, view.ExecutionID, view.CurrentStep)
}

// DestroySession releases the session and cancels any pending playback
// tick. Destroying an already-destroyed session is not an error, and no tick
// fires for the session after this returns.
func (m *SessionManager) DestroySession(sessionID string) {
	m.scheduler.Cancel(sessionID)
	if m.sessions.Delete(sessionID) {
		m.logger.Debug("replay session destroyed", "session_id", sessionID)
	}
}

// advancePlayback is the scheduler's tick callback: advance the cursor one
// step, and either reschedule or stop playing at the end of history.
func (m *SessionManager) advancePlayback(sessionID string) {
	ctx := context.Background()

	maxStep, err := m.sessionMaxStep(ctx, sessionID)
	if err != nil {
		// Session destroyed or history unreadable; playback just stops.
		return
	}

	view, err := m.sessions.Update(sessionID, m.clock(), func(session *replaySession) error {
		if !session.isPlaying {
			return nil
		}
		session.currentStep = clampStep(session.currentStep+1, maxStep)
		if session.currentStep >= maxStep {
			session.isPlaying = false
		}
		return nil
	})
	if err != nil {
		return
	}
	if view.IsPlaying {
		m.scheduler.Schedule(sessionID, m.clock().Add(m.tickInterval(view.PlaybackSpeed)))
	}
}

// sweepIdleSessions periodically destroys sessions idle past the TTL.
func (m *SessionManager) sweepIdleSessions() {
	defer close(m.sweepDone)

	interval := m.sessionTTL / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			for _, sessionID := range m.sessions.ExpireIdle(m.clock(), m.sessionTTL) {
				m.scheduler.Cancel(sessionID)
				m.logger.Debug("idle replay session expired", "session_id", sessionID)
			}
		}
	}
}

func (m *SessionManager) sessionMaxStep(ctx context.Context, sessionID string) (int, error) {
	view, err := m.sessions.View(sessionID)
	if err != nil {
		return 0, err
	}
	return latestStep(ctx, m.store, view.ExecutionID)
}

func (m *SessionManager) tickInterval(speed float64) time.Duration {
	if speed <= 0 {
		speed = DefaultPlaybackSpeed
	}
	return time.Duration(float64(m.baseInterval) / speed)
}

func clampStep(step, maxStep int) int {
	if step < 0 {
		return 0
	}
	if step > maxStep {
		return maxStep
	}
	return step
}
