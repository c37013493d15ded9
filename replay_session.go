package rewind

import (
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewSessionID returns a new unique identifier for a replay session
func NewSessionID() string {
	id, err := typeid.WithPrefix("replay")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Playback speed bounds. Speeds outside this range are rejected with
// ErrInvalidArgument.
const (
	MinPlaybackSpeed     = 0.1
	MaxPlaybackSpeed     = 10.0
	DefaultPlaybackSpeed = 1.0
)

// ReplaySession is a point-in-time view of one replay cursor over an
// execution's recorded snapshot history. Sessions are pure readers: they
// never mutate snapshots or execution state, so any number of them can
// coexist with a live execution.
type ReplaySession struct {
	ID            string    `json:"id"`
	ExecutionID   string    `json:"execution_id"`
	CurrentStep   int       `json:"current_step"`
	IsPlaying     bool      `json:"is_playing"`
	PlaybackSpeed float64   `json:"playback_speed"`
	CreatedAt     time.Time `json:"created_at"`
}

// replaySession is the mutable record behind a ReplaySession view. All
// access goes through the owning SessionRegistry's lock.
type replaySession struct {
	id            string
	executionID   string
	currentStep   int
	isPlaying     bool
	playbackSpeed float64
	createdAt     time.Time
	lastAccess    time.Time
}

func (s *replaySession) view() *ReplaySession {
	return &ReplaySession{
		ID:            s.id,
		ExecutionID:   s.executionID,
		CurrentStep:   s.currentStep,
		IsPlaying:     s.isPlaying,
		PlaybackSpeed: s.playbackSpeed,
		CreatedAt:     s.createdAt,
	}
}

// SessionRegistry holds live replay sessions keyed by session id. It is an
// explicit, injectable store with create/get/delete contracts and idle-based
// expiry, so the manager never depends on a process-wide collection.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*replaySession
}

// NewSessionRegistry creates a new session registry
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: map[string]*replaySession{}}
}

// Put registers a session.
func (r *SessionRegistry) Put(session *replaySession) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[session.id] = session
}

// View returns a copy of the session, or an ErrNotFound error.
func (r *SessionRegistry) View(sessionID string) (*ReplaySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, NewError(ErrNotFound, "replay session not found").WithSession(sessionID)
	}
	return session.view(), nil
}

// Update applies fn to the session under the registry lock and returns the
// updated view. The session's last-access time is refreshed.
func (r *SessionRegistry) Update(sessionID string, now time.Time, fn func(*replaySession) error) (*ReplaySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, NewError(ErrNotFound, "replay session not found").WithSession(sessionID)
	}
	if err := fn(session); err != nil {
		return nil, err
	}
	session.lastAccess = now
	return session.view(), nil
}

// Delete removes a session, reporting whether it existed.
func (r *SessionRegistry) Delete(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	return ok
}

// Len returns the number of live sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// ExpireIdle removes sessions that have not been touched within maxIdle and
// returns their ids so the caller can cancel pending playback ticks.
func (r *SessionRegistry) ExpireIdle(now time.Time, maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, session := range r.sessions {
		if now.Sub(session.lastAccess) > maxIdle {
			delete(r.sessions, id)
			expired = append(expired, id)
		}
	}
	return expired
}
