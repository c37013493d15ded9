package rewind

import (
	"container/heap"
	"sync"
	"time"
)

// tickEntry is one pending playback tick.
type tickEntry struct {
	sessionID string
	at        time.Time
}

// tickHeap orders pending ticks by deadline.
type tickHeap []tickEntry

func (h tickHeap) Len() int           { return len(h) }
func (h tickHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h tickHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tickHeap) Push(x any)        { *h = append(*h, x.(tickEntry)) }
func (h *tickHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// playbackScheduler drives all playing replay sessions from one goroutine.
// Sessions register their next tick deadline; the loop sleeps until the
// earliest deadline and fires the tick callback. No session ever owns a
// timer or goroutine of its own, so the number of concurrent timers stays
// bounded at one regardless of session count.
//
// Cancellation is lazy in the heap: the wanted map is authoritative, and
// popped entries that no longer match it are dropped.
type playbackScheduler struct {
	mu     sync.Mutex
	heap   tickHeap
	wanted map[string]time.Time
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	tick   func(sessionID string)
}

func newPlaybackScheduler(tick func(sessionID string)) *playbackScheduler {
	s := &playbackScheduler{
		wanted: map[string]time.Time{},
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		tick:   tick,
	}
	go s.run()
	return s
}

// Schedule registers (or replaces) the session's next tick deadline.
func (s *playbackScheduler) Schedule(sessionID string, at time.Time) {
	s.mu.Lock()
	s.wanted[sessionID] = at
	heap.Push(&s.heap, tickEntry{sessionID: sessionID, at: at})
	s.mu.Unlock()
	s.wakeup()
}

// Cancel drops any pending tick for the session.
func (s *playbackScheduler) Cancel(sessionID string) {
	s.mu.Lock()
	delete(s.wanted, sessionID)
	s.mu.Unlock()
	s.wakeup()
}

// Stop shuts the loop down and waits for it to exit.
func (s *playbackScheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *playbackScheduler) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *playbackScheduler) run() {
	defer close(s.done)

	const idleWait = time.Minute

	for {
		now := time.Now()
		due := s.collectDue(now)
		for _, sessionID := range due {
			s.tick(sessionID)
		}

		wait := s.nextWait(time.Now(), idleWait)
		timer := time.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// collectDue pops every entry whose deadline has passed, dropping stale
// entries superseded by a reschedule or cancel.
func (s *playbackScheduler) collectDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for s.heap.Len() > 0 && !s.heap[0].at.After(now) {
		entry := heap.Pop(&s.heap).(tickEntry)
		want, ok := s.wanted[entry.sessionID]
		if !ok || !want.Equal(entry.at) {
			continue
		}
		delete(s.wanted, entry.sessionID)
		due = append(due, entry.sessionID)
	}
	return due
}

// nextWait returns how long to sleep before the earliest pending deadline.
func (s *playbackScheduler) nextWait(now time.Time, idleWait time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		top := s.heap[0]
		want, ok := s.wanted[top.sessionID]
		if !ok || !want.Equal(top.at) {
			heap.Pop(&s.heap)
			continue
		}
		wait := top.at.Sub(now)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		return wait
	}
	return idleWait
}
