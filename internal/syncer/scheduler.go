// ABOUTME: Cancellable deferred-retry scheduler keyed by note id
// ABOUTME: At most one pending retry per note; scheduling again replaces the previous timer

package syncer

import (
	"sync"
	"time"
)

// Scheduler runs fn once after delay. Implementations keep at most one pending
// task per id.
type Scheduler interface {
	Schedule(id int64, delay time.Duration, fn func())
	Cancel(id int64)
	Stop()
}

type timerScheduler struct {
	mu      sync.Mutex
	timers  map[int64]*time.Timer
	stopped bool
}

// NewTimerScheduler returns a Scheduler backed by time.AfterFunc
func NewTimerScheduler() Scheduler {
	return &timerScheduler{timers: make(map[int64]*time.Timer)}
}

func (s *timerScheduler) Schedule(id int64, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if prev, ok := s.timers[id]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[id] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()
		fn()
	})
	s.timers[id] = t
}

func (s *timerScheduler) Cancel(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *timerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.stopped = true
}

// pending reports how many retries are waiting
func (s *timerScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
