package sched

import (
	"sync"
	"time"
)

// Scheduler runs at most one pending task per key. Scheduling a key
// that already has a pending task replaces it, and Cancel drops it;
// this is what guarantees a message never has two in-flight retry
// timers, and that a retry is cancelled the instant a terminal state
// is reached.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arranges for fn to run after delay, replacing any pending
// task for the same key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	// The callback checks timer identity under the lock: a timer that
	// fired but was replaced or cancelled before its body ran must
	// neither run its task nor evict the current entry for the key.
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.timers[key]
		if s.closed || !ok || current != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()

		fn()
	})
	s.timers[key] = t
}

// Cancel drops the pending task for key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Pending reports whether a task is scheduled for key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// Close cancels all pending tasks; the scheduler accepts no more work.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// Ticker invokes a function at a fixed interval until stopped. It
// backs the dedup ledger sweep and the presence heartbeat.
type Ticker struct {
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	interval time.Duration
	fn       func()
}

// NewTicker creates a stopped ticker.
func NewTicker(interval time.Duration, fn func()) *Ticker {
	return &Ticker{
		interval: interval,
		fn:       fn,
		stopChan: make(chan struct{}),
	}
}

// Start begins periodic invocation. Starting a running ticker is a
// no-op.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stopChan = make(chan struct{})
	go t.loop(t.stopChan)
}

func (t *Ticker) loop(stop chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.fn()
		case <-stop:
			return
		}
	}
}

// Stop halts the ticker.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopChan)
}
