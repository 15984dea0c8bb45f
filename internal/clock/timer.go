package clock

import (
	"sync"
	"time"
)

// SessionTimer tracks elapsed wall-clock time for one interview session
// against a hard budget. It starts once, reports elapsed time at roughly
// 1 Hz, and fires a one-shot deadline callback when the budget is reached.
// Elapsed time is derived solely from the start timestamp and never rewinds.
type SessionTimer struct {
	budget     time.Duration
	onTick     func(elapsed time.Duration)
	onDeadline func()

	mu      sync.Mutex
	start   time.Time
	started bool
	stopped bool
	stopCh  chan struct{}
}

// NewSessionTimer builds a timer; callbacks may be nil.
func NewSessionTimer(budget time.Duration, onTick func(time.Duration), onDeadline func()) *SessionTimer {
	return &SessionTimer{
		budget:     budget,
		onTick:     onTick,
		onDeadline: onDeadline,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the clock. Calling Start again is a no-op.
func (t *SessionTimer) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.start = time.Now()
	t.mu.Unlock()

	go t.run()
}

func (t *SessionTimer) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.NewTimer(t.budget)
	defer deadline.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if t.onTick != nil {
				t.onTick(t.Elapsed())
			}
		case <-deadline.C:
			if t.onDeadline != nil {
				t.onDeadline()
			}
			return
		}
	}
}

// Elapsed returns time since Start, or zero if the timer never started.
func (t *SessionTimer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return 0
	}
	return time.Since(t.start)
}

// Stop cancels ticks and the pending deadline. Idempotent.
func (t *SessionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopCh)
}
