package detect

import (
	"sync"
	"time"
)

// Default windows. The quiescence window is a debounce over bursty
// transcription activity: natural speech has pauses, so only sustained
// silence after some speech should end a turn.
const (
	DefaultQuiescence  = 2 * time.Second
	DefaultIdleCeiling = 15 * time.Second
)

// Detector infers end-of-turn from transcription activity. Every non-empty
// text change re-arms the quiescence timer; if the timer fires while a
// listening window is active, onTurnEnd is invoked. If no text at all
// arrives before the idle ceiling, onIdle is invoked instead so the caller
// can re-arm listening rather than finalize an empty turn.
type Detector struct {
	quiescence time.Duration
	ceiling    time.Duration
	onTurnEnd  func()
	onIdle     func()

	mu          sync.Mutex
	active      bool
	sawText     bool
	quietTimer  *time.Timer
	idleTimer   *time.Timer
	windowCount int
}

// New builds a detector with the given windows; zero durations pick defaults.
func New(quiescence, ceiling time.Duration, onTurnEnd, onIdle func()) *Detector {
	if quiescence <= 0 {
		quiescence = DefaultQuiescence
	}
	if ceiling <= 0 {
		ceiling = DefaultIdleCeiling
	}
	return &Detector{
		quiescence: quiescence,
		ceiling:    ceiling,
		onTurnEnd:  onTurnEnd,
		onIdle:     onIdle,
	}
}

// Begin opens a listening window. Any previous window state is discarded.
func (d *Detector) Begin() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimersLocked()
	d.active = true
	d.sawText = false
	d.windowCount++
	window := d.windowCount
	d.idleTimer = time.AfterFunc(d.ceiling, func() { d.fireIdle(window) })
}

// Touch records transcription activity. Empty text does not count as
// activity. The quiescence timer is re-armed from now on each call.
func (d *Detector) Touch(text string) {
	if text == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		return
	}
	d.sawText = true
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
	window := d.windowCount
	if d.quietTimer == nil {
		d.quietTimer = time.AfterFunc(d.quiescence, func() { d.fireQuiet(window) })
	} else {
		d.quietTimer.Stop()
		d.quietTimer.Reset(d.quiescence)
	}
}

// Cancel closes the window without firing either callback. Idempotent.
func (d *Detector) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = false
	d.stopTimersLocked()
}

// Active reports whether a listening window is open.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Detector) stopTimersLocked() {
	if d.quietTimer != nil {
		d.quietTimer.Stop()
		d.quietTimer = nil
	}
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
}

// fireQuiet runs on the timer goroutine. The window count guards against a
// timer from a previous window firing after Begin has been called again.
func (d *Detector) fireQuiet(window int) {
	d.mu.Lock()
	if !d.active || window != d.windowCount || !d.sawText {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.stopTimersLocked()
	cb := d.onTurnEnd
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (d *Detector) fireIdle(window int) {
	d.mu.Lock()
	if !d.active || window != d.windowCount || d.sawText {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.stopTimersLocked()
	cb := d.onIdle
	d.mu.Unlock()
	if cb != nil {
		cb()
	}
}
