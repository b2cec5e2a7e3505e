package detector

import (
	"sync"
	"time"
)

// CooldownTracker gates repeat alerts per ticker inside a rolling window.
// One shared instance serves both the poll path and the tick path, so the
// check-then-mark sequence must be atomic — two near-simultaneous sources
// would otherwise both pass the check. TryAlert does both under one lock.
type CooldownTracker struct {
	window time.Duration

	mu      sync.Mutex
	alerted map[string]time.Time
}

// NewCooldownTracker constructs a tracker with the given window.
func NewCooldownTracker(window time.Duration) *CooldownTracker {
	return &CooldownTracker{
		window:  window,
		alerted: make(map[string]time.Time),
	}
}

// CanAlert reports whether key is outside its cooldown window at now.
func (t *CooldownTracker) CanAlert(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canAlertLocked(key, now)
}

// MarkAlerted records an alert emission for key at now.
func (t *CooldownTracker) MarkAlerted(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alerted[key] = now
}

// TryAlert atomically checks the window and, if clear, marks key alerted.
// Returns true when the caller owns the alert slot.
func (t *CooldownTracker) TryAlert(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.canAlertLocked(key, now) {
		return false
	}
	t.alerted[key] = now
	return true
}

// Reset clears every entry. Called at the session boundary.
func (t *CooldownTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alerted = make(map[string]time.Time)
}

func (t *CooldownTracker) canAlertLocked(key string, now time.Time) bool {
	last, ok := t.alerted[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= t.window
}
