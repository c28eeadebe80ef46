package queue

import (
	"sync"
	"time"
)

// rateWindow is a sliding-window gate: at most limit completed runs per
// rolling window. Admission only reads the window; completions are recorded
// separately, so failed or contended attempts never consume budget. The
// clock is injectable for tests.
type rateWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	sends  []time.Time
}

func newRateWindow(limit int, window time.Duration, now func() time.Time) *rateWindow {
	if now == nil {
		now = time.Now
	}
	return &rateWindow{limit: limit, window: window, now: now}
}

// Allow reports whether another start fits inside the window.
// A limit of zero disables the gate.
func (r *rateWindow) Allow() bool {
	if r.limit <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return len(r.sends) < r.limit
}

// Record counts one completed run against the window.
func (r *rateWindow) Record() {
	if r.limit <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.prune(now)
	r.sends = append(r.sends, now)
}

// prune drops entries older than the window. Callers hold r.mu.
func (r *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	kept := r.sends[:0]
	for _, t := range r.sends {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.sends = kept
}
