package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateWindow is the scheduler's shared admission throttle: a token
// bucket (golang.org/x/time/rate, present in the pack via
// goadesign-goa-ai for exactly this kind of throttling) plus an
// explicit "blocked until" deadline an LLM collaborator can push out
// whenever it observes a 429/rate-limit response. The scheduler
// consults Open() before admitting any new loop each tick.
type RateWindow struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	blockedTo time.Time
	now       func() time.Time
}

// NewRateWindow builds a RateWindow allowing r admissions/second up to
// burst at once.
func NewRateWindow(r rate.Limit, burst int) *RateWindow {
	return &RateWindow{limiter: rate.NewLimiter(r, burst), now: time.Now}
}

// RecordLimited opens (or extends) a backpressure window that closes
// retryAfter from now, reported by a collaborator that hit a
// provider-side rate limit.
func (w *RateWindow) RecordLimited(retryAfter time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	deadline := w.now().Add(retryAfter)
	if deadline.After(w.blockedTo) {
		w.blockedTo = deadline
	}
}

// Open reports whether the scheduler may admit a new loop this tick: no
// collaborator-reported backpressure window is active, and the token
// bucket has capacity.
func (w *RateWindow) Open() bool {
	w.mu.Lock()
	blocked := w.now().Before(w.blockedTo)
	w.mu.Unlock()
	if blocked {
		return false
	}
	return w.limiter.Allow()
}
