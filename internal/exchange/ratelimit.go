// ratelimit.go implements the local mirror of the venue's per-pair
// rate counter.
//
// The venue meters order commands with a single decaying counter, not
// fixed burst windows: every command adds its cost, the counter decays
// at a constant per-second rate, and breaching the cap earns a
// temporary lockout. The local mirror admits a command only while
// counter+cost stays under max*headroomPct, keeping a safety margin
// against drift from the authoritative counter.
package exchange

import (
	"sync"
	"time"
)

// Priority orders intent classes when the local counter is near its
// cap. Lower value is served first.
type Priority int

const (
	PriorityCancel Priority = iota
	PriorityRiskAmend
	PriorityNormalAmend
	PriorityNew
)

// RateLimiter mirrors the venue's per-pair rate counter: a value that
// decays at a fixed per-second rate and is reconciled against the
// venue's authoritative counter whenever an exec event reports one.
type RateLimiter struct {
	mu sync.Mutex

	counter     float64
	max         float64
	decayPerSec float64
	headroomPct float64
	lastTick    time.Time
}

// NewRateLimiter creates a rate limiter with the given cap and decay
// rate. headroomPct of 0 defaults to 0.80.
func NewRateLimiter(max, decayPerSec, headroomPct float64) *RateLimiter {
	if headroomPct <= 0 {
		headroomPct = 0.80
	}
	return &RateLimiter{
		max:         max,
		decayPerSec: decayPerSec,
		headroomPct: headroomPct,
		lastTick:    time.Now(),
	}
}

// decayLocked advances the counter for elapsed time since the last
// tick. Must be called with mu held.
func (r *RateLimiter) decayLocked(now time.Time) {
	elapsed := now.Sub(r.lastTick).Seconds()
	if elapsed <= 0 {
		return
	}
	r.counter -= r.decayPerSec * elapsed
	if r.counter < 0 {
		r.counter = 0
	}
	r.lastTick = now
}

// Admit reserves cost k against the counter if doing so would stay
// within max*headroomPct, returning false otherwise. Exhaustion is
// not an error: the caller defers the intent to the next tick.
func (r *RateLimiter) Admit(k float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.decayLocked(now)

	if r.counter+k > r.max*r.headroomPct {
		return false
	}
	r.counter += k
	return true
}

// Reconcile folds in the venue's authoritative counter, advancing the
// local mirror to whichever value is higher.
func (r *RateLimiter) Reconcile(venueCounter float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.decayLocked(now)
	if venueCounter > r.counter {
		r.counter = venueCounter
	}
}

// Counter returns the current local counter value, decayed to now.
func (r *RateLimiter) Counter() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decayLocked(time.Now())
	return r.counter
}

// Cap returns the admission ceiling, max*headroomPct.
func (r *RateLimiter) Cap() float64 {
	return r.max * r.headroomPct
}

// Intent bundles a rate-limited command with its admission priority.
type Intent struct {
	Priority Priority
	Cost     float64
	Dispatch func()
}

// AdmitIntents admits intents in priority order (cancel first, new
// last), dispatching each as it clears admission and returning the
// ones that did not, for the caller to retry next tick.
func (r *RateLimiter) AdmitIntents(intents []Intent) (deferred []Intent) {
	sorted := make([]Intent, len(intents))
	copy(sorted, intents)
	insertionSortByPriority(sorted)

	for _, in := range sorted {
		if r.Admit(in.Cost) {
			in.Dispatch()
		} else {
			deferred = append(deferred, in)
		}
	}
	return deferred
}

func insertionSortByPriority(intents []Intent) {
	for i := 1; i < len(intents); i++ {
		for j := i; j > 0 && intents[j].Priority < intents[j-1].Priority; j-- {
			intents[j], intents[j-1] = intents[j-1], intents[j]
		}
	}
}
