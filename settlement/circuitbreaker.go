package settlement

import (
	"sync"
	"time"
)

// breakerState is the three-state machine from spec.md §4.8.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker gates facilitator calls. Per spec.md §9 Open Question, this
// is implemented as consecutive failures within a sliding window (a ring of
// failure timestamps), not a bare counter, so a facilitator's isolated
// failures far apart in time never trip the breaker.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        breakerState
	failures     []time.Time
	window       time.Duration
	threshold    int
	coolDown     time.Duration
	openSince    time.Time
	now          func() time.Time
}

func NewCircuitBreaker(threshold int, window, coolDown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:     stateClosed,
		window:    window,
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// Allow reports whether the facilitator path may be attempted right now.
// HALF_OPEN lets every call through until the next RecordSuccess (back to
// CLOSED) or RecordFailure (back to OPEN) settles the state.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openSince) >= b.coolDown {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return false
}

// State reports the current breaker state as a string, for the health
// surface (spec.md §6 "x402 circuit state").
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = nil
}

func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if b.state == stateHalfOpen {
		b.trip(now)
		return
	}
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)
	if len(b.failures) >= b.threshold {
		b.trip(now)
	}
}

func (b *CircuitBreaker) trip(now time.Time) {
	b.state = stateOpen
	b.openSince = now
	b.failures = nil
}
