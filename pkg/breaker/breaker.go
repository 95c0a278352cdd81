// Package breaker implements the circuit-breaker state machine used by the
// proxy core against its upstream and by the webhook approval client
// against its remote endpoint.
//
// Grounded in the teacher's pkg/util/resiliency.CircuitBreaker, generalized
// from a single http.Client wrapper into a standalone, clock-injectable
// package per spec §4.8 and the "use a monotonic clock for timeouts and
// circuit-breaker state" guidance in spec §9.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit-breaker states (spec §3, §4.8).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds from spec §4.8.
type Config struct {
	FailureThreshold int           // default 5
	ResetTimeout     time.Duration // default 60s
	SuccessThreshold int           // default 2
}

func (c Config) normalize() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Breaker is a clock-injectable circuit breaker. Now defaults to time.Now
// but tests and the proxy core may inject a monotonic/fake clock.
type Breaker struct {
	mu   sync.Mutex
	cfg  Config
	now  func() time.Time
	st   State
	fail int
	succ int
	last time.Time
}

// New creates a Breaker in the Closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.normalize(), now: time.Now, st: Closed}
}

// NewWithClock creates a Breaker using the supplied clock function, for
// deterministic tests of the reset-timeout transition (spec §8 S7).
func NewWithClock(cfg Config, now func() time.Time) *Breaker {
	return &Breaker{cfg: cfg.normalize(), now: now, st: Closed}
}

// CanExecute reports whether a call is currently permitted, applying the
// Open->HalfOpen transition as a side effect when reset_timeout has
// elapsed (spec §3: "can_execute() is pure w.r.t. the current clock" — pure
// in the sense that the same clock reading always yields the same answer,
// not that it is side-effect free across calls).
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canExecuteLocked()
}

func (b *Breaker) canExecuteLocked() bool {
	switch b.st {
	case Open:
		if b.now().Sub(b.last) >= b.cfg.ResetTimeout {
			b.st = HalfOpen
			b.succ = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess transitions Closed->Closed (resets failure_count) or
// HalfOpen->Closed once success_threshold is reached.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.st {
	case HalfOpen:
		b.succ++
		if b.succ >= b.cfg.SuccessThreshold {
			b.st = Closed
			b.fail = 0
			b.succ = 0
		}
	case Closed:
		b.fail = 0
	}
}

// RecordFailure transitions Closed->Open at failure_threshold, and any
// HalfOpen failure immediately back to Open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = b.now()
	switch b.st {
	case HalfOpen:
		b.st = Open
		b.succ = 0
	case Closed:
		b.fail++
		if b.fail >= b.cfg.FailureThreshold {
			b.st = Open
		}
	}
}

// State returns the current state (for observability/tests).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

// Reset returns the breaker to Closed, zeroing both counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = Closed
	b.fail = 0
	b.succ = 0
}
