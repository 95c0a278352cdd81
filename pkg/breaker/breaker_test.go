package breaker

import (
	"testing"
	"time"
)

// S7 from spec §8: failure_threshold=2, reset_timeout=50ms, success_threshold=1.
func TestBreaker_S7_OpenHalfOpenClosed(t *testing.T) {
	clock := time.Now()
	now := func() time.Time { return clock }
	b := NewWithClock(Config{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond, SuccessThreshold: 1}, now)

	b.RecordFailure()
	if b.State() != Closed {
		t.Fatalf("expected still closed after 1 failure, got %v", b.State())
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after 2 failures, got %v", b.State())
	}
	if b.CanExecute() {
		t.Fatal("expected CanExecute=false while open and within reset_timeout")
	}

	clock = clock.Add(60 * time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("expected CanExecute=true after reset_timeout elapsed")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half_open, got %v", b.State())
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Fatalf("expected closed after success_threshold reached, got %v", b.State())
	}
}

func TestBreaker_HalfOpenFailureReturnsToOpen(t *testing.T) {
	clock := time.Now()
	now := func() time.Time { return clock }
	b := NewWithClock(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, SuccessThreshold: 2}, now)

	b.RecordFailure()
	clock = clock.Add(20 * time.Millisecond)
	if !b.CanExecute() {
		t.Fatal("expected half_open transition")
	}
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after half_open failure, got %v", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{FailureThreshold: 1})
	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open, got %v", b.State())
	}
	b.Reset()
	if b.State() != Closed {
		t.Fatalf("expected closed after reset, got %v", b.State())
	}
}

// No other transitions are reachable (spec §8 invariant 6).
func TestBreaker_NoSpuriousTransitionOnSuccessWhileOpen(t *testing.T) {
	clock := time.Now()
	now := func() time.Time { return clock }
	b := NewWithClock(Config{FailureThreshold: 1, ResetTimeout: time.Hour}, now)
	b.RecordFailure()
	if b.State() != Open {
		t.Fatal("expected open")
	}
	// RecordSuccess while Open is a no-op per the transition table (only
	// Closed and HalfOpen react to success).
	b.RecordSuccess()
	if b.State() != Open {
		t.Fatalf("expected still open, got %v", b.State())
	}
}
