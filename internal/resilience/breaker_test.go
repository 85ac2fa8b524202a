package resilience

import (
	"errors"
	"testing"
	"time"
)

// fakeClock drives a breaker's recovery window without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *fakeClock) {
	b := NewBreaker("test", threshold, timeout)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b.now = clock.now
	return b, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d should be allowed: %v", i, err)
		}
		b.OnTransientFailure()
	}
	if b.State() != Closed {
		t.Fatalf("breaker should stay closed below threshold, got %s", b.State())
	}

	b.OnTransientFailure()
	if b.State() != Open {
		t.Fatalf("breaker should open at threshold, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker should reject calls, got %v", err)
	}
}

func TestBreakerHalfOpenTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.OnTransientFailure()
	if b.State() != Open {
		t.Fatalf("expected open, got %s", b.State())
	}

	t.Run("before timeout the circuit stays open", func(t *testing.T) {
		clock.advance(30 * time.Second)
		if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("expected ErrCircuitOpen, got %v", err)
		}
	})

	t.Run("after timeout exactly one trial is admitted", func(t *testing.T) {
		clock.advance(31 * time.Second)
		if err := b.Allow(); err != nil {
			t.Fatalf("trial call should be allowed: %v", err)
		}
		if b.State() != HalfOpen {
			t.Fatalf("expected half-open, got %s", b.State())
		}
		if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("second concurrent trial should be rejected, got %v", err)
		}
	})

	t.Run("successful trial closes the circuit", func(t *testing.T) {
		b.OnSuccess()
		if b.State() != Closed {
			t.Fatalf("expected closed, got %s", b.State())
		}
		if err := b.Allow(); err != nil {
			t.Fatalf("closed breaker should allow calls: %v", err)
		}
	})
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.OnTransientFailure()
	clock.advance(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial call should be allowed: %v", err)
	}

	b.OnTransientFailure()
	if b.State() != Open {
		t.Fatalf("failed trial should reopen, got %s", b.State())
	}

	// The recovery window restarts from the failed trial.
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen right after reopen, got %v", err)
	}
	clock.advance(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("next trial should be allowed: %v", err)
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.OnTransientFailure()
	b.OnTransientFailure()
	b.OnSuccess()
	b.OnTransientFailure()
	b.OnTransientFailure()

	if b.State() != Closed {
		t.Fatalf("non-consecutive failures should not open the breaker, got %s", b.State())
	}
}

func TestBreakerStateChangeHook(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	var transitions []BreakerState
	b.OnStateChange(func(name string, state BreakerState) {
		if name != "test" {
			t.Errorf("unexpected breaker name %q", name)
		}
		transitions = append(transitions, state)
	})

	b.OnTransientFailure()
	clock.advance(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial should be allowed: %v", err)
	}
	b.OnSuccess()

	want := []BreakerState{Open, HalfOpen, Closed}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestGroupIsolatesEndpoints(t *testing.T) {
	g := NewGroup(1, time.Minute)

	g.For("submit").OnTransientFailure()

	if g.For("submit").State() != Open {
		t.Fatal("submit breaker should be open")
	}
	if g.For("list").State() != Closed {
		t.Fatal("list breaker must be unaffected by submit failures")
	}
	if g.For("submit") != g.For("submit") {
		t.Fatal("For should return the same breaker per name")
	}
}
