// Package resilience
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without contacting the dependency while
// the breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState follows CLOSED -> OPEN -> HALF_OPEN -> {CLOSED | OPEN}.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "closed"
}

// Breaker is a circuit breaker for one logical endpoint. It counts
// consecutive transient failures; permanent rejections do not trip it.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	mu             sync.Mutex
	state          BreakerState
	consecFailures int
	openedAt       time.Time
	trialInFlight  bool
	now            func() time.Time // overridable in tests
	onStateChange  func(name string, state BreakerState)
}

func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// OnStateChange registers a hook invoked (outside the lock is not
// guaranteed; keep it cheap) whenever the breaker changes state.
func (b *Breaker) OnStateChange(fn func(name string, state BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onStateChange != nil {
		b.onStateChange(b.name, s)
	}
}

// Allow reports whether a call may proceed. In HALF_OPEN exactly one
// trial call is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.recoveryTimeout {
			return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.setState(HalfOpen)
		b.trialInFlight = true
		return nil
	default: // HalfOpen
		if b.trialInFlight {
			return fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		b.trialInFlight = true
		return nil
	}
}

// OnSuccess resets the failure count and closes the breaker.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecFailures = 0
	b.trialInFlight = false
	b.setState(Closed)
}

// OnTransientFailure counts a transient failure; at the threshold the
// breaker opens. A failed HALF_OPEN trial reopens immediately.
func (b *Breaker) OnTransientFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.trialInFlight = false
		b.openedAt = b.now()
		b.setState(Open)
		return
	}

	b.consecFailures++
	if b.consecFailures >= b.failureThreshold {
		b.openedAt = b.now()
		b.setState(Open)
	}
}

// Group creates one breaker per logical endpoint on demand, so a
// failing submit path never trips the read path and vice versa.
type Group struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	onStateChange    func(name string, state BreakerState)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewGroup(failureThreshold int, recoveryTimeout time.Duration) *Group {
	return &Group{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		breakers:         make(map[string]*Breaker),
	}
}

// OnStateChange sets the hook applied to every breaker in the group.
func (g *Group) OnStateChange(fn func(name string, state BreakerState)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onStateChange = fn
	for _, b := range g.breakers {
		b.OnStateChange(fn)
	}
}

// For returns the breaker for a logical endpoint, creating it if needed.
func (g *Group) For(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[name]
	if !ok {
		b = NewBreaker(name, g.failureThreshold, g.recoveryTimeout)
		if g.onStateChange != nil {
			b.OnStateChange(g.onStateChange)
		}
		g.breakers[name] = b
	}
	return b
}
