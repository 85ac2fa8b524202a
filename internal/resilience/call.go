package resilience

import (
	"context"
	"math/rand"
	"time"

	"ordersentry/internal/broker"
	"ordersentry/internal/utils"
)

// Policy controls the retry schedule of a wrapped call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultPolicy mirrors the retry schedule used for idempotent reads.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2,
		Jitter:      true,
	}
}

// SubmitPolicy never re-issues a call on its own: order submission is
// non-idempotent, and an ambiguous failure must be resolved by
// reconciliation, not by a blind second submit.
func SubmitPolicy() Policy {
	return Policy{MaxAttempts: 1}
}

func (p Policy) delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter && d > 0 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	}
	return d
}

// Call wraps a broker-facing operation with the retry policy and an
// optional circuit breaker. Only classified-transient errors consume
// retry budget; permanent rejections, balance shortfalls and ambiguous
// outcomes return immediately.
func Call[T any](ctx context.Context, b *Breaker, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(p.delay(attempt - 1)):
			}
		}

		if b != nil {
			if err := b.Allow(); err != nil {
				return zero, err
			}
		}

		out, err := fn(ctx)
		if err == nil {
			if b != nil {
				b.OnSuccess()
			}
			return out, nil
		}
		lastErr = err

		switch {
		case broker.IsTransient(err):
			if b != nil {
				b.OnTransientFailure()
			}
			utils.GetLogger().Printf("Resilience | %s attempt %d/%d failed: %v", op, attempt, p.MaxAttempts, err)
			continue
		case broker.IsAmbiguous(err):
			// Timeouts with unknown remote outcome count against the
			// endpoint's health but are never re-issued here;
			// reconciliation settles what actually happened.
			if b != nil {
				b.OnTransientFailure()
			}
			return zero, err
		default:
			// Permanent rejections and balance shortfalls mean the
			// dependency answered; reset its failure streak.
			if b != nil {
				b.OnSuccess()
			}
			return zero, err
		}
	}
	return zero, lastErr
}

// Do is Call for operations without a return value.
func Do(ctx context.Context, b *Breaker, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
