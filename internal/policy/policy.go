// Package policy decides what to do with a stalled order: retry it,
// skip this cycle, replace the tracked intent, or give up. Decisions
// are returned values; executing them is the engine's job.
package policy

import (
	"fmt"
	"math"

	"ordersentry/internal/broker"
	"ordersentry/internal/capital"
	"ordersentry/internal/ledger"
)

// Decision is the outcome of evaluating one RETRY_PENDING entry.
type Decision int

const (
	Retry Decision = iota
	Skip
	Replace
	FailPermanent
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Skip:
		return "skip"
	case Replace:
		return "replace"
	default:
		return "fail_permanent"
	}
}

// Outcome carries the decision and the sizing it was based on.
type Outcome struct {
	Decision  Decision
	Reason    string
	TargetQty float64
	Capital   float64
	// ManualOrderID identifies the conflicting manual order on REPLACE.
	ManualOrderID string
}

// Config tunes the decision heuristics.
type Config struct {
	MaxRetryAttempts int
	// QuantityTolerance treats a manual order within this many shares of
	// the target as equivalent.
	QuantityTolerance float64
	// OversizeFactor treats a manual order at or above this multiple of
	// the target as the user deliberately wanting a larger position.
	OversizeFactor float64
	Limits         capital.Limits
}

func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:  5,
		QuantityTolerance: 2,
		OversizeFactor:    1.5,
		Limits:            capital.DefaultLimits(),
	}
}

// Inputs is everything a decision needs, gathered by the engine from
// the ledger, the reconciliation snapshot and the broker balance.
type Inputs struct {
	Record     ledger.OrderRecord
	Balance    float64
	ClosePrice float64
	AvgVolume  float64
	Manual     []broker.LiveOrder
}

// largestManual picks the manual order whose quantity best represents
// the user's standing intent for this (symbol, side).
func largestManual(manual []broker.LiveOrder) *broker.LiveOrder {
	var best *broker.LiveOrder
	for i := range manual {
		if best == nil || manual[i].Quantity > best.Quantity {
			best = &manual[i]
		}
	}
	return best
}

// Decide evaluates one RETRY_PENDING entry. Target sizing always uses
// current balance and price, never the original order's numbers.
func Decide(cfg Config, in Inputs) Outcome {
	rec := in.Record

	if cfg.MaxRetryAttempts > 0 && rec.RetryCount >= cfg.MaxRetryAttempts {
		return Outcome{
			Decision: FailPermanent,
			Reason:   fmt.Sprintf("retry budget exhausted (%d/%d)", rec.RetryCount, cfg.MaxRetryAttempts),
		}
	}

	basis, err := capital.ExecutionCapital(in.Balance, in.ClosePrice, in.AvgVolume, cfg.Limits)
	if err != nil {
		return Outcome{Decision: Skip, Reason: fmt.Sprintf("cannot size order: %v", err)}
	}

	target, err := capital.Quantity(basis, in.ClosePrice, cfg.Limits.MinQuantity)
	if err != nil {
		return Outcome{Decision: Skip, Reason: fmt.Sprintf("cannot size order: %v", err)}
	}

	// Balance shortfall is not a failed attempt: no call is made and the
	// retry count stays put.
	if !capital.Affordable(target, in.ClosePrice, in.Balance) {
		return Outcome{
			Decision:  Skip,
			Reason:    fmt.Sprintf("balance %.2f does not afford %.0f shares at %.2f", in.Balance, target, in.ClosePrice),
			TargetQty: target,
			Capital:   basis,
		}
	}

	if manual := largestManual(in.Manual); manual != nil {
		switch {
		case manual.Quantity >= cfg.OversizeFactor*target:
			return Outcome{
				Decision:  Skip,
				Reason:    fmt.Sprintf("manual order %s (%.0f) exceeds %.1fx target %.0f", manual.OrderID, manual.Quantity, cfg.OversizeFactor, target),
				TargetQty: target,
				Capital:   basis,
			}
		case manual.Quantity >= target:
			return Outcome{
				Decision:  Skip,
				Reason:    fmt.Sprintf("manual order %s (%.0f) covers target %.0f", manual.OrderID, manual.Quantity, target),
				TargetQty: target,
				Capital:   basis,
			}
		case math.Abs(manual.Quantity-target) <= cfg.QuantityTolerance:
			return Outcome{
				Decision:  Skip,
				Reason:    fmt.Sprintf("manual order %s (%.0f) within %.0f shares of target %.0f", manual.OrderID, manual.Quantity, cfg.QuantityTolerance, target),
				TargetQty: target,
				Capital:   basis,
			}
		default:
			return Outcome{
				Decision:      Replace,
				Reason:        fmt.Sprintf("manual order %s (%.0f) undersized for target %.0f", manual.OrderID, manual.Quantity, target),
				TargetQty:     target,
				Capital:       basis,
				ManualOrderID: manual.OrderID,
			}
		}
	}

	return Outcome{
		Decision:  Retry,
		Reason:    fmt.Sprintf("no manual coverage, resubmitting %.0f shares", target),
		TargetQty: target,
		Capital:   basis,
	}
}
