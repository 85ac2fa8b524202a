// Package capital sizes orders from present conditions: available
// balance, latest price and how much of the instrument's typical volume
// one order may soak up. Retries are re-sized with current numbers, not
// the original order's.
package capital

import (
	"fmt"
	"math"
)

// Limits bound how much of the account and of the market one order may take.
type Limits struct {
	MaxBalanceFraction float64 // share of available balance usable per order, e.g. 0.25
	MaxVolumeShare     float64 // share of average volume notional per order, e.g. 0.05
	MinQuantity        float64
}

func DefaultLimits() Limits {
	return Limits{
		MaxBalanceFraction: 0.25,
		MaxVolumeShare:     0.05,
		MinQuantity:        1,
	}
}

// ExecutionCapital computes the capital basis for an order: the
// balance share capped by the liquidity share of the average traded
// notional. A zero or negative close price is unknown, never free.
func ExecutionCapital(balance, closePrice, avgVolume float64, l Limits) (float64, error) {
	if closePrice <= 0 {
		return 0, fmt.Errorf("close price unknown (%.4f)", closePrice)
	}
	if balance <= 0 {
		return 0, nil
	}

	basis := balance
	if l.MaxBalanceFraction > 0 && l.MaxBalanceFraction < 1 {
		basis = balance * l.MaxBalanceFraction
	}
	if l.MaxVolumeShare > 0 && avgVolume > 0 {
		liquidityCap := avgVolume * closePrice * l.MaxVolumeShare
		if liquidityCap < basis {
			basis = liquidityCap
		}
	}
	return basis, nil
}

// Quantity converts a capital basis into a share count:
// max(minQty, floor(capital/closePrice)).
func Quantity(capital, closePrice, minQty float64) (float64, error) {
	if closePrice <= 0 {
		return 0, fmt.Errorf("close price unknown (%.4f)", closePrice)
	}
	qty := math.Floor(capital / closePrice)
	if qty < minQty {
		qty = minQty
	}
	return qty, nil
}

// Affordable reports whether qty shares at price fit within balance.
func Affordable(qty, price, balance float64) bool {
	return qty*price <= balance
}
