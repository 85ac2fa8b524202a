// Package broker
package broker

import (
	"context"
	"time"
)

// OrderRequest represents a new order to be submitted.
type OrderRequest struct {
	Symbol   string
	Side     string // "BUY" or "SELL"
	Quantity float64
	Price    float64
	Variety  string // "regular", "amo", etc.
	ClientID string // caller-supplied correlation id, echoed by the broker
}

// LiveOrder is the broker's authoritative view of one order. OrderID,
// Symbol and Quantity are required on the wire; a zero Price means the
// broker did not report one ("unknown"), never "free".
type LiveOrder struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	FilledQty float64   `json:"filled_quantity"`
	Price     float64   `json:"price"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// PriceKnown reports whether the broker supplied a usable price.
func (o LiveOrder) PriceKnown() bool { return o.Price > 0 }

// Gateway is the surface the engine needs from a broker. Session and
// authentication handling live behind each implementation.
type Gateway interface {
	Name() string
	SubmitOrder(ctx context.Context, req OrderRequest) (LiveOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	ListLiveOrders(ctx context.Context) ([]LiveOrder, error)
	GetAvailableBalance(ctx context.Context) (float64, error)

	// GetOrderHistory looks up the final state of a single order,
	// including ones no longer on the live list. Used to disambiguate
	// filled vs cancelled without guessing.
	GetOrderHistory(ctx context.Context, orderID string) (LiveOrder, error)
}
