// Package ledger
package ledger

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a tracked order.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRetryPending    Status = "RETRY_PENDING"
	StatusActive          Status = "ACTIVE"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
)

// Origin records who placed an order: this system, a human at the
// broker's terminal, or not yet determined.
type Origin string

const (
	OriginSystem  Origin = "SYSTEM"
	OriginManual  Origin = "MANUAL"
	OriginUnknown Origin = "UNKNOWN"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOriginFlip        = errors.New("origin cannot flip between SYSTEM and MANUAL")
)

// OrderRecord is one broker order the system has placed or observed.
// Records are never deleted; terminal states are kept for audit and
// duplicate-prevention history.
type OrderRecord struct {
	OrderID          string
	Symbol           string
	Side             string
	RequestedQty     float64
	TargetPrice      float64
	Status           Status
	Origin           Origin
	ExecutionCapital *float64 // capital basis used to size the order, nil for manual orders
	Ambiguous        bool     // broker could not disambiguate fill vs cancel last cycle
	SupersededBy     string   // order_id of the retry that replaced this one
	RetryCount       int
	CreatedAt        time.Time
	LastSeenAt       time.Time
}

// Terminal reports whether no further status transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusFailedPermanent:
		return true
	}
	return false
}

// ValidTransition enforces the order state machine:
// PENDING -> ACTIVE -> {FILLED | CANCELLED}, PENDING -> RETRY_PENDING on a
// recoverable failure, RETRY_PENDING -> PENDING on resubmission,
// RETRY_PENDING -> FAILED_PERMANENT on exhaustion or structural rejection.
// Same-state transitions are no-ops and always allowed.
func ValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		switch to {
		case StatusActive, StatusRetryPending, StatusFilled, StatusCancelled:
			return true
		}
	case StatusActive:
		switch to {
		case StatusFilled, StatusCancelled:
			return true
		}
	case StatusRetryPending:
		switch to {
		case StatusPending, StatusCancelled, StatusFailedPermanent:
			return true
		}
	}
	return false
}

// RegisterResult is the outcome of RegisterOrder. A duplicate is a
// no-op signal, not an error.
type RegisterResult int

const (
	Inserted RegisterResult = iota
	SkippedDuplicate
)

func (r RegisterResult) String() string {
	if r == SkippedDuplicate {
		return "skipped_duplicate"
	}
	return "inserted"
}

// Ledger is the single source of truth for what the system believes it
// has placed. All record-creating paths go through RegisterOrder; all
// status changes go through UpdateStatus. No caller rewrites a record
// wholesale.
type Ledger interface {
	// RegisterOrder inserts a record, or returns SkippedDuplicate while
	// only bumping last_seen_at when the order_id already exists.
	RegisterOrder(ctx context.Context, rec OrderRecord) (RegisterResult, error)

	// UpdateStatus applies the state machine. ErrNotFound for unknown ids,
	// ErrInvalidTransition for moves the machine forbids.
	UpdateStatus(ctx context.Context, orderID string, newStatus Status) error

	// SetAmbiguous flags a record whose remote outcome could not be
	// determined; cleared once reconciliation resolves it.
	SetAmbiguous(ctx context.Context, orderID string, ambiguous bool) error

	// SetOrigin resolves an UNKNOWN origin. ErrOriginFlip when the record
	// is already attributed to the other party.
	SetOrigin(ctx context.Context, orderID string, origin Origin) error

	// Supersede cancels the prior record and links it to the retry that
	// replaced it. The replacement carries the lineage retry count.
	Supersede(ctx context.Context, orderID, newOrderID string) error

	// IncrementRetry bumps retry_count after a resubmission call was
	// actually made. Skips never touch it.
	IncrementRetry(ctx context.Context, orderID string) error

	// TouchSeen updates last_seen_at only.
	TouchSeen(ctx context.Context, orderID string, seenAt time.Time) error

	GetOrder(ctx context.Context, orderID string) (*OrderRecord, error)

	// FindActive returns the current live intent for a (symbol, side),
	// or nil: at most one non-terminal system order per pair.
	FindActive(ctx context.Context, symbol, side string) (*OrderRecord, error)

	ListByStatus(ctx context.Context, status Status) ([]OrderRecord, error)

	// ListOpen returns PENDING and ACTIVE records, the set reconciliation
	// compares against the broker's live view.
	ListOpen(ctx context.Context) ([]OrderRecord, error)
}
