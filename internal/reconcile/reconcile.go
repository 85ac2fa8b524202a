// Package reconcile aligns the ledger's believed state with the
// broker's authoritative live-order view. The broker wins every
// disagreement it can actually answer; what it cannot answer is flagged
// ambiguous and re-queried next cycle, never guessed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ordersentry/internal/broker"
	"ordersentry/internal/db"
	"ordersentry/internal/journal"
	"ordersentry/internal/ledger"
	"ordersentry/internal/metrics"
	"ordersentry/internal/notifier"
	"ordersentry/internal/resilience"
	"ordersentry/internal/utils"
)

// Snapshot is one cycle's view of the broker's live orders, indexed for
// the retry decision policy.
type Snapshot struct {
	Live   map[string]broker.LiveOrder   // by order_id
	manual map[string][]broker.LiveOrder // by symbol|side, orders with no system lineage
}

func manualKey(symbol, side string) string {
	return symbol + "|" + strings.ToUpper(side)
}

// ManualFor returns the manually placed live orders for (symbol, side).
func (s *Snapshot) ManualFor(symbol, side string) []broker.LiveOrder {
	if s == nil {
		return nil
	}
	return s.manual[manualKey(symbol, side)]
}

// Engine runs reconciliation cycles.
type Engine struct {
	gw       broker.Gateway
	store    db.Storage
	breakers *resilience.Group
	policy   resilience.Policy
	notifier notifier.Notifier
}

func New(gw broker.Gateway, store db.Storage, breakers *resilience.Group, policy resilience.Policy, n notifier.Notifier) *Engine {
	if n == nil {
		n = notifier.Noop{}
	}
	return &Engine{gw: gw, store: store, breakers: breakers, policy: policy, notifier: n}
}

// mapLiveStatus converts a broker status string into a ledger status.
// Anything unrecognized on the live list is still on the book, so it
// counts as ACTIVE.
func mapLiveStatus(s string) ledger.Status {
	switch strings.ToUpper(s) {
	case "FILLED", "COMPLETE", "EXECUTED":
		return ledger.StatusFilled
	case "CANCELLED", "CANCELED", "REJECTED", "EXPIRED":
		return ledger.StatusCancelled
	default:
		return ledger.StatusActive
	}
}

// mapFinalStatus converts an order-history status; only terminal
// answers count, everything else stays undetermined.
func mapFinalStatus(s string) (ledger.Status, bool) {
	switch strings.ToUpper(s) {
	case "FILLED", "COMPLETE", "EXECUTED":
		return ledger.StatusFilled, true
	case "CANCELLED", "CANCELED", "REJECTED", "EXPIRED":
		return ledger.StatusCancelled, true
	default:
		return "", false
	}
}

// Run performs one reconciliation cycle and returns the live snapshot
// for the retry decision policy.
func (e *Engine) Run(ctx context.Context) (*Snapshot, error) {
	live, err := resilience.Call(ctx, e.breakers.For("list"), e.policy, "list", func(ctx context.Context) ([]broker.LiveOrder, error) {
		return e.gw.ListLiveOrders(ctx)
	})
	if err != nil {
		metrics.BrokerCalls.WithLabelValues("list", callResult(err)).Inc()
		return nil, fmt.Errorf("fetch live orders: %w", err)
	}
	metrics.BrokerCalls.WithLabelValues("list", "ok").Inc()

	snap := &Snapshot{
		Live:   make(map[string]broker.LiveOrder, len(live)),
		manual: make(map[string][]broker.LiveOrder),
	}

	now := time.Now().UTC()
	for _, o := range live {
		snap.Live[o.OrderID] = o
		if err := e.applyLiveOrder(ctx, o, now, snap); err != nil {
			// One order's trouble must not abort the cycle.
			utils.GetLogger().Printf("Reconcile | order %s: %v", o.OrderID, err)
		}
	}

	ambiguous, err := e.resolveMissing(ctx, snap)
	if err != nil {
		utils.GetLogger().Printf("Reconcile | resolving missing orders: %v", err)
	} else {
		// Recomputed from the store every cycle so flags persisted by a
		// previous process are counted too.
		metrics.AmbiguousOrders.Set(float64(ambiguous))
	}

	return snap, nil
}

// applyLiveOrder updates the ledger from one live order, registering
// it as MANUAL when no local record exists.
func (e *Engine) applyLiveOrder(ctx context.Context, o broker.LiveOrder, now time.Time, snap *Snapshot) error {
	rec, err := e.store.GetOrder(ctx, o.OrderID)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	if rec == nil {
		// No matching local record: this order was placed manually.
		res, err := e.store.RegisterOrder(ctx, ledger.OrderRecord{
			OrderID:      o.OrderID,
			Symbol:       o.Symbol,
			Side:         strings.ToUpper(o.Side),
			RequestedQty: o.Quantity,
			TargetPrice:  o.Price,
			Status:       mapLiveStatus(o.Status),
			Origin:       ledger.OriginManual,
			CreatedAt:    o.CreatedAt,
			LastSeenAt:   now,
		})
		if err != nil {
			return fmt.Errorf("register manual: %w", err)
		}
		if res == ledger.Inserted {
			metrics.ManualOrders.Inc()
			e.store.LogEvent(ctx, journal.Event{
				Time:        now,
				Type:        "reconciliation",
				Description: "manual_order_discovered",
				Data:        map[string]any{"order_id": o.OrderID, "symbol": o.Symbol, "quantity": o.Quantity},
			})
		}
		snap.manual[manualKey(o.Symbol, o.Side)] = append(snap.manual[manualKey(o.Symbol, o.Side)], o)
		return nil
	}

	if rec.Origin == ledger.OriginUnknown {
		// Live at the broker with no recorded system lineage: attribute
		// it to the user.
		if err := e.store.SetOrigin(ctx, o.OrderID, ledger.OriginManual); err != nil {
			return fmt.Errorf("attribute origin: %w", err)
		}
		rec.Origin = ledger.OriginManual
	}
	if rec.Origin == ledger.OriginManual {
		snap.manual[manualKey(o.Symbol, o.Side)] = append(snap.manual[manualKey(o.Symbol, o.Side)], o)
	}

	target := mapLiveStatus(o.Status)
	if rec.Status != target && ledger.ValidTransition(rec.Status, target) {
		if err := e.store.UpdateStatus(ctx, o.OrderID, target); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
	} else {
		if err := e.store.TouchSeen(ctx, o.OrderID, now); err != nil {
			return fmt.Errorf("touch: %w", err)
		}
	}

	if rec.Ambiguous {
		// The broker answered after all.
		if err := e.store.SetAmbiguous(ctx, o.OrderID, false); err != nil {
			return fmt.Errorf("clear ambiguous: %w", err)
		}
	}
	return nil
}

// resolveMissing handles ledger entries that should be live but are
// absent from the broker's list: re-query order history, and flag
// ambiguous rather than guess when the broker cannot disambiguate. It
// returns how many entries are left flagged after this cycle.
func (e *Engine) resolveMissing(ctx context.Context, snap *Snapshot) (int, error) {
	open, err := e.store.ListOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open: %w", err)
	}

	ambiguous := 0
	for _, rec := range open {
		if _, ok := snap.Live[rec.OrderID]; ok {
			continue
		}

		hist, err := resilience.Call(ctx, e.breakers.For("history"), e.policy, "history", func(ctx context.Context) (broker.LiveOrder, error) {
			return e.gw.GetOrderHistory(ctx, rec.OrderID)
		})
		if err != nil {
			metrics.BrokerCalls.WithLabelValues("history", callResult(err)).Inc()
			e.flagAmbiguous(ctx, rec, fmt.Sprintf("order missing from live list, history lookup failed: %v", err))
			ambiguous++
			continue
		}
		metrics.BrokerCalls.WithLabelValues("history", "ok").Inc()

		final, ok := mapFinalStatus(hist.Status)
		if !ok {
			e.flagAmbiguous(ctx, rec, fmt.Sprintf("order missing from live list, history status %q undetermined", hist.Status))
			ambiguous++
			continue
		}

		if err := e.store.UpdateStatus(ctx, rec.OrderID, final); err != nil {
			utils.GetLogger().Printf("Reconcile | finalize %s as %s: %v", rec.OrderID, final, err)
			continue
		}
		if rec.Ambiguous {
			e.store.SetAmbiguous(ctx, rec.OrderID, false)
		}
		e.store.LogEvent(ctx, journal.Event{
			Time:        time.Now().UTC(),
			Type:        "reconciliation",
			Description: "order_finalized",
			Data:        map[string]any{"order_id": rec.OrderID, "status": string(final)},
		})
	}
	return ambiguous, nil
}

func (e *Engine) flagAmbiguous(ctx context.Context, rec ledger.OrderRecord, details string) {
	if rec.Ambiguous {
		return // already flagged, re-query continues next cycle
	}
	if err := e.store.SetAmbiguous(ctx, rec.OrderID, true); err != nil {
		utils.GetLogger().Printf("Reconcile | flag %s ambiguous: %v", rec.OrderID, err)
		return
	}
	e.store.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "reconciliation",
		Description: "order_ambiguous",
		Data:        map[string]any{"order_id": rec.OrderID, "details": details},
	})
	e.notifier.Notify(notifier.Event{
		Type:    notifier.EventReconciliationAmbiguous,
		Symbol:  rec.Symbol,
		OrderID: rec.OrderID,
		Details: details,
	})
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case broker.IsTransient(err):
		return "transient"
	case broker.IsAmbiguous(err):
		return "ambiguous"
	case broker.IsPermanent(err):
		return "permanent"
	default:
		return "error"
	}
}
