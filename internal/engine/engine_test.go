package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ordersentry/internal/broker"
	"ordersentry/internal/capital"
	"ordersentry/internal/db"
	"ordersentry/internal/ledger"
	"ordersentry/internal/notifier"
	"ordersentry/internal/policy"
	"ordersentry/internal/resilience"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (c *captureNotifier) Send(string) error          { return nil }
func (c *captureNotifier) SendWithRetry(string) error { return nil }
func (c *captureNotifier) Notify(e notifier.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureNotifier) byType(t notifier.EventType) []notifier.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notifier.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testOptions() Options {
	return Options{
		TickInterval: time.Minute,
		Variety:      "regular",
		Policy: policy.Config{
			MaxRetryAttempts:  5,
			QuantityTolerance: 2,
			OversizeFactor:    1.5,
			Limits:            capital.Limits{MaxBalanceFraction: 0.25, MaxVolumeShare: 0.05, MinQuantity: 1},
		},
		ReadPolicy: resilience.Policy{MaxAttempts: 1},
	}
}

// newTestEngine wires a mock broker with a 4000 balance, which sizes
// RELIANCE retries at 100 to a 10 share target.
func newTestEngine(t *testing.T) (*Engine, *broker.MockGateway, *db.MemoryStorage, *captureNotifier) {
	t.Helper()
	gw := broker.NewMockGateway(4000)
	store := db.NewMemory()
	n := &captureNotifier{}
	breakers := resilience.NewGroup(5, time.Minute)
	eng := New(gw, store, breakers, nil, n, testOptions())
	return eng, gw, store, n
}

func registerStalled(t *testing.T, store db.Storage, id, symbol string, retryCount int) {
	t.Helper()
	_, err := store.RegisterOrder(context.Background(), ledger.OrderRecord{
		OrderID:      id,
		Symbol:       symbol,
		Side:         ledger.SideSell,
		RequestedQty: 10,
		TargetPrice:  100,
		Status:       ledger.StatusRetryPending,
		Origin:       ledger.OriginSystem,
		RetryCount:   retryCount,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestPassSkipsUnconfiguredSymbols(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMockGateway(4000)
	store := db.NewMemory()
	breakers := resilience.NewGroup(5, time.Minute)
	opts := testOptions()
	opts.Symbols = []string{"RELIANCE"}
	eng := New(gw, store, breakers, nil, &captureNotifier{}, opts)

	registerStalled(t, store, "sys_r", "RELIANCE", 1)
	registerStalled(t, store, "sys_i", "INFY", 1)

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	live, _ := gw.ListLiveOrders(ctx)
	if len(live) != 1 || live[0].Symbol != "RELIANCE" {
		t.Fatalf("only RELIANCE should be resubmitted, got %+v", live)
	}

	other, _ := store.GetOrder(ctx, "sys_i")
	if other.Status != ledger.StatusRetryPending || other.RetryCount != 1 {
		t.Fatalf("unconfigured symbol must stay untouched, got %s retry_count %d", other.Status, other.RetryCount)
	}
}

func TestPassResubmitsStalledOrder(t *testing.T) {
	ctx := context.Background()
	eng, gw, store, _ := newTestEngine(t)
	registerStalled(t, store, "sys_1", "RELIANCE", 1)

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	live, _ := gw.ListLiveOrders(ctx)
	if len(live) != 1 {
		t.Fatalf("expected 1 resubmitted live order, got %d", len(live))
	}
	if live[0].Quantity != 10 {
		t.Fatalf("retry must be sized from current balance, expected 10, got %.0f", live[0].Quantity)
	}

	old, _ := store.GetOrder(ctx, "sys_1")
	if old.Status != ledger.StatusCancelled {
		t.Fatalf("superseded entry should be CANCELLED, got %s", old.Status)
	}
	if old.SupersededBy != live[0].OrderID {
		t.Fatalf("superseded entry should link to %s, got %q", live[0].OrderID, old.SupersededBy)
	}

	fresh, _ := store.GetOrder(ctx, live[0].OrderID)
	if fresh == nil {
		t.Fatal("the resubmission must be registered")
	}
	if fresh.Status != ledger.StatusPending || fresh.Origin != ledger.OriginSystem {
		t.Fatalf("expected PENDING/SYSTEM, got %s/%s", fresh.Status, fresh.Origin)
	}
	if fresh.RetryCount != 2 {
		t.Fatalf("retry count must carry over incremented, got %d", fresh.RetryCount)
	}
	if fresh.ExecutionCapital == nil || *fresh.ExecutionCapital != 1000 {
		t.Fatal("the resubmission must record its capital basis")
	}
}

func TestPassSkipsWhenManualCovers(t *testing.T) {
	ctx := context.Background()
	eng, gw, store, _ := newTestEngine(t)
	registerStalled(t, store, "sys_1", "RELIANCE", 1)

	gw.Seed(broker.LiveOrder{
		OrderID: "man_1", Symbol: "RELIANCE", Side: "SELL", Quantity: 10, Price: 100,
		Status: "OPEN", CreatedAt: time.Now().UTC(),
	})

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	live, _ := gw.ListLiveOrders(ctx)
	if len(live) != 1 {
		t.Fatalf("a covering manual order means no submit, got %d live orders", len(live))
	}
	rec, _ := store.GetOrder(ctx, "sys_1")
	if rec.Status != ledger.StatusRetryPending {
		t.Fatalf("skipped entry stays RETRY_PENDING, got %s", rec.Status)
	}
	if rec.RetryCount != 1 {
		t.Fatalf("a skip makes no call and must not consume retry budget, got %d", rec.RetryCount)
	}
}

func TestPassReplacesUndersizedManual(t *testing.T) {
	ctx := context.Background()
	eng, gw, store, n := newTestEngine(t)
	registerStalled(t, store, "sys_1", "RELIANCE", 1)

	gw.Seed(broker.LiveOrder{
		OrderID: "man_1", Symbol: "RELIANCE", Side: "SELL", Quantity: 5, Price: 100,
		Status: "OPEN", CreatedAt: time.Now().UTC(),
	})

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The manual order is never cancelled automatically; the corrected
	// submission coexists with it.
	live, _ := gw.ListLiveOrders(ctx)
	if len(live) != 2 {
		t.Fatalf("expected manual order plus replacement, got %d live orders", len(live))
	}
	var replacement *broker.LiveOrder
	for i := range live {
		if live[i].OrderID != "man_1" {
			replacement = &live[i]
		}
	}
	if replacement == nil {
		t.Fatal("the replacement must be on the live list")
	}
	if replacement.Quantity != 10 {
		t.Fatalf("replacement must use the full target, got %.0f", replacement.Quantity)
	}

	old, _ := store.GetOrder(ctx, "sys_1")
	if old.Status != ledger.StatusCancelled || old.SupersededBy != replacement.OrderID {
		t.Fatalf("the stalled entry must be superseded, got %s -> %q", old.Status, old.SupersededBy)
	}

	if len(n.byType(notifier.EventManualOrderConflict)) != 1 {
		t.Fatal("the operator must hear about the manual-order conflict")
	}
}

func TestPassReplaceCancelsPriorIntent(t *testing.T) {
	ctx := context.Background()
	eng, gw, store, _ := newTestEngine(t)
	registerStalled(t, store, "sys_old", "RELIANCE", 1)

	// A still-live system order for the same intent must be withdrawn
	// before the corrected submission.
	_, err := store.RegisterOrder(ctx, ledger.OrderRecord{
		OrderID:      "sys_live",
		Symbol:       "RELIANCE",
		Side:         ledger.SideSell,
		RequestedQty: 3,
		TargetPrice:  100,
		Status:       ledger.StatusActive,
		Origin:       ledger.OriginSystem,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("register sys_live: %v", err)
	}
	gw.Seed(broker.LiveOrder{
		OrderID: "sys_live", Symbol: "RELIANCE", Side: "SELL", Quantity: 3, Price: 100,
		Status: "OPEN", CreatedAt: time.Now().UTC(),
	})
	gw.Seed(broker.LiveOrder{
		OrderID: "man_1", Symbol: "RELIANCE", Side: "SELL", Quantity: 5, Price: 100,
		Status: "OPEN", CreatedAt: time.Now().UTC(),
	})

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	priorRec, _ := store.GetOrder(ctx, "sys_live")
	if priorRec.Status != ledger.StatusCancelled {
		t.Fatalf("the prior intent must be cancelled, got %s", priorRec.Status)
	}

	live, _ := gw.ListLiveOrders(ctx)
	for _, o := range live {
		if o.OrderID == "sys_live" {
			t.Fatal("the prior intent must be off the broker's live list")
		}
	}
}

func TestPassFailsPermanentlyOnExhaustion(t *testing.T) {
	ctx := context.Background()
	eng, gw, store, n := newTestEngine(t)
	registerStalled(t, store, "sys_1", "RELIANCE", 5)

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := store.GetOrder(ctx, "sys_1")
	if rec.Status != ledger.StatusFailedPermanent {
		t.Fatalf("expected FAILED_PERMANENT, got %s", rec.Status)
	}
	if len(n.byType(notifier.EventRetryExhausted)) != 1 {
		t.Fatal("exhaustion must notify the operator")
	}

	live, _ := gw.ListLiveOrders(ctx)
	if len(live) != 0 {
		t.Fatal("an exhausted order must not be submitted")
	}
}

func TestPassAmbiguousSubmitConsumesBudget(t *testing.T) {
	ctx := context.Background()
	eng, gw, store, _ := newTestEngine(t)
	registerStalled(t, store, "sys_1", "RELIANCE", 1)

	gw.SubmitErr = &broker.AmbiguousError{Op: "submit", Err: errors.New("timeout")}

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := store.GetOrder(ctx, "sys_1")
	if rec.Status != ledger.StatusRetryPending {
		t.Fatalf("ambiguous submit leaves the entry RETRY_PENDING, got %s", rec.Status)
	}
	if rec.RetryCount != 2 {
		t.Fatalf("the call went out and must consume budget, got %d", rec.RetryCount)
	}
	if rec.SupersededBy != "" {
		t.Fatal("no resubmission exists to supersede with")
	}
}

func TestPassTransientSubmitConsumesBudget(t *testing.T) {
	ctx := context.Background()
	eng, gw, store, _ := newTestEngine(t)
	registerStalled(t, store, "sys_1", "RELIANCE", 1)

	gw.SubmitErr = &broker.TransientError{Op: "submit", Err: errors.New("connection reset")}

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := store.GetOrder(ctx, "sys_1")
	if rec.Status != ledger.StatusRetryPending {
		t.Fatalf("expected RETRY_PENDING, got %s", rec.Status)
	}
	if rec.RetryCount != 2 {
		t.Fatalf("a failed submit consumes budget, got %d", rec.RetryCount)
	}
}

func TestPassInsufficientFundsWaits(t *testing.T) {
	ctx := context.Background()
	eng, gw, store, _ := newTestEngine(t)
	registerStalled(t, store, "sys_1", "RELIANCE", 1)

	gw.SubmitErr = &broker.InsufficientFundsError{Required: 1000, Available: 500}

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := store.GetOrder(ctx, "sys_1")
	if rec.Status != ledger.StatusRetryPending {
		t.Fatalf("expected RETRY_PENDING, got %s", rec.Status)
	}
	if rec.RetryCount != 1 {
		t.Fatalf("a clean balance rejection is not a failed attempt, got %d", rec.RetryCount)
	}
}

func TestPassPermanentRejectionFails(t *testing.T) {
	ctx := context.Background()
	eng, gw, store, n := newTestEngine(t)
	registerStalled(t, store, "sys_1", "RELIANCE", 1)

	gw.SubmitErr = &broker.PermanentError{Op: "submit", Code: "invalid_symbol", Err: errors.New("rejected")}

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, _ := store.GetOrder(ctx, "sys_1")
	if rec.Status != ledger.StatusFailedPermanent {
		t.Fatalf("a structural rejection is terminal, got %s", rec.Status)
	}
	if len(n.byType(notifier.EventRetryExhausted)) != 1 {
		t.Fatal("the operator must hear about the rejection")
	}
}

func TestPassIsolatesSymbols(t *testing.T) {
	ctx := context.Background()
	eng, gw, store, _ := newTestEngine(t)
	gw.SetBalance(100_000)

	registerStalled(t, store, "sys_rel", "RELIANCE", 5) // exhausted
	registerStalled(t, store, "sys_infy", "INFY", 1)    // healthy retry

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rel, _ := store.GetOrder(ctx, "sys_rel")
	if rel.Status != ledger.StatusFailedPermanent {
		t.Fatalf("expected FAILED_PERMANENT for sys_rel, got %s", rel.Status)
	}
	infy, _ := store.GetOrder(ctx, "sys_infy")
	if infy.Status != ledger.StatusCancelled || infy.SupersededBy == "" {
		t.Fatalf("sys_infy must have been superseded, got %s", infy.Status)
	}
}

func TestPassQuoterOverridesTargetPrice(t *testing.T) {
	ctx := context.Background()
	gw := broker.NewMockGateway(4000)
	store := db.NewMemory()
	breakers := resilience.NewGroup(5, time.Minute)
	quoter := StaticQuoter{Prices: map[string]float64{"RELIANCE": 200}}
	eng := New(gw, store, breakers, quoter, nil, testOptions())

	registerStalled(t, store, "sys_1", "RELIANCE", 1)

	if err := eng.Pass(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	live, _ := gw.ListLiveOrders(ctx)
	if len(live) != 1 {
		t.Fatalf("expected 1 live order, got %d", len(live))
	}
	// 25% of 4000 at the quoted 200 floors to 5 shares.
	if live[0].Quantity != 5 {
		t.Fatalf("sizing must use the quote, expected 5 shares, got %.0f", live[0].Quantity)
	}
	if live[0].Price != 200 {
		t.Fatalf("submission must carry the quoted price, got %.2f", live[0].Price)
	}
}
