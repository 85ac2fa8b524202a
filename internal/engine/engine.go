// Package engine drives the supervision loop: reconcile the ledger
// against the broker, evaluate every RETRY_PENDING entry, and execute
// the resulting decisions. Decisions are computed by the policy
// package; this package owns the side effects.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ordersentry/internal/broker"
	"ordersentry/internal/db"
	"ordersentry/internal/journal"
	"ordersentry/internal/ledger"
	"ordersentry/internal/metrics"
	"ordersentry/internal/notifier"
	"ordersentry/internal/policy"
	"ordersentry/internal/reconcile"
	"ordersentry/internal/resilience"
	"ordersentry/internal/utils"
)

// Quoter supplies current market context for order sizing. Returning
// a zero price is allowed; the engine then falls back to the record's
// original target price.
type Quoter interface {
	Quote(ctx context.Context, symbol string) (closePrice, avgVolume float64, err error)
}

// StaticQuoter serves fixed quotes, for configuration-driven setups
// and tests.
type StaticQuoter struct {
	Prices  map[string]float64
	Volumes map[string]float64
}

func (q StaticQuoter) Quote(_ context.Context, symbol string) (float64, float64, error) {
	return q.Prices[symbol], q.Volumes[symbol], nil
}

// Options tunes the engine loop.
type Options struct {
	TickInterval time.Duration
	Variety      string
	// Symbols restricts retry supervision to these symbols. Empty means
	// every symbol in the ledger. Reconciliation always covers the full
	// live list regardless.
	Symbols []string
	Policy  policy.Config
	// ReadPolicy wraps idempotent broker reads (list, history, balance).
	ReadPolicy resilience.Policy
}

func DefaultOptions() Options {
	return Options{
		TickInterval: time.Minute,
		Variety:      "regular",
		Policy:       policy.DefaultConfig(),
		ReadPolicy:   resilience.DefaultPolicy(),
	}
}

// keyedLocks hands out one mutex per symbol so a slow broker call for
// one symbol never blocks the others, and no symbol runs two
// evaluations at once.
type keyedLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	return l
}

// Engine owns one supervision loop over a single broker gateway.
type Engine struct {
	gw         broker.Gateway
	store      db.Storage
	reconciler *reconcile.Engine
	breakers   *resilience.Group
	quoter     Quoter
	notifier   notifier.Notifier
	opts       Options
	symbols    map[string]bool // nil means no restriction

	locks keyedLocks
}

func New(gw broker.Gateway, store db.Storage, breakers *resilience.Group, quoter Quoter, n notifier.Notifier, opts Options) *Engine {
	if n == nil {
		n = notifier.Noop{}
	}
	if quoter == nil {
		quoter = StaticQuoter{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultOptions().TickInterval
	}
	if opts.ReadPolicy.MaxAttempts == 0 {
		opts.ReadPolicy = resilience.DefaultPolicy()
	}
	var symbols map[string]bool
	if len(opts.Symbols) > 0 {
		symbols = make(map[string]bool, len(opts.Symbols))
		for _, s := range opts.Symbols {
			symbols[s] = true
		}
	}
	return &Engine{
		gw:         gw,
		store:      store,
		reconciler: reconcile.New(gw, store, breakers, opts.ReadPolicy, n),
		breakers:   breakers,
		quoter:     quoter,
		notifier:   n,
		opts:       opts,
		symbols:    symbols,
	}
}

// supervised reports whether retry decisions run for this symbol.
func (e *Engine) supervised(symbol string) bool {
	return e.symbols == nil || e.symbols[symbol]
}

// Run ticks until the context is cancelled. Order-update nudges from
// the stream trigger an early pass; updates may be nil.
func (e *Engine) Run(ctx context.Context, updates <-chan broker.OrderUpdate) {
	logger := utils.GetLogger()
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	logger.Printf("Engine | starting, tick %s, broker %s", e.opts.TickInterval, e.gw.Name())
	e.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Printf("Engine | stopping: %v", ctx.Err())
			return
		case <-ticker.C:
			e.runPass(ctx)
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			logger.Printf("Engine | order update %s (%s), running early pass", u.OrderID, u.Status)
			e.runPass(ctx)
		}
	}
}

func (e *Engine) runPass(ctx context.Context) {
	if err := e.Pass(ctx); err != nil {
		metrics.Passes.WithLabelValues("error").Inc()
		utils.GetLogger().Printf("Engine | pass failed: %v", err)
		return
	}
	metrics.Passes.WithLabelValues("ok").Inc()
}

// Pass runs one full cycle: reconcile, then evaluate and execute every
// RETRY_PENDING entry. Symbols are processed concurrently and a failure
// in one symbol never aborts the others.
func (e *Engine) Pass(ctx context.Context) error {
	snap, err := e.reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	pending, err := e.store.ListByStatus(ctx, ledger.StatusRetryPending)
	if err != nil {
		return fmt.Errorf("list retry-pending: %w", err)
	}

	bySymbol := make(map[string][]ledger.OrderRecord)
	for _, rec := range pending {
		if !e.supervised(rec.Symbol) {
			continue
		}
		bySymbol[rec.Symbol] = append(bySymbol[rec.Symbol], rec)
	}
	if len(bySymbol) == 0 {
		return nil
	}

	balance, err := resilience.Call(ctx, e.breakers.For("balance"), e.opts.ReadPolicy, "balance", func(ctx context.Context) (float64, error) {
		return e.gw.GetAvailableBalance(ctx)
	})
	if err != nil {
		metrics.BrokerCalls.WithLabelValues("balance", "error").Inc()
		return fmt.Errorf("fetch balance: %w", err)
	}
	metrics.BrokerCalls.WithLabelValues("balance", "ok").Inc()

	var wg sync.WaitGroup
	for symbol, recs := range bySymbol {
		wg.Add(1)
		go func(symbol string, recs []ledger.OrderRecord) {
			defer wg.Done()
			lock := e.locks.get(symbol)
			if !lock.TryLock() {
				// A previous pass is still working this symbol.
				utils.GetLogger().Printf("Engine | %s busy, skipping this pass", symbol)
				return
			}
			defer lock.Unlock()
			e.evaluateSymbol(ctx, symbol, recs, snap, balance)
		}(symbol, recs)
	}
	wg.Wait()
	return nil
}

// evaluateSymbol handles every stalled entry of one symbol, oldest
// first so retry ordering stays deterministic.
func (e *Engine) evaluateSymbol(ctx context.Context, symbol string, recs []ledger.OrderRecord, snap *reconcile.Snapshot, balance float64) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	closePrice, avgVolume, err := e.quoter.Quote(ctx, symbol)
	if err != nil {
		utils.GetLogger().Printf("Engine | %s: quote failed: %v", symbol, err)
		closePrice, avgVolume = 0, 0
	}

	for _, rec := range recs {
		price := closePrice
		if price <= 0 {
			price = rec.TargetPrice
		}
		out := policy.Decide(e.opts.Policy, policy.Inputs{
			Record:     rec,
			Balance:    balance,
			ClosePrice: price,
			AvgVolume:  avgVolume,
			Manual:     snap.ManualFor(rec.Symbol, rec.Side),
		})
		metrics.Decisions.WithLabelValues(out.Decision.String()).Inc()
		e.store.LogEvent(ctx, journal.Event{
			Time:        time.Now().UTC(),
			Type:        "decision",
			Description: out.Decision.String(),
			Data:        map[string]any{"order_id": rec.OrderID, "symbol": rec.Symbol, "reason": out.Reason},
		})

		if err := e.execute(ctx, rec, out, price); err != nil {
			// Error isolation: log and carry on with the next entry.
			utils.GetLogger().Printf("Engine | %s: execute %s for %s: %v", symbol, out.Decision, rec.OrderID, err)
		}
	}
}

func (e *Engine) execute(ctx context.Context, rec ledger.OrderRecord, out policy.Outcome, price float64) error {
	switch out.Decision {
	case policy.Skip:
		return nil

	case policy.FailPermanent:
		if err := e.store.UpdateStatus(ctx, rec.OrderID, ledger.StatusFailedPermanent); err != nil {
			return fmt.Errorf("mark failed permanent: %w", err)
		}
		metrics.RetryExhausted.Inc()
		e.notifier.Notify(notifier.Event{
			Type:    notifier.EventRetryExhausted,
			Symbol:  rec.Symbol,
			OrderID: rec.OrderID,
			Details: out.Reason,
		})
		return nil

	case policy.Replace:
		// The manual order is left alone; only the system's own prior
		// intent is withdrawn before the corrected submission.
		if err := e.cancelPriorIntent(ctx, rec); err != nil {
			return fmt.Errorf("cancel prior intent: %w", err)
		}
		e.notifier.Notify(notifier.Event{
			Type:    notifier.EventManualOrderConflict,
			Symbol:  rec.Symbol,
			OrderID: out.ManualOrderID,
			Details: out.Reason,
		})
		return e.resubmit(ctx, rec, out, price)

	case policy.Retry:
		return e.resubmit(ctx, rec, out, price)
	}
	return nil
}

// cancelPriorIntent withdraws the system's own still-live order for
// this (symbol, side), if any, so the corrected submission does not
// coexist with it. Cancellation is idempotent on the broker side.
func (e *Engine) cancelPriorIntent(ctx context.Context, rec ledger.OrderRecord) error {
	prior, err := e.store.FindActive(ctx, rec.Symbol, rec.Side)
	if err != nil {
		return fmt.Errorf("find active: %w", err)
	}
	if prior == nil || prior.OrderID == rec.OrderID {
		return nil
	}
	if prior.Status != ledger.StatusPending && prior.Status != ledger.StatusActive {
		return nil
	}

	err = resilience.Do(ctx, e.breakers.For("cancel"), e.opts.ReadPolicy, "cancel", func(ctx context.Context) error {
		return e.gw.CancelOrder(ctx, prior.OrderID)
	})
	if err != nil {
		metrics.BrokerCalls.WithLabelValues("cancel", "error").Inc()
		return err
	}
	metrics.BrokerCalls.WithLabelValues("cancel", "ok").Inc()

	if err := e.store.UpdateStatus(ctx, prior.OrderID, ledger.StatusCancelled); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		utils.GetLogger().Printf("Engine | record cancel of %s: %v", prior.OrderID, err)
	}
	e.store.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        "replace",
		Description: "prior_intent_cancelled",
		Data:        map[string]any{"order_id": prior.OrderID, "symbol": rec.Symbol},
	})
	return nil
}

// resubmit issues the corrected order exactly once. Submission is
// non-idempotent, so an ambiguous outcome is recorded and left for
// reconciliation; the call is never blindly repeated.
func (e *Engine) resubmit(ctx context.Context, rec ledger.OrderRecord, out policy.Outcome, price float64) error {
	submitted, err := resilience.Call(ctx, e.breakers.For("submit"), resilience.SubmitPolicy(), "submit", func(ctx context.Context) (broker.LiveOrder, error) {
		return e.gw.SubmitOrder(ctx, broker.OrderRequest{
			Symbol:   rec.Symbol,
			Side:     rec.Side,
			Quantity: out.TargetQty,
			Price:    price,
			Variety:  e.opts.Variety,
		})
	})

	switch {
	case err == nil:
		metrics.BrokerCalls.WithLabelValues("submit", "ok").Inc()
		now := time.Now().UTC()
		capitalBasis := out.Capital
		if _, err := e.store.RegisterOrder(ctx, ledger.OrderRecord{
			OrderID:          submitted.OrderID,
			Symbol:           rec.Symbol,
			Side:             rec.Side,
			RequestedQty:     out.TargetQty,
			TargetPrice:      price,
			Status:           ledger.StatusPending,
			Origin:           ledger.OriginSystem,
			ExecutionCapital: &capitalBasis,
			RetryCount:       rec.RetryCount + 1,
			CreatedAt:        now,
			LastSeenAt:       now,
		}); err != nil {
			return fmt.Errorf("register resubmission %s: %w", submitted.OrderID, err)
		}
		if err := e.store.Supersede(ctx, rec.OrderID, submitted.OrderID); err != nil {
			return fmt.Errorf("supersede %s: %w", rec.OrderID, err)
		}
		e.store.LogEvent(ctx, journal.Event{
			Time:        now,
			Type:        "retry",
			Description: "order_resubmitted",
			Data:        map[string]any{"order_id": rec.OrderID, "new_order_id": submitted.OrderID, "quantity": out.TargetQty},
		})
		return nil

	case broker.IsAmbiguous(err):
		// The order may or may not exist at the broker. The call went
		// out, so it consumes retry budget; reconciliation will find the
		// order as MANUAL if it was accepted, and policy converges on
		// SKIP from there.
		metrics.BrokerCalls.WithLabelValues("submit", "ambiguous").Inc()
		if ierr := e.store.IncrementRetry(ctx, rec.OrderID); ierr != nil {
			utils.GetLogger().Printf("Engine | count ambiguous submit for %s: %v", rec.OrderID, ierr)
		}
		e.store.LogEvent(ctx, journal.Event{
			Time:        time.Now().UTC(),
			Type:        "retry",
			Description: "submit_ambiguous",
			Data:        map[string]any{"order_id": rec.OrderID, "error": err.Error()},
		})
		return nil

	case broker.IsInsufficientFunds(err):
		// Not a failed attempt: the broker rejected cleanly and nothing
		// was placed. Try again when capital allows.
		metrics.BrokerCalls.WithLabelValues("submit", "insufficient_funds").Inc()
		e.store.LogEvent(ctx, journal.Event{
			Time:        time.Now().UTC(),
			Type:        "retry",
			Description: "submit_insufficient_funds",
			Data:        map[string]any{"order_id": rec.OrderID},
		})
		return nil

	case broker.IsPermanent(err):
		metrics.BrokerCalls.WithLabelValues("submit", "permanent").Inc()
		if uerr := e.store.UpdateStatus(ctx, rec.OrderID, ledger.StatusFailedPermanent); uerr != nil {
			return fmt.Errorf("mark rejected %s: %w", rec.OrderID, uerr)
		}
		metrics.RetryExhausted.Inc()
		e.notifier.Notify(notifier.Event{
			Type:    notifier.EventRetryExhausted,
			Symbol:  rec.Symbol,
			OrderID: rec.OrderID,
			Details: fmt.Sprintf("broker rejected resubmission: %v", err),
		})
		return nil

	case errors.Is(err, resilience.ErrCircuitOpen):
		// No call was made; the retry budget stays untouched.
		metrics.BrokerCalls.WithLabelValues("submit", "circuit_open").Inc()
		return nil

	default:
		// Transient failure: the attempt counts, the entry stays
		// RETRY_PENDING for the next pass.
		metrics.BrokerCalls.WithLabelValues("submit", "transient").Inc()
		if ierr := e.store.IncrementRetry(ctx, rec.OrderID); ierr != nil {
			utils.GetLogger().Printf("Engine | count failed submit for %s: %v", rec.OrderID, ierr)
		}
		return fmt.Errorf("submit: %w", err)
	}
}
