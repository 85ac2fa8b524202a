// Package metrics – Prometheus metrics for observability.
//
// Exposes the metrics the engine updates during operation:
//   - sentry_passes_total{result}          – reconcile+retry passes (ok|error)
//   - sentry_decisions_total{decision}     – retry decisions (retry|skip|replace|fail_permanent)
//   - sentry_broker_calls_total{op,result} – broker calls by endpoint and outcome
//   - sentry_manual_orders_total           – manually placed orders discovered
//   - sentry_ambiguous_orders              – orders currently flagged ambiguous (gauge)
//   - sentry_breaker_state{endpoint}       – circuit breaker state (0 closed, 1 open, 2 half-open)
//   - sentry_retry_exhausted_total         – orders moved to FAILED_PERMANENT by exhaustion
//
// Registered in init() and served by the HTTP handler started in main.go
// at /metrics (Prometheus text exposition format).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"ordersentry/internal/resilience"
)

var (
	Passes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_passes_total",
			Help: "Reconcile+retry passes by result",
		},
		[]string{"result"}, // ok|error
	)

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_decisions_total",
			Help: "Retry decisions by outcome",
		},
		[]string{"decision"},
	)

	BrokerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentry_broker_calls_total",
			Help: "Broker calls by endpoint and outcome",
		},
		[]string{"op", "result"}, // result: ok|transient|permanent|ambiguous|circuit_open
	)

	ManualOrders = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentry_manual_orders_total",
			Help: "Manually placed orders discovered by reconciliation",
		},
	)

	AmbiguousOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentry_ambiguous_orders",
			Help: "Orders whose broker outcome is currently undetermined",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentry_breaker_state",
			Help: "Circuit breaker state per endpoint (0 closed, 1 open, 2 half-open)",
		},
		[]string{"endpoint"},
	)

	RetryExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentry_retry_exhausted_total",
			Help: "Orders moved to FAILED_PERMANENT after exhausting retries",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Passes,
		Decisions,
		BrokerCalls,
		ManualOrders,
		AmbiguousOrders,
		BreakerState,
		RetryExhausted,
	)
}

// ObserveBreaker is wired as a breaker state-change hook.
func ObserveBreaker(name string, state resilience.BreakerState) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}
