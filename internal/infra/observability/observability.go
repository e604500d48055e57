// Package observability holds the Prometheus metrics shared by the ledger
// server and the sync client. Metrics are registered on the default
// registry via promauto and exposed by the API server on /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels.
const (
	OutcomeOK           = "ok"
	OutcomeReplayed     = "replayed"
	OutcomeInsufficient = "insufficient"
	OutcomeInvalid      = "invalid"
	OutcomeLimited      = "rate_limited"
	OutcomeDegraded     = "degraded"
	OutcomeError        = "error"
)

// ═══════════════════════════════════════════════════════════════════════════
// Ledger (server)
// ═══════════════════════════════════════════════════════════════════════════

// LedgerOps counts ledger service calls by operation and outcome.
var LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wwc",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by op (balance, add, spend, unlock) and outcome.",
}, []string{"op", "outcome"})

// LedgerDegraded counts responses served without the store.
var LedgerDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wwc",
	Subsystem: "ledger",
	Name:      "degraded_responses_total",
	Help:      "Responses synthesized because credit storage was unavailable.",
}, []string{"op"})

// CreditsMoved sums credits added and spent.
var CreditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wwc",
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Credits moved by direction (earn, spend).",
}, []string{"direction"})

// RateLimited counts rejected calls by limiter family.
var RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wwc",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Calls rejected by the rate limiter, by family.",
}, []string{"family"})

// LiveSubscribers tracks open SSE balance streams.
var LiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "wwc",
	Subsystem: "api",
	Name:      "live_subscribers",
	Help:      "Open /api/credits/live streams.",
})

// ═══════════════════════════════════════════════════════════════════════════
// Sync engine (client)
// ═══════════════════════════════════════════════════════════════════════════

// ClientFlushes counts flush attempts by outcome.
var ClientFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wwc",
	Subsystem: "creditsync",
	Name:      "flushes_total",
	Help:      "Pending-credit flushes by outcome.",
}, []string{"outcome"})

// FlushBatchSize tracks how many credits each flush carries.
var FlushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "wwc",
	Subsystem: "creditsync",
	Name:      "flush_batch_credits",
	Help:      "Credits carried per flush batch.",
	Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
})

// RegressionsPrevented counts refreshes whose fetched balance was lower
// than the visible one and was therefore ignored.
var RegressionsPrevented = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "wwc",
	Subsystem: "creditsync",
	Name:      "regressions_prevented_total",
	Help:      "Refreshes that would have lowered the visible balance.",
})

// ─── Helpers ────────────────────────────────────────────────────────────────

// RecordLedgerOp increments the ledger operation counter.
func RecordLedgerOp(op, outcome string) {
	LedgerOps.WithLabelValues(op, outcome).Inc()
}

// RecordFlush records a flush attempt and, on success, its batch size.
func RecordFlush(outcome string, credits int64) {
	ClientFlushes.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		FlushBatchSize.Observe(float64(credits))
	}
}
