// Package metrics holds the Prometheus collectors for the credit engine.
//
// Collectors are registered on the default registry through promauto and are
// served by the API at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "skillswap"

// ─── Ledger ─────────────────────────────────────────────────────────────────

// LedgerWriteDuration tracks how long an atomic ledger unit takes, including
// lock acquisition and commit.
var LedgerWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "write_duration_seconds",
	Help:      "Duration of atomic ledger write units.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
})

// LedgerConsistencyErrors counts rejected invalid entries and transitions.
var LedgerConsistencyErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "consistency_errors_total",
	Help:      "Ledger writes aborted because of an invalid entry or status transition.",
})

// ─── Escrow ─────────────────────────────────────────────────────────────────

var HoldsPlaced = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "escrow",
	Name:      "holds_placed_total",
	Help:      "Escrow holds committed.",
})

var HoldsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "escrow",
	Name:      "holds_rejected_total",
	Help:      "Escrow holds rejected for insufficient credits.",
})

// HoldResolutions counts first-time hold resolutions by outcome
// (settled, released, voided). Idempotent repeats are not counted.
var HoldResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "escrow",
	Name:      "hold_resolutions_total",
	Help:      "Escrow holds resolved, by outcome.",
}, []string{"outcome"})

// ─── Reconciliation ─────────────────────────────────────────────────────────

var Adjustments = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "reconcile",
	Name:      "operations_total",
	Help:      "Administrative ledger operations, by kind.",
}, []string{"kind"})

// ─── Sessions ───────────────────────────────────────────────────────────────

var SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "session",
	Name:      "transitions_total",
	Help:      "Session status transitions.",
}, []string{"from", "to"})

var BookingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "session",
	Name:      "bookings_rejected_total",
	Help:      "Bookings rejected, by reason.",
}, []string{"reason"})

// ─── Notifications ──────────────────────────────────────────────────────────

var NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "failures_total",
	Help:      "Events the dispatcher failed to accept, by event kind.",
}, []string{"kind"})

var NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "dropped_total",
	Help:      "Events dropped because the async pool queue was full.",
})
