// Package metrics holds the Prometheus instruments shared by medley
// packages. Instruments register with the default registry on import.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeCreated    = "created"
	OutcomeUpdated    = "updated"
	OutcomeMatched    = "matched"
	OutcomeExists     = "exists"
	OutcomeNotCreated = "not_created"
	OutcomeInvalid    = "invalid"
	OutcomeFailed     = "failed"
	OutcomeIgnored    = "ignored"
)

var (
	// ReconcileItems counts items passing through the reconciliation engine.
	// Labels:
	//   - op: "create", "update", "upsert"
	//   - type: entity type
	//   - outcome: one of the Outcome* values
	ReconcileItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medley_reconcile_items_total",
			Help: "Items processed by the reconciliation engine",
		},
		[]string{"op", "type", "outcome"},
	)

	// ImportItems counts library import classifications per type.
	ImportItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medley_import_items_total",
			Help: "Items classified by library imports",
		},
		[]string{"type", "outcome"},
	)

	// ImportDuration measures complete library imports.
	ImportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medley_import_duration_seconds",
			Help:    "Duration of library imports in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"source", "outcome"},
	)

	// Notifications counts publish attempts.
	// Labels:
	//   - topic: notification topic
	//   - outcome: "published", "failed", "rejected" (breaker open)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medley_notifications_total",
			Help: "Notification publish attempts",
		},
		[]string{"topic", "outcome"},
	)

	// ActiveSessions tracks sessions currently held by the session tracker.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medley_sessions_active",
			Help: "Playback sessions currently tracked",
		},
	)

	// StreamRecords counts DynamoDB stream records by outcome.
	StreamRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medley_stream_records_total",
			Help: "DynamoDB stream records handled",
		},
		[]string{"event", "outcome"},
	)
)

// CountItems adds n to the reconcile counter when n is positive.
func CountItems(op, typ, outcome string, n int) {
	if n > 0 {
		ReconcileItems.WithLabelValues(op, typ, outcome).Add(float64(n))
	}
}

// ObserveImport records the duration of an import that started at start.
func ObserveImport(source string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ImportDuration.WithLabelValues(source, outcome).Observe(time.Since(start).Seconds())
}
