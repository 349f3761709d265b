// Package metrics holds the Prometheus collectors of the reward ledger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationDuration tracks the latency of ledger operations
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "reward_ledger_operation_duration_seconds",
			Help: "Duration of ledger operations in seconds",
			Buckets: []float64{
				0.001, // 1ms
				0.005, // 5ms
				0.01,  // 10ms
				0.025, // 25ms
				0.05,  // 50ms
				0.1,   // 100ms
				0.25,  // 250ms
				0.5,   // 500ms
				1.0,   // 1s
				2.5,   // 2.5s
			},
		},
		[]string{"op", "status"},
	)

	// TxConflicts counts transaction attempts that lost a concurrent write race
	TxConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_ledger_tx_conflicts_total",
			Help: "Transaction attempts retried after a concurrent modification",
		},
		[]string{"op"},
	)

	// CouponsIssued counts committed coupons
	CouponsIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reward_ledger_coupons_issued_total",
			Help: "Coupons issued by milestone claims",
		},
	)

	// ExportFailures counts coupon exports that failed after commit
	ExportFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reward_ledger_export_failures_total",
			Help: "Coupon exports that failed (ledger state unaffected)",
		},
	)

	// FeedDropped counts events dropped for slow subscribers
	FeedDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_ledger_feed_dropped_total",
			Help: "Change feed events dropped because a subscriber buffer was full",
		},
		[]string{"kind"},
	)
)

// RecordOperation records the duration of a ledger operation
func RecordOperation(op, status string, seconds float64) {
	OperationDuration.WithLabelValues(op, status).Observe(seconds)
}
