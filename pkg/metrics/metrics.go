package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ConversionsTotal counts conversions by terminal outcome (completed/failed).
var ConversionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stargate_conversions_total",
		Help: "Total number of conversions reaching a terminal state",
	},
	[]string{"outcome"},
)

// ConversionPollDuration records how long the confirmation poller ran per
// conversion, in seconds.
var ConversionPollDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "stargate_conversion_poll_duration_seconds",
		Help:    "Duration of blockchain confirmation polling per conversion",
		Buckets: prometheus.ExponentialBuckets(5, 2, 7),
	},
)

// OrdersCreated counts P2P orders by side.
var OrdersCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stargate_p2p_orders_created_total",
		Help: "Total number of P2P orders created",
	},
	[]string{"type"},
)

// SwapsMatched counts atomic swaps created by the matching coordinator.
var SwapsMatched = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "stargate_p2p_swaps_matched_total",
		Help: "Total number of atomic swaps created",
	},
)

// WebhookDeliveries counts delivery attempts by outcome
// (delivered/retry/failed).
var WebhookDeliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stargate_webhook_deliveries_total",
		Help: "Total number of webhook delivery attempts by outcome",
	},
	[]string{"outcome"},
)

// ReconciliationRecords counts audit records appended by status.
var ReconciliationRecords = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stargate_reconciliation_records_total",
		Help: "Total number of reconciliation records by status",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(
		ConversionsTotal,
		ConversionPollDuration,
		OrdersCreated,
		SwapsMatched,
		WebhookDeliveries,
		ReconciliationRecords,
	)
}
