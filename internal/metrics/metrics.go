package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whgw_events_published_total",
			Help: "Publish calls by result",
		},
		[]string{"result"}, // accepted | invalid | error
	)

	DeliveriesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "whgw_deliveries_created_total",
			Help: "Deliveries fanned out to matching subscriptions",
		},
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whgw_delivery_attempts_total",
			Help: "Performed delivery attempts by outcome and error kind",
		},
		[]string{"outcome", "error_kind"}, // success|retrying|dead|cancelled , ""|transient|receiver
	)

	DeliveryLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "whgw_delivery_latency_seconds",
			Help:    "Subscriber endpoint response time per attempt",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms .. ~41s
		},
	)

	RateLimitDeferralsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whgw_rate_limit_deferrals_total",
			Help: "Attempts deferred by a limiter; not failures, not attempts",
		},
		[]string{"scope"}, // subscription | global | breaker
	)

	LedgerFlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whgw_ledger_flush_total",
			Help: "Attempt-ledger batch flushes by result",
		},
		[]string{"result"}, // ok | error
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EventsPublishedTotal,
		DeliveriesCreatedTotal,
		DeliveryAttemptsTotal,
		DeliveryLatencySeconds,
		RateLimitDeferralsTotal,
		LedgerFlushTotal,
	)
}
