// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crypto_payments"

type Metrics struct {
	PaymentsCreated   *prometheus.CounterVec
	StatusTransitions *prometheus.CounterVec
	AddressesIssued   *prometheus.CounterVec

	MonitorPolls   *prometheus.CounterVec
	MonitorErrors  *prometheus.CounterVec
	MonitorEvents  *prometheus.CounterVec
	WatchedAddress prometheus.Gauge

	QueueDepth       *prometheus.GaugeVec
	BatchSize        prometheus.Gauge
	FlushInterval    prometheus.Gauge
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram

	RecoveryOutcomes *prometheus.CounterVec
	ReportedErrors   *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	RealtimeConnections prometheus.Gauge
	PublishedEvents     *prometheus.CounterVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PaymentsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_created_total",
			Help:      "Payments created, by currency.",
		}, []string{"currency"}),
		StatusTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_status_transitions_total",
			Help:      "Payment status transitions.",
		}, []string{"from", "to"}),
		AddressesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addresses_issued_total",
			Help:      "Addresses handed to payments, by source (pool or generated).",
		}, []string{"network", "source"}),

		MonitorPolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_polls_total",
			Help:      "Address checks performed by the transaction monitor.",
		}, []string{"network"}),
		MonitorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_errors_total",
			Help:      "Failed address checks.",
		}, []string{"network"}),
		MonitorEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_events_total",
			Help:      "Chain events raised by the transaction monitor.",
		}, []string{"kind"}),
		WatchedAddress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_watched_addresses",
			Help:      "Addresses currently watched.",
		}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_queue_depth",
			Help:      "Queued notifications per priority.",
		}, []string{"priority"}),
		BatchSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_batch_size",
			Help:      "Current adaptive batch size.",
		}),
		FlushInterval: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_interval_seconds",
			Help:      "Current adaptive flush interval.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatcher_deliveries_total",
			Help:      "Notification delivery outcomes (delivered, retried, dropped).",
		}, []string{"priority", "outcome"}),
		DeliveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatcher_flush_duration_seconds",
			Help:      "Duration of a dispatcher flush.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}),

		RecoveryOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_outcomes_total",
			Help:      "Outcomes of guarded dependency calls.",
		}, []string{"dependency", "outcome"}),
		ReportedErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_reported_total",
			Help:      "Errors reported by background components, by category.",
		}, []string{"component", "category"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"dependency"}),

		RealtimeConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Open realtime connections.",
		}),
		PublishedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integration_events_published_total",
			Help:      "Integration events written to the broker.",
		}, []string{"kind", "outcome"}),
	}
}

// NewNop returns collectors on a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
