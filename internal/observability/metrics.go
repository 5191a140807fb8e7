package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the settlement engine's Prometheus collectors. Each
// instance owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Settlements        *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	BetsResolved       *prometheus.CounterVec
	PayoutAmount       prometheus.Counter
	NotificationErrors *prometheus.CounterVec

	SchedulerTicks    prometheus.Counter
	SchedulerDue      prometheus.Gauge
	SchedulerFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betting",
			Subsystem: "settlement",
			Name:      "sessions_total",
			Help:      "Settlement attempts by outcome (settled, already_settled, not_found, failed).",
		}, []string{"outcome"}),

		SettlementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "betting",
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Time spent inside the settlement transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),

		BetsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betting",
			Subsystem: "settlement",
			Name:      "bets_resolved_total",
			Help:      "Bets resolved by result.",
		}, []string{"result"}),

		PayoutAmount: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "betting",
			Subsystem: "settlement",
			Name:      "payout_amount_total",
			Help:      "Sum of payouts credited to wallets.",
		}),

		NotificationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "betting",
			Subsystem: "notify",
			Name:      "errors_total",
			Help:      "Notifications that could not be queued, by message type.",
		}, []string{"type"}),

		SchedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "betting",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks executed.",
		}),

		SchedulerDue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "betting",
			Subsystem: "scheduler",
			Name:      "due_sessions",
			Help:      "Sessions found due on the last tick.",
		}),

		SchedulerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "betting",
			Subsystem: "scheduler",
			Name:      "settlement_failures_total",
			Help:      "Due sessions whose settlement failed and will be retried.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
