package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors of the order pipeline. A nil *Metrics is valid
// and records nothing, which keeps call sites free of checks.
type Metrics struct {
	OrdersPlaced     *prometheus.CounterVec // outcome
	Materialized     *prometheus.CounterVec // outcome
	Reconciled       *prometheus.CounterVec // trigger, outcome
	PublishConfirms  *prometheus.CounterVec // topic, result
	CacheRebuilds    *prometheus.CounterVec // result
	PlacementSeconds prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrade", Name: "orders_placed_total",
			Help: "Order placement requests by outcome.",
		}, []string{"outcome"}),
		Materialized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrade", Name: "orders_materialized_total",
			Help: "Order creation messages processed by outcome.",
		}, []string{"outcome"}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrade", Name: "orders_reconciled_total",
			Help: "Payment reconciliation results by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		PublishConfirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrade", Name: "publish_confirms_total",
			Help: "Broker publish confirmations by topic and result (ack, nack, exhausted).",
		}, []string{"topic", "result"}),
		CacheRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "unitrade", Name: "cache_rebuilds_total",
			Help: "Logical-expiration cache rebuilds by result.",
		}, []string{"result"}),
		PlacementSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "unitrade", Name: "order_placement_seconds",
			Help:    "Latency of order placement including lock wait.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.OrdersPlaced, m.Materialized, m.Reconciled,
			m.PublishConfirms, m.CacheRebuilds, m.PlacementSeconds)
	}
	return m
}

func (m *Metrics) OrderPlaced(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(outcome).Inc()
	m.PlacementSeconds.Observe(seconds)
}

func (m *Metrics) OrderMaterialized(outcome string) {
	if m == nil {
		return
	}
	m.Materialized.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OrderReconciled(trigger, outcome string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) PublishConfirmed(topic, result string) {
	if m == nil {
		return
	}
	m.PublishConfirms.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) CacheRebuilt(result string) {
	if m == nil {
		return
	}
	m.CacheRebuilds.WithLabelValues(result).Inc()
}
