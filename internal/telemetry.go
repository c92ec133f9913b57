package internal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Store query outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeEvaluation  = "evaluation_error"
	OutcomeUnavailable = "unavailable"
	OutcomeCircuitOpen = "circuit_open"
)

// Metrics holds the connector's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	StoreQueries *prometheus.CounterVec
	StoreLatency prometheus.Histogram
	Windows      prometheus.Counter
	Rows         prometheus.Counter
	Pushdown     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StoreQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_queries_total",
			Help:      "Native queries sent to the store, by outcome",
		}, []string{"outcome"}),
		StoreLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_query_duration_seconds",
			Help:      "Round-trip latency of native queries",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		Windows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_total",
			Help:      "Result windows fetched",
		}),
		Rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_decoded_total",
			Help:      "Rows decoded from store results",
		}),
		Pushdown: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushdown_total",
			Help:      "Pushdown requests by kind and result",
		}, []string{"kind", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.StoreQueries, m.StoreLatency, m.Windows, m.Rows, m.Pushdown)
	}
	return m
}

// ObserveQuery records one store round trip.
func (m *Metrics) ObserveQuery(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StoreQueries.WithLabelValues(outcome).Inc()
	m.StoreLatency.Observe(elapsed.Seconds())
}

// ObserveWindow records one fetched window of n rows.
func (m *Metrics) ObserveWindow(n int) {
	if m == nil {
		return
	}
	m.Windows.Inc()
	m.Rows.Add(float64(n))
}

// ObservePushdown records whether a pushdown of kind (filter, aggregation, limit) was accepted.
func (m *Metrics) ObservePushdown(kind string, accepted bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.Pushdown.WithLabelValues(kind, result).Inc()
}
