package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ProxyMetrics holds dispatcher metrics.
type ProxyMetrics struct {
	// DispatchTotal counts dispatches by outcome
	// (forwarded, unowned, exhausted, transport, cancelled, error).
	DispatchTotal *prometheus.CounterVec

	// DispatchLatency tracks time from dispatch start to a response or
	// failure, including readiness waits.
	DispatchLatency *prometheus.HistogramVec

	// RetriesTotal counts backoff waits spent on initializing nodes.
	RetriesTotal prometheus.Counter
}

// DefaultDispatchLatencyBuckets cover fast forwards up to long readiness waits.
var DefaultDispatchLatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewProxyMetrics creates dispatcher metrics registered with reg.
func NewProxyMetrics(reg prometheus.Registerer) *ProxyMetrics {
	f := promauto.With(reg)
	return &ProxyMetrics{
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "dispatch_total",
				Help:      "Total number of dispatched requests, broken down by outcome.",
			},
			[]string{"outcome"},
		),
		DispatchLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "dispatch_latency_seconds",
				Help:      "Dispatch latency in seconds including readiness waits, broken down by outcome.",
				Buckets:   DefaultDispatchLatencyBuckets,
			},
			[]string{"outcome"},
		),
		RetriesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "retries_total",
				Help:      "Total number of backoff waits spent on initializing nodes.",
			},
		),
	}
}

// RecordDispatch records the outcome and duration of one dispatch.
func (m *ProxyMetrics) RecordDispatch(outcome string, durationSeconds float64) {
	m.DispatchTotal.WithLabelValues(outcome).Inc()
	m.DispatchLatency.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordRetry records one backoff wait.
func (m *ProxyMetrics) RecordRetry() {
	m.RetriesTotal.Inc()
}
