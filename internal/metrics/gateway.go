package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics tracks inbound HTTP traffic.
type GatewayMetrics struct {
	// RequestsTotal labels: route (proxy, admin), code (2xx, 4xx, ...).
	RequestsTotal *prometheus.CounterVec

	// RateLimitedTotal counts requests rejected by the per-resource limiter.
	RateLimitedTotal prometheus.Counter
}

// NewGatewayMetrics creates gateway metrics registered with reg.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	f := promauto.With(reg)
	return &GatewayMetrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Total number of gateway requests, broken down by route and status class.",
		}, []string{"route", "code"}),
		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the per-resource rate limiter.",
		}),
	}
}

// RecordRequest records one response by route and status code.
func (m *GatewayMetrics) RecordRequest(route string, code int) {
	m.RequestsTotal.WithLabelValues(route, codeClass(code)).Inc()
}

// RecordRateLimited records one rejected request.
func (m *GatewayMetrics) RecordRateLimited() {
	m.RateLimitedTotal.Inc()
}

func codeClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
