// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for drayproxy operations including:
//   - Dispatch outcomes and latency broken down by outcome
//   - Readiness retries spent waiting on initializing nodes
//   - Routing store operation latency broken down by operation and status
//   - Configuration updates and TLS credential reloads
//   - Gateway responses by route and status class, and rate-limited requests
//
// Every constructor registers with the given prometheus.Registerer; pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
//
//	reg := prometheus.NewRegistry()
//	proxyMetrics := metrics.NewProxyMetrics(reg)
//	storeMetrics := metrics.NewStoreMetrics(reg)
//	store = metadata.NewInstrumentedStore(store, storeMetrics)
//	health.RegisterHandler("/metrics", metrics.Handler(reg))
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drayproxy"

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

// Handler serves the metrics gathered by g in the Prometheus text format.
// A nil g serves the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
