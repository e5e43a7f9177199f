package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServiceMetrics tracks configuration and credential lifecycle.
type ServiceMetrics struct {
	ConfigUpdatesTotal     prometheus.Counter
	CredentialReloadsTotal *prometheus.CounterVec

	// CredentialsLoaded is 1 while TLS material is loaded, 0 otherwise.
	CredentialsLoaded prometheus.Gauge
}

// NewServiceMetrics creates lifecycle metrics registered with reg.
func NewServiceMetrics(reg prometheus.Registerer) *ServiceMetrics {
	f := promauto.With(reg)
	return &ServiceMetrics{
		ConfigUpdatesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "updates_total",
			Help:      "Total number of configuration snapshots applied.",
		}),
		CredentialReloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "credential_reloads_total",
			Help:      "Total number of TLS credential reloads, broken down by status.",
		}, []string{"status"}),
		CredentialsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "credentials_loaded",
			Help:      "Whether TLS credential material is currently loaded (1) or not (0).",
		}),
	}
}

// RecordConfigUpdate records one applied snapshot.
func (m *ServiceMetrics) RecordConfigUpdate() {
	m.ConfigUpdatesTotal.Inc()
}

// RecordCredentialReload records a reload attempt and whether material is
// loaded afterwards.
func (m *ServiceMetrics) RecordCredentialReload(success, loaded bool) {
	m.CredentialReloadsTotal.WithLabelValues(status(success)).Inc()
	if loaded {
		m.CredentialsLoaded.Set(1)
	} else {
		m.CredentialsLoaded.Set(0)
	}
}
