// Package config provides configuration loading and validation for drayproxy.
// Supports YAML files with environment variable overrides and publishes
// immutable snapshots to subscribers as the file changes.
package config

import (
	"net"
	"strconv"
	"time"

	"github.com/dray-io/drayproxy/internal/tlsconf"
)

// Config is one immutable configuration snapshot. Snapshots are replaced
// wholesale on update and must not be mutated after publication.
type Config struct {
	UpdateInterval     int64    `yaml:"updateInterval" env:"DRAYPROXY_UPDATE_INTERVAL_MS"`
	TimeoutThreshold   int64    `yaml:"timeoutThreshold" env:"DRAYPROXY_TIMEOUT_THRESHOLD_MS"`
	Host               string   `yaml:"host" env:"DRAYPROXY_HOST"`
	Port               int      `yaml:"port" env:"DRAYPROXY_PORT"`
	MaxRetry           int      `yaml:"maxRetry" env:"DRAYPROXY_MAX_RETRY"`
	RequestBackoff     int64    `yaml:"requestBackoff" env:"DRAYPROXY_REQUEST_BACKOFF_MS"`
	Cert               string   `yaml:"cert" env:"DRAYPROXY_CERT"`
	Key                string   `yaml:"key" env:"DRAYPROXY_KEY"`
	CA                 string   `yaml:"ca" env:"DRAYPROXY_CA"`
	CipherSuites       []string `yaml:"cipherSuites" env:"DRAYPROXY_CIPHER_SUITES"`
	SupportedProtocols []string `yaml:"supportedProtocols" env:"DRAYPROXY_SUPPORTED_PROTOCOLS"`

	Metadata      MetadataConfig      `yaml:"metadata"`
	Observability ObservabilityConfig `yaml:"observability"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
}

// Metadata store backends.
const (
	BackendMemory = "memory"
	BackendOxia   = "oxia"
)

type MetadataConfig struct {
	Backend          string `yaml:"backend" env:"DRAYPROXY_METADATA_BACKEND"`
	OxiaEndpoint     string `yaml:"oxiaEndpoint" env:"DRAYPROXY_OXIA_ENDPOINT"`
	Namespace        string `yaml:"namespace" env:"DRAYPROXY_OXIA_NAMESPACE"`
	RequestTimeoutMs int64  `yaml:"requestTimeoutMs" env:"DRAYPROXY_OXIA_REQUEST_TIMEOUT_MS"`
	SessionTimeoutMs int64  `yaml:"sessionTimeoutMs" env:"DRAYPROXY_OXIA_SESSION_TIMEOUT_MS"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"DRAYPROXY_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"DRAYPROXY_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"DRAYPROXY_LOG_FORMAT"`
}

// RateLimitConfig bounds requests per resource. A zero RequestsPerSecond
// disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond" env:"DRAYPROXY_RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"DRAYPROXY_RATE_LIMIT_BURST"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		UpdateInterval:     5000,
		TimeoutThreshold:   30000,
		Host:               "0.0.0.0",
		Port:               8443,
		MaxRetry:           5,
		RequestBackoff:     500,
		SupportedProtocols: tlsconf.DefaultProtocols(),
		Metadata: MetadataConfig{
			Backend:          BackendMemory,
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "drayproxy",
			RequestTimeoutMs: 5000,
			SessionTimeoutMs: 15000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		RateLimit: RateLimitConfig{
			Burst: 100,
		},
	}
}

// Clone returns a deep copy suitable for modification before publishing.
func (c *Config) Clone() *Config {
	out := *c
	out.CipherSuites = append([]string(nil), c.CipherSuites...)
	out.SupportedProtocols = append([]string(nil), c.SupportedProtocols...)
	return &out
}

// ListenAddr returns host:port for the proxy listener.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) UpdateIntervalDuration() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Millisecond
}

// TimeoutThresholdDuration returns the per-forward bound; zero means none.
func (c *Config) TimeoutThresholdDuration() time.Duration {
	return time.Duration(c.TimeoutThreshold) * time.Millisecond
}

func (c *Config) RequestBackoffDuration() time.Duration {
	return time.Duration(c.RequestBackoff) * time.Millisecond
}

// TLSEnabled reports whether listener and outbound credentials are configured.
func (c *Config) TLSEnabled() bool {
	return c.Cert != "" || c.Key != ""
}

// TLSSettings projects the credential fields for the TLS credential manager.
func (c *Config) TLSSettings() tlsconf.Settings {
	return tlsconf.Settings{
		CertFile:     c.Cert,
		KeyFile:      c.Key,
		CAFile:       c.CA,
		CipherSuites: append([]string(nil), c.CipherSuites...),
		Protocols:    append([]string(nil), c.SupportedProtocols...),
	}
}
