package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, int64(5000), cfg.UpdateInterval)
	assert.Equal(t, int64(30000), cfg.TimeoutThreshold)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, 5, cfg.MaxRetry)
	assert.Equal(t, int64(500), cfg.RequestBackoff)
	assert.Equal(t, []string{"TLSv1.2", "TLSv1.3"}, cfg.SupportedProtocols)
	assert.Equal(t, BackendMemory, cfg.Metadata.Backend)
	assert.Equal(t, ":9090", cfg.Observability.MetricsAddr)
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8443", cfg.ListenAddr())
	assert.Equal(t, 500*time.Millisecond, cfg.RequestBackoffDuration())
	assert.False(t, cfg.TLSEnabled())
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
updateInterval: 1000
timeoutThreshold: 0
port: 9443
maxRetry: 2
requestBackoff: 50
cert: /etc/proxy/tls.crt
key: /etc/proxy/tls.key
ca: /etc/proxy/ca.crt
supportedProtocols: [TLSv1.3]
cipherSuites:
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
metadata:
  backend: oxia
  oxiaEndpoint: oxia:6648
rateLimit:
  requestsPerSecond: 10
  burst: 5
`)
	cfg, err := Parse(data, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), cfg.UpdateInterval)
	assert.Equal(t, time.Duration(0), cfg.TimeoutThresholdDuration())
	assert.Equal(t, 9443, cfg.Port)
	assert.Equal(t, 2, cfg.MaxRetry)
	assert.Equal(t, "/etc/proxy/ca.crt", cfg.CA)
	assert.Equal(t, []string{"TLSv1.3"}, cfg.SupportedProtocols)
	assert.Equal(t, BackendOxia, cfg.Metadata.Backend)
	assert.Equal(t, "drayproxy", cfg.Metadata.Namespace, "unset keys keep defaults")
	assert.Equal(t, 10.0, cfg.RateLimit.RequestsPerSecond)
	assert.True(t, cfg.TLSEnabled())

	s := cfg.TLSSettings()
	assert.Equal(t, "/etc/proxy/tls.crt", s.CertFile)
	assert.Equal(t, []string{"TLSv1.3"}, s.Protocols)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("maxRetries: 3\n"), nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"DRAYPROXY_PORT":                "7000",
		"DRAYPROXY_MAX_RETRY":           "1",
		"DRAYPROXY_SUPPORTED_PROTOCOLS": "TLSv1.2, TLSv1.3",
		"DRAYPROXY_OXIA_NAMESPACE":      "edge",
		"DRAYPROXY_RATE_LIMIT_RPS":      "2.5",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg, err := Parse([]byte("port: 9443\n"), lookup)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 1, cfg.MaxRetry)
	assert.Equal(t, []string{"TLSv1.2", "TLSv1.3"}, cfg.SupportedProtocols)
	assert.Equal(t, "edge", cfg.Metadata.Namespace)
	assert.Equal(t, 2.5, cfg.RateLimit.RequestsPerSecond)

	env["DRAYPROXY_PORT"] = "not-a-number"
	_, err = Parse(nil, lookup)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero update interval", func(c *Config) { c.UpdateInterval = 0 }},
		{"negative timeout", func(c *Config) { c.TimeoutThreshold = -1 }},
		{"port out of range", func(c *Config) { c.Port = 70000 }},
		{"negative maxRetry", func(c *Config) { c.MaxRetry = -1 }},
		{"negative backoff", func(c *Config) { c.RequestBackoff = -5 }},
		{"cert without key", func(c *Config) { c.Cert = "/tmp/c.pem" }},
		{"empty protocols", func(c *Config) { c.SupportedProtocols = nil }},
		{"unknown protocol", func(c *Config) { c.SupportedProtocols = []string{"SSLv3"} }},
		{"unknown cipher", func(c *Config) { c.CipherSuites = []string{"RC4-MD5"} }},
		{"unknown backend", func(c *Config) { c.Metadata.Backend = "etcd" }},
		{"oxia without endpoint", func(c *Config) {
			c.Metadata.Backend = BackendOxia
			c.Metadata.OxiaEndpoint = ""
		}},
		{"rate limit without burst", func(c *Config) {
			c.RateLimit.RequestsPerSecond = 1
			c.RateLimit.Burst = 0
		}},
		{"unknown log level", func(c *Config) { c.Observability.LogLevel = "trace" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.SupportedProtocols[0] = "TLSv1"
	clone.Port = 1

	assert.Equal(t, "TLSv1.2", cfg.SupportedProtocols[0])
	assert.Equal(t, 8443, cfg.Port)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxRetry: 3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRetry)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
