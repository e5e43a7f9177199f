package config

import (
	"errors"
	"fmt"

	"github.com/dray-io/drayproxy/internal/logging"
	"github.com/dray-io/drayproxy/internal/tlsconf"
)

// ErrInvalid is returned when a configuration snapshot fails validation.
var ErrInvalid = errors.New("config: invalid configuration")

func invalid(field string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, field, fmt.Sprintf(format, args...))
}

// Validate checks the snapshot. It reports the first offending field.
func (c *Config) Validate() error {
	if c.UpdateInterval <= 0 {
		return invalid("updateInterval", "must be positive, got %d", c.UpdateInterval)
	}
	if c.TimeoutThreshold < 0 {
		return invalid("timeoutThreshold", "must not be negative, got %d", c.TimeoutThreshold)
	}
	if c.Port < 0 || c.Port > 65535 {
		return invalid("port", "out of range: %d", c.Port)
	}
	if c.MaxRetry < 0 {
		return invalid("maxRetry", "must not be negative, got %d", c.MaxRetry)
	}
	if c.RequestBackoff < 0 {
		return invalid("requestBackoff", "must not be negative, got %d", c.RequestBackoff)
	}
	if (c.Cert == "") != (c.Key == "") {
		return invalid("cert", "cert and key must be set together")
	}
	if _, _, err := tlsconf.ParseProtocols(c.SupportedProtocols); err != nil {
		return invalid("supportedProtocols", "%v", err)
	}
	if _, err := tlsconf.ParseCipherSuites(c.CipherSuites); err != nil {
		return invalid("cipherSuites", "%v", err)
	}

	switch c.Metadata.Backend {
	case BackendMemory:
	case BackendOxia:
		if c.Metadata.OxiaEndpoint == "" {
			return invalid("metadata.oxiaEndpoint", "required for the oxia backend")
		}
	default:
		return invalid("metadata.backend", "unknown backend %q", c.Metadata.Backend)
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		return invalid("rateLimit.requestsPerSecond", "must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		return invalid("rateLimit.burst", "must be positive when rate limiting is enabled")
	}

	if lvl := c.Observability.LogLevel; lvl != "" && logging.ParseLevel(lvl).String() != lvl {
		return invalid("observability.logLevel", "unknown level %q", lvl)
	}
	return nil
}
