package tlsconf

import (
	"crypto/tls"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dray-io/drayproxy/internal/logging"
)

// ErrNoMaterial is returned by handshake callbacks when no credentials are loaded.
var ErrNoMaterial = errors.New("tlsconf: no credentials loaded")

// Manager holds the current credential material and swaps it atomically on
// reload. A failed reload clears the material instead of keeping the
// previous set, so handshakes fail until a good reload happens.
type Manager struct {
	material atomic.Pointer[Material]
	logger   *logging.Logger

	mu      sync.RWMutex
	lastErr error
}

// NewManager creates a Manager with no material loaded.
func NewManager(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Manager{logger: logger}
}

// Reload loads s and publishes the result. With no certificate configured
// the material is cleared and Reload returns (nil, nil).
func (m *Manager) Reload(s Settings) (*Material, error) {
	if !s.Enabled() {
		m.material.Store(nil)
		m.setErr(nil)
		m.logger.Info("TLS disabled, credentials cleared")
		return nil, nil
	}

	mat, err := Load(s)
	if err != nil {
		m.material.Store(nil)
		m.setErr(err)
		m.logger.Errorf("TLS credential reload failed", map[string]any{
			"certFile": s.CertFile,
			"keyFile":  s.KeyFile,
			"caFile":   s.CAFile,
			"error":    err.Error(),
		})
		return nil, err
	}

	m.material.Store(mat)
	m.setErr(nil)
	m.logger.Infof("TLS credentials loaded", map[string]any{
		"certFile": s.CertFile,
		"keyFile":  s.KeyFile,
		"caFile":   s.CAFile,
	})
	return mat, nil
}

// Current returns the loaded material, or nil.
func (m *Manager) Current() *Material {
	return m.material.Load()
}

// Err returns the error from the most recent reload, or nil.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Manager) setErr(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// GetConfigForClient implements the tls.Config callback of the same name,
// serving each handshake with the material current at that moment.
func (m *Manager) GetConfigForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	mat := m.material.Load()
	if mat == nil {
		return nil, ErrNoMaterial
	}
	return mat.ServerConfig(), nil
}

// ListenerConfig returns a tls.Config for a listener that follows reloads.
func (m *Manager) ListenerConfig() *tls.Config {
	return &tls.Config{
		GetConfigForClient: m.GetConfigForClient,
		MinVersion:         tls.VersionTLS10,
	}
}
