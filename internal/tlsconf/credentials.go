// Package tlsconf loads TLS credential material from disk and turns it into
// listener and outbound transport settings.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrCredentialLoad is returned when certificate, key or CA material cannot
// be read or parsed.
var ErrCredentialLoad = errors.New("tlsconf: credential load failed")

// Settings names the credential files and handshake policy to load.
type Settings struct {
	CertFile     string
	KeyFile      string
	CAFile       string
	CipherSuites []string
	Protocols    []string
}

// Enabled reports whether any certificate material is configured.
func (s Settings) Enabled() bool {
	return s.CertFile != "" || s.KeyFile != ""
}

// Material is an immutable set of loaded credentials.
type Material struct {
	Certificate  tls.Certificate
	CAs          *x509.CertPool
	CipherSuites []uint16
	MinVersion   uint16
	MaxVersion   uint16
	LoadedAt     time.Time
	Settings     Settings
}

// Load reads the files named in s. Any unreadable or unparsable file fails
// the whole load; partial material is never returned.
func Load(s Settings) (*Material, error) {
	if s.CertFile == "" || s.KeyFile == "" {
		return nil, fmt.Errorf("%w: cert and key must both be set", ErrCredentialLoad)
	}

	protocols := s.Protocols
	if len(protocols) == 0 {
		protocols = DefaultProtocols()
	}
	minV, maxV, err := ParseProtocols(protocols)
	if err != nil {
		return nil, err
	}
	suites, err := ParseCipherSuites(s.CipherSuites)
	if err != nil {
		return nil, err
	}

	certPEM, err := os.ReadFile(s.CertFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read cert %s: %w", ErrCredentialLoad, s.CertFile, err)
	}
	keyPEM, err := os.ReadFile(s.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read key %s: %w", ErrCredentialLoad, s.KeyFile, err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key pair %s: %w", ErrCredentialLoad, s.CertFile, err)
	}

	var pool *x509.CertPool
	if s.CAFile != "" {
		caPEM, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read ca %s: %w", ErrCredentialLoad, s.CAFile, err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("%w: no certificates found in ca %s", ErrCredentialLoad, s.CAFile)
		}
	}

	return &Material{
		Certificate:  cert,
		CAs:          pool,
		CipherSuites: suites,
		MinVersion:   minV,
		MaxVersion:   maxV,
		LoadedAt:     time.Now(),
		Settings:     s,
	}, nil
}

// ServerConfig returns listener settings. When a CA bundle is loaded,
// client certificates are verified against it if presented.
func (m *Material) ServerConfig() *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{m.Certificate},
		CipherSuites: m.CipherSuites,
		MinVersion:   m.MinVersion,
		MaxVersion:   m.MaxVersion,
	}
	if m.CAs != nil {
		cfg.ClientCAs = m.CAs
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg
}

// ClientConfig returns outbound settings presenting the same certificate to
// backends and verifying them against the CA bundle (system roots when no
// bundle is configured).
func (m *Material) ClientConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.Certificate},
		RootCAs:      m.CAs,
		CipherSuites: m.CipherSuites,
		MinVersion:   m.MinVersion,
		MaxVersion:   m.MaxVersion,
		NextProtos:   []string{"http/1.1"},
	}
}

// AnonymousClientConfig returns outbound settings for a proxy without its own
// credentials: backends are verified against the system roots and no client
// certificate is presented. Cipher suites and protocol versions follow s.
func AnonymousClientConfig(s Settings) (*tls.Config, error) {
	protocols := s.Protocols
	if len(protocols) == 0 {
		protocols = DefaultProtocols()
	}
	minV, maxV, err := ParseProtocols(protocols)
	if err != nil {
		return nil, err
	}
	suites, err := ParseCipherSuites(s.CipherSuites)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		CipherSuites: suites,
		MinVersion:   minV,
		MaxVersion:   maxV,
		NextProtos:   []string{"http/1.1"},
	}, nil
}
