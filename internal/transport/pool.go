// Package transport keeps the keep-alive connection pools used to reach
// backend nodes, one per trust class.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// ErrNoCredentials is returned for TLS class requests while no TLS client
// settings are installed.
var ErrNoCredentials = errors.New("transport: no TLS credentials loaded")

// Class selects a connection pool.
type Class int

const (
	// ClassTLS verifies backend certificates and presents client credentials.
	ClassTLS Class = iota
	// ClassPlain speaks plain HTTP.
	ClassPlain
	// ClassInsecure speaks TLS without verifying the backend certificate.
	ClassInsecure
)

func (c Class) String() string {
	switch c {
	case ClassTLS:
		return "tls"
	case ClassPlain:
		return "plain"
	case ClassInsecure:
		return "insecure"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Options tunes the pooled transports.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	// Timeouts
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // 0 to disable
}

// DefaultOptions returns keep-alive settings suited to a reverse proxy.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Pool holds one *http.Transport per class. Plain and insecure transports
// live for the pool's lifetime; the TLS transport is replaced on SetTLS.
type Pool struct {
	opts Options

	mu         sync.RWMutex
	transports map[Class]*http.Transport
}

// NewPool builds the plain and insecure transports. The TLS class has no
// transport until SetTLS installs client settings.
func NewPool(opts Options) *Pool {
	p := &Pool{
		opts:       opts,
		transports: make(map[Class]*http.Transport, 3),
	}
	p.transports[ClassPlain] = p.newTransport(nil)
	p.transports[ClassInsecure] = p.newTransport(&tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	})
	return p
}

// SetTLS swaps in a TLS transport built from cfg. Idle connections of the
// replaced transport are closed; requests in flight finish on it. A nil cfg
// removes the TLS transport.
func (p *Pool) SetTLS(cfg *tls.Config) {
	var next *http.Transport
	if cfg != nil {
		next = p.newTransport(cfg.Clone())
	}

	p.mu.Lock()
	prev := p.transports[ClassTLS]
	if next != nil {
		p.transports[ClassTLS] = next
	} else {
		delete(p.transports, ClassTLS)
	}
	p.mu.Unlock()

	if prev != nil {
		prev.CloseIdleConnections()
	}
}

// Transport returns the current transport for class.
func (p *Pool) Transport(class Class) (*http.Transport, error) {
	p.mu.RLock()
	t, ok := p.transports[class]
	p.mu.RUnlock()
	if ok {
		return t, nil
	}
	if class == ClassTLS {
		return nil, ErrNoCredentials
	}
	return nil, fmt.Errorf("transport: unknown class %s", class)
}

// RoundTripper returns a RoundTripper for class that uses whichever
// transport is current when each request starts.
func (p *Pool) RoundTripper(class Class) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		t, err := p.Transport(class)
		if err != nil {
			return nil, err
		}
		return t.RoundTrip(req)
	})
}

// CloseIdle closes idle connections on every transport.
func (p *Pool) CloseIdle() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

func (p *Pool) newTransport(tlsCfg *tls.Config) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   p.opts.DialTimeout,
		KeepAlive: p.opts.DialKeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          p.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   p.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       p.opts.IdleConnTimeout,
		MaxConnsPerHost:       p.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   p.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: p.opts.ExpectContinueTimeout,
	}
	if p.opts.ResponseHeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = p.opts.ResponseHeaderTimeout
	}
	return tr
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
