package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dray-io/drayproxy/internal/logging"
)

// Listener describes where and how the gateway listens.
type Listener struct {
	Addr string
	// TLS, when set, terminates TLS on the listener.
	TLS *tls.Config
}

// Server runs the gateway handler and rebinds when the listen address or
// TLS mode changes.
type Server struct {
	handler http.Handler
	logger  *logging.Logger

	mu      sync.Mutex
	current *binding
	closed  bool
}

type binding struct {
	addr   string
	tlsCfg *tls.Config
	srv    *http.Server
	ln     net.Listener
	served chan struct{}
}

// NewServer creates a Server for handler.
func NewServer(handler http.Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Server{handler: handler, logger: logger.With(map[string]any{"component": "listener"})}
}

// Bind starts serving on l. When a listener with the same address and TLS
// mode is already running it is kept. Otherwise the new listener takes over
// and the old server drains its open connections in the background. A new
// address is bound before the old one is released; the same fixed port has
// to be released first, and if binding it again fails the previous mode is
// restored.
func (s *Server) Bind(l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return http.ErrServerClosed
	}
	prev := s.current
	if prev != nil && prev.addr == l.Addr && (prev.tlsCfg != nil) == (l.TLS != nil) {
		return nil
	}

	handover := prev != nil && prev.addr == l.Addr && fixedPort(l.Addr)
	if handover {
		// Serve returns once its listener closes; in-flight requests keep
		// running on prev.srv until it is shut down below.
		_ = prev.ln.Close()
	}

	b, err := s.listen(l)
	if err != nil {
		if handover {
			restored, rerr := s.listen(Listener{Addr: prev.addr, TLS: prev.tlsCfg})
			if rerr != nil {
				s.logger.Errorf("restoring previous listener failed", map[string]any{"addr": prev.addr, "error": rerr.Error()})
				s.current = nil
			} else {
				s.current = restored
			}
			go s.drain(prev)
		}
		return err
	}

	s.current = b
	s.logger.Infof("gateway listening", map[string]any{"addr": b.ln.Addr().String(), "tls": b.tlsCfg != nil})
	if prev != nil {
		go s.drain(prev)
	}
	return nil
}

func (s *Server) listen(l Listener) (*binding, error) {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return nil, err
	}
	if l.TLS != nil {
		ln = tls.NewListener(ln, l.TLS)
	}

	b := &binding{
		addr:   l.Addr,
		tlsCfg: l.TLS,
		srv: &http.Server{
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		ln:     ln,
		served: make(chan struct{}),
	}
	go func() {
		defer close(b.served)
		err := b.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			s.logger.Errorf("gateway listener error", map[string]any{"addr": b.addr, "error": err.Error()})
		}
	}()
	return b, nil
}

func (s *Server) drain(b *binding) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// A listener already released for a handover may be reported closed.
	if err := b.srv.Shutdown(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warnf("draining previous listener", map[string]any{"addr": b.addr, "error": err.Error()})
	}
}

// fixedPort reports whether addr names a specific port. Port 0 asks the
// kernel for a fresh one on every bind.
func fixedPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != "" && port != "0"
}

// Addr returns the bound address, or "" before the first Bind.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.ln.Addr().String()
}

// Shutdown stops accepting connections and waits for active requests up to
// ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur == nil {
		return nil
	}
	err := cur.srv.Shutdown(ctx)
	<-cur.served
	return err
}
