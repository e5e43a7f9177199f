// Package service owns the proxy's runtime state: it follows configuration
// updates, keeps credentials and transports current, and exposes the
// routing and dispatch operations to the gateway.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/dray-io/drayproxy/internal/config"
	"github.com/dray-io/drayproxy/internal/logging"
	"github.com/dray-io/drayproxy/internal/metadata"
	"github.com/dray-io/drayproxy/internal/proxy"
	"github.com/dray-io/drayproxy/internal/routing"
	"github.com/dray-io/drayproxy/internal/tlsconf"
	"github.com/dray-io/drayproxy/internal/transport"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("service: already started")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("service: stopped")
)

// MetricsRecorder records lifecycle events. *metrics.ServiceMetrics satisfies it.
type MetricsRecorder interface {
	RecordConfigUpdate()
	RecordCredentialReload(success, loaded bool)
}

// Options configures a Service.
type Options struct {
	Store metadata.MetadataStore
	Feed  *config.Feed

	PoolOptions  transport.Options
	ProxyMetrics proxy.MetricsRecorder
	Metrics      MetricsRecorder
	Logger       *logging.Logger
}

// Service ties the routing store, credential manager, connection pool and
// dispatcher together behind one lifecycle.
type Service struct {
	store       metadata.MetadataStore
	feed        *config.Feed
	resolver    *routing.Resolver
	credentials *tlsconf.Manager
	pool        *transport.Pool
	dispatcher  *proxy.Dispatcher
	metrics     MetricsRecorder
	logger      *logging.Logger

	applied atomic.Pointer[config.Config]

	mu       sync.Mutex
	started  bool
	stopped  bool
	sub      *config.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New wires the components. The initial configuration snapshot is applied
// synchronously so the service can dispatch before Start.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("service: store is required")
	}
	if opts.Feed == nil {
		return nil, errors.New("service: config feed is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	poolOpts := opts.PoolOptions
	if poolOpts == (transport.Options{}) {
		poolOpts = transport.DefaultOptions()
	}

	s := &Service{
		store:       opts.Store,
		feed:        opts.Feed,
		resolver:    routing.NewResolver(opts.Store, logger),
		credentials: tlsconf.NewManager(logger.With(map[string]any{"component": "tls"})),
		pool:        transport.NewPool(poolOpts),
		metrics:     opts.Metrics,
		logger:      logger.With(map[string]any{"component": "service"}),
	}
	s.dispatcher = proxy.New(proxy.Options{
		Resolver:   s.resolver,
		Transports: s.pool,
		Metrics:    opts.ProxyMetrics,
		Logger:     logger,
	})

	s.apply(opts.Feed.Current())
	return s, nil
}

// Start subscribes to configuration updates and applies each one in order
// until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sub = s.feed.Subscribe()
	s.done = make(chan struct{})

	go s.run(ctx, s.sub, s.done)
	s.logger.Info("service started")
	return nil
}

func (s *Service) run(ctx context.Context, sub *config.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub.C():
			if !ok {
				return
			}
			s.apply(cfg)
		}
	}
}

// apply installs dispatch settings first so they take effect even when the
// credential reload that follows fails. A snapshot already applied is
// skipped, which covers the replay Subscribe does on start.
func (s *Service) apply(cfg *config.Config) {
	if cfg == nil || s.applied.Load() == cfg {
		return
	}
	s.applied.Store(cfg)
	s.dispatcher.SetSettings(proxy.Settings{
		MaxRetry:       cfg.MaxRetry,
		RequestBackoff: cfg.RequestBackoffDuration(),
		Timeout:        cfg.TimeoutThresholdDuration(),
	})
	if s.metrics != nil {
		s.metrics.RecordConfigUpdate()
	}
	s.logger.Infof("configuration applied", map[string]any{
		"listenAddr":     cfg.ListenAddr(),
		"maxRetry":       cfg.MaxRetry,
		"requestBackoff": cfg.RequestBackoff,
		"timeout":        cfg.TimeoutThreshold,
	})

	settings := cfg.TLSSettings()
	mat, err := s.credentials.Reload(settings)
	if s.metrics != nil {
		s.metrics.RecordCredentialReload(err == nil, mat != nil)
	}
	switch {
	case err != nil:
		s.pool.SetTLS(nil)
	case mat != nil:
		s.pool.SetTLS(mat.ClientConfig())
	default:
		// No proxy credentials configured: verify backends against the
		// system roots without presenting a client certificate.
		anon, err := tlsconf.AnonymousClientConfig(settings)
		if err != nil {
			s.logger.Errorf("outbound tls settings rejected", map[string]any{"error": err.Error()})
			s.pool.SetTLS(nil)
			return
		}
		s.pool.SetTLS(anon)
	}
}

// Stop unsubscribes from configuration, then closes the routing store.
// Calls after the first return the first call's result.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		sub, cancel, done := s.sub, s.cancel, s.done
		s.mu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
		}
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}

		s.pool.CloseIdle()
		if err := s.store.Close(); err != nil {
			s.stopErr = fmt.Errorf("service: close store: %w", err)
		}
		s.logger.Info("service stopped")
	})
	return s.stopErr
}

// Config returns the configuration currently published on the feed.
func (s *Service) Config() *config.Config {
	return s.feed.Current()
}

// Dispatcher exposes the dispatcher, mainly for its current settings.
func (s *Service) Dispatcher() *proxy.Dispatcher {
	return s.dispatcher
}

// Credentials exposes the credential manager backing the inbound listener.
func (s *Service) Credentials() *tlsconf.Manager {
	return s.credentials
}

// AssignResource records node as the initializing owner of resource.
func (s *Service) AssignResource(ctx context.Context, resource string, node routing.Node) error {
	return s.resolver.AssignResource(ctx, resource, node)
}

// UnassignResource removes the routing entry for resource.
func (s *Service) UnassignResource(ctx context.Context, resource string) error {
	return s.resolver.UnassignResource(ctx, resource)
}

// MarkActive flips the owner of resource to active.
func (s *Service) MarkActive(ctx context.Context, resource string) error {
	return s.resolver.MarkActive(ctx, resource)
}

// Lookup returns the routing entry for resource, if any.
func (s *Service) Lookup(ctx context.Context, resource string) (routing.RoutingNode, bool, error) {
	return s.resolver.GetNodeForResource(ctx, resource)
}

// ProxyResource returns a function that forwards requests to the owner of resource.
func (s *Service) ProxyResource(resource string) proxy.Func {
	return s.dispatcher.ProxyResource(resource)
}

// ProxyRequest forwards req to the owner of resource, or of the request
// path when resource is empty.
func (s *Service) ProxyRequest(ctx context.Context, req *http.Request, resource string) (*http.Response, error) {
	return s.dispatcher.ProxyRequest(ctx, req, resource)
}

// GetAllocation streams the current allocations followed by every change.
func (s *Service) GetAllocation(ctx context.Context) (*routing.AllocationStream, error) {
	return s.resolver.AllocationChanges(ctx)
}

// Name implements the readiness checker contract.
func (s *Service) Name() string {
	return "service"
}

// CheckReady reports not ready once stopped, or when TLS is configured but
// no credentials are loaded. Store reachability is checked separately by
// the health server.
func (s *Service) CheckReady(context.Context) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if cfg := s.feed.Current(); cfg != nil && cfg.TLSEnabled() && s.credentials.Current() == nil {
		if err := s.credentials.Err(); err != nil {
			return fmt.Errorf("tls credentials: %w", err)
		}
		return tlsconf.ErrNoMaterial
	}
	return nil
}
