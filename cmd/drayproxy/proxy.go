package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dray-io/drayproxy/internal/config"
	"github.com/dray-io/drayproxy/internal/gateway"
	"github.com/dray-io/drayproxy/internal/logging"
	"github.com/dray-io/drayproxy/internal/metadata"
	"github.com/dray-io/drayproxy/internal/metadata/oxia"
	"github.com/dray-io/drayproxy/internal/metrics"
	"github.com/dray-io/drayproxy/internal/ratelimit"
	"github.com/dray-io/drayproxy/internal/server"
	"github.com/dray-io/drayproxy/internal/service"
)

const (
	watcherLoop  = "config_watcher"
	limiterIdle  = 10 * time.Minute
	limiterPrune = time.Minute
)

// ProxyOptions configures a Proxy.
type ProxyOptions struct {
	Config *config.Config
	// ConfigPath is watched for changes when set.
	ConfigPath string
	// Overrides is applied to every snapshot reloaded from ConfigPath.
	Overrides func(*config.Config)
	Logger    *logging.Logger
	// Registry receives all metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
	Version  string
}

// Proxy is a running drayproxy instance.
type Proxy struct {
	opts   ProxyOptions
	logger *logging.Logger

	feed    *config.Feed
	svc     *service.Service
	limiter *ratelimit.Limiter
	gateway *gateway.Server
	health  *server.HealthServer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewProxy creates a Proxy but does not start it.
func NewProxy(opts ProxyOptions) (*Proxy, error) {
	if opts.Config == nil {
		return nil, errors.New("proxy: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	return &Proxy{opts: opts, logger: opts.Logger}, nil
}

// Start connects the routing store and starts every component. It returns
// once the gateway and health listeners are bound.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("proxy already started")
	}
	p.started = true
	p.mu.Unlock()

	cfg := p.opts.Config
	reg := p.opts.Registry
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p.logger.Infof("starting drayproxy", map[string]any{
		"listenAddr": cfg.ListenAddr(),
		"store":      cfg.Metadata.Backend,
		"tls":        cfg.TLSEnabled(),
		"version":    p.opts.Version,
	})

	store, err := openStore(ctx, cfg.Metadata)
	if err != nil {
		return err
	}
	store = metadata.NewInstrumentedStore(store, metrics.NewStoreMetrics(reg))

	p.feed = config.NewFeed(cfg)
	p.svc, err = service.New(service.Options{
		Store:        store,
		Feed:         p.feed,
		ProxyMetrics: metrics.NewProxyMetrics(reg),
		Metrics:      metrics.NewServiceMetrics(reg),
		Logger:       p.logger,
	})
	if err != nil {
		_ = store.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if err := p.svc.Start(runCtx); err != nil {
		return err
	}

	p.health = server.NewHealthServer(cfg.Observability.MetricsAddr, p.logger)
	p.health.RegisterHandler("/metrics", metrics.Handler(reg))
	p.health.RegisterReadinessCheck(p.svc)
	p.health.RegisterReadinessCheck(server.NewMetadataStoreChecker(store))
	if err := p.health.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	p.limiter = ratelimit.NewLimiter(limiterIdle)
	gw := gateway.New(gateway.Options{
		Backend: p.svc,
		Limiter: p.limiter,
		Metrics: metrics.NewGatewayMetrics(reg),
		Logger:  p.logger,
	})
	p.gateway = gateway.NewServer(gw, p.logger)
	if err := p.gateway.Bind(p.listenerFor(cfg)); err != nil {
		return fmt.Errorf("failed to bind gateway: %w", err)
	}

	p.followListener(runCtx)
	p.pruneLimiter(runCtx)
	if p.opts.ConfigPath != "" {
		p.watchConfig(runCtx)
	}

	p.logger.Infof("drayproxy started", map[string]any{
		"gatewayAddr": p.gateway.Addr(),
		"healthAddr":  p.health.Addr(),
	})
	return nil
}

func openStore(ctx context.Context, mc config.MetadataConfig) (metadata.MetadataStore, error) {
	switch mc.Backend {
	case config.BackendOxia:
		store, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: mc.OxiaEndpoint,
			Namespace:      mc.Namespace,
			RequestTimeout: time.Duration(mc.RequestTimeoutMs) * time.Millisecond,
			SessionTimeout: time.Duration(mc.SessionTimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to oxia at %s: %w", mc.OxiaEndpoint, err)
		}
		return store, nil
	case config.BackendMemory, "":
		return metadata.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", mc.Backend)
	}
}

// listenerFor terminates TLS on the gateway listener whenever a certificate
// is configured. The handshake callback always serves the latest material.
func (p *Proxy) listenerFor(cfg *config.Config) gateway.Listener {
	l := gateway.Listener{Addr: cfg.ListenAddr()}
	if cfg.TLSEnabled() {
		l.TLS = p.svc.Credentials().ListenerConfig()
	}
	return l
}

// followListener rebinds the gateway when host, port or TLS mode change.
func (p *Proxy) followListener(ctx context.Context) {
	sub := p.feed.Subscribe()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-sub.C():
				if !ok {
					return
				}
				if err := p.gateway.Bind(p.listenerFor(cfg)); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.logger.Errorf("gateway rebind failed", map[string]any{
						"listenAddr": cfg.ListenAddr(),
						"error":      err.Error(),
					})
				}
			}
		}
	}()
}

func (p *Proxy) pruneLimiter(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(limiterPrune)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.limiter.Prune(); n > 0 {
					p.logger.Debugf("pruned idle rate limiters", map[string]any{"count": n})
				}
			}
		}
	}()
}

func (p *Proxy) watchConfig(ctx context.Context) {
	w := config.NewWatcher(p.opts.ConfigPath, p.feed, p.logger)
	w.SetOverrides(p.opts.Overrides)
	w.Prime()
	w.OnPoll(func() { p.health.Heartbeat(watcherLoop) })

	stale := 3 * p.opts.Config.UpdateIntervalDuration()
	if stale < server.DefaultStaleAfter {
		stale = server.DefaultStaleAfter
	}
	p.health.SetStaleAfter(stale)
	p.health.RegisterLoop(watcherLoop)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.health.UnregisterLoop(watcherLoop)
		w.Run(ctx)
	}()
}

// GatewayAddr returns the bound gateway address.
func (p *Proxy) GatewayAddr() string {
	if p.gateway == nil {
		return ""
	}
	return p.gateway.Addr()
}

// HealthAddr returns the bound health address.
func (p *Proxy) HealthAddr() string {
	if p.health == nil {
		return ""
	}
	return p.health.Addr()
}

// Shutdown fails readiness, drains the gateway, then stops the service and
// the health server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down drayproxy")

	if p.health != nil {
		p.health.SetShuttingDown()
	}

	var errs []error
	if p.gateway != nil {
		if err := p.gateway.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	if p.svc != nil {
		if err := p.svc.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.feed != nil {
		p.feed.Close()
	}
	if p.health != nil {
		if err := p.health.Close(); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	return errors.Join(errs...)
}
