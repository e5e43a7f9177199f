// Package proxy forwards requests to the node that owns their resource.
//
// Each dispatch resolves the owner afresh, waits out an initializing owner
// with a bounded number of backoff waits, then rewrites the request to the
// owner's address and sends it through the connection pool for the owner's
// trust class. Backend responses are returned as-is, whatever their status.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dray-io/drayproxy/internal/logging"
	"github.com/dray-io/drayproxy/internal/routing"
	"github.com/dray-io/drayproxy/internal/transport"
)

// Dispatch outcome label values.
const (
	OutcomeForwarded = "forwarded"
	OutcomeUnowned   = "unowned"
	OutcomeExhausted = "exhausted"
	OutcomeTransport = "transport"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Resolver looks up the owner of a resource.
type Resolver interface {
	GetNodeForResource(ctx context.Context, resource string) (routing.RoutingNode, bool, error)
}

// Transports hands out the round tripper for a trust class.
type Transports interface {
	RoundTripper(class transport.Class) http.RoundTripper
}

// MetricsRecorder records dispatch metrics. *metrics.ProxyMetrics satisfies it.
type MetricsRecorder interface {
	RecordDispatch(outcome string, durationSeconds float64)
	RecordRetry()
}

// Settings is the retry and timeout policy, replaced wholesale on update.
type Settings struct {
	// MaxRetry is the number of backoff waits allowed on an initializing
	// owner. A dispatch makes at most MaxRetry+1 readiness checks.
	MaxRetry int
	// RequestBackoff is the wait between readiness checks.
	RequestBackoff time.Duration
	// Timeout bounds each forwarded call, including reading the response
	// body. Zero means no bound.
	Timeout time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	Resolver   Resolver
	Transports Transports
	Settings   Settings
	Metrics    MetricsRecorder
	Logger     *logging.Logger
}

// Dispatcher routes requests to resource owners.
type Dispatcher struct {
	resolver   Resolver
	transports Transports
	metrics    MetricsRecorder
	logger     *logging.Logger

	settings atomic.Pointer[Settings]
}

// Func proxies a request for a bound resource.
type Func func(ctx context.Context, req *http.Request) (*http.Response, error)

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	d := &Dispatcher{
		resolver:   opts.Resolver,
		transports: opts.Transports,
		metrics:    opts.Metrics,
		logger:     logger.With(map[string]any{"component": "proxy"}),
	}
	d.SetSettings(opts.Settings)
	return d
}

// SetSettings publishes a new policy. Dispatches in progress pick it up at
// their next decision.
func (d *Dispatcher) SetSettings(s Settings) {
	if s.MaxRetry < 0 {
		s.MaxRetry = 0
	}
	if s.RequestBackoff < 0 {
		s.RequestBackoff = 0
	}
	d.settings.Store(&s)
}

// Settings returns the current policy.
func (d *Dispatcher) Settings() Settings {
	return *d.settings.Load()
}

// ProxyResource returns a Func that dispatches to the owner of resource.
func (d *Dispatcher) ProxyResource(resource string) Func {
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return d.ProxyRequest(ctx, req, resource)
	}
}

// ProxyRequest forwards req to the owner of resource, or of the request path
// when resource is empty. The caller must close the response body.
func (d *Dispatcher) ProxyRequest(ctx context.Context, req *http.Request, resource string) (*http.Response, error) {
	start := time.Now()
	if resource == "" {
		resource = req.URL.Path
	}

	resp, outcome, err := d.dispatch(ctx, req, resource)
	if d.metrics != nil {
		d.metrics.RecordDispatch(outcome, time.Since(start).Seconds())
	}
	return resp, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req *http.Request, resource string) (*http.Response, string, error) {
	logger := logging.FromCtx(ctx, d.logger).With(map[string]any{"resource": resource})

	if resource == "" {
		return nil, OutcomeError, &DispatchError{Err: routing.ErrInvalidResource}
	}

	for retry := 0; ; retry++ {
		attempts := retry + 1

		rn, found, err := d.resolver.GetNodeForResource(ctx, resource)
		if err != nil {
			return nil, outcomeFor(ctx, OutcomeError), &DispatchError{Resource: resource, Attempts: attempts, Err: err}
		}
		if !found {
			logger.Debug("resource unowned")
			return nil, OutcomeUnowned, &DispatchError{Resource: resource, Attempts: attempts, Err: routing.ErrResourceUnowned}
		}

		if rn.Active() {
			resp, err := d.forward(ctx, req, rn.Node)
			if err != nil {
				logger.Warnf("forward failed", map[string]any{
					"node":     rn.Node.Address,
					"attempts": attempts,
					"error":    err.Error(),
				})
				return nil, outcomeFor(ctx, OutcomeTransport), &DispatchError{
					Resource: resource, Node: rn.Node.Address, Attempts: attempts, Err: err,
				}
			}
			logger.Debugf("forwarded", map[string]any{
				"node":     rn.Node.Address,
				"attempts": attempts,
				"status":   resp.StatusCode,
			})
			return resp, OutcomeForwarded, nil
		}

		settings := d.Settings()
		if retry >= settings.MaxRetry {
			logger.Warnf("node still initializing, giving up", map[string]any{
				"node":     rn.Node.Address,
				"attempts": attempts,
			})
			return nil, OutcomeExhausted, &DispatchError{
				Resource: resource,
				Node:     rn.Node.Address,
				Attempts: attempts,
				Err:      fmt.Errorf("%w: %w", ErrRetriesExhausted, ErrNodeInitializing),
			}
		}

		logger.Debugf("node initializing, backing off", map[string]any{
			"node":    rn.Node.Address,
			"attempt": attempts,
			"backoff": settings.RequestBackoff.String(),
		})
		if d.metrics != nil {
			d.metrics.RecordRetry()
		}
		if err := wait(ctx, settings.RequestBackoff); err != nil {
			return nil, OutcomeCancelled, &DispatchError{
				Resource: resource, Node: rn.Node.Address, Attempts: attempts, Err: err,
			}
		}
	}
}

// forward rewrites req to node and sends it through the pool. Method, path,
// query, headers and body are kept.
func (d *Dispatcher) forward(ctx context.Context, req *http.Request, node routing.Node) (*http.Response, error) {
	var cancel context.CancelFunc = func() {}
	if timeout := d.Settings().Timeout; timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	out := req.Clone(ctx)
	out.URL.Scheme = node.Trust.Scheme()
	out.URL.Host = node.Address
	out.Host = node.Address
	out.RequestURI = ""

	resp, err := d.transports.RoundTripper(classFor(node.Trust)).RoundTrip(out)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func classFor(t routing.Trust) transport.Class {
	switch t {
	case routing.TrustPlain:
		return transport.ClassPlain
	case routing.TrustInsecure:
		return transport.ClassInsecure
	default:
		return transport.ClassTLS
	}
}

func outcomeFor(ctx context.Context, fallback string) string {
	if ctx.Err() != nil {
		return OutcomeCancelled
	}
	return fallback
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cancelOnClose releases the forward's timeout context once the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// IsCancelled reports whether err ended a dispatch because its context was
// cancelled or its deadline passed.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
