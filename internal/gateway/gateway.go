// Package gateway is the inbound HTTP surface of the proxy. It forwards
// resource traffic to the dispatcher and serves the admin API used to
// assign resources to nodes.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/drayproxy/internal/config"
	"github.com/dray-io/drayproxy/internal/logging"
	"github.com/dray-io/drayproxy/internal/proxy"
	"github.com/dray-io/drayproxy/internal/ratelimit"
	"github.com/dray-io/drayproxy/internal/routing"
)

// RequestIDHeader carries the correlation ID in and out of the proxy.
const RequestIDHeader = "X-Request-Id"

// Route labels used in metrics and access logs.
const (
	RouteProxy = "proxy"
	RouteAdmin = "admin"
)

// Backend is what the gateway needs from the service.
type Backend interface {
	ProxyResource(resource string) proxy.Func
	ProxyRequest(ctx context.Context, req *http.Request, resource string) (*http.Response, error)
	AssignResource(ctx context.Context, resource string, node routing.Node) error
	UnassignResource(ctx context.Context, resource string) error
	MarkActive(ctx context.Context, resource string) error
	Lookup(ctx context.Context, resource string) (routing.RoutingNode, bool, error)
	GetAllocation(ctx context.Context) (*routing.AllocationStream, error)
	Config() *config.Config
}

// MetricsRecorder records gateway traffic. *metrics.GatewayMetrics satisfies it.
type MetricsRecorder interface {
	RecordRequest(route string, code int)
	RecordRateLimited()
}

// Options configures a Gateway.
type Options struct {
	Backend Backend
	// Limiter enables per-resource rate limiting when the configuration
	// asks for it. Nil disables limiting.
	Limiter *ratelimit.Limiter
	Metrics MetricsRecorder
	Logger  *logging.Logger
}

// Gateway routes inbound requests.
type Gateway struct {
	backend Backend
	limiter *ratelimit.Limiter
	metrics MetricsRecorder
	logger  *logging.Logger
	mux     *http.ServeMux
}

var _ http.Handler = (*Gateway)(nil)

// New creates a Gateway.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	g := &Gateway{
		backend: opts.Backend,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		logger:  logger.With(map[string]any{"component": "gateway"}),
		mux:     http.NewServeMux(),
	}

	g.mux.HandleFunc("GET /admin/allocations", g.handleAllocations)
	g.mux.HandleFunc("GET /admin/resources/{resource}", g.handleGetResource)
	g.mux.HandleFunc("PUT /admin/resources/{resource}", g.handleAssign)
	g.mux.HandleFunc("DELETE /admin/resources/{resource}", g.handleUnassign)
	g.mux.HandleFunc("POST /admin/resources/{resource}/ready", g.handleMarkActive)
	g.mux.HandleFunc("/admin/", func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusNotFound, "no such admin endpoint")
	})

	g.mux.HandleFunc("/r/{resource}", g.handleResource)
	g.mux.HandleFunc("/r/{resource}/{rest...}", g.handleResource)
	g.mux.HandleFunc("/", g.handlePath)
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)

	route := RouteProxy
	if r.URL.Path == "/admin" || strings.HasPrefix(r.URL.Path, "/admin/") {
		route = RouteAdmin
	}
	ctx := logging.WithRequestID(r.Context(), id)
	ctx = logging.WithLogger(ctx, g.logger.With(map[string]any{"route": route}))
	r = r.WithContext(ctx)

	lw := &loggingResponseWriter{ResponseWriter: w}
	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		if g.metrics != nil {
			g.metrics.RecordRequest(route, status)
		}
		logging.FromCtx(ctx, g.logger).Infof("request", map[string]any{
			"method":       r.Method,
			"path":         r.URL.Path,
			"status":       status,
			"durationMs":   time.Since(start).Milliseconds(),
			"bytesWritten": lw.bytes,
			"remoteAddr":   r.RemoteAddr,
		})
	}()

	g.mux.ServeHTTP(lw, r)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
