package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/drayproxy/internal/logging"
	"github.com/dray-io/drayproxy/internal/metadata"
	"github.com/dray-io/drayproxy/internal/routing"
	"github.com/dray-io/drayproxy/internal/transport"
)

// scriptedResolver returns the owner with a state chosen per readiness check.
type scriptedResolver struct {
	mu     sync.Mutex
	node   routing.Node
	found  bool
	err    error
	checks int
	// activeAfter is the number of checks that report initializing before
	// the owner turns active; negative means never.
	activeAfter int
	resources   []string
}

func (r *scriptedResolver) GetNodeForResource(_ context.Context, resource string) (routing.RoutingNode, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks++
	r.resources = append(r.resources, resource)
	if r.err != nil {
		return routing.RoutingNode{}, false, r.err
	}
	if !r.found {
		return routing.RoutingNode{}, false, nil
	}
	state := routing.StateInitializing
	if r.activeAfter >= 0 && r.checks > r.activeAfter {
		state = routing.StateActive
	}
	return routing.RoutingNode{Node: r.node, State: state}, true, nil
}

func (r *scriptedResolver) Checks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checks
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []string
	retries  int
}

func (m *fakeMetrics) RecordDispatch(outcome string, _ float64) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcome)
	m.mu.Unlock()
}

func (m *fakeMetrics) RecordRetry() {
	m.mu.Lock()
	m.retries++
	m.mu.Unlock()
}

type backend struct {
	*httptest.Server
	calls    atomic.Int32
	lastBody atomic.Value
	lastHdr  atomic.Value
	lastURL  atomic.Value
}

func newBackend(t *testing.T, status int) *backend {
	t.Helper()
	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		b.lastBody.Store(string(body))
		b.lastHdr.Store(r.Header.Clone())
		b.lastURL.Store(r.URL.String())
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "backend says hi")
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) addr() string {
	u, _ := url.Parse(b.URL)
	return u.Host
}

func newDispatcher(res Resolver, pool Transports, s Settings, m MetricsRecorder) *Dispatcher {
	return New(Options{
		Resolver:   res,
		Transports: pool,
		Settings:   s,
		Metrics:    m,
		Logger:     logging.Discard(),
	})
}

func newRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://gateway.local/orders/42?verbose=1", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-Trace", "abc")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestProxyForwardsToActiveOwner(t *testing.T) {
	b := newBackend(t, http.StatusCreated)
	res := &scriptedResolver{found: true, node: routing.Node{Address: b.addr(), Trust: routing.TrustPlain}, activeAfter: 0}
	m := &fakeMetrics{}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{MaxRetry: 2, RequestBackoff: 10 * time.Millisecond}, m)

	resp, err := d.ProxyRequest(context.Background(), newRequest(t, `{"a":1}`), "orders")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Backend"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "backend says hi", string(body))

	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, `{"a":1}`, b.lastBody.Load())
	assert.Equal(t, "abc", b.lastHdr.Load().(http.Header).Get("X-Trace"))
	assert.Equal(t, "/orders/42?verbose=1", b.lastURL.Load())
	assert.Equal(t, 1, res.Checks())
	assert.Equal(t, []string{OutcomeForwarded}, m.outcomes)
}

func TestProxyReturnsNon2xxVerbatim(t *testing.T) {
	b := newBackend(t, http.StatusInternalServerError)
	res := &scriptedResolver{found: true, node: routing.Node{Address: b.addr(), Trust: routing.TrustPlain}}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{}, nil)

	resp, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestProxyDefaultsResourceToPath(t *testing.T) {
	b := newBackend(t, http.StatusOK)
	res := &scriptedResolver{found: true, node: routing.Node{Address: b.addr(), Trust: routing.TrustPlain}}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{}, nil)

	resp, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"/orders/42"}, res.resources)

	resp, err = d.ProxyResource("bound")(context.Background(), newRequest(t, ""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "bound", res.resources[1])
}

func TestProxyUnownedIsNotRetried(t *testing.T) {
	res := &scriptedResolver{found: false}
	m := &fakeMetrics{}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{MaxRetry: 5, RequestBackoff: time.Second}, m)

	_, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	require.Error(t, err)
	assert.ErrorIs(t, err, routing.ErrResourceUnowned)
	assert.Equal(t, 1, res.Checks())
	assert.Equal(t, 0, m.retries)

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "orders", de.Resource)
	assert.Equal(t, 1, de.Attempts)
}

func TestProxyRetriesExhausted(t *testing.T) {
	b := newBackend(t, http.StatusOK)
	res := &scriptedResolver{found: true, node: routing.Node{Address: b.addr(), Trust: routing.TrustPlain}, activeAfter: -1}
	m := &fakeMetrics{}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{MaxRetry: 2, RequestBackoff: 50 * time.Millisecond}, m)

	start := time.Now()
	_, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrNodeInitializing)
	assert.Equal(t, 3, res.Checks())
	assert.Equal(t, 2, m.retries)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, int32(0), b.calls.Load())
	assert.Equal(t, []string{OutcomeExhausted}, m.outcomes)

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 3, de.Attempts)
	assert.Equal(t, b.addr(), de.Node)
}

func TestProxyZeroMaxRetryChecksOnce(t *testing.T) {
	res := &scriptedResolver{found: true, node: routing.Node{Address: "127.0.0.1:1"}, activeAfter: -1}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{MaxRetry: 0, RequestBackoff: time.Hour}, nil)

	_, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, res.Checks())
}

func TestProxyBecomesActiveAfterFirstWait(t *testing.T) {
	b := newBackend(t, http.StatusOK)
	res := &scriptedResolver{found: true, node: routing.Node{Address: b.addr(), Trust: routing.TrustPlain}, activeAfter: 1}
	m := &fakeMetrics{}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{MaxRetry: 2, RequestBackoff: 50 * time.Millisecond}, m)

	resp, err := d.ProxyRequest(context.Background(), newRequest(t, "payload"), "orders")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, 2, res.Checks())
	assert.Equal(t, 1, m.retries)
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, "payload", b.lastBody.Load())
	assert.Equal(t, "application/json", b.lastHdr.Load().(http.Header).Get("Content-Type"))
}

func TestProxyReResolvesOwnerOnEveryCheck(t *testing.T) {
	first := newBackend(t, http.StatusOK)
	second := newBackend(t, http.StatusAccepted)

	ctx := context.Background()
	store := metadata.NewMemoryStore()
	defer store.Close()
	res := routing.NewResolver(store, logging.Discard())
	require.NoError(t, res.AssignResource(ctx, "orders", routing.Node{Address: first.addr(), Trust: routing.TrustPlain}))

	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{MaxRetry: 50, RequestBackoff: 20 * time.Millisecond}, nil)

	moved := make(chan error, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		if err := res.AssignResource(ctx, "orders", routing.Node{Address: second.addr(), Trust: routing.TrustPlain}); err != nil {
			moved <- err
			return
		}
		moved <- res.MarkActive(ctx, "orders")
	}()

	resp, err := d.ProxyRequest(ctx, newRequest(t, "payload"), "orders")
	require.NoError(t, err)
	resp.Body.Close()
	require.NoError(t, <-moved)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int32(0), first.calls.Load(), "the initial owner must not be reused")
	assert.Equal(t, int32(1), second.calls.Load())
	assert.Equal(t, "payload", second.lastBody.Load())
}

func TestProxyReReadsSettingsBetweenChecks(t *testing.T) {
	res := &scriptedResolver{found: true, node: routing.Node{Address: "127.0.0.1:1"}, activeAfter: -1}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{MaxRetry: 10, RequestBackoff: 20 * time.Millisecond}, nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		d.SetSettings(Settings{MaxRetry: 1, RequestBackoff: 20 * time.Millisecond})
	}()

	_, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Less(t, res.Checks(), 11)
}

func TestProxyCancelledDuringBackoff(t *testing.T) {
	res := &scriptedResolver{found: true, node: routing.Node{Address: "127.0.0.1:1"}, activeAfter: -1}
	m := &fakeMetrics{}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{MaxRetry: 5, RequestBackoff: time.Minute}, m)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.ProxyRequest(ctx, newRequest(t, ""), "orders")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsCancelled(err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{OutcomeCancelled}, m.outcomes)
}

func TestProxyTransportFailure(t *testing.T) {
	b := newBackend(t, http.StatusOK)
	addr := b.addr()
	b.Close()

	res := &scriptedResolver{found: true, node: routing.Node{Address: addr, Trust: routing.TrustPlain}}
	m := &fakeMetrics{}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{MaxRetry: 3, RequestBackoff: time.Millisecond}, m)

	_, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, res.Checks(), "transport failures are not retried")

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, addr, de.Node)
	assert.Contains(t, de.Error(), addr)
	assert.Equal(t, []string{OutcomeTransport}, m.outcomes)
}

func TestProxyTLSClassWithoutCredentials(t *testing.T) {
	res := &scriptedResolver{found: true, node: routing.Node{Address: "127.0.0.1:1", Trust: routing.TrustTLS}}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{}, nil)

	_, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, transport.ErrNoCredentials)
}

func TestProxyTLSClass(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer srv.Close()

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	pool := transport.NewPool(transport.DefaultOptions())
	pool.SetTLS(&tls.Config{RootCAs: roots})

	u, _ := url.Parse(srv.URL)
	res := &scriptedResolver{found: true, node: routing.Node{Address: u.Host, Trust: routing.TrustTLS}}
	d := newDispatcher(res, pool, Settings{}, nil)

	resp, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "/orders/42", string(body))
}

func TestProxyInsecureClass(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	res := &scriptedResolver{found: true, node: routing.Node{Address: u.Host, Trust: routing.TrustInsecure}}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{}, nil)

	resp, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestProxyTimeoutThreshold(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	u, _ := url.Parse(srv.URL)
	res := &scriptedResolver{found: true, node: routing.Node{Address: u.Host, Trust: routing.TrustPlain}}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{Timeout: 50 * time.Millisecond}, nil)

	_, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsCancelled(err))
}

func TestProxyStoreErrorPropagates(t *testing.T) {
	res := &scriptedResolver{err: metadata.ErrStoreUnavailable}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{}, nil)

	_, err := d.ProxyRequest(context.Background(), newRequest(t, ""), "orders")
	assert.ErrorIs(t, err, metadata.ErrStoreUnavailable)
}

func TestProxyEmptyResource(t *testing.T) {
	res := &scriptedResolver{}
	d := newDispatcher(res, transport.NewPool(transport.DefaultOptions()), Settings{}, nil)

	req := newRequest(t, "")
	req.URL.Path = ""
	_, err := d.ProxyRequest(context.Background(), req, "")
	assert.ErrorIs(t, err, routing.ErrInvalidResource)
	assert.Equal(t, 0, res.Checks())
}

func TestSetSettingsClampsNegatives(t *testing.T) {
	d := newDispatcher(&scriptedResolver{}, transport.NewPool(transport.DefaultOptions()), Settings{MaxRetry: -3, RequestBackoff: -time.Second}, nil)
	s := d.Settings()
	assert.Equal(t, 0, s.MaxRetry)
	assert.Equal(t, time.Duration(0), s.RequestBackoff)
}
