package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func histogramCount(t *testing.T, h prometheus.Observer) uint64 {
	t.Helper()
	m, ok := h.(prometheus.Metric)
	if !ok {
		t.Fatal("observer is not a metric")
	}
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return out.GetHistogram().GetSampleCount()
}

func TestStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStoreMetrics(reg)

	m.RecordOperation("get", 0.001, true)
	m.RecordOperation("get", 0.002, false)
	m.RecordOperation("put", 0.001, true)
	m.RecordOperation("delete", 0.001, true)
	m.RecordOperation("scan", 0.003, true)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("get", StatusSuccess)); got != 1 {
		t.Errorf("get success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("get", StatusFailure)); got != 1 {
		t.Errorf("get failure = %v, want 1", got)
	}
	if got := histogramCount(t, m.LatencyHistogram.WithLabelValues("scan", StatusSuccess)); got != 1 {
		t.Errorf("scan latency samples = %d, want 1", got)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	expected := map[string]bool{
		"drayproxy_store_operation_latency_seconds": false,
		"drayproxy_store_operations_total":          false,
	}
	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		if !found {
			t.Errorf("expected metric %s to be registered", name)
		}
	}
}

func TestProxyMetrics(t *testing.T) {
	m := NewProxyMetrics(prometheus.NewRegistry())

	m.RecordDispatch("forwarded", 0.01)
	m.RecordDispatch("forwarded", 0.02)
	m.RecordDispatch("exhausted", 0.1)
	m.RecordRetry()
	m.RecordRetry()

	if got := testutil.ToFloat64(m.DispatchTotal.WithLabelValues("forwarded")); got != 2 {
		t.Errorf("forwarded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RetriesTotal); got != 2 {
		t.Errorf("retries = %v, want 2", got)
	}
	if got := histogramCount(t, m.DispatchLatency.WithLabelValues("exhausted")); got != 1 {
		t.Errorf("exhausted samples = %d, want 1", got)
	}
}

func TestServiceMetrics(t *testing.T) {
	m := NewServiceMetrics(prometheus.NewRegistry())

	m.RecordConfigUpdate()
	m.RecordCredentialReload(true, true)
	if got := testutil.ToFloat64(m.CredentialsLoaded); got != 1 {
		t.Errorf("loaded = %v, want 1", got)
	}

	m.RecordCredentialReload(false, false)
	if got := testutil.ToFloat64(m.CredentialsLoaded); got != 0 {
		t.Errorf("loaded = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.CredentialReloadsTotal.WithLabelValues(StatusFailure)); got != 1 {
		t.Errorf("failed reloads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConfigUpdatesTotal); got != 1 {
		t.Errorf("config updates = %v, want 1", got)
	}
}

func TestGatewayMetrics(t *testing.T) {
	m := NewGatewayMetrics(prometheus.NewRegistry())

	m.RecordRequest("proxy", 200)
	m.RecordRequest("proxy", 204)
	m.RecordRequest("proxy", 503)
	m.RecordRequest("admin", 0)
	m.RecordRateLimited()

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("proxy", "2xx")); got != 2 {
		t.Errorf("proxy 2xx = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("admin", "unknown")); got != 1 {
		t.Errorf("admin unknown = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimitedTotal); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewProxyMetrics(reg)
	m.RecordRetry()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "drayproxy_proxy_retries_total 1") {
		t.Errorf("metrics output missing retries counter:\n%s", body)
	}
}
