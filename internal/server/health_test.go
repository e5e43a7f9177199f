package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dray-io/drayproxy/internal/metadata"
)

type fakeChecker struct {
	name string
	err  error
}

func (f fakeChecker) Name() string                     { return f.name }
func (f fakeChecker) CheckReady(context.Context) error { return f.err }

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) HealthStatus {
	t.Helper()
	var status HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return status
}

func TestHealthServer_Healthz_OK(t *testing.T) {
	h := NewHealthServer(":0", nil)

	w := httptest.NewRecorder()
	h.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if status := decodeStatus(t, w); status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}
}

func TestHealthServer_Healthz_ShuttingDown(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetShuttingDown()

	w := httptest.NewRecorder()
	h.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	status := decodeStatus(t, w)
	if status.Status != "shutting_down" {
		t.Errorf("expected status 'shutting_down', got %q", status.Status)
	}
	if check, ok := status.Checks["shutdown"]; !ok || check.Healthy {
		t.Error("expected shutdown check to be unhealthy")
	}
	if !h.IsShuttingDown() {
		t.Error("IsShuttingDown() = false")
	}
}

func TestHealthServer_Healthz_LoopStopped(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.RegisterLoop("config_watcher")

	if status := h.CheckHealth(); status.Status != "ok" || !status.Loops["config_watcher"] {
		t.Fatalf("running loop reported %+v", status)
	}

	h.UnregisterLoop("config_watcher")

	w := httptest.NewRecorder()
	h.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	status := decodeStatus(t, w)
	if status.Status != "degraded" || status.Loops["config_watcher"] {
		t.Errorf("stopped loop reported %+v", status)
	}
}

func TestHealthServer_LoopStaleUntilHeartbeat(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetStaleAfter(20 * time.Millisecond)
	h.RegisterLoop("allocations")

	time.Sleep(40 * time.Millisecond)
	if status := h.CheckHealth(); status.Status != "degraded" {
		t.Fatalf("expected stale loop to degrade liveness, got %q", status.Status)
	}

	h.Heartbeat("allocations")
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Fatalf("expected heartbeat to restore liveness, got %q", status.Status)
	}
}

func TestHealthServer_MethodNotAllowed(t *testing.T) {
	h := NewHealthServer(":0", nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: expected %d, got %d", path, http.StatusMethodNotAllowed, w.Code)
		}
	}
}

func TestHealthServer_HeadHasNoBody(t *testing.T) {
	h := NewHealthServer(":0", nil)

	w := httptest.NewRecorder()
	h.handleHealthz(w, httptest.NewRequest(http.MethodHead, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("HEAD returned a body: %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHealthServer_Readyz(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.RegisterReadinessCheck(fakeChecker{name: "metadata_store"})
	h.RegisterReadinessCheck(fakeChecker{name: "tls_credentials", err: errors.New("bad key")})

	w := httptest.NewRecorder()
	h.handleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	status := decodeStatus(t, w)
	if status.Status != "not_ready" {
		t.Errorf("expected not_ready, got %q", status.Status)
	}
	if !status.Checks["metadata_store"].Healthy {
		t.Error("metadata_store should be healthy")
	}
	if c := status.Checks["tls_credentials"]; c.Healthy || c.Message != "bad key" {
		t.Errorf("tls_credentials = %+v", c)
	}
}

func TestHealthServer_ReadyzShuttingDown(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.RegisterReadinessCheck(fakeChecker{name: "metadata_store"})
	h.SetShuttingDown()

	if status := h.CheckReadiness(context.Background()); status.Status != "shutting_down" {
		t.Errorf("expected shutting_down, got %q", status.Status)
	}
}

func TestMetadataStoreChecker(t *testing.T) {
	store := metadata.NewMemoryStore()
	defer store.Close()
	c := NewMetadataStoreChecker(store)

	if err := c.CheckReady(context.Background()); err != nil {
		t.Fatalf("healthy store reported %v", err)
	}

	store.SetUnavailable(true)
	if err := c.CheckReady(context.Background()); err == nil {
		t.Fatal("expected unavailable store to fail readiness")
	}

	if err := NewMetadataStoreChecker(nil).CheckReady(context.Background()); err == nil {
		t.Fatal("expected nil store to fail readiness")
	}
}

func TestHealthServer_StartAndClose(t *testing.T) {
	h := NewHealthServer("127.0.0.1:0", nil)
	h.RegisterHandler("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "drayproxy_up 1\n")
	}))

	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	resp, err := http.Get("http://" + h.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + h.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "drayproxy_up 1\n" {
		t.Errorf("metrics body = %q", body)
	}

	if err := h.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestHealthServer_CloseWithoutStart(t *testing.T) {
	h := NewHealthServer(":0", nil)
	if err := h.Close(); err != nil {
		t.Errorf("Close without Start: %v", err)
	}
}
