package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/arlomora/hexalb/internal/config"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func newTestConfig(upstream string) *config.Config {
	return &config.Config{
		Routes: []config.RouteConfig{
			{
				PathPrefix:       "/api",
				DefaultAlgorithm: "roundRobin",
				Backends: []config.BackendConfig{
					{ID: "b1", URL: upstream, Weight: 1},
				},
			},
		},
	}
}

func healthyUpstream() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestNewGatewayBuildsRoutesAndRoutesRequests(t *testing.T) {
	upstream := healthyUpstream()
	defer upstream.Close()

	cfg := newTestConfig(upstream.URL)
	gw, err := NewGateway(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("ServeHTTP status = %d, want 200", rr.Code)
	}
}

func TestServeHTTPNoRouteMatchReturns404(t *testing.T) {
	cfg := newTestConfig("http://example.invalid")
	gw, err := NewGateway(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/nowhere", nil)
	rr := httptest.NewRecorder()
	gw.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("ServeHTTP status = %d, want 404", rr.Code)
	}
}

func TestReloadPreservesBackendCountersAcrossMatchingID(t *testing.T) {
	upstream := healthyUpstream()
	defer upstream.Close()

	cfg := newTestConfig(upstream.URL)
	gw, err := NewGateway(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	gw.ServeHTTP(httptest.NewRecorder(), req)

	gw.mu.RLock()
	before := gw.routes[0].registry
	gw.mu.RUnlock()
	beforeBackend, ok := before.Lookup("b1")
	if !ok {
		t.Fatal("expected backend b1 to exist before reload")
	}
	beforeTotal := beforeBackend.TotalRequests()
	if beforeTotal == 0 {
		t.Fatal("expected at least one recorded request before reload")
	}

	// Same id + url: reload should carry the backend object over.
	if err := gw.Reload(cfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	gw.mu.RLock()
	after := gw.routes[0].registry
	gw.mu.RUnlock()
	afterBackend, ok := after.Lookup("b1")
	if !ok {
		t.Fatal("expected backend b1 to exist after reload")
	}
	if afterBackend != beforeBackend {
		t.Fatal("expected Reload to carry over the same *backend.Backend when id and url match")
	}
	if afterBackend.TotalRequests() != beforeTotal {
		t.Fatalf("TotalRequests after reload = %d, want unchanged %d", afterBackend.TotalRequests(), beforeTotal)
	}
}

func TestReloadReplacesBackendWhenURLChanges(t *testing.T) {
	cfg := newTestConfig("http://upstream-a.invalid")
	gw, err := NewGateway(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	gw.mu.RLock()
	before, _ := gw.routes[0].registry.Lookup("b1")
	gw.mu.RUnlock()

	newCfg := newTestConfig("http://upstream-b.invalid")
	if err := gw.Reload(newCfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	gw.mu.RLock()
	after, _ := gw.routes[0].registry.Lookup("b1")
	gw.mu.RUnlock()

	if after == before {
		t.Fatal("expected a new *backend.Backend when the url changes for the same id")
	}
	if after.URL() != "http://upstream-b.invalid" {
		t.Fatalf("after.URL() = %q, want the new url", after.URL())
	}
}

func TestServeProxyRateLimitReturns429(t *testing.T) {
	cfg := newTestConfig("http://example.invalid")
	cfg.Routes[0].RateLimit = &config.RateLimitConfig{
		Algorithm: "token_bucket",
		Rate:      1,
		Burst:     1,
		KeyBy:     "ip",
	}
	gw, err := NewGateway(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
		r.RemoteAddr = "203.0.113.5:1234"
		return r
	}

	rr1 := httptest.NewRecorder()
	gw.ServeHTTP(rr1, req())
	// First request may succeed or fail upstream (example.invalid), but must
	// not itself be rate limited.
	if rr1.Code == http.StatusTooManyRequests {
		t.Fatal("first request should not be rate limited with burst=1")
	}

	rr2 := httptest.NewRecorder()
	gw.ServeHTTP(rr2, req())
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429 with rate=1/burst=1", rr2.Code)
	}
}

func TestBackendsHandlerReportsEveryRoute(t *testing.T) {
	upstream := healthyUpstream()
	defer upstream.Close()

	cfg := newTestConfig(upstream.URL)
	gw, err := NewGateway(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	mux := http.NewServeMux()
	gw.RegisterAdminHandlers(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/backends", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/backends status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("/backends Content-Type = %q, want application/json", ct)
	}
}

func TestPredictHandlerRequiresKey(t *testing.T) {
	cfg := newTestConfig("http://example.invalid")
	gw, err := NewGateway(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	mux := http.NewServeMux()
	gw.RegisterAdminHandlers(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/backends/predict", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("/backends/predict without key status = %d, want 400", rr.Code)
	}
}
