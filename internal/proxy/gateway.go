// Package proxy wires all the internal packages together into a single
// http.Handler that routes, load-balances, rate-limits, and circuit-breaks
// every incoming request.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arlomora/hexalb/internal/backend"
	"github.com/arlomora/hexalb/internal/config"
	"github.com/arlomora/hexalb/internal/dispatcher"
	"github.com/arlomora/hexalb/internal/healthsupervisor"
	"github.com/arlomora/hexalb/internal/middleware"
	"github.com/arlomora/hexalb/internal/ratelimiter"
	"github.com/arlomora/hexalb/internal/strategy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gateway is the main http.Handler.
type Gateway struct {
	mu     sync.RWMutex
	routes []*route
	log    *zap.SugaredLogger
}

type route struct {
	prefix     string
	rl         ratelimiter.Limiter
	registry   *backend.Registry
	dispatcher *dispatcher.Dispatcher
	supervisor *healthsupervisor.Supervisor
	handler    http.Handler
}

// NewGateway builds a Gateway from the given config.
func NewGateway(cfg *config.Config, log *zap.SugaredLogger) (*Gateway, error) {
	gw := &Gateway{log: log}
	routes, err := buildRoutes(cfg.Routes, nil, log)
	if err != nil {
		return nil, err
	}
	gw.routes = routes
	for _, r := range routes {
		r.supervisor.Start()
	}
	return gw, nil
}

// Reload swaps in a new set of routes without downtime. Backends that
// match an existing route's backend by id and URL are carried over, so
// their connection/request counters and latency windows survive the
// reload. Everything built on top of them is new: each route gets a fresh
// registry, dispatcher (strategies and circuit breakers) and supervisor,
// so strategy-local state such as the EWMA map, the ip-hash stickiness
// cache and the round-robin counters is not carried over.
func (gw *Gateway) Reload(cfg *config.Config) error {
	gw.mu.RLock()
	old := gw.routes
	gw.mu.RUnlock()

	oldByPrefix := make(map[string]*route, len(old))
	for _, r := range old {
		oldByPrefix[r.prefix] = r
	}

	routes, err := buildRoutes(cfg.Routes, oldByPrefix, gw.log)
	if err != nil {
		return err
	}

	gw.mu.Lock()
	gw.routes = routes
	gw.mu.Unlock()

	// Every route is rebuilt wholesale (even an unchanged one gets a fresh
	// Supervisor over its, possibly backend-merged, Registry), so the old
	// generation's probe loops are always stopped and the new generation's
	// always started.
	for _, r := range old {
		r.supervisor.Stop()
	}
	for _, r := range routes {
		r.supervisor.Start()
	}
	return nil
}

// ServeHTTP dispatches to the matching route by longest path-prefix match.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw.mu.RLock()
	routes := gw.routes
	gw.mu.RUnlock()

	var matched *route
	for _, rt := range routes {
		if strings.HasPrefix(r.URL.Path, rt.prefix) {
			if matched == nil || len(rt.prefix) > len(matched.prefix) {
				matched = rt
			}
		}
	}

	if matched == nil {
		http.Error(w, "no route matched", http.StatusNotFound)
		return
	}

	matched.handler.ServeHTTP(w, r)
}

// RegisterAdminHandlers mounts the operational surface on the admin mux.
func (gw *Gateway) RegisterAdminHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/readyz", gw.readyzHandler)
	mux.HandleFunc("/backends", gw.backendsHandler)
	mux.HandleFunc("/strategy", gw.strategyHandler)
	mux.HandleFunc("/backends/predict", gw.predictHandler)
}

func (gw *Gateway) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	gw.mu.RLock()
	routes := gw.routes
	gw.mu.RUnlock()

	for _, rt := range routes {
		for _, b := range rt.dispatcher.BackendStatuses() {
			if b.Healthy {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"status":"ready"}`))
				return
			}
		}
	}
	http.Error(w, `{"status":"not_ready","reason":"no healthy backends"}`, http.StatusServiceUnavailable)
}

type routeBackends struct {
	Route    string                     `json:"route"`
	Backends []dispatcher.BackendStatus `json:"backends"`
}

func (gw *Gateway) backendsHandler(w http.ResponseWriter, _ *http.Request) {
	gw.mu.RLock()
	routes := gw.routes
	gw.mu.RUnlock()

	out := make([]routeBackends, 0, len(routes))
	for _, rt := range routes {
		out = append(out, routeBackends{Route: rt.prefix, Backends: rt.dispatcher.BackendStatuses()})
	}
	writeJSON(w, out)
}

type routeStrategies struct {
	Route      string                     `json:"route"`
	Strategies []dispatcher.StrategyStatus `json:"strategies"`
}

func (gw *Gateway) strategyHandler(w http.ResponseWriter, _ *http.Request) {
	gw.mu.RLock()
	routes := gw.routes
	gw.mu.RUnlock()

	out := make([]routeStrategies, 0, len(routes))
	for _, rt := range routes {
		out = append(out, routeStrategies{Route: rt.prefix, Strategies: rt.dispatcher.StrategyStatuses()})
	}
	writeJSON(w, out)
}

// predictHandler answers predict_server for consistent-hashing: which
// backend would a given key map to, on every route, without affecting any
// connection count.
func (gw *Gateway) predictHandler(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, `{"error":"missing key query parameter"}`, http.StatusBadRequest)
		return
	}

	gw.mu.RLock()
	routes := gw.routes
	gw.mu.RUnlock()

	type prediction struct {
		Route   string `json:"route"`
		Backend string `json:"backend,omitempty"`
		Ok      bool   `json:"ok"`
	}
	out := make([]prediction, 0, len(routes))
	for _, rt := range routes {
		b, ok := rt.dispatcher.Predict(key)
		p := prediction{Route: rt.prefix, Ok: ok}
		if ok {
			p.Backend = b.ID()
		}
		out = append(out, p)
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------------------------------
// Route construction
// ---------------------------------------------------------------------------

func buildRoutes(cfgs []config.RouteConfig, oldByPrefix map[string]*route, log *zap.SugaredLogger) ([]*route, error) {
	routes := make([]*route, 0, len(cfgs))
	for i, cfg := range cfgs {
		var old *route
		if oldByPrefix != nil {
			old = oldByPrefix[cfg.PathPrefix]
		}
		r, err := buildRoute(cfg, old, log)
		if err != nil {
			return nil, fmt.Errorf("route[%d] %q: %w", i, cfg.PathPrefix, err)
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// mergeBackends carries over *backend.Backend objects (and therefore their
// atomic connection/latency/request counters) from the previous route's
// registry when id and URL both still match, so a hot reload doesn't reset
// in-flight accounting for backends that didn't actually change.
func mergeBackends(cfgs []config.BackendConfig, old *route, windowSize int) []*backend.Backend {
	out := make([]*backend.Backend, 0, len(cfgs))
	for _, bc := range cfgs {
		if old != nil {
			if existing, ok := old.registry.Lookup(bc.ID); ok && existing.URL() == bc.URL {
				out = append(out, existing)
				continue
			}
		}
		out = append(out, backend.New(bc.ID, bc.URL, bc.Weight, windowSize))
	}
	return out
}

func buildRoute(cfg config.RouteConfig, old *route, log *zap.SugaredLogger) (*route, error) {
	rl, err := ratelimiter.New(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	backends := mergeBackends(cfg.Backends, old, cfg.LatencyWindowSize)
	registry := backend.NewRegistry(backends)

	opts := strategy.Options{
		VirtualNodesPerBackend: cfg.VirtualNodesPerBackend,
		EWMAAlpha:              cfg.EWMAAlpha,
		Logger:                 log,
	}

	d, err := dispatcher.New(
		cfg.PathPrefix,
		cfg.StripPrefix,
		registry,
		cfg.DefaultAlgorithm,
		opts,
		cfg.CircuitBreaker,
		time.Duration(cfg.RequestTimeoutMs)*time.Millisecond,
		log,
	)
	if err != nil {
		return nil, err
	}

	supervisor := healthsupervisor.New(
		cfg.PathPrefix,
		registry,
		time.Duration(cfg.HealthProbeIntervalMs)*time.Millisecond,
		time.Duration(cfg.HealthTimeoutMs)*time.Millisecond,
		log,
	)

	rt := &route{
		prefix:     cfg.PathPrefix,
		rl:         rl,
		registry:   registry,
		dispatcher: d,
		supervisor: supervisor,
	}

	core := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.serveProxy(w, r, log)
	})

	rt.handler = middleware.Chain(core,
		middleware.RequestID,
		middleware.Logger(log),
		middleware.Metrics(cfg.PathPrefix),
	)

	return rt, nil
}

// serveProxy applies rate limiting and then hands off to the dispatcher.
func (rt *route) serveProxy(w http.ResponseWriter, r *http.Request, log *zap.SugaredLogger) {
	if err := rt.rl.Allow(r); err != nil {
		var rlErr *ratelimiter.ErrRateLimited
		if errors.As(err, &rlErr) {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", rlErr.RetryAfter.Seconds()))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(rlErr.RetryAfter).Unix()))
		}
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	rt.dispatcher.ServeHTTP(w, r)
}
