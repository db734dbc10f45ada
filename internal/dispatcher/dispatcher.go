// Package dispatcher implements the select → forward → record loop: for
// every inbound request it asks a strategy for a backend, consults that
// backend's circuit breaker, proxies the request, and always reports the
// outcome back to the strategy exactly once.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/arlomora/hexalb/internal/backend"
	"github.com/arlomora/hexalb/internal/breaker"
	"github.com/arlomora/hexalb/internal/clientkey"
	"github.com/arlomora/hexalb/internal/config"
	"github.com/arlomora/hexalb/internal/metrics"
	"github.com/arlomora/hexalb/internal/strategy"
	"go.uber.org/zap"
)

const algorithmQueryParam = "algorithm"

// Dispatcher owns one route's selection engine: every known algorithm
// (so a request can switch via the "algorithm" query parameter), one
// circuit breaker per backend, and the registry of backends that feeds
// both.
type Dispatcher struct {
	Prefix string

	registry         *backend.Registry
	strip            bool
	defaultAlgorithm string
	requestTimeout   time.Duration
	log              *zap.SugaredLogger

	strategies map[string]strategy.Strategy

	breakerMu  sync.RWMutex
	breakerCfg *config.CircuitBreakerConfig
	breakers   map[string]*breaker.Breaker // keyed by backend ID

	transport http.RoundTripper
}

// New builds a Dispatcher for one route. It constructs all six strategies
// against the same registry (so a client can pick any of them at request
// time) and subscribes both the strategies and the dispatcher itself to
// the registry's add/remove lifecycle.
func New(prefix string, strip bool, registry *backend.Registry, defaultAlgorithm string, opts strategy.Options, breakerCfg *config.CircuitBreakerConfig, requestTimeout time.Duration, log *zap.SugaredLogger) (*Dispatcher, error) {
	if !strategy.IsValidName(defaultAlgorithm) {
		return nil, fmt.Errorf("dispatcher %q: %w: %q", prefix, strategy.ErrUnknownAlgorithm, defaultAlgorithm)
	}

	d := &Dispatcher{
		Prefix:           prefix,
		registry:         registry,
		strip:            strip,
		defaultAlgorithm: defaultAlgorithm,
		requestTimeout:   requestTimeout,
		log:              log,
		strategies:       make(map[string]strategy.Strategy, 6),
		breakerCfg:       breakerCfg,
		breakers:         make(map[string]*breaker.Breaker),
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   requestTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: requestTimeout,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	initial := registry.Backends()
	for _, name := range []string{
		strategy.RoundRobin, strategy.WeightedRoundRobin, strategy.LeastConnections,
		strategy.LeastResponseTime, strategy.IPHash, strategy.ConsistentHashing,
	} {
		s, err := strategy.New(name, initial, opts)
		if err != nil {
			return nil, fmt.Errorf("dispatcher %q: building %s strategy: %w", prefix, name, err)
		}
		d.strategies[name] = s
		registry.Subscribe(s)
	}
	registry.Subscribe(d)

	for _, b := range initial {
		d.breakerFor(b.ID())
	}

	return d, nil
}

// OnAdd implements backend.Listener: a newly registered backend gets a
// fresh circuit breaker.
func (d *Dispatcher) OnAdd(b *backend.Backend) {
	d.breakerFor(b.ID())
}

// OnRemove implements backend.Listener: drop the breaker for a backend
// that has left the pool.
func (d *Dispatcher) OnRemove(b *backend.Backend) {
	d.breakerMu.Lock()
	delete(d.breakers, b.ID())
	d.breakerMu.Unlock()
}

func (d *Dispatcher) breakerFor(id string) *breaker.Breaker {
	d.breakerMu.RLock()
	cb, ok := d.breakers[id]
	d.breakerMu.RUnlock()
	if ok {
		return cb
	}
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	if cb, ok = d.breakers[id]; ok {
		return cb
	}
	cb = breaker.New(d.breakerCfg, d.log)
	d.breakers[id] = cb
	return cb
}

// resolveAlgorithm picks the strategy for this request: the "algorithm"
// query parameter if present, else the route default.
func (d *Dispatcher) resolveAlgorithm(r *http.Request) (string, error) {
	name := r.URL.Query().Get(algorithmQueryParam)
	if name == "" {
		name = d.defaultAlgorithm
	}
	if !strategy.IsValidName(name) {
		return "", strategy.ErrUnknownAlgorithm
	}
	return name, nil
}

// ServeHTTP is the per-route handler: select a backend, check its breaker,
// proxy the request, and record the outcome.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	algorithm, err := d.resolveAlgorithm(r)
	if err != nil {
		http.Error(w, "unknown algorithm", http.StatusBadRequest)
		return
	}
	s := d.strategies[algorithm]

	healthy := d.registry.HealthySnapshot()
	picked, err := s.Select(healthy, clientkey.IP(r))
	if err != nil {
		if errors.Is(err, strategy.ErrNoHealthyBackend) {
			d.log.Warnw("no healthy backend", "route", d.Prefix, "algorithm", algorithm)
			http.Error(w, "service unavailable — no healthy backends", http.StatusServiceUnavailable)
			return
		}
		d.log.Errorw("selection failed", "route", d.Prefix, "algorithm", algorithm, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	metrics.SelectionsTotal.WithLabelValues(d.Prefix, algorithm, picked.ID()).Inc()
	metrics.ActiveConnections.WithLabelValues(d.Prefix, picked.ID()).Set(float64(picked.CurrentConnections()))
	defer func() {
		metrics.ActiveConnections.WithLabelValues(d.Prefix, picked.ID()).Set(float64(picked.CurrentConnections()))
	}()

	cb := d.breakerFor(picked.ID())
	cbErr := cb.Allow()
	metrics.CircuitBreakerState.WithLabelValues(d.Prefix, picked.ID()).Set(cb.Numeric())
	if cbErr != nil {
		// Selection already happened and incremented the connection count;
		// the breaker trip still needs exactly one record() call so the
		// net-zero-connections invariant holds.
		s.Record(picked, 0, false)
		metrics.BackendRequestsTotal.WithLabelValues(d.Prefix, picked.ID(), "circuit_open").Inc()
		http.Error(w, "service unavailable — circuit open", http.StatusServiceUnavailable)
		return
	}

	d.forward(w, r, s, algorithm, picked, cb)
}

func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, s strategy.Strategy, algorithm string, picked *backend.Backend, cb *breaker.Breaker) {
	targetURL, err := url.Parse(picked.URL())
	if err != nil {
		s.Record(picked, 0, false)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	start := time.Now()
	recorded := false
	var recordOnce sync.Once
	record := func(success bool) {
		recordOnce.Do(func() {
			recorded = true
			latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
			s.Record(picked, latencyMs, success)
			metrics.BackendRequestDuration.WithLabelValues(d.Prefix, picked.ID()).Observe(latencyMs / 1000.0)
			if success {
				cb.RecordSuccess()
				metrics.BackendRequestsTotal.WithLabelValues(d.Prefix, picked.ID(), "success").Inc()
			} else {
				cb.RecordFailure()
			}
			metrics.CircuitBreakerState.WithLabelValues(d.Prefix, picked.ID()).Set(cb.Numeric())
		})
	}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = targetURL.Scheme
			req.URL.Host = targetURL.Host
			if d.strip {
				req.URL.Path = strings.TrimPrefix(req.URL.Path, d.Prefix)
				if req.URL.Path == "" {
					req.URL.Path = "/"
				}
			}
			q := req.URL.Query()
			q.Del(algorithmQueryParam)
			req.URL.RawQuery = q.Encode()

			if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
				if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
					clientIP = prior + ", " + clientIP
				}
				req.Header.Set("X-Forwarded-For", clientIP)
			}
			req.Header.Set("X-Forwarded-Host", req.Host)
			req.Header.Set("X-Forwarded-Proto", schemeOf(req))
		},
		ModifyResponse: func(resp *http.Response) error {
			if resp.StatusCode >= 500 {
				// ErrorHandler records the failure, counts it as
				// backend_error and answers the client with 502.
				return fmt.Errorf("backend %s returned status %d", picked.ID(), resp.StatusCode)
			}
			record(true)
			resp.Header.Set("X-Selected-Backend", picked.ID())
			resp.Header.Set("X-Selection-Algorithm", algorithm)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			outcome := "backend_error"
			status := http.StatusBadGateway
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
			d.log.Errorw("upstream request failed", "route", d.Prefix, "backend", picked.ID(), "err", err)
			metrics.BackendRequestsTotal.WithLabelValues(d.Prefix, picked.ID(), outcome).Inc()
			record(false)
			http.Error(w, "bad gateway", status)
		},
		Transport: d.transport,
	}

	rp.ServeHTTP(w, r)

	// Belt-and-suspenders: if neither ModifyResponse nor ErrorHandler fired
	// (shouldn't happen with net/http/httputil, but Select's connection
	// increment must never leak), still record exactly once.
	if !recorded {
		record(false)
	}
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// ---------------------------------------------------------------------------
// Admin introspection
// ---------------------------------------------------------------------------

// BackendStatus is the admin-surface view of one backend, including its
// circuit breaker state.
type BackendStatus struct {
	ID                  string  `json:"id"`
	URL                 string  `json:"url"`
	Healthy             bool    `json:"healthy"`
	CurrentConnections  int64   `json:"current_connections"`
	TotalRequests       int64   `json:"total_requests"`
	AverageLatencyMs    float64 `json:"average_latency_ms"`
	CircuitBreakerState string  `json:"circuit_breaker_state"`
}

// BackendStatuses returns a point-in-time view of every backend on this
// route, for the /backends admin endpoint.
func (d *Dispatcher) BackendStatuses() []BackendStatus {
	backends := d.registry.Backends()
	out := make([]BackendStatus, 0, len(backends))
	for _, b := range backends {
		avg := b.AverageLatency()
		if math.IsInf(avg, 1) { // sentinel for an empty latency window
			avg = 0
		}
		out = append(out, BackendStatus{
			ID:                  b.ID(),
			URL:                 b.URL(),
			Healthy:             b.IsHealthy(),
			CurrentConnections:  b.CurrentConnections(),
			TotalRequests:       b.TotalRequests(),
			AverageLatencyMs:    avg,
			CircuitBreakerState: d.breakerFor(b.ID()).State(),
		})
	}
	return out
}

// StrategyStatus is the admin-surface view of one strategy's internal
// state size (ring entries, expansion-list length, stickiness-cache size,
// or EWMA map size — whichever applies).
type StrategyStatus struct {
	Name         string `json:"name"`
	Active       bool   `json:"active"`
	InternalSize int    `json:"internal_size"`
}

type sizer interface {
	Len() int
}

// StrategyStatuses returns one entry per known algorithm, for the
// /strategy admin endpoint.
func (d *Dispatcher) StrategyStatuses() []StrategyStatus {
	out := make([]StrategyStatus, 0, len(d.strategies))
	for _, name := range []string{
		strategy.RoundRobin, strategy.WeightedRoundRobin, strategy.LeastConnections,
		strategy.LeastResponseTime, strategy.IPHash, strategy.ConsistentHashing,
	} {
		s := d.strategies[name]
		size := -1
		if sz, ok := s.(sizer); ok {
			size = sz.Len()
		}
		out = append(out, StrategyStatus{
			Name:         name,
			Active:       name == d.defaultAlgorithm,
			InternalSize: size,
		})
	}
	return out
}

// Predict answers consistent-hashing's predict_server question — which
// backend a key would map to, without incrementing any connection count —
// for the /backends/predict admin endpoint. Returns false if the
// consistent-hashing strategy isn't available or the ring is empty.
func (d *Dispatcher) Predict(key string) (*backend.Backend, bool) {
	s, ok := d.strategies[strategy.ConsistentHashing]
	if !ok {
		return nil, false
	}
	predictor, ok := s.(interface {
		PredictServer(healthy []*backend.Backend, clientInfo string) (*backend.Backend, error)
	})
	if !ok {
		return nil, false
	}
	b, err := predictor.PredictServer(d.registry.HealthySnapshot(), key)
	if err != nil {
		return nil, false
	}
	return b, true
}
