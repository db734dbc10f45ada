// Package healthsupervisor runs the periodic probe loop that keeps each
// backend's health flag current: a 5-second-period, blocking variant —
// every tick probes all backends and waits for the round to finish before
// scheduling the next one, updating each backend's flag synchronously as
// results come in.
package healthsupervisor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/arlomora/hexalb/internal/backend"
	"github.com/arlomora/hexalb/internal/metrics"
	"go.uber.org/zap"
)

const healthPath = "/health"

// Supervisor periodically probes every backend in a registry and flips its
// health flag based on the result.
type Supervisor struct {
	route    string
	registry *backend.Registry
	client   *http.Client
	interval time.Duration
	log      *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Supervisor. interval and timeout come straight from config
// (health_probe_interval_ms, health_timeout_ms); both default to the
// spec-mandated 5000ms / 3000ms when zero.
func New(route string, registry *backend.Registry, interval, timeout time.Duration, log *zap.SugaredLogger) *Supervisor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Supervisor{
		route:    route,
		registry: registry,
		interval: interval,
		log:      log,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Start launches the background probe loop. Safe to call once.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.probeAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.probeAll(ctx)
			}
		}
	}()
}

// Stop cancels the probe loop and waits for the in-flight round to finish.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// probeAll issues one probe round, blocking until every backend has been
// checked (probes within a round run concurrently; the round itself is
// synchronous — the next tick never starts a round before this one ends).
func (s *Supervisor) probeAll(ctx context.Context) {
	backends := s.registry.Backends()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *backend.Backend) {
			defer wg.Done()
			s.probeOne(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (s *Supervisor) probeOne(ctx context.Context, b *backend.Backend) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL()+healthPath, nil)
	if err != nil {
		s.markUnhealthy(b, err)
		return
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.markUnhealthy(b, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.markUnhealthy(b, nil)
		return
	}

	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0
	b.RecordLatency(latencyMs)
	if !b.IsHealthy() {
		s.log.Infow("backend recovered", "route", s.route, "backend", b.ID())
	}
	s.registry.SetHealthy(b.ID(), true)
	metrics.HealthProbesTotal.WithLabelValues(s.route, b.ID(), "healthy").Inc()
}

func (s *Supervisor) markUnhealthy(b *backend.Backend, err error) {
	if b.IsHealthy() {
		s.log.Warnw("backend unhealthy", "route", s.route, "backend", b.ID(), "err", err)
	}
	s.registry.SetHealthy(b.ID(), false)
	metrics.HealthProbesTotal.WithLabelValues(s.route, b.ID(), "unhealthy").Inc()
}
