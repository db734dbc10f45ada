// Package metrics wires the load-balancer core's selection and dispatch
// events into Prometheus, the concrete implementation of the "metrics
// facade" spec.md §2 treats as an external collaborator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SelectionsTotal counts how many times each algorithm picked each
	// backend, per route — the thing to graph when diagnosing an
	// unbalanced pool.
	SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hexalb",
		Name:      "selections_total",
		Help:      "Total backend selections made by the load balancer, by route, algorithm, and backend.",
	}, []string{"route", "algorithm", "backend"})

	// BackendRequestDuration is the outbound call latency as observed by
	// the dispatcher, independent of each strategy's own internal window.
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hexalb",
		Name:      "backend_request_duration_seconds",
		Help:      "Latency of dispatcher-issued backend requests.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"route", "backend"})

	// BackendRequestsTotal counts dispatch outcomes per backend.
	BackendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hexalb",
		Name:      "backend_requests_total",
		Help:      "Total backend requests dispatched, labeled by outcome (success|backend_error|timeout|circuit_open).",
	}, []string{"route", "backend", "outcome"})

	// ActiveConnections mirrors each backend's current_connections gauge,
	// the same atomic counter strategies select-and-increment on.
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hexalb",
		Name:      "backend_active_connections",
		Help:      "In-flight requests currently assigned to each backend.",
	}, []string{"route", "backend"})

	// HealthProbesTotal counts health-supervisor probe outcomes.
	HealthProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hexalb",
		Name:      "health_probes_total",
		Help:      "Total health probes issued, labeled by route, backend, and result (healthy|unhealthy).",
	}, []string{"route", "backend", "result"})

	// CircuitBreakerState exposes each backend's breaker state as a gauge:
	// 0=closed, 1=half-open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hexalb",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend: 0=closed, 1=half-open, 2=open.",
	}, []string{"route", "backend"})

	// HTTPRequestsTotal counts every inbound request the middleware chain
	// saw, labeled by route/method/status — the edge-facing counterpart to
	// BackendRequestsTotal's upstream-facing view.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hexalb",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed by the gateway, by route, method, and status.",
	}, []string{"route", "method", "status"})

	// HTTPRequestDuration is the end-to-end request latency as observed at
	// the edge, including rate-limiting and selection overhead that
	// BackendRequestDuration doesn't cover.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hexalb",
		Name:      "http_request_duration_seconds",
		Help:      "Histogram of end-to-end HTTP request latencies.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"route", "method"})

	// HTTPActiveConnections is the number of requests currently in the
	// middleware chain, across all routes.
	HTTPActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hexalb",
		Name:      "http_active_connections",
		Help:      "Number of currently active inbound HTTP connections.",
	})
)
