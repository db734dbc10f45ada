// Package strategy implements the six server-selection algorithms that sit
// behind the dispatcher: round-robin, weighted round-robin,
// least-connections, least-response-time, ip-hash, and consistent-hashing.
// Every strategy shares the same contract so the dispatcher can treat them
// polymorphically and swap the active one per request via a query
// parameter.
package strategy

import (
	"errors"

	"github.com/arlomora/hexalb/internal/backend"
	"go.uber.org/zap"
)

// ErrNoHealthyBackend is returned by Select when the healthy snapshot
// passed in is empty.
var ErrNoHealthyBackend = errors.New("strategy: no healthy backend available")

// ErrUnknownAlgorithm is returned by the factory for an unrecognized
// algorithm name (surfaced by the dispatcher as HTTP 400).
var ErrUnknownAlgorithm = errors.New("strategy: unknown algorithm")

// Name constants, matching the query-parameter values spec.md §6 lists.
const (
	RoundRobin         = "roundRobin"
	WeightedRoundRobin = "weightedRoundRobin"
	LeastConnections   = "leastConnections"
	LeastResponseTime  = "leastResponseTime"
	IPHash             = "ipHash"
	ConsistentHashing  = "consistentHashing"
)

// Strategy is the selection algorithm contract. Select must return an
// element of healthy and, on success, must have already incremented the
// chosen backend's connection counter. Record must always decrement the
// passed backend's connection counter exactly once, regardless of success.
//
// Strategy embeds backend.Listener so the Registry can notify it directly
// of add/remove events; OnInit seeds a strategy's internal state (ring,
// expansion list, ...) from the backend set at construction time.
type Strategy interface {
	backend.Listener

	Name() string
	Select(healthy []*backend.Backend, clientInfo string) (*backend.Backend, error)
	Record(b *backend.Backend, latencyMs float64, success bool)
	OnInit(initial []*backend.Backend)
}

// Options carries the tunables spec.md §6 lists that affect strategy
// construction (as opposed to dispatcher/health-probe timeouts).
type Options struct {
	// VirtualNodesPerBackend is consistent-hashing's vnode count. Default 150.
	VirtualNodesPerBackend int
	// EWMAAlpha is least-response-time's smoothing factor. Default 0.3.
	EWMAAlpha float64
	// Logger receives warnings for recoverable invariant violations (e.g.
	// ip-hash stickiness cache racing a topology change). May be nil.
	Logger *zap.SugaredLogger
}

// DefaultOptions returns the spec.md §6 default tunables.
func DefaultOptions() Options {
	return Options{
		VirtualNodesPerBackend: 150,
		EWMAAlpha:              0.3,
	}
}

// New builds the named strategy, wired to the given initial backend set.
// Callers must also Registry.Subscribe(strategy) so future add/remove
// events reach it.
func New(name string, initial []*backend.Backend, opts Options) (Strategy, error) {
	var s Strategy
	switch name {
	case RoundRobin:
		s = newRoundRobin()
	case WeightedRoundRobin:
		s = newWeightedRoundRobin()
	case LeastConnections:
		s = newLeastConnections()
	case LeastResponseTime:
		alpha := opts.EWMAAlpha
		if alpha <= 0 {
			alpha = DefaultOptions().EWMAAlpha
		}
		s = newLeastResponseTime(alpha)
	case IPHash:
		s = newIPHash(opts.Logger)
	case ConsistentHashing:
		vnodes := opts.VirtualNodesPerBackend
		if vnodes <= 0 {
			vnodes = DefaultOptions().VirtualNodesPerBackend
		}
		s = newConsistentHashing(vnodes)
	default:
		return nil, ErrUnknownAlgorithm
	}
	s.OnInit(initial)
	return s, nil
}

// IsValidName reports whether name is one of the six recognized algorithms.
func IsValidName(name string) bool {
	switch name {
	case RoundRobin, WeightedRoundRobin, LeastConnections, LeastResponseTime, IPHash, ConsistentHashing:
		return true
	default:
		return false
	}
}

// finishRecord performs the bookkeeping every strategy's Record must do:
// decrement the connection counter, and on success append the observed
// latency to the backend's window. Strategy-local statistics (the
// least-response-time EWMA) are updated by that strategy's own Record on
// top of this.
func finishRecord(b *backend.Backend, latencyMs float64, success bool) {
	defer b.DecrementConnections()
	if success {
		b.RecordLatency(latencyMs)
	}
}

// idSet builds a set of backend ids from a slice, used by several
// strategies to detect "does my internal structure still match the
// healthy snapshot" without an O(n^2) scan.
func idSet(bs []*backend.Backend) map[string]struct{} {
	out := make(map[string]struct{}, len(bs))
	for _, b := range bs {
		out[b.ID()] = struct{}{}
	}
	return out
}
