package strategy

import (
	"math"
	"sync"

	"github.com/arlomora/hexalb/internal/backend"
)

const (
	// ewmaBootstrapMs is the effective response time used for argmin
	// purposes for a backend that has both an empty latency window and an
	// uninitialized EWMA (no request to it has been recorded yet).
	ewmaBootstrapMs = 1000.0
	// failurePenaltyMs is the synthetic sample fed into the EWMA on a
	// failed request — 2x the bootstrap value, so a failing backend's
	// score rises and traffic drifts elsewhere even if its last real
	// observed latency was low.
	failurePenaltyMs = 2000.0
)

// ewmaState is the exponentially-weighted moving average tracked per
// backend id. avg is meaningless until initialized is true — the first
// real sample (success or failure) replaces the bootstrap value outright
// rather than being blended into it.
type ewmaState struct {
	mu          sync.Mutex
	avg         float64
	count       int64
	initialized bool
}

// leastResponseTimeStrategy combines each backend's recent-latency-window
// mean with a strategy-local EWMA to pick the argmin. This is the
// "snowball" strategy: a consistently fastest backend can absorb nearly
// all traffic, by design.
type leastResponseTimeStrategy struct {
	alpha float64

	mu    sync.RWMutex
	stats map[string]*ewmaState
}

func newLeastResponseTime(alpha float64) *leastResponseTimeStrategy {
	return &leastResponseTimeStrategy{
		alpha: alpha,
		stats: make(map[string]*ewmaState),
	}
}

func (s *leastResponseTimeStrategy) Name() string { return LeastResponseTime }

func (s *leastResponseTimeStrategy) OnInit(_ []*backend.Backend) {}
func (s *leastResponseTimeStrategy) OnAdd(_ *backend.Backend)    {}

func (s *leastResponseTimeStrategy) OnRemove(b *backend.Backend) {
	s.mu.Lock()
	delete(s.stats, b.ID())
	s.mu.Unlock()
}

func (s *leastResponseTimeStrategy) Select(healthy []*backend.Backend, _ string) (*backend.Backend, error) {
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}
	best := healthy[0]
	bestVal := s.effectiveResponseTime(best)
	for _, b := range healthy[1:] {
		v := s.effectiveResponseTime(b)
		if v < bestVal || (v == bestVal && b.ID() < best.ID()) {
			best = b
			bestVal = v
		}
	}
	best.IncrementConnections()
	return best, nil
}

func (s *leastResponseTimeStrategy) Record(b *backend.Backend, latencyMs float64, success bool) {
	finishRecord(b, latencyMs, success)

	sample := latencyMs
	if !success {
		sample = failurePenaltyMs
	}
	st := s.getOrCreate(b.ID())
	st.mu.Lock()
	if !st.initialized {
		st.avg = sample
		st.initialized = true
	} else {
		st.avg = s.alpha*sample + (1-s.alpha)*st.avg
	}
	st.count++
	st.mu.Unlock()
}

// effectiveResponseTime combines the backend's window mean and the
// strategy's EWMA: their average if both are known, whichever is known if
// only one is, or the bootstrap sentinel if neither is.
func (s *leastResponseTimeStrategy) effectiveResponseTime(b *backend.Backend) float64 {
	windowMean := b.AverageLatency() // +Inf if the window is empty
	haveWindow := !math.IsInf(windowMean, 1)

	st := s.getOrCreate(b.ID())
	st.mu.Lock()
	ewmaVal := st.avg
	haveEWMA := st.initialized
	st.mu.Unlock()

	switch {
	case haveWindow && haveEWMA:
		return (windowMean + ewmaVal) / 2
	case haveWindow:
		return windowMean
	case haveEWMA:
		return ewmaVal
	default:
		return ewmaBootstrapMs
	}
}

// Len reports how many backends currently have EWMA state tracked, for
// admin introspection.
func (s *leastResponseTimeStrategy) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stats)
}

func (s *leastResponseTimeStrategy) getOrCreate(id string) *ewmaState {
	s.mu.RLock()
	st, ok := s.stats[id]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.stats[id]; ok {
		return st
	}
	st = &ewmaState{}
	s.stats[id] = st
	return st
}
