package strategy

import "github.com/arlomora/hexalb/internal/backend"

// leastConnectionsMaxAttempts bounds the CAS retry loop so contention can
// never stall a request indefinitely; after this many failed attempts the
// strategy falls back to a plain (non-CAS) increment, trading strict
// minimality for liveness.
const leastConnectionsMaxAttempts = 3

// leastConnectionsStrategy keeps no internal state of its own — it reads
// current_connections straight off the backend atomics.
type leastConnectionsStrategy struct{}

func newLeastConnections() *leastConnectionsStrategy { return &leastConnectionsStrategy{} }

func (s *leastConnectionsStrategy) Name() string { return LeastConnections }

func (s *leastConnectionsStrategy) OnInit(_ []*backend.Backend) {}
func (s *leastConnectionsStrategy) OnAdd(_ *backend.Backend)    {}
func (s *leastConnectionsStrategy) OnRemove(_ *backend.Backend) {}

func (s *leastConnectionsStrategy) Select(healthy []*backend.Backend, _ string) (*backend.Backend, error) {
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}

	var chosen *backend.Backend
	for attempt := 0; attempt < leastConnectionsMaxAttempts; attempt++ {
		chosen = argminConnections(healthy)
		expected := chosen.CurrentConnections()
		if chosen.TryIncrementConnections(expected) {
			return chosen, nil
		}
		// Another selector incremented the same backend between our read
		// and our CAS; recompute the argmin and try again.
	}

	// Persistent contention: sacrifice strict minimality for progress.
	chosen.IncrementConnections()
	return chosen, nil
}

func (s *leastConnectionsStrategy) Record(b *backend.Backend, latencyMs float64, success bool) {
	finishRecord(b, latencyMs, success)
}

// argminConnections finds the backend with the fewest current connections,
// breaking ties by id for determinism.
func argminConnections(healthy []*backend.Backend) *backend.Backend {
	best := healthy[0]
	bestCount := best.CurrentConnections()
	for _, b := range healthy[1:] {
		c := b.CurrentConnections()
		if c < bestCount || (c == bestCount && b.ID() < best.ID()) {
			best = b
			bestCount = c
		}
	}
	return best
}
