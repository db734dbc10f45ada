package strategy

import (
	"sync/atomic"

	"github.com/arlomora/hexalb/internal/backend"
)

// roundRobinStrategy cycles through the healthy snapshot with a single
// atomic counter. No per-backend state; the counter may overflow past
// len(healthy) between requests but the modulo keeps the index in range
// regardless, so wraparound is harmless.
type roundRobinStrategy struct {
	counter atomic.Uint64
}

func newRoundRobin() *roundRobinStrategy { return &roundRobinStrategy{} }

func (s *roundRobinStrategy) Name() string { return RoundRobin }

func (s *roundRobinStrategy) OnInit(_ []*backend.Backend) {}
func (s *roundRobinStrategy) OnAdd(_ *backend.Backend)    {}
func (s *roundRobinStrategy) OnRemove(_ *backend.Backend) {}

func (s *roundRobinStrategy) Select(healthy []*backend.Backend, _ string) (*backend.Backend, error) {
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}
	idx := s.counter.Add(1) - 1
	b := healthy[idx%uint64(len(healthy))]
	b.IncrementConnections()
	return b, nil
}

func (s *roundRobinStrategy) Record(b *backend.Backend, latencyMs float64, success bool) {
	finishRecord(b, latencyMs, success)
}
