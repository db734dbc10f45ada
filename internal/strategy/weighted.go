package strategy

import (
	"sync"
	"sync/atomic"

	"github.com/arlomora/hexalb/internal/backend"
)

// weightedExpansion is the immutable, copy-on-write list the weighted
// round-robin strategy selects from: each healthy backend repeated
// max(1, weight) times in snapshot order.
type weightedExpansion struct {
	members []*backend.Backend // distinct backends, for membership comparison
	list    []*backend.Backend // the expanded selection list
}

// weightedRoundRobinStrategy publishes its expansion list behind an
// atomic.Value so readers never block; rebuilds are serialized against
// each other with a mutex but never against readers.
type weightedRoundRobinStrategy struct {
	expansion atomic.Value // *weightedExpansion
	index     atomic.Uint64
	rebuildMu sync.Mutex
}

func newWeightedRoundRobin() *weightedRoundRobinStrategy {
	return &weightedRoundRobinStrategy{}
}

func (s *weightedRoundRobinStrategy) Name() string { return WeightedRoundRobin }

func (s *weightedRoundRobinStrategy) OnInit(initial []*backend.Backend) {
	s.rebuild(initial)
}

func (s *weightedRoundRobinStrategy) OnAdd(_ *backend.Backend)    {}
func (s *weightedRoundRobinStrategy) OnRemove(_ *backend.Backend) {}

func (s *weightedRoundRobinStrategy) Select(healthy []*backend.Backend, _ string) (*backend.Backend, error) {
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}
	s.ensureUpToDate(healthy)

	exp, _ := s.expansion.Load().(*weightedExpansion)
	if exp == nil || len(exp.list) == 0 {
		return nil, ErrNoHealthyBackend
	}
	idx := s.index.Add(1) - 1
	b := exp.list[idx%uint64(len(exp.list))]
	b.IncrementConnections()
	return b, nil
}

func (s *weightedRoundRobinStrategy) Record(b *backend.Backend, latencyMs float64, success bool) {
	finishRecord(b, latencyMs, success)
}

// Len reports the current expansion list length, for admin introspection.
func (s *weightedRoundRobinStrategy) Len() int {
	exp, _ := s.expansion.Load().(*weightedExpansion)
	if exp == nil {
		return 0
	}
	return len(exp.list)
}

// ensureUpToDate triggers a rebuild when the expansion list's member set
// no longer matches the healthy snapshot's set, by id equality.
func (s *weightedRoundRobinStrategy) ensureUpToDate(healthy []*backend.Backend) {
	exp, _ := s.expansion.Load().(*weightedExpansion)
	if exp != nil && sameMembers(exp.members, healthy) {
		return
	}
	s.rebuild(healthy)
}

func (s *weightedRoundRobinStrategy) rebuild(healthy []*backend.Backend) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	// Double-check: another goroutine may have rebuilt to the same set
	// while we waited for the lock.
	if exp, _ := s.expansion.Load().(*weightedExpansion); exp != nil && sameMembers(exp.members, healthy) {
		return
	}

	list := make([]*backend.Backend, 0, len(healthy))
	for _, b := range healthy {
		w := b.Weight()
		if w <= 0 {
			w = 1 // zero-weight policy: still selectable once per cycle
		}
		for i := 0; i < w; i++ {
			list = append(list, b)
		}
	}
	s.expansion.Store(&weightedExpansion{
		members: append([]*backend.Backend(nil), healthy...),
		list:    list,
	})
	s.index.Store(0)
}

// sameMembers compares two backend slices by id-set equality, independent
// of order or duplicates.
func sameMembers(a, b []*backend.Backend) bool {
	setA := idSet(a)
	setB := idSet(b)
	if len(setA) != len(setB) {
		return false
	}
	for id := range setA {
		if _, ok := setB[id]; !ok {
			return false
		}
	}
	return true
}
