package strategy

import (
	"crypto/md5" //nolint:gosec // used only for uniform ring-key distribution, not for security
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/arlomora/hexalb/internal/backend"
)

// ringEntry is one virtual node: a 64-bit hash key and the backend it maps
// to.
type ringEntry struct {
	hash    uint64
	backend *backend.Backend
}

// hashRing is the immutable, sorted ring published via atomic.Value.
// members records which distinct backends are represented, so a later
// Select can cheaply detect "does this ring still match the healthy
// snapshot" without re-hashing anything.
type hashRing struct {
	members []*backend.Backend
	entries []ringEntry // sorted ascending by hash
}

// consistentHashingStrategy implements an MD5-based hash ring with a
// configurable number of virtual nodes per backend (spec default 150).
// Rebuilds are serialized against each other with rebuildMu but never
// block readers, who load the ring off an atomic.Value.
type consistentHashingStrategy struct {
	vnodes int

	ring      atomic.Value // *hashRing
	rebuildMu sync.Mutex
}

func newConsistentHashing(vnodes int) *consistentHashingStrategy {
	return &consistentHashingStrategy{vnodes: vnodes}
}

func (s *consistentHashingStrategy) Name() string { return ConsistentHashing }

func (s *consistentHashingStrategy) OnInit(initial []*backend.Backend) {
	s.rebuild(initial)
}

func (s *consistentHashingStrategy) OnAdd(_ *backend.Backend)    {}
func (s *consistentHashingStrategy) OnRemove(_ *backend.Backend) {}

func (s *consistentHashingStrategy) Select(healthy []*backend.Backend, clientInfo string) (*backend.Backend, error) {
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}
	s.ensureUpToDate(healthy)

	ring, _ := s.ring.Load().(*hashRing)
	if ring == nil || len(ring.entries) == 0 {
		return nil, ErrNoHealthyBackend
	}

	h := ringHash(clientInfo)
	idx := ceilingIndex(ring.entries, h)
	b := ring.entries[idx].backend
	b.IncrementConnections()
	return b, nil
}

func (s *consistentHashingStrategy) Record(b *backend.Backend, latencyMs float64, success bool) {
	finishRecord(b, latencyMs, success)
}

// Len reports the current ring size (vnodes * distinct healthy backends), for
// admin introspection.
func (s *consistentHashingStrategy) Len() int {
	ring, _ := s.ring.Load().(*hashRing)
	if ring == nil {
		return 0
	}
	return len(ring.entries)
}

// PredictServer answers "where would this key go?" without incrementing
// any connection count — spec.md §4.9's predict_server, used for tests and
// introspection. Returns ErrNoHealthyBackend if the ring is empty.
func (s *consistentHashingStrategy) PredictServer(healthy []*backend.Backend, clientInfo string) (*backend.Backend, error) {
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}
	s.ensureUpToDate(healthy)

	ring, _ := s.ring.Load().(*hashRing)
	if ring == nil || len(ring.entries) == 0 {
		return nil, ErrNoHealthyBackend
	}
	h := ringHash(clientInfo)
	idx := ceilingIndex(ring.entries, h)
	return ring.entries[idx].backend, nil
}

func (s *consistentHashingStrategy) ensureUpToDate(healthy []*backend.Backend) {
	ring, _ := s.ring.Load().(*hashRing)
	if ring != nil && sameMembers(ring.members, healthy) {
		return
	}
	s.rebuild(healthy)
}

func (s *consistentHashingStrategy) rebuild(healthy []*backend.Backend) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	if ring, _ := s.ring.Load().(*hashRing); ring != nil && sameMembers(ring.members, healthy) {
		return
	}

	entries := make([]ringEntry, 0, len(healthy)*s.vnodes)
	for _, b := range healthy {
		for i := 0; i < s.vnodes; i++ {
			vnode := fmt.Sprintf("%s#%d", b.ID(), i)
			entries = append(entries, ringEntry{hash: ringHash(vnode), backend: b})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })

	s.ring.Store(&hashRing{
		members: append([]*backend.Backend(nil), healthy...),
		entries: entries,
	})
}

// ceilingIndex returns the index of the smallest entry with hash >= h,
// wrapping to 0 if h is larger than every entry.
func ceilingIndex(entries []ringEntry, h uint64) int {
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].hash >= h })
	if idx == len(entries) {
		idx = 0
	}
	return idx
}

// ringHash hashes key with MD5 and interprets the first 8 bytes as a
// big-endian uint64 with the top bit cleared. A fresh md5.Sum is computed
// per call rather than sharing one digest, since crypto/md5's Digest is
// not safe for concurrent use.
func ringHash(key string) uint64 {
	sum := md5.Sum([]byte(key))
	h := binary.BigEndian.Uint64(sum[:8])
	return h &^ (1 << 63)
}
