package strategy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/arlomora/hexalb/internal/backend"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ipHashCacheSize bounds the stickiness cache's memory footprint; entries
// are client IPs (real or synthesized), which for a busy gateway can churn
// through far more distinct values than there are backends.
const ipHashCacheSize = 65536

// ipHashStrategy maps client IPs to backends and, via a stickiness cache,
// keeps sending the same client to the same backend as long as it stays
// healthy.
type ipHashStrategy struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	cache *lru.Cache[string, string] // client ip -> backend id
}

func newIPHash(log *zap.SugaredLogger) *ipHashStrategy {
	cache, _ := lru.New[string, string](ipHashCacheSize)
	return &ipHashStrategy{log: log, cache: cache}
}

func (s *ipHashStrategy) Name() string { return IPHash }

func (s *ipHashStrategy) OnInit(_ []*backend.Backend) {}
func (s *ipHashStrategy) OnAdd(_ *backend.Backend)    {}

// OnRemove purges every cache entry pointing at the removed backend, per
// spec: lazy invalidation is acceptable on lookup, but explicit removal
// must invalidate eagerly.
func (s *ipHashStrategy) OnRemove(b *backend.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.cache.Keys() {
		if v, ok := s.cache.Peek(key); ok && v == b.ID() {
			s.cache.Remove(key)
		}
	}
}

func (s *ipHashStrategy) Select(healthy []*backend.Backend, clientInfo string) (*backend.Backend, error) {
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}

	ip, hashVal := normalizeClientInfo(clientInfo)

	s.mu.Lock()
	resolvedID, ok := s.cache.Get(ip)
	if !ok || !backendIDInSnapshot(resolvedID, healthy) {
		idx := hashVal % uint32(len(healthy))
		chosen := healthy[idx]
		s.cache.Add(ip, chosen.ID())
		resolvedID = chosen.ID()
	}
	s.mu.Unlock()

	b := findBackendByID(healthy, resolvedID)
	if b == nil {
		// Topology raced between the cache check and this resolution.
		// Invalidate and fall back to the first healthy backend.
		if s.log != nil {
			s.log.Warnw("ip-hash cache race: cached backend no longer resolvable, falling back",
				"client_ip", ip, "cached_backend_id", resolvedID)
		}
		s.mu.Lock()
		s.cache.Remove(ip)
		s.mu.Unlock()
		b = healthy[0]
	}

	b.IncrementConnections()
	return b, nil
}

func (s *ipHashStrategy) Record(b *backend.Backend, latencyMs float64, success bool) {
	finishRecord(b, latencyMs, success)
}

// Len reports the current stickiness cache size, for admin introspection.
func (s *ipHashStrategy) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func backendIDInSnapshot(id string, healthy []*backend.Backend) bool {
	for _, b := range healthy {
		if b.ID() == id {
			return true
		}
	}
	return false
}

func findBackendByID(healthy []*backend.Backend, id string) *backend.Backend {
	for _, b := range healthy {
		if b.ID() == id {
			return b
		}
	}
	return nil
}

// normalizeClientInfo turns arbitrary client_info into a dotted-quad IP
// string and its big-endian uint32 value. Empty/whitespace input becomes
// "127.0.0.1"; a real dotted-quad is used as-is; anything else is folded
// into a synthetic dotted-quad by hashing the string and splitting the
// hash into four octets.
func normalizeClientInfo(clientInfo string) (ip string, hashVal uint32) {
	trimmed := strings.TrimSpace(clientInfo)
	if trimmed == "" {
		trimmed = "127.0.0.1"
	}
	if h, ok := parseDottedQuad(trimmed); ok {
		return trimmed, h
	}

	sum := fnv1a32(trimmed)
	bytes := [4]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)}
	var octets [4]int
	for i, bb := range bytes {
		// Quirky by design: yields [1,255], not [0,255] — preserved to
		// keep the hash distribution it was originally specified with.
		octets[i] = 1 + int(bb)%255
	}
	synth := fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], octets[3])
	var h uint32
	for _, o := range octets {
		h = h<<8 | uint32(o)
	}
	return synth, h
}

// parseDottedQuad validates s as exactly four dot-separated octets in
// [0,255] and returns the big-endian uint32 interpretation.
func parseDottedQuad(s string) (uint32, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var h uint32
	for _, p := range parts {
		if p == "" {
			return 0, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return 0, false
		}
		h = h<<8 | uint32(n)
	}
	return h, true
}

// fnv1a32 is a simple, allocation-free FNV-1a 32-bit hash used to
// synthesize a dotted-quad from non-IP client identifiers.
func fnv1a32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
