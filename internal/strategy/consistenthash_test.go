package strategy

import (
	"fmt"
	"testing"

	"github.com/arlomora/hexalb/internal/backend"
)

func TestConsistentHashRingSize(t *testing.T) {
	bs := makeBackends("s1", "s2", "s3", "s4")
	s := newConsistentHashing(150)
	s.OnInit(bs)

	ring, _ := s.ring.Load().(*hashRing)
	if ring == nil {
		t.Fatal("ring not built on OnInit")
	}
	if len(ring.entries) != 600 {
		t.Fatalf("ring size = %d, want 600 (150*4)", len(ring.entries))
	}

	counts := map[string]int{}
	for _, e := range ring.entries {
		counts[e.backend.ID()]++
	}
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		if counts[id] != 150 {
			t.Fatalf("backend %s has %d ring entries, want 150", id, counts[id])
		}
	}
}

func TestConsistentHashExcludesUnhealthy(t *testing.T) {
	all := makeBackends("s1", "s2", "s3")
	healthy := all[:2] // s3 excluded from the healthy snapshot

	s := newConsistentHashing(150)
	s.OnInit(healthy)

	seen := map[string]int{}
	for i := 0; i < 100; i++ {
		b, err := s.Select(healthy, fmt.Sprintf("client-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		seen[b.ID()]++
		s.Record(b, 1, true)
	}
	if seen["s3"] != 0 {
		t.Fatalf("s3 should be excluded, got %d selections", seen["s3"])
	}

	ring, _ := s.ring.Load().(*hashRing)
	if len(ring.entries) != 300 {
		t.Fatalf("ring size with 2 healthy backends = %d, want 300", len(ring.entries))
	}
}

func TestConsistentHashStabilityUnderAddition(t *testing.T) {
	n := 4
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%d", i)
	}
	bs := makeBackends(ids...)

	s := newConsistentHashing(150)
	s.OnInit(bs)

	clients := make([]string, 20)
	for i := range clients {
		clients[i] = fmt.Sprintf("client-%d", i)
	}

	before := map[string]string{}
	for _, c := range clients {
		b, err := s.PredictServer(bs, c)
		if err != nil {
			t.Fatal(err)
		}
		before[c] = b.ID()
	}

	withNew := append(append([]*backend.Backend(nil), bs...), makeBackends("s4")...)

	moved := 0
	for _, c := range clients {
		b, err := s.PredictServer(withNew, c)
		if err != nil {
			t.Fatal(err)
		}
		if b.ID() != before[c] {
			moved++
		}
	}
	// <= |clients|/(N+1) with a generous tolerance, per spec.md §8.
	maxExpected := len(clients)/(n+1) + len(clients)/2
	if moved > maxExpected {
		t.Fatalf("%d/%d clients remapped after adding one backend, want <= %d", moved, len(clients), maxExpected)
	}
}
