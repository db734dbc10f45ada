package strategy

import (
	"testing"

	"github.com/arlomora/hexalb/internal/backend"
)

func makeWeightedBackends(weights map[string]int, order []string) []*backend.Backend {
	out := make([]*backend.Backend, len(order))
	for i, id := range order {
		out[i] = backend.New(id, "http://"+id, weights[id], 10)
	}
	return out
}

func TestWeightedRoundRobinExpansionListLength(t *testing.T) {
	order := []string{"s1", "s2", "s3", "s4"}
	weights := map[string]int{"s1": 4, "s2": 3, "s3": 2, "s4": 1}
	bs := makeWeightedBackends(weights, order)

	s := newWeightedRoundRobin()
	s.OnInit(bs)

	exp, _ := s.expansion.Load().(*weightedExpansion)
	if exp == nil {
		t.Fatal("expected expansion to be built on OnInit")
	}
	if len(exp.list) != 10 {
		t.Fatalf("expansion list length = %d, want 10 (4+3+2+1)", len(exp.list))
	}
}

func TestWeightedRoundRobinRatios(t *testing.T) {
	order := []string{"s1", "s2", "s3", "s4"}
	weights := map[string]int{"s1": 4, "s2": 3, "s3": 2, "s4": 1}
	bs := makeWeightedBackends(weights, order)

	s := newWeightedRoundRobin()
	s.OnInit(bs)

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		b, err := s.Select(bs, "")
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		counts[b.ID()]++
		s.Record(b, 1, true)
	}
	want := map[string]int{"s1": 40, "s2": 30, "s3": 20, "s4": 10}
	for id, w := range want {
		diff := counts[id] - w
		if diff < -5 || diff > 5 {
			t.Fatalf("backend %s selected %d times, want %d±5", id, counts[id], w)
		}
	}
}

func TestWeightedRoundRobinZeroWeightFlooredToOne(t *testing.T) {
	bs := []*backend.Backend{
		backend.New("s1", "http://s1", 1, 10),
		backend.New("s2", "http://s2", 0, 10), // Backend.New floors this to 1 already
	}
	s := newWeightedRoundRobin()
	s.OnInit(bs)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		b, _ := s.Select(bs, "")
		seen[b.ID()] = true
		s.Record(b, 1, true)
	}
	if !seen["s2"] {
		t.Fatal("zero-weight backend must still be selectable")
	}
}

func TestWeightedRoundRobinRebuildsOnTopologyChange(t *testing.T) {
	bs := makeWeightedBackends(map[string]int{"s1": 1, "s2": 1}, []string{"s1", "s2"})
	s := newWeightedRoundRobin()
	s.OnInit(bs)

	s.Select(bs, "")

	bs3 := append(bs, backend.New("s3", "http://s3", 1, 10))
	b, err := s.Select(bs3, "")
	if err != nil {
		t.Fatal(err)
	}
	exp, _ := s.expansion.Load().(*weightedExpansion)
	if len(exp.list) != 3 {
		t.Fatalf("expansion list length after rebuild = %d, want 3", len(exp.list))
	}
	_ = b
}
