package strategy

import "testing"

func TestNewRejectsUnknownAlgorithm(t *testing.T) {
	bs := makeBackends("s1")
	_, err := New("not-a-real-algorithm", bs, DefaultOptions())
	if err != ErrUnknownAlgorithm {
		t.Fatalf("err = %v, want ErrUnknownAlgorithm", err)
	}
}

func TestNewBuildsEachKnownAlgorithm(t *testing.T) {
	bs := makeBackends("s1", "s2")
	for _, name := range []string{
		RoundRobin, WeightedRoundRobin, LeastConnections,
		LeastResponseTime, IPHash, ConsistentHashing,
	} {
		s, err := New(name, bs, DefaultOptions())
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if s.Name() != name {
			t.Fatalf("Name() = %q, want %q", s.Name(), name)
		}
		b, err := s.Select(bs, "203.0.113.1")
		if err != nil {
			t.Fatalf("%s: Select: %v", name, err)
		}
		found := false
		for _, want := range bs {
			if want.Equal(b) {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s: Select returned a backend not in the healthy snapshot", name)
		}
		s.Record(b, 12.5, true)
	}
}

func TestIsValidName(t *testing.T) {
	if IsValidName("bogus") {
		t.Fatal("bogus should not be a valid algorithm name")
	}
	if !IsValidName(RoundRobin) {
		t.Fatal("roundRobin should be valid")
	}
}
