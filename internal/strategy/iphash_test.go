package strategy

import "testing"

func TestParseDottedQuad(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"192.168.1.100", true},
		{"0.0.0.0", true},
		{"255.255.255.255", true},
		{"256.1.1.1", false},
		{"1.2.3", false},
		{"1.2.3.4.5", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, c := range cases {
		_, ok := parseDottedQuad(c.in)
		if ok != c.ok {
			t.Errorf("parseDottedQuad(%q) ok = %v, want %v", c.in, ok, c.ok)
		}
	}
}

func TestNormalizeClientInfoEmptyMapsToLoopback(t *testing.T) {
	for _, in := range []string{"", "   ", "\t\n"} {
		ip, _ := normalizeClientInfo(in)
		if ip != "127.0.0.1" {
			t.Errorf("normalizeClientInfo(%q) = %q, want 127.0.0.1", in, ip)
		}
	}
}

func TestNormalizeClientInfoRealIPPassesThrough(t *testing.T) {
	ip, _ := normalizeClientInfo("192.168.1.100")
	if ip != "192.168.1.100" {
		t.Fatalf("real dotted-quad should pass through unchanged, got %q", ip)
	}
}

func TestNormalizeClientInfoSynthesizesOctetsInRange(t *testing.T) {
	ip, _ := normalizeClientInfo("some-opaque-client-token")
	octets, ok := parseDottedQuad(ip)
	_ = octets
	if !ok {
		t.Fatalf("synthesized ip %q is not itself a valid dotted-quad", ip)
	}
	parts := splitQuad(ip)
	for _, p := range parts {
		if p < 1 || p > 255 {
			t.Fatalf("synthesized octet %d out of the documented [1,255] range", p)
		}
	}
}

func splitQuad(ip string) []int {
	var out []int
	cur := 0
	for _, r := range ip {
		if r == '.' {
			out = append(out, cur)
			cur = 0
			continue
		}
		cur = cur*10 + int(r-'0')
	}
	out = append(out, cur)
	return out
}

func TestIPHashStickiness(t *testing.T) {
	bs := makeBackends("s1", "s2", "s3", "s4")
	s := newIPHash(nil)

	var first string
	for i := 0; i < 10; i++ {
		b, err := s.Select(bs, "192.168.1.100")
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = b.ID()
		} else if b.ID() != first {
			t.Fatalf("select %d returned %s, want sticky %s", i, b.ID(), first)
		}
		s.Record(b, 1, true)
	}
	if s.cache.Len() != 1 {
		t.Fatalf("cache size = %d, want 1", s.cache.Len())
	}
}

func TestIPHashOnRemovePurgesCache(t *testing.T) {
	bs := makeBackends("s1", "s2")
	s := newIPHash(nil)

	b, err := s.Select(bs, "10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	s.Record(b, 1, true)

	s.OnRemove(b)
	if _, ok := s.cache.Get("10.0.0.5"); ok {
		t.Fatal("cache entry for the removed backend should be purged")
	}
}

func TestIPHashNeverSelectsUnhealthy(t *testing.T) {
	all := makeBackends("s1", "s2", "s3")
	healthy := all[:2] // s3 excluded
	s := newIPHash(nil)

	for i := 0; i < 50; i++ {
		b, err := s.Select(healthy, "client-"+string(rune('a'+i)))
		if err != nil {
			t.Fatal(err)
		}
		if b.ID() == "s3" {
			t.Fatal("unhealthy backend must never be selected")
		}
		s.Record(b, 1, true)
	}
}
