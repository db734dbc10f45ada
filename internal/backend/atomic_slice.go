package backend

import "sync/atomic"

// atomicSlice publishes a []*Backend behind a single atomic.Value, the
// copy-on-write mechanism spec.md §5 calls for: rebuilders serialize with
// themselves by virtue of holding Registry's mu, but readers never block.
type atomicSlice struct {
	v atomic.Value
}

func (s *atomicSlice) Store(bs []*Backend) {
	s.v.Store(bs)
}

func (s *atomicSlice) Load() []*Backend {
	v := s.v.Load()
	if v == nil {
		return nil
	}
	return v.([]*Backend)
}
