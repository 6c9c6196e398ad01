package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards every n-th event to inner. Events whose name is
// in keep are always forwarded, so cycle outcomes and breaker transitions
// survive aggressive sampling of per-call noise.
type SamplingObserver struct {
	inner Observer
	every uint64
	keep  map[string]struct{}
	seen  atomic.Uint64
}

// NewSamplingObserver keeps roughly rate (clamped to [0,1]) of the events not
// named in keep. A zero rate drops them all.
func NewSamplingObserver(inner Observer, rate float64, keep ...string) *SamplingObserver {
	s := &SamplingObserver{inner: inner, keep: make(map[string]struct{}, len(keep))}
	for _, name := range keep {
		s.keep[name] = struct{}{}
	}
	switch {
	case rate <= 0:
		s.every = 0
	case rate >= 1:
		s.every = 1
	default:
		s.every = max(uint64(math.Round(1/rate)), 1)
	}
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if _, ok := s.keep[ev.Name]; ok {
		s.inner.RecordEvent(ev)
		return
	}
	switch s.every {
	case 0:
		return
	case 1:
		s.inner.RecordEvent(ev)
		return
	}
	if s.seen.Add(1)%s.every == 0 {
		s.inner.RecordEvent(ev)
	}
}
