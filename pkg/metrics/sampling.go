package metrics

import (
	"math"
	"sync"
)

// Outcome events are rare and carry the turn result; sampling never drops them.
var outcomeEvents = map[string]bool{
	EventTurnCompleted:     true,
	EventTurnFailed:        true,
	EventTurnAbandoned:     true,
	EventTurnEmpty:         true,
	EventBargeIn:           true,
	EventPreemptiveHit:     true,
	EventPreemptiveRestart: true,
	EventBreakerOpen:       true,
	EventBreakerClose:      true,
	EventRateLimit:         true,
}

// SamplingObserver forwards one in every 1/rate events per event name.
// Outcome events always pass.
type SamplingObserver struct {
	inner Observer
	every uint64

	mu     sync.Mutex
	counts map[string]uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Max(1, math.Round(1/rate)))
	}
	return &SamplingObserver{inner: inner, every: every, counts: make(map[string]uint64)}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if outcomeEvents[ev.Name] || s.every == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	s.mu.Lock()
	s.counts[ev.Name]++
	n := s.counts[ev.Name]
	s.mu.Unlock()
	if n%s.every == 0 {
		s.inner.RecordEvent(ev)
	}
}
