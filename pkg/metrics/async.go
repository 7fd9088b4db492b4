package metrics

import (
	"sync"
	"time"
)

// outcomeWait bounds how long an outcome event may wait for buffer space.
const outcomeWait = 50 * time.Millisecond

// AsyncObserver moves slow observers (files, exporters) off the audio path.
// High-rate events are dropped and counted when the buffer is full; outcome
// events wait briefly for space first.
type AsyncObserver struct {
	inner Observer
	ch    chan MetricsEvent
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped map[string]int64
	dropMu  sync.Mutex
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:   inner,
		ch:      make(chan MetricsEvent, buffer),
		done:    make(chan struct{}),
		dropped: make(map[string]int64),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
		return
	default:
	}
	if outcomeEvents[ev.Name] {
		timer := time.NewTimer(outcomeWait)
		defer timer.Stop()
		select {
		case a.ch <- ev:
			return
		case <-timer.C:
		}
	}
	a.dropMu.Lock()
	a.dropped[ev.Name]++
	a.dropMu.Unlock()
}

// Dropped returns the number of events lost to a full buffer.
func (a *AsyncObserver) Dropped() int64 {
	a.dropMu.Lock()
	defer a.dropMu.Unlock()
	var n int64
	for _, c := range a.dropped {
		n += c
	}
	return n
}

// DroppedByEvent breaks Dropped down by event name.
func (a *AsyncObserver) DroppedByEvent() map[string]int64 {
	a.dropMu.Lock()
	defer a.dropMu.Unlock()
	out := make(map[string]int64, len(a.dropped))
	for k, v := range a.dropped {
		out[k] = v
	}
	return out
}

// Close stops intake; buffered events are still delivered. Safe to call twice.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	close(a.ch)
}

// Wait blocks until every buffered event has been delivered after Close.
func (a *AsyncObserver) Wait() {
	if a == nil {
		return
	}
	<-a.done
}

func (a *AsyncObserver) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
}
