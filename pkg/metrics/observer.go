package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Tag returns a tag value or "".
func (ev MetricsEvent) Tag(key string) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[key]
}

// IntField reads an integer field, tolerating float64 values decoded from JSON.
func (ev MetricsEvent) IntField(key string) int {
	switch v := ev.Fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// FloatField reads a numeric field as float64.
func (ev MetricsEvent) FloatField(key string) float64 {
	switch v := ev.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Emitter stamps events with a fixed set of tags before forwarding them.
type Emitter struct {
	obs  Observer
	tags map[string]string
}

func NewEmitter(obs Observer, tags map[string]string) Emitter {
	if obs == nil {
		obs = NoopObserver{}
	}
	return Emitter{obs: obs, tags: tags}
}

// With returns an emitter carrying additional tags.
func (e Emitter) With(tags map[string]string) Emitter {
	merged := make(map[string]string, len(e.tags)+len(tags))
	for k, v := range e.tags {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	return Emitter{obs: e.obs, tags: merged}
}

// Emit is a no-op on the zero Emitter.
func (e Emitter) Emit(name string, value float64, fields map[string]any) {
	if e.obs == nil {
		return
	}
	tags := make(map[string]string, len(e.tags))
	for k, v := range e.tags {
		tags[k] = v
	}
	e.obs.RecordEvent(MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   tags,
		Fields: fields,
	})
}

func (e Emitter) Observer() Observer { return e.obs }
