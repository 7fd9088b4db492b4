package observers

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/harunnryd/voiceturn/pkg/redact"
)

// Turn outcomes and provider degradation are logged at info; per-stage
// timing events only at debug.
var infoEvents = map[string]bool{
	metrics.EventTurnCompleted: true,
	metrics.EventTurnFailed:    true,
	metrics.EventTurnAbandoned: true,
	metrics.EventBargeIn:       true,
	metrics.EventBreakerOpen:   true,
	metrics.EventBreakerClose:  true,
}

type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := slog.LevelDebug
	if infoEvents[ev.Name] {
		level = slog.LevelInfo
	}
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 2+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs, slog.String("event", ev.Name), slog.Float64("value", ev.Value))
	for _, k := range sortedKeys(ev.Tags) {
		attrs = append(attrs, slog.String(k, ev.Tags[k]))
	}
	for _, k := range sortedKeys(ev.Fields) {
		v := ev.Fields[k]
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(ctx, level, "pipeline_event", attrs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MultiObserver fans an event out to every non-nil child in order.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	out := make([]metrics.Observer, 0, len(list))
	for _, obs := range list {
		if obs != nil {
			out = append(out, obs)
		}
	}
	return &MultiObserver{list: out}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		obs.RecordEvent(ev)
	}
}

func (m *MultiObserver) Flush() error {
	var errs []error
	for _, obs := range m.list {
		if f, ok := obs.(metrics.Flusher); ok {
			errs = append(errs, f.Flush())
		}
	}
	return errors.Join(errs...)
}
