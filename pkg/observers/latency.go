package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voiceturn/pkg/metrics"
)

// LatencyObserver logs one latency line per finished turn. All figures are
// measured from the end of user speech.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	sessionID  string
	speechEnd  time.Time
	asrDone    time.Time
	firstText  time.Time
	firstAudio time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ev.Tag(metrics.TagTurnID)
	if turnID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[turnID]
	if t == nil {
		if ev.Name != metrics.EventTurnStart && ev.Name != metrics.EventTurnSpeechEnd {
			return
		}
		t = &trace{sessionID: ev.Tag(metrics.TagSessionID)}
		o.traces[turnID] = t
	}
	switch ev.Name {
	case metrics.EventTurnSpeechEnd:
		t.speechEnd = ev.Time
	case metrics.EventASRDone:
		setOnce(&t.asrDone, ev.Time)
	case metrics.EventLLMFirstText:
		setOnce(&t.firstText, ev.Time)
	case metrics.EventTTSFirstAudio:
		setOnce(&t.firstAudio, ev.Time)
	case metrics.EventTurnCompleted, metrics.EventTurnFailed, metrics.EventBargeIn:
		o.logTurnLocked(turnID, ev.Name, t)
		delete(o.traces, turnID)
	case metrics.EventTurnAbandoned, metrics.EventTurnEmpty:
		delete(o.traces, turnID)
	}
}

// Pending reports how many turns are still being traced.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}

func (o *LatencyObserver) logTurnLocked(turnID, outcome string, t *trace) {
	o.log.Info("turn_latency",
		"session_id", t.sessionID,
		"turn_id", turnID,
		"outcome", outcome,
		"transcribe_ms", durationMs(t.speechEnd, t.asrDone),
		"first_text_ms", durationMs(t.speechEnd, t.firstText),
		"first_audio_ms", durationMs(t.speechEnd, t.firstAudio),
	)
}

func setOnce(dst *time.Time, at time.Time) {
	if dst.IsZero() {
		*dst = at
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
