package metrics

import (
	"sync"
	"time"
)

// UsageSummary accumulates session usage. It is finalized once by Summarize.
type UsageSummary struct {
	SessionID          string    `json:"session_id"`
	ASRSeconds         float64   `json:"asr_seconds"`
	LLMTokensIn        int       `json:"llm_tokens_in"`
	LLMTokensOut       int       `json:"llm_tokens_out"`
	LLMTokensEstimated bool      `json:"llm_tokens_estimated,omitempty"`
	TTSCharacters      int       `json:"tts_characters"`
	Turns              int       `json:"turns"`
	TurnsFailed        int       `json:"turns_failed"`
	TurnsAbandoned     int       `json:"turns_abandoned"`
	BargeIns           int       `json:"barge_ins"`
	PreemptiveStarts   int       `json:"preemptive_starts"`
	PreemptiveHits     int       `json:"preemptive_hits"`
	PreemptiveRestarts int       `json:"preemptive_restarts"`
	StartedAt          time.Time `json:"started_at"`
	FinalizedAt        time.Time `json:"finalized_at"`
}

// Aggregator is the single consumer of stage completion events for a session.
// It accumulates a UsageSummary until Summarize freezes it; events recorded
// afterwards are ignored.
type Aggregator struct {
	mu      sync.Mutex
	summary UsageSummary
	frozen  bool
	once    sync.Once
	final   UsageSummary
}

func NewAggregator(sessionID string) *Aggregator {
	return &Aggregator{summary: UsageSummary{SessionID: sessionID, StartedAt: time.Now().UTC()}}
}

func (a *Aggregator) RecordEvent(ev MetricsEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen {
		return
	}
	s := &a.summary
	switch ev.Name {
	case EventASRDone:
		s.ASRSeconds += ev.FloatField(FieldAudioSeconds)
	case EventLLMDone:
		s.LLMTokensIn += ev.IntField(FieldTokensIn)
		s.LLMTokensOut += ev.IntField(FieldTokensOut)
		if est, _ := ev.Fields[FieldEstimated].(bool); est {
			s.LLMTokensEstimated = true
		}
	case EventTTSDone:
		s.TTSCharacters += ev.IntField(FieldChars)
	case EventTurnCompleted:
		s.Turns++
	case EventTurnFailed:
		s.TurnsFailed++
	case EventTurnAbandoned:
		s.TurnsAbandoned++
	case EventBargeIn:
		s.BargeIns++
	case EventPreemptiveStart:
		s.PreemptiveStarts++
	case EventPreemptiveHit:
		s.PreemptiveHits++
	case EventPreemptiveRestart:
		s.PreemptiveRestarts++
	}
}

// Snapshot returns the running totals without finalizing them.
func (a *Aggregator) Snapshot() UsageSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}

// Summarize freezes the summary on first call and returns the same value on
// every later call.
func (a *Aggregator) Summarize() UsageSummary {
	a.once.Do(func() {
		a.mu.Lock()
		a.frozen = true
		a.summary.FinalizedAt = time.Now().UTC()
		a.final = a.summary
		a.mu.Unlock()
	})
	return a.final
}

// EstimateTokens approximates a token count from text length when a provider
// reports no usage.
func EstimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

var _ Observer = (*Aggregator)(nil)
