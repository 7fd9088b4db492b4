package processors

import "github.com/harunnryd/voiceturn/pkg/metrics"

// Ref identifies the turn a stage call works for.
type Ref struct {
	TurnID      string
	UtteranceID string
}

func (r Ref) tags() map[string]string {
	tags := make(map[string]string, 2)
	if r.TurnID != "" {
		tags[metrics.TagTurnID] = r.TurnID
	}
	if r.UtteranceID != "" {
		tags[metrics.TagUtteranceID] = r.UtteranceID
	}
	return tags
}
