package turn

import (
	"time"

	"github.com/harunnryd/voiceturn/pkg/errorsx"
)

type SessionEventKind int

const (
	TurnCompleted SessionEventKind = iota + 1
	TurnFailed
)

func (k SessionEventKind) String() string {
	switch k {
	case TurnCompleted:
		return "turn_completed"
	case TurnFailed:
		return "turn_failed"
	default:
		return "unknown"
	}
}

// SessionEvent is what the controller reports to the surrounding session.
// Barge-ins are never reported here.
type SessionEvent struct {
	Kind        SessionEventKind
	TurnID      string
	UtteranceID string
	Transcript  string
	Response    string
	Stage       errorsx.Stage
	ErrKind     errorsx.Kind
	Err         error
	At          time.Time
}
