package turn

type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateGenerating
	StateSynthesizing
	StatePlaying
	StateInterrupted
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateGenerating:
		return "GENERATING"
	case StateSynthesizing:
		return "SYNTHESIZING"
	case StatePlaying:
		return "PLAYING"
	case StateInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// Responding reports whether the agent owns the floor, i.e. a fresh
// SpeechStart in this state is a barge-in.
func (s State) Responding() bool {
	return s == StateGenerating || s == StateSynthesizing || s == StatePlaying
}
