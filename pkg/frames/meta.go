package frames

// Metadata keys carried on frames and metrics tags.
const (
	MetaStreamID     = "stream_id"
	MetaSessionID    = "session_id"
	MetaUtteranceID  = "utterance_id"
	MetaTurnID       = "turn_id"
	MetaGenerationID = "generation_id"
	MetaSource       = "source"
	MetaEncoding     = "encoding"
	MetaTransport    = "transport"
)
