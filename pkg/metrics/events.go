package metrics

// Event names emitted by the voice turn pipeline.
const (
	EventVADSpeechStart     = "vad_speech_start"
	EventVADSpeechEnd       = "vad_speech_end"
	EventVADTimeout         = "vad_classify_timeout"
	EventVADBackpressure    = "vad_backpressure"
	EventIngestBackpressure = "ingest_backpressure"

	EventUtteranceOverflow = "utterance_overflow"

	EventASRDone       = "asr_done"
	EventLLMFirstText  = "llm_first_text"
	EventLLMDone       = "llm_done"
	EventTTSFirstAudio = "tts_first_audio"
	EventTTSDone       = "tts_done"
	EventPlaybackDone  = "playback_done"

	EventTurnStart     = "turn_start"
	EventTurnSpeechEnd = "turn_speech_end"
	EventTurnCompleted = "turn_completed"
	EventTurnFailed    = "turn_failed"
	EventTurnAbandoned = "turn_abandoned"
	EventTurnEmpty     = "turn_empty_transcript"
	EventBargeIn       = "barge_in"

	EventPreemptiveStart   = "preemptive_start"
	EventPreemptiveHit     = "preemptive_hit"
	EventPreemptiveRestart = "preemptive_restart"

	EventBreakerDenied = "breaker_denied"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventRateLimit     = "rate_limit"
)

// Tag keys.
const (
	TagSessionID   = "session_id"
	TagTurnID      = "turn_id"
	TagUtteranceID = "utterance_id"
	TagStage       = "stage"
	TagProvider    = "provider"
	TagKind        = "kind"
	TagComponent   = "component"
	TagState       = "state"
)

// Field keys.
const (
	FieldAudioSeconds = "audio_seconds"
	FieldTokensIn     = "tokens_in"
	FieldTokensOut    = "tokens_out"
	FieldChars        = "chars"
	FieldDurationMS   = "duration_ms"
	FieldEstimated    = "estimated"
	FieldLagMS        = "lag_ms"
	FieldReason       = "reason"
)
