package errorsx

import (
	"errors"
	"fmt"
)

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonVADClassify ReasonCode = "vad_classify"
	ReasonVADModel    ReasonCode = "vad_model"

	ReasonASRConnect   ReasonCode = "asr_connect"
	ReasonASRRequest   ReasonCode = "asr_request"
	ReasonASRRejected  ReasonCode = "asr_rejected"
	ReasonASREmpty     ReasonCode = "asr_empty_text"
	ReasonASRRateLimit ReasonCode = "asr_rate_limit"
	ReasonASRStream    ReasonCode = "asr_stream"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMStream      ReasonCode = "llm_stream"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMRejected    ReasonCode = "llm_rejected"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSSend      ReasonCode = "tts_send"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"
	ReasonTTSRejected  ReasonCode = "tts_rejected"

	ReasonTransportSend  ReasonCode = "transport_send"
	ReasonTransportClear ReasonCode = "transport_clear"
)

var rejectedReasons = map[ReasonCode]bool{
	ReasonASRRejected: true,
	ReasonASREmpty:    true,
	ReasonLLMRejected: true,
	ReasonTTSRejected: true,
}

type reasoned struct {
	reason ReasonCode
	err    error
}

func (e *reasoned) Error() string { return e.err.Error() }

func (e *reasoned) Unwrap() error { return e.err }

// Wrap tags err with reason. The innermost reason wins, so a provider's code
// survives being wrapped again by a stage.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var r *reasoned
	if errors.As(err, &r) {
		return err
	}
	return &reasoned{reason: reason, err: err}
}

func Errorf(reason ReasonCode, format string, args ...any) error {
	return &reasoned{reason: reason, err: fmt.Errorf(format, args...)}
}

// Reason returns ReasonUnknown for nil and untagged errors.
func Reason(err error) ReasonCode {
	var r *reasoned
	if errors.As(err, &r) {
		return r.reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
