package errorsx

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a turn failure.
type Kind string

const (
	KindNone                   Kind = ""
	KindProviderUnavailable    Kind = "provider_unavailable"
	KindProviderTimeout        Kind = "provider_timeout"
	KindProviderRejected       Kind = "provider_rejected"
	KindCancelledByBargeIn     Kind = "cancelled_by_barge_in"
	KindInternalStateViolation Kind = "internal_state_violation"
)

// Stage names the pipeline stage an error came from.
type Stage string

const (
	StageVAD        Stage = "vad"
	StageTranscribe Stage = "transcribe"
	StageGenerate   Stage = "generate"
	StageSynthesize Stage = "synthesize"
	StagePlayback   Stage = "playback"
)

var (
	// ErrInternalStateViolation marks a controller/VAD desynchronization. It is fatal to the session.
	ErrInternalStateViolation = errors.New("internal state violation")
	// ErrCancelled is returned by stages stopped on purpose, e.g. on barge-in.
	ErrCancelled = errors.New("cancelled by barge-in")
)

// StageError carries the stage and utterance a failure belongs to.
type StageError struct {
	Stage       Stage
	Kind        Kind
	UtteranceID string
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s) for utterance %s: %v", e.Stage, e.Kind, e.UtteranceID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError classifies err and attaches stage information. Returns nil for nil err.
func NewStageError(stage Stage, utteranceID string, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Stage: stage, Kind: Classify(err), UtteranceID: utteranceID, Err: err}
}

// Violation builds an InternalStateViolation error with context.
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternalStateViolation, fmt.Sprintf(format, args...))
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInternalStateViolation):
		return KindInternalStateViolation
	case errors.Is(err, context.DeadlineExceeded):
		return KindProviderTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelledByBargeIn
	}
	var se *StageError
	if errors.As(err, &se) && se.Kind != KindNone {
		return se.Kind
	}
	if rejectedReasons[Reason(err)] {
		return KindProviderRejected
	}
	return KindProviderUnavailable
}

// IsFatal reports whether err must terminate the session.
func IsFatal(err error) bool {
	return Classify(err) == KindInternalStateViolation
}
