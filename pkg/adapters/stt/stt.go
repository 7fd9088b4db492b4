package stt

import (
	"context"
	"time"

	"github.com/harunnryd/voiceturn/pkg/frames"
)

// Request is one finished utterance handed to a batch transcriber.
type Request struct {
	UtteranceID string
	Samples     []int16
	SampleRate  int
	Channels    int
	Language    string
	Prompt      string
}

// AudioSeconds is the billed audio length of the request.
func (r Request) AudioSeconds() float64 {
	if r.SampleRate <= 0 {
		return 0
	}
	ch := r.Channels
	if ch <= 0 {
		ch = 1
	}
	return float64(len(r.Samples)) / float64(ch) / float64(r.SampleRate)
}

// Duration is AudioSeconds as a time.Duration.
func (r Request) Duration() time.Duration {
	return time.Duration(r.AudioSeconds() * float64(time.Second))
}

type Transcript struct {
	UtteranceID string
	Text        string
	// Confidence is nil when the provider does not report one.
	Confidence *float64
	IsFinal    bool
}

// Transcriber converts a complete utterance into text.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}

// PartialStream receives live audio for one utterance and yields interim text.
type PartialStream interface {
	// Send queues a frame. It never blocks the caller.
	Send(frame frames.AudioFrame) error
	// Partials is closed when the stream ends.
	Partials() <-chan Transcript
	Close() error
}

// PartialTranscriber opens live streams used for preemptive generation.
type PartialTranscriber interface {
	Name() string
	Open(ctx context.Context, utteranceID string, sampleRate, channels int) (PartialStream, error)
}
