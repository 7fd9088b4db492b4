package tts

import (
	"context"
	"time"

	"github.com/harunnryd/voiceturn/pkg/frames"
)

// Chunk is synthesized audio for a span of input text. Err ends the stream.
type Chunk struct {
	PCM        []byte
	Text       string
	SampleRate int
	Channels   int
	Final      bool
	Err        error
}

// Duration returns the playback length of PCM16 audio in the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 || len(c.PCM) == 0 {
		return 0
	}
	ch := c.Channels
	if ch <= 0 {
		ch = 1
	}
	samples := len(c.PCM) / 2 / ch
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// Synthesizer streams audio for incrementally arriving text. The returned
// channel closes after the input channel closes and all audio is delivered,
// or when ctx is done.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Synthesize(ctx context.Context, text <-chan frames.TextIncrement) (<-chan Chunk, error)
}
