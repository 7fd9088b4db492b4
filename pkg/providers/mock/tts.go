package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/voiceturn/pkg/adapters/tts"
	"github.com/harunnryd/voiceturn/pkg/frames"
)

type TTSConfig struct {
	SampleRate int
	// BytesPerChar sizes the PCM emitted per input character.
	BytesPerChar int
	Delay        time.Duration
	Err          error
	// StreamErr is emitted instead of audio for the first increment when set.
	StreamErr error
}

type Synthesizer struct {
	cfg  TTSConfig
	mu   sync.Mutex
	seen []frames.TextIncrement
}

func NewSynthesizer(cfg TTSConfig) *Synthesizer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.BytesPerChar <= 0 {
		cfg.BytesPerChar = 32
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text <-chan frames.TextIncrement) (<-chan tts.Chunk, error) {
	if s.cfg.Err != nil {
		return nil, s.cfg.Err
	}
	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
		send := func(c tts.Chunk) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- c:
				return true
			}
		}
		for {
			var inc frames.TextIncrement
			var ok bool
			select {
			case <-ctx.Done():
				return
			case inc, ok = <-text:
			}
			if !ok {
				send(tts.Chunk{Final: true, SampleRate: s.cfg.SampleRate, Channels: 1})
				return
			}
			s.mu.Lock()
			s.seen = append(s.seen, inc)
			s.mu.Unlock()
			if s.cfg.StreamErr != nil {
				send(tts.Chunk{Err: s.cfg.StreamErr})
				return
			}
			if s.cfg.Delay > 0 {
				timer := time.NewTimer(s.cfg.Delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			pcm := make([]byte, len(inc.Text)*s.cfg.BytesPerChar)
			if !send(tts.Chunk{PCM: pcm, Text: inc.Text, SampleRate: s.cfg.SampleRate, Channels: 1}) {
				return
			}
		}
	}()
	return out, nil
}

// Seen returns the text increments received so far.
func (s *Synthesizer) Seen() []frames.TextIncrement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frames.TextIncrement(nil), s.seen...)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
