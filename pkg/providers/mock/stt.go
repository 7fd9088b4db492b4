package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/voiceturn/pkg/adapters/stt"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
)

type STTConfig struct {
	Transcript string
	Confidence *float64
	Delay      time.Duration
	Err        error
	// Transcripts overrides Transcript per call, in order.
	Transcripts []string
}

type Transcriber struct {
	cfg      STTConfig
	mu       sync.Mutex
	requests []stt.Request
}

func NewTranscriber(cfg STTConfig) *Transcriber {
	return &Transcriber{cfg: cfg}
}

func (t *Transcriber) Name() string { return "mock_stt" }

func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	t.mu.Lock()
	n := len(t.requests)
	t.requests = append(t.requests, req)
	t.mu.Unlock()

	if t.cfg.Delay > 0 {
		timer := time.NewTimer(t.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		case <-timer.C:
		}
	}
	if t.cfg.Err != nil {
		return stt.Transcript{}, t.cfg.Err
	}
	text := t.cfg.Transcript
	if n < len(t.cfg.Transcripts) {
		text = t.cfg.Transcripts[n]
	}
	if text == "" {
		return stt.Transcript{}, errorsx.Errorf(errorsx.ReasonASREmpty, "mock transcript empty")
	}
	return stt.Transcript{UtteranceID: req.UtteranceID, Text: text, Confidence: t.cfg.Confidence, IsFinal: true}, nil
}

// Requests returns the requests seen so far.
func (t *Transcriber) Requests() []stt.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]stt.Request(nil), t.requests...)
}

type PartialConfig struct {
	// Partials are emitted one per FramesPerPartial frames sent.
	Partials         []string
	FramesPerPartial int
	OpenErr          error
}

type PartialTranscriber struct {
	cfg PartialConfig
	mu  sync.Mutex
	ids []string
}

func NewPartialTranscriber(cfg PartialConfig) *PartialTranscriber {
	if cfg.FramesPerPartial <= 0 {
		cfg.FramesPerPartial = 1
	}
	return &PartialTranscriber{cfg: cfg}
}

func (p *PartialTranscriber) Name() string { return "mock_partial_stt" }

func (p *PartialTranscriber) Open(ctx context.Context, utteranceID string, sampleRate, channels int) (stt.PartialStream, error) {
	if p.cfg.OpenErr != nil {
		return nil, p.cfg.OpenErr
	}
	p.mu.Lock()
	p.ids = append(p.ids, utteranceID)
	p.mu.Unlock()
	return &partialStream{cfg: p.cfg, id: utteranceID, out: make(chan stt.Transcript, len(p.cfg.Partials)+1)}, nil
}

// Opened returns the utterance IDs streams were opened for.
func (p *PartialTranscriber) Opened() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

type partialStream struct {
	cfg    PartialConfig
	id     string
	out    chan stt.Transcript
	mu     sync.Mutex
	sent   int
	next   int
	closed bool
}

func (s *partialStream) Send(frame frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.sent++
	if s.sent%s.cfg.FramesPerPartial == 0 && s.next < len(s.cfg.Partials) {
		s.out <- stt.Transcript{UtteranceID: s.id, Text: s.cfg.Partials[s.next]}
		s.next++
	}
	return nil
}

func (s *partialStream) Partials() <-chan stt.Transcript { return s.out }

func (s *partialStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

var (
	_ stt.Transcriber        = (*Transcriber)(nil)
	_ stt.PartialTranscriber = (*PartialTranscriber)(nil)
)
