package processors

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/voiceturn/pkg/adapters/tts"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/metrics"
)

var errSynthesizerClosed = errors.New("synthesizer closed before end of input")

// SynthesisStage streams text increments through a TTS provider.
type SynthesisStage struct {
	synth       tts.Synthesizer
	idleTimeout time.Duration
	logger      *slog.Logger
	emit        metrics.Emitter
}

func NewSynthesisStage(synth tts.Synthesizer, idleTimeout time.Duration) *SynthesisStage {
	return &SynthesisStage{
		synth:       synth,
		idleTimeout: idleTimeout,
		logger:      logging.NewComponentLogger(slog.Default(), "synthesis_stage"),
	}
}

func (s *SynthesisStage) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logging.NewComponentLogger(logger, "synthesis_stage")
	}
}

func (s *SynthesisStage) SetEmitter(e metrics.Emitter) { s.emit = e }

// SynthesisStream is one streaming synthesis. Audio is closed when the
// provider finished, failed or the stream was cancelled.
type SynthesisStream struct {
	Ref
	GenerationID string

	out    chan frames.AudioIncrement
	done   chan struct{}
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	err   error
	chars int
}

func (st *SynthesisStream) Audio() <-chan frames.AudioIncrement { return st.out }

func (st *SynthesisStream) Done() <-chan struct{} { return st.done }

// Cancel stops the stream. Audio not yet delivered is discarded.
func (st *SynthesisStream) Cancel() { st.cancel(errorsx.ErrCancelled) }

func (st *SynthesisStream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Characters is the amount of text sent to the provider so far.
func (st *SynthesisStream) Characters() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.chars
}

// Synthesize starts streaming synthesis of in. Audio starts flowing as soon
// as the provider answers the first increment, before in is closed.
func (s *SynthesisStage) Synthesize(ctx context.Context, ref Ref, generationID string, in <-chan frames.TextIncrement) *SynthesisStream {
	sctx, cancel := context.WithCancelCause(ctx)
	st := &SynthesisStream{
		Ref:          ref,
		GenerationID: generationID,
		out:          make(chan frames.AudioIncrement),
		done:         make(chan struct{}),
		cancel:       cancel,
	}
	go s.run(sctx, st, in)
	return st
}

func (s *SynthesisStage) run(ctx context.Context, st *SynthesisStream, in <-chan frames.TextIncrement) {
	defer close(st.done)
	defer close(st.out)
	defer st.cancel(nil)

	log := s.logger.With(
		slog.String("generation_id", st.GenerationID),
		slog.String("turn_id", st.TurnID),
		slog.String("utterance_id", st.UtteranceID))
	start := time.Now()
	emit := s.emit.With(st.tags())
	finish := func(err error) { s.settle(st, err, time.Since(start), log, emit) }

	pin := make(chan frames.TextIncrement)
	pout, err := s.synth.Synthesize(ctx, pin)
	if err != nil {
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		finish(err)
		return
	}

	// The idle timer only runs while input has been handed over and the
	// provider owes audio for it.
	idle := time.NewTimer(time.Hour)
	idle.Stop()
	armed := false
	arm := func() {
		if s.idleTimeout > 0 {
			idle.Reset(s.idleTimeout)
			armed = true
		}
	}
	defer idle.Stop()

	var (
		pending    []frames.TextIncrement
		unattested []string
		seq        int
		first      = true
	)
	inCh := in
	for {
		var sendCh chan<- frames.TextIncrement
		var next frames.TextIncrement
		if len(pending) > 0 {
			sendCh = pin
			next = pending[0]
		}
		var timeout <-chan time.Time
		if armed {
			timeout = idle.C
		}

		select {
		case <-ctx.Done():
			finish(context.Cause(ctx))
			return
		case inc, ok := <-inCh:
			if !ok {
				inCh = nil
				break
			}
			if inc.Text == "" {
				break
			}
			pending = append(pending, inc)
		case sendCh <- next:
			pending = pending[1:]
			unattested = append(unattested, next.Text)
			st.mu.Lock()
			st.chars += utf8.RuneCountInString(next.Text)
			st.mu.Unlock()
			arm()
		case chunk, ok := <-pout:
			if !ok {
				if ctx.Err() != nil {
					finish(context.Cause(ctx))
				} else if inCh != nil || len(pending) > 0 {
					finish(errorsx.Wrap(errSynthesizerClosed, errorsx.ReasonTTSSend))
				} else {
					finish(nil)
				}
				return
			}
			if chunk.Err != nil {
				if ctx.Err() != nil {
					finish(context.Cause(ctx))
				} else {
					finish(chunk.Err)
				}
				return
			}
			if chunk.Final {
				finish(nil)
				return
			}
			if len(chunk.PCM) == 0 {
				break
			}
			text := chunk.Text
			if text == "" && len(unattested) > 0 {
				// Providers without alignment: attribute a sentence to the
				// first audio that follows it.
				text = unattested[0]
				unattested = unattested[1:]
			} else if text != "" && len(unattested) > 0 {
				unattested = unattested[1:]
			}
			ai := frames.AudioIncrement{
				GenerationID: st.GenerationID,
				Seq:          seq,
				PCM:          chunk.PCM,
				SampleRate:   chunk.SampleRate,
				Channels:     chunk.Channels,
				Text:         text,
				At:           time.Now(),
			}
			select {
			case <-ctx.Done():
				finish(context.Cause(ctx))
				return
			case st.out <- ai:
			}
			seq++
			if first {
				first = false
				emit.Emit(metrics.EventTTSFirstAudio, float64(time.Since(start).Milliseconds()), map[string]any{
					metrics.FieldDurationMS: time.Since(start).Milliseconds(),
				})
			}
			if inCh != nil && len(pending) == 0 && len(unattested) == 0 {
				// Caught up with the text; waiting on the generator now.
				idle.Stop()
				armed = false
			} else {
				arm()
			}
		case <-timeout:
			finish(context.DeadlineExceeded)
			return
		}

		if inCh == nil && len(pending) == 0 && pin != nil {
			close(pin)
			pin = nil
			arm()
		}
	}
}

func (s *SynthesisStage) settle(st *SynthesisStream, err error, elapsed time.Duration, log *slog.Logger, emit metrics.Emitter) {
	st.mu.Lock()
	chars := st.chars
	if err != nil {
		st.err = errorsx.NewStageError(errorsx.StageSynthesize, st.UtteranceID, err)
	}
	st.mu.Unlock()

	if chars > 0 {
		emit.Emit(metrics.EventTTSDone, float64(elapsed.Milliseconds()), map[string]any{
			metrics.FieldChars:      chars,
			metrics.FieldDurationMS: elapsed.Milliseconds(),
		})
	}
	switch kind := errorsx.Classify(err); {
	case err == nil:
		log.Info("synthesis_done",
			slog.Int("chars", chars),
			slog.Int64("duration_ms", elapsed.Milliseconds()))
	case kind == errorsx.KindCancelledByBargeIn:
		log.Info("synthesis_cancelled", slog.Int("chars", chars))
	default:
		log.Error("synthesis_failed",
			slog.String("provider", s.synth.Name()),
			slog.String("kind", string(kind)),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
}
