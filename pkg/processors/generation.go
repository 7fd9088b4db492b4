package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/harunnryd/voiceturn/pkg/aggregators"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/llm"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/metrics"
)

// Seed is the user text a generation answers. TranscriptID is empty for a
// speculative generation seeded from a partial transcript.
type Seed struct {
	Ref
	TranscriptID string
	Text         string
}

// GenerationHandle is one response generation attempt. Increments are
// delivered in generation order and the channel is closed when the attempt
// ends. Done is closed once the producer has exited; after that no further
// increment can be delivered.
type GenerationHandle struct {
	ID   string
	Seed Seed

	basedOn    atomic.Value
	increments chan frames.TextIncrement
	done       chan struct{}
	cancel     context.CancelCauseFunc
	cancelled  atomic.Bool

	mu        sync.Mutex
	text      strings.Builder
	usage     llm.Usage
	estimated bool
	err       error
}

// BasedOn returns the transcript the generation is committed to, or "" while
// it is speculative.
func (h *GenerationHandle) BasedOn() string {
	v, _ := h.basedOn.Load().(string)
	return v
}

func (h *GenerationHandle) Speculative() bool { return h.BasedOn() == "" }

// Commit binds a speculative generation to the final transcript.
func (h *GenerationHandle) Commit(transcriptID string) { h.basedOn.Store(transcriptID) }

func (h *GenerationHandle) Increments() <-chan frames.TextIncrement { return h.increments }

func (h *GenerationHandle) Done() <-chan struct{} { return h.done }

// Cancel marks the handle cancelled and stops the producer. It is safe to
// call more than once.
func (h *GenerationHandle) Cancel() {
	if h.cancelled.CompareAndSwap(false, true) {
		h.cancel(errorsx.ErrCancelled)
	}
}

func (h *GenerationHandle) Cancelled() bool { return h.cancelled.Load() }

// Err is the failure that ended the attempt, valid after Done.
func (h *GenerationHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Text is everything generated so far.
func (h *GenerationHandle) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text.String()
}

// Usage reports token counts; estimated is true when the provider sent none.
func (h *GenerationHandle) Usage() (u llm.Usage, estimated bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usage, h.estimated
}

// ResponseGenerationStage streams replies from an LLM as sentence increments.
type ResponseGenerationStage struct {
	adapter     llm.LLMAdapter
	idleTimeout time.Duration
	aggCfg      aggregators.AggregatorConfig
	logger      *slog.Logger
	emit        metrics.Emitter
}

func NewResponseGenerationStage(adapter llm.LLMAdapter, idleTimeout time.Duration) *ResponseGenerationStage {
	return &ResponseGenerationStage{
		adapter:     adapter,
		idleTimeout: idleTimeout,
		logger:      logging.NewComponentLogger(slog.Default(), "generation_stage"),
	}
}

func (s *ResponseGenerationStage) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logging.NewComponentLogger(logger, "generation_stage")
	}
}

func (s *ResponseGenerationStage) SetEmitter(e metrics.Emitter) { s.emit = e }

// SetAggregatorConfig tunes sentence chunking of the token stream.
func (s *ResponseGenerationStage) SetAggregatorConfig(cfg aggregators.AggregatorConfig) { s.aggCfg = cfg }

// Generate starts a generation for conv plus the seed as the latest user
// message. It returns immediately; the provider call runs in the background.
func (s *ResponseGenerationStage) Generate(ctx context.Context, conv llm.Context, seed Seed) *GenerationHandle {
	gctx, cancel := context.WithCancelCause(ctx)
	h := &GenerationHandle{
		ID:         uuid.NewString(),
		Seed:       seed,
		increments: make(chan frames.TextIncrement),
		done:       make(chan struct{}),
		cancel:     cancel,
	}
	h.basedOn.Store(seed.TranscriptID)
	input := conv.Append(llm.Message{Role: llm.RoleUser, Content: seed.Text})
	go s.run(gctx, h, input)
	return h
}

func (s *ResponseGenerationStage) run(ctx context.Context, h *GenerationHandle, input llm.Context) {
	defer close(h.done)
	defer close(h.increments)
	defer h.cancel(nil)

	log := s.logger.With(
		slog.String("generation_id", h.ID),
		slog.String("turn_id", h.Seed.TurnID),
		slog.String("utterance_id", h.Seed.UtteranceID),
		slog.Bool("speculative", h.Seed.TranscriptID == ""))
	start := time.Now()
	emit := s.emit.With(h.Seed.tags())

	// The idle deadline only covers waiting on the provider. A consumer that
	// has not started reading yet, such as a speculative handle held while the
	// user is still talking, must not time the generation out.
	var idle *time.Timer
	if s.idleTimeout > 0 {
		idle = time.AfterFunc(s.idleTimeout, func() { h.cancel(context.DeadlineExceeded) })
		defer idle.Stop()
	}
	touch := func() {
		if idle != nil {
			idle.Reset(s.idleTimeout)
		}
	}
	pause := func() {
		if idle != nil {
			idle.Stop()
		}
	}

	var usage *llm.Usage
	seq := 0
	firstSent := false
	agg := aggregators.NewSentenceAggregator(s.aggCfg)

	// send delivers one increment unless the handle was cancelled first.
	send := func(text string) bool {
		if ctx.Err() != nil {
			return false
		}
		inc := frames.TextIncrement{GenerationID: h.ID, Seq: seq, Text: text, At: time.Now()}
		pause()
		select {
		case <-ctx.Done():
			return false
		case h.increments <- inc:
		}
		seq++
		if !firstSent {
			firstSent = true
			emit.Emit(metrics.EventLLMFirstText, float64(time.Since(start).Milliseconds()), map[string]any{
				metrics.FieldDurationMS: time.Since(start).Milliseconds(),
			})
		}
		touch()
		return true
	}

	finish := func(err error) {
		s.settle(h, input, usage, err, time.Since(start), log, emit)
	}

	stream, err := s.adapter.Stream(ctx, input)
	if err != nil {
		finish(s.cause(ctx, err))
		return
	}
	touch()
	for {
		select {
		case <-ctx.Done():
			finish(context.Cause(ctx))
			drain(stream)
			return
		case chunk, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					finish(context.Cause(ctx))
					return
				}
				if rest := agg.Flush(); rest != "" {
					if !send(rest) {
						finish(context.Cause(ctx))
						return
					}
				}
				finish(nil)
				return
			}
			touch()
			if chunk.Err != nil {
				finish(s.cause(ctx, chunk.Err))
				drain(stream)
				return
			}
			if chunk.Usage != nil {
				u := *chunk.Usage
				usage = &u
			}
			if chunk.Text == "" {
				continue
			}
			h.mu.Lock()
			h.text.WriteString(chunk.Text)
			h.mu.Unlock()
			for _, sentence := range agg.Add(chunk.Text) {
				if !send(sentence) {
					finish(context.Cause(ctx))
					drain(stream)
					return
				}
			}
		}
	}
}

// cause prefers the context cause so an idle timeout or a cancel is reported
// as such rather than as the provider error it provoked.
func (s *ResponseGenerationStage) cause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

func (s *ResponseGenerationStage) settle(h *GenerationHandle, input llm.Context, usage *llm.Usage, err error, elapsed time.Duration, log *slog.Logger, emit metrics.Emitter) {
	h.mu.Lock()
	text := h.text.String()
	estimated := usage == nil
	if usage != nil {
		h.usage = *usage
	} else {
		promptChars := 0
		for _, m := range input.Messages {
			promptChars += utf8.RuneCountInString(m.Content)
		}
		h.usage = llm.Usage{
			PromptTokens:     metrics.EstimateTokens(promptChars),
			CompletionTokens: metrics.EstimateTokens(utf8.RuneCountInString(text)),
		}
		h.usage.TotalTokens = h.usage.PromptTokens + h.usage.CompletionTokens
	}
	h.estimated = estimated
	if err != nil {
		h.err = errorsx.NewStageError(errorsx.StageGenerate, h.Seed.UtteranceID, err)
	}
	u := h.usage
	h.mu.Unlock()

	// Only spend that reached the provider counts; a failed connect has none.
	if err == nil || text != "" || usage != nil {
		emit.Emit(metrics.EventLLMDone, float64(elapsed.Milliseconds()), map[string]any{
			metrics.FieldTokensIn:   u.PromptTokens,
			metrics.FieldTokensOut:  u.CompletionTokens,
			metrics.FieldEstimated:  estimated,
			metrics.FieldDurationMS: elapsed.Milliseconds(),
			metrics.FieldChars:      utf8.RuneCountInString(text),
		})
	}

	switch kind := errorsx.Classify(err); {
	case err == nil:
		log.Info("generation_done",
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.Int("tokens_in", u.PromptTokens),
			slog.Int("tokens_out", u.CompletionTokens),
			slog.Bool("estimated", estimated))
	case kind == errorsx.KindCancelledByBargeIn:
		log.Info("generation_cancelled",
			slog.Int64("duration_ms", elapsed.Milliseconds()))
	default:
		log.Error("generation_failed",
			slog.String("provider", s.adapter.Name()),
			slog.String("kind", string(kind)),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
	}
}

// drain releases a provider stream in the background so its producer can exit.
func drain(stream <-chan llm.Chunk) {
	go func() {
		for range stream {
		}
	}()
}
