package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/voiceturn/pkg/adapters/stt"
	"github.com/harunnryd/voiceturn/pkg/audio"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/llm"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/harunnryd/voiceturn/pkg/processors"
	"github.com/harunnryd/voiceturn/pkg/redact"
	"github.com/harunnryd/voiceturn/pkg/vad"
)

// ErrControllerClosed is returned by HandleFrame once Run has returned.
var ErrControllerClosed = errors.New("turn controller closed")

type Config struct {
	// PreemptiveGeneration starts a speculative generation from the first
	// partial transcript while the user is still speaking.
	PreemptiveGeneration bool
	Divergence           DivergenceFunc
	// MaxUtterance caps buffered audio; older frames are dropped.
	MaxUtterance  time.Duration
	// FrameDuration sizes the utterance buffer only when frames carry no
	// usable duration; otherwise the opening frame of each utterance decides.
	FrameDuration time.Duration
	PrerollFrames int
	HistoryLimit  int
	SystemPrompt  string
	QueueSize     int
	// ShutdownGrace bounds how long Run waits for in-flight stages to settle
	// after its context ends.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Divergence == nil {
		c.Divergence = NormalizedDivergence
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 30 * time.Second
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Second
	}
	return c
}

// Stages are the collaborators a controller drives. Partial is optional.
type Stages struct {
	Transcription *processors.TranscriptionStage
	Generation    *processors.ResponseGenerationStage
	Synthesis     *processors.SynthesisStage
	Player        *processors.Player
	Partial       stt.PartialTranscriber
}

// Controller is the turn-taking state machine of one session. All turn and
// utterance state is owned by the goroutine running Run; frames and stage
// completions reach it as messages.
type Controller struct {
	cfg     Config
	stages  Stages
	sm      *stateMachine
	history *History
	logger  *slog.Logger
	emit    metrics.Emitter

	inbox    chan any
	events   chan SessionEvent
	closed   chan struct{}
	running  atomic.Bool
	inflight sync.WaitGroup

	ctx      context.Context
	stopAll  context.CancelCauseFunc
	turn     *Turn
	preroll  *audio.FrameBuffer
	capacity int
}

type (
	frameIn struct {
		frame frames.AudioFrame
		vad   vad.Event
	}
	transcriptIn struct {
		turnID string
		tr     stt.Transcript
		err    error
	}
	partialOpenedIn struct {
		turnID string
		stream stt.PartialStream
		err    error
	}
	partialIn struct {
		turnID string
		text   string
	}
	firstTextIn  struct{ turnID string }
	firstAudioIn struct{ turnID string }
	genDoneIn    struct {
		turnID string
		err    error
	}
	synthDoneIn struct {
		turnID string
		err    error
	}
	playDoneIn struct{ turnID string }
)

func NewController(cfg Config, stages Stages) (*Controller, error) {
	if stages.Transcription == nil || stages.Generation == nil || stages.Synthesis == nil || stages.Player == nil {
		return nil, fmt.Errorf("turn controller requires transcription, generation, synthesis and player")
	}
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:      cfg,
		stages:   stages,
		sm:       newStateMachine(),
		history:  NewHistory(cfg.SystemPrompt, cfg.HistoryLimit),
		logger:   logging.NewComponentLogger(slog.Default(), "turn_controller"),
		inbox:    make(chan any, cfg.QueueSize),
		events:   make(chan SessionEvent, cfg.QueueSize),
		closed:   make(chan struct{}),
		capacity: audio.CapacityFor(cfg.MaxUtterance, cfg.FrameDuration),
	}
	if cfg.PrerollFrames > 0 {
		c.preroll = audio.NewFrameBuffer(cfg.PrerollFrames)
	}
	return c, nil
}

func (c *Controller) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logging.NewComponentLogger(logger, "turn_controller")
	}
}

func (c *Controller) SetEmitter(e metrics.Emitter) { c.emit = e }

// AddListener registers a state listener. Listeners run on the controller
// goroutine and must not block.
func (c *Controller) AddListener(l StateListener) { c.sm.AddListener(l) }

func (c *Controller) State() State { return c.sm.State() }

// Events delivers TurnCompleted and TurnFailed. It is closed when Run returns.
func (c *Controller) Events() <-chan SessionEvent { return c.events }

// History returns a copy of the conversation so far.
func (c *Controller) History() []llm.Message { return c.history.Messages() }

// HandleFrame queues a frame and its VAD verdict. When the queue is full it
// reports backpressure and waits; frames are never dropped.
func (c *Controller) HandleFrame(ctx context.Context, f frames.AudioFrame, ev vad.Event) error {
	msg := frameIn{frame: f, vad: ev}
	select {
	case <-c.closed:
		return ErrControllerClosed
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	default:
	}
	c.emit.Emit(metrics.EventIngestBackpressure, float64(len(c.inbox)), nil)
	c.logger.Warn("controller_queue_full", slog.Int("queue_size", cap(c.inbox)))
	select {
	case c.inbox <- msg:
		return nil
	case <-c.closed:
		return ErrControllerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes messages until ctx is done or a state violation occurs. A
// violation is returned and ends the session.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("turn controller already running")
	}
	// Stage contexts hang off a detached root so that session teardown reaches
	// them as a plain cancellation rather than as the session's own cause.
	c.ctx, c.stopAll = context.WithCancelCause(context.WithoutCancel(ctx))
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.inbox:
			if err := c.dispatch(msg); err != nil {
				c.logger.Error("controller_state_violation",
					slog.String("state", c.sm.State().String()),
					slog.String("error", err.Error()))
				return err
			}
		}
	}
}

// shutdown cancels the live turn and waits, up to ShutdownGrace, for its
// stages to report usage before the events channel is closed.
func (c *Controller) shutdown() {
	if t := c.turn; t != nil {
		t.stop()
		c.turn = nil
	}
	c.stopAll(errorsx.ErrCancelled)
	close(c.closed)

	settled := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(settled)
	}()
	timer := time.NewTimer(c.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
		c.logger.Warn("stages_not_settled", slog.Duration("grace", c.cfg.ShutdownGrace))
	}
	close(c.events)
}

// spawn runs fn on a goroutine that shutdown waits for.
func (c *Controller) spawn(fn func()) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		fn()
	}()
}

func (c *Controller) post(msg any) {
	select {
	case c.inbox <- msg:
	case <-c.closed:
	}
}

func (c *Controller) dispatch(msg any) error {
	switch m := msg.(type) {
	case frameIn:
		return c.onFrame(m)
	case transcriptIn:
		c.onTranscript(m)
	case partialOpenedIn:
		c.onPartialOpened(m)
	case partialIn:
		c.onPartial(m)
	case firstTextIn:
		if t := c.current(m.turnID); t != nil && c.sm.State() == StateGenerating {
			c.transition(StateSynthesizing, t, "first text")
		}
	case firstAudioIn:
		if t := c.current(m.turnID); t != nil && c.sm.State() == StateSynthesizing {
			c.transition(StatePlaying, t, "first audio")
		}
	case genDoneIn:
		if t := c.current(m.turnID); t != nil {
			if m.err != nil {
				c.fail(t, errorsx.StageGenerate, m.err)
				return nil
			}
			t.genDone = true
			c.maybeComplete(t)
		}
	case synthDoneIn:
		if t := c.current(m.turnID); t != nil {
			if m.err != nil {
				c.fail(t, errorsx.StageSynthesize, m.err)
				return nil
			}
			t.synthDone = true
			c.maybeComplete(t)
		}
	case playDoneIn:
		if t := c.current(m.turnID); t != nil {
			if err := t.Playback.Err(); err != nil {
				c.fail(t, errorsx.StagePlayback, err)
				return nil
			}
			t.playDone = true
			t.spoken = t.Playback.Spoken()
			c.maybeComplete(t)
		}
	default:
		return errorsx.Violation("unknown controller message %T", msg)
	}
	return nil
}

// current returns the live turn if id names it; messages from replaced
// turns are dropped.
func (c *Controller) current(id string) *Turn {
	if c.turn == nil || c.turn.ID != id || c.turn.Status != StatusActive {
		return nil
	}
	return c.turn
}

func (c *Controller) onFrame(m frameIn) error {
	switch m.vad {
	case vad.EventSpeechStart:
		return c.onSpeechStart(m.frame)
	case vad.EventSpeechEnd:
		return c.onSpeechEnd(m.frame)
	}
	return c.appendFrame(m.frame)
}

func (c *Controller) appendFrame(f frames.AudioFrame) error {
	t := c.turn
	if t == nil || c.sm.State() != StateListening || t.Utterance.Sealed() {
		if c.preroll != nil {
			c.preroll.Append(f)
		}
		return nil
	}
	evicted, err := t.Utterance.Append(f)
	if err != nil {
		return err
	}
	if evicted && t.Utterance.Dropped() == 1 {
		c.turnEmitter(t).Emit(metrics.EventUtteranceOverflow, 1, nil)
		c.logger.Warn("utterance_buffer_full",
			slog.String("turn_id", t.ID),
			slog.String("utterance_id", t.Utterance.ID),
			slog.Duration("max_utterance", c.cfg.MaxUtterance))
	}
	if t.partial != nil {
		_ = t.partial.Send(f)
		t.partialSent++
	}
	return nil
}

func (c *Controller) onSpeechStart(f frames.AudioFrame) error {
	switch state := c.sm.State(); {
	case state == StateListening:
		return errorsx.Violation("speech start while utterance %s is open", c.turn.Utterance.ID)
	case state == StateTranscribing:
		c.abandon(c.turn)
		return c.beginTurn(f, "superseded by new speech")
	case state.Responding():
		c.interrupt(c.turn)
		return c.beginTurn(f, "barge-in")
	default:
		return c.beginTurn(f, "speech start")
	}
}

func (c *Controller) beginTurn(f frames.AudioFrame, reason string) error {
	var preroll []frames.AudioFrame
	if c.preroll != nil {
		preroll = c.preroll.Drain()
	}
	tctx, cancel := context.WithCancel(c.ctx)
	t := &Turn{
		ID:        uuid.NewString(),
		Utterance: newUtterance(c.capacityFor(f), preroll),
		Status:    StatusActive,
		StartedAt: time.Now(),
		ctx:       tctx,
		cancel:    cancel,
	}
	c.turn = t
	c.transition(StateListening, t, reason)
	c.turnEmitter(t).Emit(metrics.EventTurnStart, 1, nil)
	if err := c.appendFrame(f); err != nil {
		return err
	}
	if c.cfg.PreemptiveGeneration && c.stages.Partial != nil {
		c.openPartial(t, f)
	}
	return nil
}

// capacityFor sizes an utterance buffer so it holds MaxUtterance of audio
// at the cadence of f.
func (c *Controller) capacityFor(f frames.AudioFrame) int {
	if d := f.Duration(); d > 0 {
		return audio.CapacityFor(c.cfg.MaxUtterance, d)
	}
	return c.capacity
}

func (c *Controller) openPartial(t *Turn, f frames.AudioFrame) {
	turnID, uttID := t.ID, t.Utterance.ID
	ctx := t.ctx
	c.spawn(func() {
		stream, err := c.stages.Partial.Open(ctx, uttID, f.Rate(), f.Channels())
		c.post(partialOpenedIn{turnID: turnID, stream: stream, err: err})
	})
}

func (c *Controller) onPartialOpened(m partialOpenedIn) {
	t := c.current(m.turnID)
	if m.err != nil {
		if t != nil {
			c.logger.Warn("partial_transcriber_unavailable",
				slog.String("turn_id", m.turnID),
				slog.String("error", m.err.Error()))
		}
		return
	}
	if t == nil || t.Utterance.Sealed() {
		_ = m.stream.Close()
		return
	}
	t.partial = m.stream
	for _, f := range t.Utterance.Frames() {
		_ = m.stream.Send(f)
		t.partialSent++
	}
	c.spawn(func() {
		for tr := range m.stream.Partials() {
			if text := strings.TrimSpace(tr.Text); text != "" {
				c.post(partialIn{turnID: m.turnID, text: text})
			}
		}
	})
}

func (c *Controller) onPartial(m partialIn) {
	t := c.current(m.turnID)
	if t == nil || c.sm.State() != StateListening || t.Generation != nil {
		return
	}
	seed := processors.Seed{Ref: t.ref(), Text: m.text}
	t.setGeneration(c.stages.Generation.Generate(t.ctx, c.history.Context(), seed))
	c.turnEmitter(t).Emit(metrics.EventPreemptiveStart, 1, nil)
	c.logger.Info("preemptive_generation_started",
		slog.String("turn_id", t.ID),
		slog.String("utterance_id", t.Utterance.ID),
		slog.String("generation_id", t.Generation.ID),
		slog.String("seed", redact.Text(m.text)))
}

func (c *Controller) onSpeechEnd(f frames.AudioFrame) error {
	t := c.turn
	if t == nil || c.sm.State() != StateListening || t.Utterance.Sealed() {
		return errorsx.Violation("speech end with no open utterance in state %s", c.sm.State())
	}
	if err := c.appendFrame(f); err != nil {
		return err
	}
	if err := t.Utterance.Seal(time.Now()); err != nil {
		return err
	}
	t.closePartial()
	c.turnEmitter(t).Emit(metrics.EventTurnSpeechEnd, float64(t.Utterance.Duration().Milliseconds()), map[string]any{
		metrics.FieldDurationMS: t.Utterance.Duration().Milliseconds(),
	})
	c.transition(StateTranscribing, t, "speech end")

	ref := t.ref()
	list := t.Utterance.Frames()
	ctx := t.ctx
	c.spawn(func() {
		tr, err := c.stages.Transcription.Transcribe(ctx, ref, list)
		c.post(transcriptIn{turnID: ref.TurnID, tr: tr, err: err})
	})
	return nil
}

func (c *Controller) onTranscript(m transcriptIn) {
	t := c.current(m.turnID)
	if t == nil || c.sm.State() != StateTranscribing {
		return
	}
	if m.err != nil {
		c.fail(t, errorsx.StageTranscribe, m.err)
		return
	}
	tr := m.tr
	t.Transcript = &tr
	if tr.Text == "" {
		t.Status = StatusEmpty
		t.stop()
		c.turn = nil
		c.turnEmitter(t).Emit(metrics.EventTurnEmpty, 1, nil)
		c.logger.Info("empty_transcript",
			slog.String("turn_id", t.ID),
			slog.String("utterance_id", t.Utterance.ID))
		c.transition(StateIdle, t, "empty transcript")
		return
	}

	h := c.reconcileSpeculative(t, tr)
	if h == nil {
		seed := processors.Seed{Ref: t.ref(), TranscriptID: t.Utterance.ID, Text: tr.Text}
		h = c.stages.Generation.Generate(t.ctx, c.history.Context(), seed)
	}
	t.setGeneration(h)
	c.transition(StateGenerating, t, "transcript ready")
	c.startResponse(t)
}

// reconcileSpeculative decides whether a speculative generation can answer
// the final transcript. It returns the committed handle or nil.
func (c *Controller) reconcileSpeculative(t *Turn, tr stt.Transcript) *processors.GenerationHandle {
	h := t.Generation
	if h == nil || !h.Speculative() {
		return nil
	}
	emit := c.turnEmitter(t)
	failed := false
	select {
	case <-h.Done():
		failed = h.Err() != nil
	default:
	}
	switch {
	case h.Cancelled() || failed:
		emit.Emit(metrics.EventPreemptiveRestart, 1, map[string]any{metrics.FieldReason: "failed"})
	case c.cfg.Divergence(h.Seed.Text, tr.Text):
		emit.Emit(metrics.EventPreemptiveRestart, 1, map[string]any{metrics.FieldReason: "diverged"})
		c.logger.Info("preemptive_generation_restarted",
			slog.String("turn_id", t.ID),
			slog.String("seed", redact.Text(h.Seed.Text)),
			slog.String("final", redact.Text(tr.Text)))
	default:
		h.Commit(t.Utterance.ID)
		emit.Emit(metrics.EventPreemptiveHit, 1, nil)
		return h
	}
	h.Cancel()
	t.Generation = nil
	return nil
}

func (c *Controller) startResponse(t *Turn) {
	h := t.Generation
	ref := t.ref()
	ctx := t.ctx

	textIn := make(chan frames.TextIncrement)
	t.Synthesis = c.stages.Synthesis.Synthesize(ctx, ref, h.ID, textIn)
	audioIn := make(chan frames.AudioIncrement)
	t.Playback = c.stages.Player.Start(ctx, ref, audioIn)

	st, pb := t.Synthesis, t.Playback
	c.spawn(func() {
		defer close(textIn)
		first := true
		for inc := range h.Increments() {
			if h.Cancelled() {
				return
			}
			if first {
				first = false
				c.post(firstTextIn{turnID: ref.TurnID})
			}
			select {
			case textIn <- inc:
			case <-ctx.Done():
				return
			}
		}
		<-h.Done()
		c.post(genDoneIn{turnID: ref.TurnID, err: h.Err()})
	})
	c.spawn(func() {
		defer close(audioIn)
		first := true
		for ai := range st.Audio() {
			if first {
				first = false
				c.post(firstAudioIn{turnID: ref.TurnID})
			}
			select {
			case audioIn <- ai:
			case <-ctx.Done():
				return
			}
		}
		<-st.Done()
		c.post(synthDoneIn{turnID: ref.TurnID, err: st.Err()})
	})
	c.spawn(func() {
		<-pb.Done()
		c.post(playDoneIn{turnID: ref.TurnID})
	})
}

func (c *Controller) maybeComplete(t *Turn) {
	if !t.finished() {
		return
	}
	t.Status = StatusCompleted
	t.cancel()
	c.turn = nil
	c.history.AddUser(t.Transcript.Text)
	c.history.AddAssistant(t.spoken)

	elapsed := time.Since(t.StartedAt)
	c.turnEmitter(t).Emit(metrics.EventTurnCompleted, float64(elapsed.Milliseconds()), map[string]any{
		metrics.FieldDurationMS: elapsed.Milliseconds(),
	})
	c.logger.Info("turn_completed",
		slog.String("turn_id", t.ID),
		slog.String("utterance_id", t.Utterance.ID),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
		slog.String("response", redact.Text(t.spoken)))
	c.publish(SessionEvent{
		Kind:        TurnCompleted,
		TurnID:      t.ID,
		UtteranceID: t.Utterance.ID,
		Transcript:  t.Transcript.Text,
		Response:    t.spoken,
		At:          time.Now(),
	})
	c.transition(StateIdle, t, "turn complete")
}

// fail aborts t after a provider failure and returns the session to Idle.
func (c *Controller) fail(t *Turn, stage errorsx.Stage, err error) {
	se := errorsx.NewStageError(stage, t.Utterance.ID, err)
	if se.Kind == errorsx.KindCancelledByBargeIn {
		return
	}
	t.Status = StatusFailed
	t.stop()
	c.turn = nil

	c.turnEmitter(t).With(map[string]string{
		metrics.TagStage: string(se.Stage),
		metrics.TagKind:  string(se.Kind),
	}).Emit(metrics.EventTurnFailed, 1, map[string]any{metrics.FieldReason: string(errorsx.Reason(err))})
	c.logger.Error("turn_failed",
		slog.String("turn_id", t.ID),
		slog.String("utterance_id", t.Utterance.ID),
		slog.String("stage", string(se.Stage)),
		slog.String("kind", string(se.Kind)),
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	c.publish(SessionEvent{
		Kind:        TurnFailed,
		TurnID:      t.ID,
		UtteranceID: t.Utterance.ID,
		Stage:       se.Stage,
		ErrKind:     se.Kind,
		Err:         se,
		At:          time.Now(),
	})
	c.transition(StateIdle, t, "stage failed")
}

// interrupt handles a barge-in: everything in flight is cancelled, playback
// stops where it is, and only the spoken part joins the history.
func (c *Controller) interrupt(t *Turn) {
	from := c.sm.State()
	t.stop()
	spoken := ""
	var played time.Duration
	if t.Playback != nil {
		spoken = t.Playback.Spoken()
		played = t.Playback.Played()
	}
	t.Status = StatusInterrupted
	c.turn = nil
	if t.Transcript != nil {
		c.history.AddUser(t.Transcript.Text)
		c.history.AddAssistant(spoken)
	}
	c.turnEmitter(t).With(map[string]string{metrics.TagState: from.String()}).
		Emit(metrics.EventBargeIn, 1, map[string]any{metrics.FieldDurationMS: played.Milliseconds()})
	c.logger.Info("barge_in",
		slog.String("turn_id", t.ID),
		slog.String("state", from.String()),
		slog.Duration("played", played))
	c.transition(StateInterrupted, t, "barge-in")
}

// abandon drops a turn whose transcription is superseded by new speech.
func (c *Controller) abandon(t *Turn) {
	t.stop()
	t.Status = StatusAbandoned
	c.turn = nil
	c.turnEmitter(t).Emit(metrics.EventTurnAbandoned, 1, nil)
	c.logger.Info("turn_abandoned",
		slog.String("turn_id", t.ID),
		slog.String("utterance_id", t.Utterance.ID))
}

func (c *Controller) publish(ev SessionEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("session_event_dropped",
			slog.String("kind", ev.Kind.String()),
			slog.String("turn_id", ev.TurnID))
	}
}

func (c *Controller) transition(to State, t *Turn, reason string) {
	if err := c.sm.Transition(to, t.ID, reason); err != nil {
		// Every caller checks the source state first.
		c.logger.Error("invalid_transition", slog.String("error", err.Error()))
	}
}

func (c *Controller) turnEmitter(t *Turn) metrics.Emitter {
	return c.emit.With(map[string]string{
		metrics.TagTurnID:      t.ID,
		metrics.TagUtteranceID: t.Utterance.ID,
	})
}
