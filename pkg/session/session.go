package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/voiceturn/pkg/audio"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/harunnryd/voiceturn/pkg/observers"
	"github.com/harunnryd/voiceturn/pkg/redact"
	"github.com/harunnryd/voiceturn/pkg/transports"
	"github.com/harunnryd/voiceturn/pkg/turn"
	"github.com/harunnryd/voiceturn/pkg/vad"
)

var errHangup = errors.New("caller hung up")

type Options struct {
	ID string
	// IngestQueue bounds frames waiting for the gate.
	IngestQueue int
	// Suppressor cleans frames before the gate; nil disables it.
	Suppressor audio.NoiseSuppressor
	Sink       observers.UsageSink
	// OnEvent observes turn outcomes; it runs on the session goroutine.
	OnEvent func(turn.SessionEvent)
	Logger  *slog.Logger
	Emitter metrics.Emitter
}

// Session drives one conversation: caller audio flows through the gate into
// the turn controller, and the usage summary is published when it ends.
type Session struct {
	id         string
	conn       transports.Conn
	gate       *vad.Gate
	ctrl       *turn.Controller
	agg        *metrics.Aggregator
	suppressor audio.NoiseSuppressor
	sink       observers.UsageSink
	onEvent    func(turn.SessionEvent)
	queue      int
	logger     *slog.Logger
	emit       metrics.Emitter

	done    chan struct{}
	mu      sync.Mutex
	summary *metrics.UsageSummary
}

func New(opts Options, conn transports.Conn, gate *vad.Gate, ctrl *turn.Controller, agg *metrics.Aggregator) (*Session, error) {
	if conn == nil || gate == nil || ctrl == nil || agg == nil {
		return nil, fmt.Errorf("session requires a connection, gate, controller and aggregator")
	}
	id := opts.ID
	if id == "" {
		id = conn.ID()
	}
	if opts.IngestQueue <= 0 {
		opts.IngestQueue = 64
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	return &Session{
		id:         id,
		conn:       conn,
		gate:       gate,
		ctrl:       ctrl,
		agg:        agg,
		suppressor: opts.Suppressor,
		sink:       opts.Sink,
		onEvent:    opts.OnEvent,
		queue:      opts.IngestQueue,
		logger:     logging.NewComponentLogger(base, "session").With(slog.String("session_id", id)),
		emit:       opts.Emitter,
		done:       make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Controller() *turn.Controller { return s.ctrl }

// Done is closed after Run has published the usage summary.
func (s *Session) Done() <-chan struct{} { return s.done }

// Summary returns the frozen usage summary once the session has ended.
func (s *Session) Summary() (metrics.UsageSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary == nil {
		return metrics.UsageSummary{}, false
	}
	return *s.summary, true
}

// Run blocks until the caller hangs up, ctx is done or the controller hits
// a state violation. Only the violation is returned as an error.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	start := time.Now()
	s.logger.Info("session_started")

	queue := make(chan frames.AudioFrame, s.queue)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		return s.receive(gctx, queue)
	})
	g.Go(func() error { return s.ingest(gctx, queue) })
	g.Go(func() error { return s.ctrl.Run(gctx) })
	g.Go(func() error {
		s.relayEvents()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, errHangup) || errors.Is(err, context.Canceled) {
		err = nil
	}

	summary := s.agg.Summarize()
	s.mu.Lock()
	s.summary = &summary
	s.mu.Unlock()
	if s.sink != nil {
		if perr := s.sink.Publish(context.WithoutCancel(ctx), summary); perr != nil {
			s.logger.Warn("usage_publish_failed", slog.String("error", perr.Error()))
		}
	}
	_ = s.conn.Close()

	attrs := []any{
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Int("turns", summary.Turns),
	}
	if err != nil {
		s.logger.Error("session_terminated", append(attrs,
			slog.String("kind", string(errorsx.Classify(err))),
			slog.String("error", err.Error()))...)
		return err
	}
	s.logger.Info("session_ended", attrs...)
	return nil
}

// receive copies caller frames into the bounded ingest queue. A full queue
// is reported and then waited on; frames are never dropped.
func (s *Session) receive(ctx context.Context, queue chan<- frames.AudioFrame) error {
	full := false
	for {
		var f frames.AudioFrame
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case f, ok = <-s.conn.Frames():
		}
		if !ok {
			return errHangup
		}
		select {
		case queue <- f:
			full = false
			continue
		default:
		}
		if !full {
			full = true
			s.emit.With(map[string]string{metrics.TagComponent: "ingest"}).
				Emit(metrics.EventIngestBackpressure, float64(len(queue)), nil)
			s.logger.Warn("ingest_queue_full", slog.Int("queue_size", cap(queue)))
		}
		select {
		case queue <- f:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) ingest(ctx context.Context, queue <-chan frames.AudioFrame) error {
	for f := range queue {
		if s.suppressor != nil {
			f = s.suppressor.Suppress(f)
		}
		ev, err := s.gate.Observe(ctx, f)
		if err != nil {
			return nil
		}
		if err := s.ctrl.HandleFrame(ctx, f, ev); err != nil {
			if errors.Is(err, turn.ErrControllerClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Session) relayEvents() {
	for ev := range s.ctrl.Events() {
		switch ev.Kind {
		case turn.TurnCompleted:
			s.logger.Info("turn_result",
				slog.String("turn_id", ev.TurnID),
				slog.String("utterance_id", ev.UtteranceID),
				slog.String("transcript", redact.Text(ev.Transcript)),
				slog.String("response", redact.Text(ev.Response)))
		case turn.TurnFailed:
			s.logger.Warn("turn_result",
				slog.String("turn_id", ev.TurnID),
				slog.String("utterance_id", ev.UtteranceID),
				slog.String("stage", string(ev.Stage)),
				slog.String("kind", string(ev.ErrKind)))
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}
