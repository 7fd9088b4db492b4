package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/metrics"
)

// AudioSink is the playback side of a transport.
type AudioSink interface {
	Play(ctx context.Context, inc frames.AudioIncrement) error
	// Clear drops audio the sink has buffered but not yet rendered.
	Clear() error
}

// Player writes synthesized audio to a sink in order.
type Player struct {
	sink     AudioSink
	realtime bool
	logger   *slog.Logger
	emit     metrics.Emitter
}

// NewPlayer returns a player. With realtime set, each increment is held for
// its own duration so the spoken position tracks the listener's.
func NewPlayer(sink AudioSink, realtime bool) *Player {
	return &Player{
		sink:     sink,
		realtime: realtime,
		logger:   logging.NewComponentLogger(slog.Default(), "player"),
	}
}

func (p *Player) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logging.NewComponentLogger(logger, "player")
	}
}

func (p *Player) SetEmitter(e metrics.Emitter) { p.emit = e }

// Playback is the playout of one synthesis stream.
type Playback struct {
	Ref

	sink   AudioSink
	logger *slog.Logger
	emit   metrics.Emitter
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	first  chan struct{}

	mu      sync.Mutex
	stopped bool
	spoken  []string
	played  time.Duration
	count   int
	err     error
}

// Start plays everything from in until it is closed or Stop is called.
func (p *Player) Start(ctx context.Context, ref Ref, in <-chan frames.AudioIncrement) *Playback {
	pctx, cancel := context.WithCancel(ctx)
	pb := &Playback{
		Ref:    ref,
		sink:   p.sink,
		logger: p.logger,
		emit:   p.emit.With(ref.tags()),
		ctx:    pctx,
		cancel: cancel,
		done:   make(chan struct{}),
		first:  make(chan struct{}),
	}
	go p.run(pb, in)
	return pb
}

func (p *Player) run(pb *Playback, in <-chan frames.AudioIncrement) {
	defer close(pb.done)
	defer pb.cancel()
	start := time.Now()
	for {
		var inc frames.AudioIncrement
		var ok bool
		select {
		case <-pb.ctx.Done():
			p.finish(pb, start)
			return
		case inc, ok = <-in:
		}
		if !ok {
			p.finish(pb, start)
			return
		}
		if !pb.write(inc) {
			p.finish(pb, start)
			return
		}
		if p.realtime {
			timer := time.NewTimer(inc.Duration())
			select {
			case <-pb.ctx.Done():
				timer.Stop()
				p.finish(pb, start)
				return
			case <-timer.C:
			}
		}
	}
}

// write delivers inc while holding the lock so Stop waits for an in-flight
// write and no write starts after it.
func (pb *Playback) write(inc frames.AudioIncrement) bool {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.stopped || pb.ctx.Err() != nil {
		return false
	}
	if err := pb.sink.Play(pb.ctx, inc); err != nil {
		if pb.ctx.Err() == nil {
			pb.err = errorsx.NewStageError(errorsx.StagePlayback, pb.UtteranceID, errorsx.Wrap(err, errorsx.ReasonTransportSend))
		}
		return false
	}
	if pb.count == 0 {
		close(pb.first)
	}
	pb.count++
	pb.played += inc.Duration()
	if t := strings.TrimSpace(inc.Text); t != "" {
		pb.spoken = append(pb.spoken, t)
	}
	return true
}

func (p *Player) finish(pb *Playback, start time.Time) {
	pb.mu.Lock()
	played, count, err := pb.played, pb.count, pb.err
	pb.mu.Unlock()
	pb.emit.Emit(metrics.EventPlaybackDone, float64(played.Milliseconds()), map[string]any{
		metrics.FieldDurationMS: played.Milliseconds(),
	})
	if err != nil {
		p.logger.Error("playback_failed",
			slog.String("utterance_id", pb.UtteranceID),
			slog.String("error", err.Error()))
		return
	}
	p.logger.Debug("playback_done",
		slog.String("utterance_id", pb.UtteranceID),
		slog.Int("increments", count),
		slog.Duration("played", played),
		slog.Duration("elapsed", time.Since(start)))
}

// Stop halts playback at the current position and clears the sink. When it
// returns no further increment reaches the sink.
func (pb *Playback) Stop() {
	pb.cancel()
	pb.mu.Lock()
	already := pb.stopped
	pb.stopped = true
	pb.mu.Unlock()
	if !already {
		if err := pb.sink.Clear(); err != nil {
			pb.logger.Warn("playback_clear_failed",
				slog.String("utterance_id", pb.UtteranceID),
				slog.String("error", err.Error()))
		}
	}
}

func (pb *Playback) Done() <-chan struct{} { return pb.done }

// Started is closed once the first increment reached the sink.
func (pb *Playback) Started() <-chan struct{} { return pb.first }

// Spoken is the text of every increment handed to the sink.
func (pb *Playback) Spoken() string {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return strings.Join(pb.spoken, " ")
}

func (pb *Playback) Played() time.Duration {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.played
}

func (pb *Playback) Count() int {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.count
}

func (pb *Playback) Err() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.err
}
