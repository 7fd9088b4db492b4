package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/metrics"
)

// Event is the outcome of observing one frame.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

const smoothingAlpha = 0.3

// Params tunes the gate. Thresholds are speech probabilities; the gate opens
// at ActivationThreshold and closes below DeactivationThreshold.
type Params struct {
	ActivationThreshold   float64
	DeactivationThreshold float64
	// DebounceFrames consecutive speech frames are needed before SpeechStart.
	DebounceFrames int
	// HangoverFrames consecutive silence frames are needed before SpeechEnd.
	HangoverFrames int
	// ClassifyTimeout bounds one classification; a frame that times out counts as silence.
	ClassifyTimeout time.Duration
	// MaxLag is how far classification may fall behind real time before
	// backpressure is signalled.
	MaxLag time.Duration
}

func DefaultParams() Params {
	return Params{
		ActivationThreshold:   0.5,
		DeactivationThreshold: 0.35,
		DebounceFrames:        3,
		HangoverFrames:        25,
		ClassifyTimeout:       20 * time.Millisecond,
		MaxLag:                200 * time.Millisecond,
	}
}

func (p Params) Validate() error {
	if p.ActivationThreshold <= 0 || p.ActivationThreshold > 1 {
		return fmt.Errorf("activation threshold must be in (0, 1], got %v", p.ActivationThreshold)
	}
	if p.DeactivationThreshold <= 0 || p.DeactivationThreshold > p.ActivationThreshold {
		return fmt.Errorf("deactivation threshold must be in (0, activation], got %v", p.DeactivationThreshold)
	}
	if p.DebounceFrames < 1 {
		return errors.New("debounce frames must be at least 1")
	}
	if p.HangoverFrames < 1 {
		return errors.New("hangover frames must be at least 1")
	}
	return nil
}

// Backpressure reports that classification is running behind the frame cadence.
type Backpressure struct {
	Lag time.Duration
	PTS int64
}

// Gate turns per-frame speech probabilities into SpeechStart/SpeechEnd events.
// Events strictly alternate, starting with SpeechStart. A Gate serves one
// stream and is not safe for concurrent use.
type Gate struct {
	params Params
	cls    Classifier
	log    *slog.Logger
	emit   metrics.Emitter

	onBackpressure func(Backpressure)

	speaking   bool
	speechRun  int
	silenceRun int
	// smoothed is the rolling speech probability reported with each event.
	// Start and end decisions count raw per-frame verdicts.
	smoothed   float64
	lag        time.Duration
	behind     bool
	timeouts   int
	now        func() time.Time
}

func NewGate(cls Classifier, params Params) (*Gate, error) {
	if cls == nil {
		return nil, errors.New("vad: nil classifier")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Gate{
		params: params,
		cls:    cls,
		log:    logging.NewComponentLogger(slog.Default(), "vad_gate"),
		emit:   metrics.NewEmitter(nil, nil),
		now:    time.Now,
	}, nil
}

func (g *Gate) SetLogger(log *slog.Logger) {
	if log != nil {
		g.log = log
	}
}

func (g *Gate) SetEmitter(e metrics.Emitter) { g.emit = e }

// SetBackpressureHandler registers fn to be called once each time the gate
// falls more than MaxLag behind.
func (g *Gate) SetBackpressureHandler(fn func(Backpressure)) { g.onBackpressure = fn }

// Observe classifies f and returns the resulting event. It only returns an
// error when ctx is done.
func (g *Gate) Observe(ctx context.Context, f frames.AudioFrame) (Event, error) {
	if err := ctx.Err(); err != nil {
		return EventNone, err
	}
	start := g.now()
	p := g.classify(ctx, f)
	if err := ctx.Err(); err != nil {
		return EventNone, err
	}
	g.trackLag(g.now().Sub(start), f)
	g.smoothed = smoothingAlpha*p + (1-smoothingAlpha)*g.smoothed

	ev := g.step(p)
	switch ev {
	case EventSpeechStart:
		g.emit.Emit(metrics.EventVADSpeechStart, g.smoothed, nil)
	case EventSpeechEnd:
		g.emit.Emit(metrics.EventVADSpeechEnd, g.smoothed, nil)
	}
	return ev, nil
}

func (g *Gate) classify(ctx context.Context, f frames.AudioFrame) float64 {
	if g.params.ClassifyTimeout <= 0 {
		p, err := g.cls.Classify(ctx, f)
		if err != nil {
			g.classifyFailed(err)
			return 0
		}
		return clamp(p)
	}

	cctx, cancel := context.WithTimeout(ctx, g.params.ClassifyTimeout)
	defer cancel()
	type result struct {
		p   float64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := g.cls.Classify(cctx, f)
		ch <- result{p: p, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				g.classifyTimedOut()
			} else {
				g.classifyFailed(r.err)
			}
			return 0
		}
		return clamp(r.p)
	case <-cctx.Done():
		g.classifyTimedOut()
		return 0
	}
}

func (g *Gate) classifyTimedOut() {
	g.timeouts++
	g.emit.Emit(metrics.EventVADTimeout, 1, nil)
}

func (g *Gate) classifyFailed(err error) {
	g.log.Warn("vad_classify_failed",
		slog.String("classifier", g.cls.Name()),
		slog.String("reason_code", string(errorsx.ReasonVADClassify)),
		slog.String("error", err.Error()))
}

func (g *Gate) step(p float64) Event {
	if !g.speaking {
		if p >= g.params.ActivationThreshold {
			g.speechRun++
		} else {
			g.speechRun = 0
		}
		if g.speechRun >= g.params.DebounceFrames {
			g.speaking = true
			g.speechRun = 0
			g.silenceRun = 0
			return EventSpeechStart
		}
		return EventNone
	}
	if p < g.params.DeactivationThreshold {
		g.silenceRun++
	} else {
		g.silenceRun = 0
	}
	if g.silenceRun >= g.params.HangoverFrames {
		g.speaking = false
		g.silenceRun = 0
		g.speechRun = 0
		return EventSpeechEnd
	}
	return EventNone
}

func (g *Gate) trackLag(elapsed time.Duration, f frames.AudioFrame) {
	budget := f.Duration()
	if budget <= 0 || g.params.MaxLag <= 0 {
		return
	}
	g.lag += elapsed - budget
	if g.lag < 0 {
		g.lag = 0
	}
	switch {
	case g.lag > g.params.MaxLag && !g.behind:
		g.behind = true
		g.log.Warn("vad_backpressure",
			slog.Duration("lag", g.lag),
			slog.Duration("max_lag", g.params.MaxLag))
		g.emit.Emit(metrics.EventVADBackpressure, float64(g.lag.Milliseconds()), map[string]any{
			metrics.FieldLagMS: g.lag.Milliseconds(),
		})
		if g.onBackpressure != nil {
			g.onBackpressure(Backpressure{Lag: g.lag, PTS: f.PTS()})
		}
	case g.lag == 0 && g.behind:
		g.behind = false
		g.log.Info("vad_backpressure_recovered")
	}
}

// Speaking reports whether the gate is between SpeechStart and SpeechEnd.
func (g *Gate) Speaking() bool { return g.speaking }

// Lagging reports whether classification is currently behind real time.
func (g *Gate) Lagging() bool { return g.behind }

func (g *Gate) Timeouts() int { return g.timeouts }

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
