package turn

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/voiceturn/pkg/adapters/stt"
	"github.com/harunnryd/voiceturn/pkg/audio"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/processors"
)

// Utterance is one continuous user speech segment. It is owned by the
// controller loop and never shared.
type Utterance struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time

	buf    *audio.FrameBuffer
	sealed bool
}

func newUtterance(capacity int, preroll []frames.AudioFrame) *Utterance {
	u := &Utterance{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		buf:       audio.NewFrameBuffer(capacity),
	}
	for _, f := range preroll {
		u.buf.Append(f)
	}
	return u
}

// Append adds a frame; it reports whether the oldest frame was evicted.
func (u *Utterance) Append(f frames.AudioFrame) (evicted bool, err error) {
	if u.sealed {
		return false, errorsx.Violation("append to sealed utterance %s", u.ID)
	}
	return u.buf.Append(f), nil
}

// Seal closes the utterance. Sealing twice is a state violation.
func (u *Utterance) Seal(at time.Time) error {
	if u.sealed {
		return errorsx.Violation("utterance %s already sealed", u.ID)
	}
	u.sealed = true
	u.EndedAt = at
	return nil
}

func (u *Utterance) Sealed() bool { return u.sealed }

func (u *Utterance) Frames() []frames.AudioFrame { return u.buf.Frames() }

func (u *Utterance) Len() int { return u.buf.Len() }

// Dropped counts frames lost to the buffer cap.
func (u *Utterance) Dropped() int { return u.buf.Dropped() }

func (u *Utterance) Duration() time.Duration { return u.buf.Duration() }

type Status int

const (
	StatusActive Status = iota
	StatusCompleted
	StatusFailed
	StatusInterrupted
	StatusAbandoned
	StatusEmpty
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusInterrupted:
		return "interrupted"
	case StatusAbandoned:
		return "abandoned"
	case StatusEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Turn is one exchange. A turn holds at most one live generation and one
// live synthesis stream; replaced ones are cancelled first.
type Turn struct {
	ID         string
	Utterance  *Utterance
	Transcript *stt.Transcript
	Generation *processors.GenerationHandle
	Synthesis  *processors.SynthesisStream
	Playback   *processors.Playback
	Status     Status
	StartedAt  time.Time

	ctx         context.Context
	cancel      context.CancelFunc
	partial     stt.PartialStream
	partialSent int
	genDone     bool
	synthDone   bool
	playDone    bool
	spoken      string
}

func (t *Turn) ref() processors.Ref {
	return processors.Ref{TurnID: t.ID, UtteranceID: t.Utterance.ID}
}

func (t *Turn) finished() bool {
	return t.genDone && t.synthDone && t.playDone
}

// setGeneration installs h, cancelling any previous live handle.
func (t *Turn) setGeneration(h *processors.GenerationHandle) {
	if t.Generation != nil && t.Generation != h {
		t.Generation.Cancel()
	}
	t.Generation = h
}

// stop cancels everything in flight. Playback is stopped synchronously.
func (t *Turn) stop() {
	if t.Playback != nil {
		t.Playback.Stop()
	}
	if t.Synthesis != nil {
		t.Synthesis.Cancel()
	}
	if t.Generation != nil {
		t.Generation.Cancel()
	}
	t.closePartial()
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Turn) closePartial() {
	if t.partial != nil {
		_ = t.partial.Close()
		t.partial = nil
	}
}
