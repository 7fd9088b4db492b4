package vad

import (
	"context"

	"github.com/harunnryd/voiceturn/pkg/audio"
	"github.com/harunnryd/voiceturn/pkg/frames"
)

// Classifier returns the probability, in [0, 1], that a frame contains speech.
// Implementations must be safe for concurrent use by many sessions.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, f frames.AudioFrame) (float64, error)
}

const (
	DefaultMinVolume = 0.01
	// Typical voice RMS sits well under this for normalized audio.
	maxExpectedRMS = 0.5
)

// RMSClassifier maps frame loudness onto a speech probability. It keeps no
// per-stream state, so one instance can be shared across sessions.
type RMSClassifier struct {
	MinVolume float64
	MaxRMS    float64
}

func NewRMSClassifier(minVolume float64) *RMSClassifier {
	if minVolume <= 0 {
		minVolume = DefaultMinVolume
	}
	return &RMSClassifier{MinVolume: minVolume, MaxRMS: maxExpectedRMS}
}

func (c *RMSClassifier) Name() string { return "rms" }

func (c *RMSClassifier) Classify(ctx context.Context, f frames.AudioFrame) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rms := audio.RMS(f.RawSamples())
	if rms <= c.MinVolume {
		return 0, nil
	}
	p := (rms - c.MinVolume) / (c.MaxRMS - c.MinVolume)
	if p > 1 {
		return 1, nil
	}
	return p, nil
}
