package audio

import (
	"strings"

	"github.com/harunnryd/voiceturn/pkg/frames"
)

// NoiseSuppressor cleans inbound frames before voice activity detection.
type NoiseSuppressor interface {
	Name() string
	Suppress(f frames.AudioFrame) frames.AudioFrame
}

// NoiseGate zeroes frames whose RMS stays under Floor.
type NoiseGate struct {
	Floor float64
}

func NewNoiseGate(floor float64) *NoiseGate {
	if floor <= 0 {
		floor = 0.005
	}
	return &NoiseGate{Floor: floor}
}

func (g *NoiseGate) Name() string { return "noise_gate" }

func (g *NoiseGate) Suppress(f frames.AudioFrame) frames.AudioFrame {
	if RMS(f.RawSamples()) >= g.Floor {
		return f
	}
	return f.WithSamples(make([]int16, len(f.RawSamples())))
}

// NoiseCancellationPolicy decides whether suppression applies to a transport.
// An empty allow-list means every transport.
type NoiseCancellationPolicy struct {
	Enabled    bool
	Transports []string
}

func (p NoiseCancellationPolicy) Applies(transport string) bool {
	if !p.Enabled {
		return false
	}
	if len(p.Transports) == 0 {
		return true
	}
	for _, t := range p.Transports {
		if strings.EqualFold(strings.TrimSpace(t), transport) {
			return true
		}
	}
	return false
}
