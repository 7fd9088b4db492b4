package frames

import (
	"encoding/binary"
	"time"
)

type Kind string

const (
	KindAudio    Kind = "audio"
	KindText     Kind = "text"
	KindPlayback Kind = "playback"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame is an immutable chunk of signed 16-bit PCM captured by a transport.
type AudioFrame struct {
	pts     int64
	samples []int16
	rate    int
	ch      int
	meta    map[string]string
}

func NewAudioFrame(streamID string, pts int64, samples []int16, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:     pts,
		samples: samples,
		rate:    rate,
		ch:      normalizeChannels(ch),
		meta:    mergeMeta(streamID, meta),
	}
}

// NewAudioFrameFromPCM decodes little-endian 16-bit PCM. A trailing odd
// byte is dropped.
func NewAudioFrameFromPCM(streamID string, pts int64, pcm []byte, rate, ch int, meta map[string]string) AudioFrame {
	n := len(pcm) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return NewAudioFrame(streamID, pts, samples, rate, ch, meta)
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Samples() []int16        { return append([]int16(nil), a.samples...) }
func (a AudioFrame) RawSamples() []int16     { return a.samples }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

// Duration is the wall-clock length of the frame at its sample rate.
func (a AudioFrame) Duration() time.Duration {
	if a.rate <= 0 {
		return 0
	}
	perChannel := len(a.samples) / normalizeChannels(a.ch)
	return time.Duration(perChannel) * time.Second / time.Duration(a.rate)
}

// PCM encodes the samples as little-endian 16-bit PCM.
func (a AudioFrame) PCM() []byte {
	out := make([]byte, len(a.samples)*2)
	for i, s := range a.samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// WithSamples returns a copy of the frame carrying new samples and the same timing.
func (a AudioFrame) WithSamples(samples []int16) AudioFrame {
	return AudioFrame{
		pts:     a.pts,
		samples: samples,
		rate:    a.rate,
		ch:      a.ch,
		meta:    a.meta,
	}
}

// TextIncrement is one coherent chunk of generated text, usually a sentence.
type TextIncrement struct {
	GenerationID string
	Seq          int
	Text         string
	At           time.Time
}

func (t TextIncrement) Kind() Kind { return KindText }
func (t TextIncrement) PTS() int64 { return t.At.UnixNano() }
func (t TextIncrement) Meta() map[string]string {
	return map[string]string{MetaGenerationID: t.GenerationID}
}

// AudioIncrement is one chunk of synthesized audio headed for playback.
// Text holds the characters the chunk voices, when the provider reports them.
type AudioIncrement struct {
	GenerationID string
	Seq          int
	PCM          []byte
	SampleRate   int
	Channels     int
	Text         string
	At           time.Time
}

func (a AudioIncrement) Kind() Kind { return KindPlayback }
func (a AudioIncrement) PTS() int64 { return a.At.UnixNano() }
func (a AudioIncrement) Meta() map[string]string {
	return map[string]string{MetaGenerationID: a.GenerationID}
}

// Duration assumes 16-bit PCM.
func (a AudioIncrement) Duration() time.Duration {
	ch := normalizeChannels(a.Channels)
	if a.SampleRate <= 0 {
		return 0
	}
	samples := len(a.PCM) / 2 / ch
	return time.Duration(samples) * time.Second / time.Duration(a.SampleRate)
}

func normalizeChannels(ch int) int {
	if ch <= 0 {
		return 1
	}
	return ch
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
