package audio

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/harunnryd/voiceturn/pkg/frames"
)

const pcmMaxAmplitude = 32768.0

// RMS returns the normalized root mean square of the samples in [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		n := float64(s) / pcmMaxAmplitude
		sum += n * n
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func DecodePCM16LE(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Concat joins frames into one sample sequence. Rate and channels are taken
// from the first frame.
func Concat(list []frames.AudioFrame) (samples []int16, rate, channels int) {
	if len(list) == 0 {
		return nil, 0, 0
	}
	total := 0
	for _, f := range list {
		total += len(f.RawSamples())
	}
	samples = make([]int16, 0, total)
	for _, f := range list {
		samples = append(samples, f.RawSamples()...)
	}
	return samples, list[0].Rate(), list[0].Channels()
}

// EncodeWAV wraps 16-bit PCM samples into a RIFF/WAVE container.
func EncodeWAV(samples []int16, rate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	dataLen := len(samples) * 2
	var buf bytes.Buffer
	buf.Grow(44 + dataLen)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate*channels*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(EncodePCM16LE(samples))
	return buf.Bytes()
}

// Seconds returns the duration of samples at rate/channels in seconds.
func Seconds(samples, rate, channels int) float64 {
	if rate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	return float64(samples) / float64(rate*channels)
}
