package audio

import (
	"bytes"
	"testing"
	"time"

	"github.com/harunnryd/voiceturn/pkg/frames"
)

func frameAt(pts int64) frames.AudioFrame {
	return frames.NewAudioFrame("s1", pts, make([]int16, 160), 8000, 1, nil)
}

func TestFrameBufferKeepsOrder(t *testing.T) {
	b := NewFrameBuffer(3)
	for i := int64(1); i <= 3; i++ {
		if b.Append(frameAt(i)) {
			t.Fatalf("unexpected eviction at %d", i)
		}
	}
	got := b.Frames()
	for i, f := range got {
		if f.PTS() != int64(i+1) {
			t.Fatalf("frame %d: expected pts %d, got %d", i, i+1, f.PTS())
		}
	}
}

func TestFrameBufferEvictsOldest(t *testing.T) {
	b := NewFrameBuffer(2)
	b.Append(frameAt(1))
	b.Append(frameAt(2))
	if !b.Append(frameAt(3)) {
		t.Fatalf("expected eviction when full")
	}
	got := b.Frames()
	if len(got) != 2 || got[0].PTS() != 2 || got[1].PTS() != 3 {
		t.Fatalf("unexpected frames after eviction: %+v", got)
	}
	if b.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", b.Dropped())
	}
	if b.Duration() != 40*time.Millisecond {
		t.Fatalf("expected 40ms buffered, got %s", b.Duration())
	}
}

func TestFrameBufferDrain(t *testing.T) {
	b := NewFrameBuffer(4)
	b.Append(frameAt(1))
	b.Append(frameAt(2))
	out := b.Drain()
	if len(out) != 2 || b.Len() != 0 {
		t.Fatalf("expected drain to empty buffer, got %d left", b.Len())
	}
}

func TestCapacityFor(t *testing.T) {
	if got := CapacityFor(time.Second, 20*time.Millisecond); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
	if got := CapacityFor(0, 20*time.Millisecond); got != 1 {
		t.Fatalf("expected minimum capacity 1, got %d", got)
	}
}

func TestRMS(t *testing.T) {
	if RMS(make([]int16, 10)) != 0 {
		t.Fatalf("expected silence RMS 0")
	}
	loud := []int16{16384, -16384, 16384, -16384}
	if got := RMS(loud); got < 0.49 || got > 0.51 {
		t.Fatalf("expected RMS ~0.5, got %f", got)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	wav := EncodeWAV([]int16{1, 2, 3}, 16000, 1)
	if len(wav) != 44+6 {
		t.Fatalf("expected 50 bytes, got %d", len(wav))
	}
	if !bytes.HasPrefix(wav, []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) {
		t.Fatalf("missing RIFF/WAVE markers")
	}
}

func TestNoiseGate(t *testing.T) {
	g := NewNoiseGate(0.1)
	quiet := frames.NewAudioFrame("s1", 7, []int16{10, -10, 10}, 8000, 1, nil)
	out := g.Suppress(quiet)
	for _, s := range out.RawSamples() {
		if s != 0 {
			t.Fatalf("expected quiet frame to be zeroed")
		}
	}
	if out.PTS() != 7 {
		t.Fatalf("expected timing preserved")
	}
	loud := frames.NewAudioFrame("s1", 8, []int16{20000, -20000}, 8000, 1, nil)
	if g.Suppress(loud).RawSamples()[0] != 20000 {
		t.Fatalf("expected loud frame untouched")
	}
}

func TestNoiseCancellationPolicy(t *testing.T) {
	p := NoiseCancellationPolicy{Enabled: true, Transports: []string{"websocket"}}
	if !p.Applies("WebSocket") {
		t.Fatalf("expected policy to apply to websocket")
	}
	if p.Applies("mock") {
		t.Fatalf("expected policy to skip mock transport")
	}
	if (NoiseCancellationPolicy{}).Applies("websocket") {
		t.Fatalf("expected disabled policy to never apply")
	}
}
