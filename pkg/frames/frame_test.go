package frames

import (
	"testing"
	"time"
)

func TestAudioFrameDuration(t *testing.T) {
	f := NewAudioFrame("s1", 0, make([]int16, 320), 16000, 1, nil)
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %s", got)
	}
	stereo := NewAudioFrame("s1", 0, make([]int16, 640), 16000, 2, nil)
	if got := stereo.Duration(); got != 20*time.Millisecond {
		t.Fatalf("expected 20ms for stereo, got %s", got)
	}
}

func TestAudioFramePCMRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	f := NewAudioFrame("s1", 0, in, 8000, 1, nil)
	back := NewAudioFrameFromPCM("s1", 0, f.PCM(), 8000, 1, nil)
	got := back.RawSamples()
	if len(got) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(got))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, in[i], got[i])
		}
	}
	odd := NewAudioFrameFromPCM("s1", 0, []byte{1, 0, 7}, 8000, 1, nil)
	if n := len(odd.RawSamples()); n != 1 {
		t.Fatalf("expected trailing byte dropped, got %d samples", n)
	}
}

func TestAudioFrameMetaIsCopied(t *testing.T) {
	f := NewAudioFrame("s1", 0, nil, 8000, 1, map[string]string{MetaSource: "mic"})
	m := f.Meta()
	m[MetaSource] = "changed"
	if f.Meta()[MetaSource] != "mic" {
		t.Fatalf("expected frame metadata to be immutable")
	}
	if f.Meta()[MetaStreamID] != "s1" {
		t.Fatalf("expected stream id in metadata")
	}
}

func TestAudioIncrementDuration(t *testing.T) {
	inc := AudioIncrement{PCM: make([]byte, 16000), SampleRate: 8000, Channels: 1}
	if got := inc.Duration(); got != time.Second {
		t.Fatalf("expected 1s, got %s", got)
	}
}
