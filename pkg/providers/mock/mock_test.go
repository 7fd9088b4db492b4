package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/voiceturn/pkg/adapters/stt"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/llm"
)

func TestTranscriberSequence(t *testing.T) {
	tr := NewTranscriber(STTConfig{Transcripts: []string{"one", ""}})
	got, err := tr.Transcribe(context.Background(), stt.Request{UtteranceID: "u1"})
	if err != nil || got.Text != "one" {
		t.Fatalf("unexpected first transcript %+v %v", got, err)
	}
	if _, err := tr.Transcribe(context.Background(), stt.Request{UtteranceID: "u2"}); !errorsx.HasReason(err, errorsx.ReasonASREmpty) {
		t.Fatalf("expected empty transcript error, got %v", err)
	}
	if len(tr.Requests()) != 2 {
		t.Fatalf("expected requests recorded")
	}
}

func TestTranscriberHonoursContext(t *testing.T) {
	tr := NewTranscriber(STTConfig{Transcript: "x", Delay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := tr.Transcribe(ctx, stt.Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestPartialStreamEmitsEveryNFrames(t *testing.T) {
	p := NewPartialTranscriber(PartialConfig{Partials: []string{"hel", "hello"}, FramesPerPartial: 2})
	s, err := p.Open(context.Background(), "u1", 16000, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		_ = s.Send(frames.AudioFrame{})
	}
	_ = s.Close()
	var got []string
	for tr := range s.Partials() {
		got = append(got, tr.Text)
	}
	if len(got) != 2 || got[1] != "hello" {
		t.Fatalf("unexpected partials %v", got)
	}
	if err := s.Send(frames.AudioFrame{}); err == nil {
		t.Fatalf("expected send after close to fail")
	}
}

func TestLLMStreamFailsAfter(t *testing.T) {
	boom := errors.New("boom")
	a := NewLLMAdapter(LLMConfig{StreamChunks: []string{"a", "b", "c"}, FailAfter: 2, StreamErr: boom})
	ch, err := a.Stream(context.Background(), llm.Context{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var texts []string
	var last error
	for c := range ch {
		if c.Err != nil {
			last = c.Err
			continue
		}
		texts = append(texts, c.Text)
	}
	if len(texts) != 2 || !errors.Is(last, boom) {
		t.Fatalf("unexpected stream %v %v", texts, last)
	}
}

func TestSynthesizerEchoesText(t *testing.T) {
	s := NewSynthesizer(TTSConfig{BytesPerChar: 2})
	in := make(chan frames.TextIncrement, 1)
	in <- frames.TextIncrement{Text: "hey"}
	close(in)
	out, err := s.Synthesize(context.Background(), in)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	first := <-out
	if first.Text != "hey" || len(first.PCM) != 6 {
		t.Fatalf("unexpected chunk %+v", first)
	}
	if last := <-out; !last.Final {
		t.Fatalf("expected final chunk")
	}
}
