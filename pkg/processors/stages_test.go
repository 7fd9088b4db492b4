package processors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/llm"
	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/harunnryd/voiceturn/pkg/providers/mock"
)

func speechFrames(n int) []frames.AudioFrame {
	out := make([]frames.AudioFrame, n)
	for i := range out {
		out[i] = frames.NewAudioFrame("s", int64(i), make([]int16, 320), 16000, 1, nil)
	}
	return out
}

func collectText(h *GenerationHandle) []string {
	var out []string
	for inc := range h.Increments() {
		out = append(out, inc.Text)
	}
	return out
}

func TestTranscriptionStageRecordsAudioSeconds(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	stage := NewTranscriptionStage(mock.NewTranscriber(mock.STTConfig{Transcript: " hello "}), time.Second)
	stage.SetEmitter(metrics.NewEmitter(mem, nil))

	tr, err := stage.Transcribe(context.Background(), Ref{UtteranceID: "u1"}, speechFrames(50))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.Text != "hello" || tr.UtteranceID != "u1" || !tr.IsFinal {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	evs := mem.Named(metrics.EventASRDone)
	if len(evs) != 1 || evs[0].FloatField(metrics.FieldAudioSeconds) != 1 {
		t.Fatalf("expected one asr_done with 1s audio, got %+v", evs)
	}
}

func TestTranscriptionStageEmptyIsNotAnError(t *testing.T) {
	stage := NewTranscriptionStage(mock.NewTranscriber(mock.STTConfig{}), time.Second)
	tr, err := stage.Transcribe(context.Background(), Ref{UtteranceID: "u1"}, speechFrames(1))
	if err != nil || tr.Text != "" {
		t.Fatalf("expected empty transcript without error, got %+v %v", tr, err)
	}
}

func TestTranscriptionStageTimeout(t *testing.T) {
	stage := NewTranscriptionStage(mock.NewTranscriber(mock.STTConfig{Transcript: "x", Delay: time.Second}), 10*time.Millisecond)
	_, err := stage.Transcribe(context.Background(), Ref{UtteranceID: "u1"}, speechFrames(1))
	var se *errorsx.StageError
	if !errors.As(err, &se) || se.Kind != errorsx.KindProviderTimeout || se.Stage != errorsx.StageTranscribe {
		t.Fatalf("expected transcribe timeout, got %v", err)
	}
	if se.UtteranceID != "u1" {
		t.Fatalf("expected utterance id on error, got %q", se.UtteranceID)
	}
}

func TestTranscriptionStageAppliesHintsAndNormalizer(t *testing.T) {
	tr := mock.NewTranscriber(mock.STTConfig{Transcript: "my Air Con is broken, the aircon is loud"})
	stage := NewTranscriptionStage(tr, time.Second)
	stage.SetHints("en", "HVAC support call")
	stage.SetNormalizer(NewTextNormalizer(map[string]string{
		"air con": "air conditioner",
		"aircon":  "air conditioner",
		"con":     "scam",
	}))

	got, err := stage.Transcribe(context.Background(), Ref{UtteranceID: "u1"}, speechFrames(1))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got.Text != "my air conditioner is broken, the air conditioner is loud" {
		t.Fatalf("normalized text = %q", got.Text)
	}
	reqs := tr.Requests()
	if len(reqs) != 1 || reqs[0].Language != "en" || reqs[0].Prompt != "HVAC support call" {
		t.Fatalf("hints not forwarded: %+v", reqs)
	}
}

func TestGenerationStreamsSentencesInOrder(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	adapter := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"Hi there! How", " are you", "?"}})
	stage := NewResponseGenerationStage(adapter, time.Second)
	stage.SetEmitter(metrics.NewEmitter(mem, nil))
	stage.SetAggregatorConfig(aggregatorCfg())

	h := stage.Generate(context.Background(), llm.Context{Messages: []llm.Message{{Role: llm.RoleSystem, Content: "be nice"}}},
		Seed{Ref: Ref{UtteranceID: "u1"}, TranscriptID: "u1", Text: "hello"})
	got := collectText(h)
	<-h.Done()
	if len(got) != 2 || got[0] != "Hi there!" || got[1] != "How are you?" {
		t.Fatalf("unexpected increments %q", got)
	}
	if h.Err() != nil || h.Speculative() {
		t.Fatalf("unexpected handle state err=%v speculative=%v", h.Err(), h.Speculative())
	}
	sent := adapter.Contexts()[0].Messages
	if len(sent) != 2 || sent[1].Role != llm.RoleUser || sent[1].Content != "hello" {
		t.Fatalf("expected seed appended as user message, got %+v", sent)
	}
	usage, estimated := h.Usage()
	if !estimated || usage.CompletionTokens == 0 {
		t.Fatalf("expected estimated usage, got %+v", usage)
	}
	done := mem.Named(metrics.EventLLMDone)
	if len(done) != 1 || done[0].IntField(metrics.FieldTokensOut) != usage.CompletionTokens {
		t.Fatalf("unexpected llm_done %+v", done)
	}
	if mem.Count(metrics.EventLLMFirstText) != 1 {
		t.Fatalf("expected first text metric")
	}
}

func TestGenerationReportsProviderUsage(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"Ok."}, Usage: &llm.Usage{PromptTokens: 11, CompletionTokens: 2}})
	stage := NewResponseGenerationStage(adapter, time.Second)
	h := stage.Generate(context.Background(), llm.Context{}, Seed{Text: "hi"})
	collectText(h)
	usage, estimated := h.Usage()
	if estimated || usage.PromptTokens != 11 {
		t.Fatalf("expected provider usage, got %+v estimated=%v", usage, estimated)
	}
}

func TestGenerationCancelStopsWithinOneIncrement(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{
		StreamChunks: []string{"One one. ", "Two two. ", "Three three. ", "Four four. "},
		ChunkDelay:   5 * time.Millisecond,
	})
	stage := NewResponseGenerationStage(adapter, time.Second)
	stage.SetAggregatorConfig(aggregatorCfg())
	h := stage.Generate(context.Background(), llm.Context{}, Seed{Ref: Ref{UtteranceID: "u1"}, Text: "go"})
	if !h.Speculative() {
		t.Fatalf("expected speculative handle without transcript id")
	}
	first := <-h.Increments()
	if first.Text != "One one." || first.Seq != 0 {
		t.Fatalf("unexpected first increment %+v", first)
	}
	h.Cancel()
	<-h.Done()
	if _, ok := <-h.Increments(); ok {
		t.Fatalf("expected no increment after cancellation acknowledged")
	}
	if !h.Cancelled() || errorsx.Classify(h.Err()) != errorsx.KindCancelledByBargeIn {
		t.Fatalf("expected barge-in cancellation, got %v", h.Err())
	}
}

func TestGenerationIdleTimeout(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"late"}, ChunkDelay: time.Second})
	stage := NewResponseGenerationStage(adapter, 20*time.Millisecond)
	h := stage.Generate(context.Background(), llm.Context{}, Seed{Ref: Ref{UtteranceID: "u1"}, TranscriptID: "u1", Text: "x"})
	collectText(h)
	if errorsx.Classify(h.Err()) != errorsx.KindProviderTimeout {
		t.Fatalf("expected timeout, got %v", h.Err())
	}
}

func TestGenerationIdleTimeoutIgnoresSlowConsumer(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"Held back. ", "Still fine."}})
	stage := NewResponseGenerationStage(adapter, 50*time.Millisecond)
	stage.SetAggregatorConfig(aggregatorCfg())
	h := stage.Generate(context.Background(), llm.Context{}, Seed{Ref: Ref{UtteranceID: "u1"}, Text: "hold"})

	// Nobody reads for several idle periods, as with a speculative handle
	// while the caller keeps talking.
	time.Sleep(200 * time.Millisecond)
	got := collectText(h)
	<-h.Done()
	if h.Err() != nil {
		t.Fatalf("unread increments must not time out: %v", h.Err())
	}
	if len(got) != 2 || got[0] != "Held back." || got[1] != "Still fine." {
		t.Fatalf("unexpected increments %q", got)
	}
}

func TestGenerationCommitBindsTranscript(t *testing.T) {
	stage := NewResponseGenerationStage(mock.NewLLMAdapter(mock.LLMConfig{}), time.Second)
	h := stage.Generate(context.Background(), llm.Context{}, Seed{Text: "partial"})
	h.Commit("t1")
	if h.Speculative() || h.BasedOn() != "t1" {
		t.Fatalf("expected committed handle")
	}
	collectText(h)
}

func feed(texts ...string) <-chan frames.TextIncrement {
	ch := make(chan frames.TextIncrement, len(texts))
	for i, s := range texts {
		ch <- frames.TextIncrement{GenerationID: "g1", Seq: i, Text: s}
	}
	close(ch)
	return ch
}

func TestSynthesisStreamsInOrder(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	stage := NewSynthesisStage(mock.NewSynthesizer(mock.TTSConfig{BytesPerChar: 2}), time.Second)
	stage.SetEmitter(metrics.NewEmitter(mem, nil))
	st := stage.Synthesize(context.Background(), Ref{UtteranceID: "u1"}, "g1", feed("Hi there!", "Bye."))
	var got []frames.AudioIncrement
	for ai := range st.Audio() {
		got = append(got, ai)
	}
	<-st.Done()
	if st.Err() != nil {
		t.Fatalf("unexpected error %v", st.Err())
	}
	if len(got) != 2 || got[0].Text != "Hi there!" || got[1].Seq != 1 || got[1].GenerationID != "g1" {
		t.Fatalf("unexpected audio %+v", got)
	}
	done := mem.Named(metrics.EventTTSDone)
	if len(done) != 1 || done[0].IntField(metrics.FieldChars) != len("Hi there!")+len("Bye.") {
		t.Fatalf("unexpected tts_done %+v", done)
	}
}

func TestSynthesisStartsBeforeInputCloses(t *testing.T) {
	stage := NewSynthesisStage(mock.NewSynthesizer(mock.TTSConfig{}), time.Second)
	in := make(chan frames.TextIncrement)
	st := stage.Synthesize(context.Background(), Ref{UtteranceID: "u1"}, "g1", in)
	in <- frames.TextIncrement{Text: "First."}
	select {
	case ai := <-st.Audio():
		if ai.Text != "First." {
			t.Fatalf("unexpected audio %+v", ai)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected audio before input closed")
	}
	st.Cancel()
	<-st.Done()
	if errorsx.Classify(st.Err()) != errorsx.KindCancelledByBargeIn {
		t.Fatalf("expected cancellation, got %v", st.Err())
	}
	if _, ok := <-st.Audio(); ok {
		t.Fatalf("expected audio closed after cancel")
	}
}

func TestSynthesisProviderError(t *testing.T) {
	boom := errorsx.Errorf(errorsx.ReasonTTSRejected, "bad voice")
	stage := NewSynthesisStage(mock.NewSynthesizer(mock.TTSConfig{StreamErr: boom}), time.Second)
	st := stage.Synthesize(context.Background(), Ref{UtteranceID: "u1"}, "g1", feed("Hi."))
	for range st.Audio() {
	}
	var se *errorsx.StageError
	if !errors.As(st.Err(), &se) || se.Stage != errorsx.StageSynthesize || se.Kind != errorsx.KindProviderRejected {
		t.Fatalf("expected rejected synthesis error, got %v", st.Err())
	}
}

func TestSynthesisIdleTimeout(t *testing.T) {
	stage := NewSynthesisStage(mock.NewSynthesizer(mock.TTSConfig{Delay: time.Second}), 20*time.Millisecond)
	st := stage.Synthesize(context.Background(), Ref{UtteranceID: "u1"}, "g1", feed("Slow."))
	for range st.Audio() {
	}
	if errorsx.Classify(st.Err()) != errorsx.KindProviderTimeout {
		t.Fatalf("expected timeout, got %v", st.Err())
	}
}

type recordingSink struct {
	mu      sync.Mutex
	played  []frames.AudioIncrement
	clears  int
	stopped bool
	late    int
}

func (r *recordingSink) Play(ctx context.Context, inc frames.AudioIncrement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		r.late++
	}
	r.played = append(r.played, inc)
	return nil
}

func (r *recordingSink) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
	r.stopped = true
	return nil
}

func (r *recordingSink) snapshot() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.played), r.clears, r.late
}

func TestPlayerPlaysAllAndTracksSpokenText(t *testing.T) {
	sink := &recordingSink{}
	in := make(chan frames.AudioIncrement, 2)
	in <- frames.AudioIncrement{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1, Text: "Hi there!"}
	in <- frames.AudioIncrement{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1, Text: "Bye."}
	close(in)
	pb := NewPlayer(sink, false).Start(context.Background(), Ref{UtteranceID: "u1"}, in)
	<-pb.Done()
	if n, _, _ := sink.snapshot(); n != 2 {
		t.Fatalf("expected 2 increments played, got %d", n)
	}
	if pb.Spoken() != "Hi there! Bye." {
		t.Fatalf("unexpected spoken text %q", pb.Spoken())
	}
	if pb.Played() != 20*time.Millisecond {
		t.Fatalf("unexpected played duration %v", pb.Played())
	}
}

func TestPlayerStopDeliversNothingAfterward(t *testing.T) {
	sink := &recordingSink{}
	in := make(chan frames.AudioIncrement)
	pb := NewPlayer(sink, true).Start(context.Background(), Ref{UtteranceID: "u1"}, in)
	in <- frames.AudioIncrement{PCM: make([]byte, 32000), SampleRate: 16000, Channels: 1, Text: "Long sentence."}
	<-pb.Started()
	pb.Stop()
	<-pb.Done()
	select {
	case in <- frames.AudioIncrement{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1, Text: "never"}:
		t.Fatalf("player should not consume after stop")
	case <-time.After(20 * time.Millisecond):
	}
	n, clears, late := sink.snapshot()
	if n != 1 || clears != 1 || late != 0 {
		t.Fatalf("unexpected sink state played=%d clears=%d late=%d", n, clears, late)
	}
	if pb.Spoken() != "Long sentence." {
		t.Fatalf("unexpected spoken %q", pb.Spoken())
	}
}
