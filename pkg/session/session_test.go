package session

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/harunnryd/voiceturn/pkg/processors"
	"github.com/harunnryd/voiceturn/pkg/providers/mock"
	"github.com/harunnryd/voiceturn/pkg/turn"
	"github.com/harunnryd/voiceturn/pkg/vad"
	transportmock "github.com/harunnryd/voiceturn/pkg/transports/mock"
)

type captureSink struct {
	mu  sync.Mutex
	got []metrics.UsageSummary
}

func (c *captureSink) Publish(ctx context.Context, u metrics.UsageSummary) error {
	c.mu.Lock()
	c.got = append(c.got, u)
	c.mu.Unlock()
	return nil
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var defaultReply = mock.LLMConfig{StreamChunks: []string{"Hi there!"}}

func newTestSession(t *testing.T, conn *transportmock.Conn, sink *captureSink, events chan turn.SessionEvent, reply mock.LLMConfig, logger *slog.Logger) *Session {
	t.Helper()
	agg := metrics.NewAggregator("s1")
	emit := metrics.NewEmitter(agg, map[string]string{metrics.TagSessionID: "s1"})

	gate, err := vad.NewGate(vad.NewRMSClassifier(0), vad.Params{
		ActivationThreshold:   0.5,
		DeactivationThreshold: 0.35,
		DebounceFrames:        3,
		HangoverFrames:        5,
	})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	gate.SetEmitter(emit)

	tr := processors.NewTranscriptionStage(mock.NewTranscriber(mock.STTConfig{Transcript: "hello"}), time.Second)
	gen := processors.NewResponseGenerationStage(mock.NewLLMAdapter(reply), time.Second)
	syn := processors.NewSynthesisStage(mock.NewSynthesizer(mock.TTSConfig{}), time.Second)
	player := processors.NewPlayer(conn, false)
	for _, s := range []interface{ SetEmitter(metrics.Emitter) }{tr, gen, syn, player} {
		s.SetEmitter(emit)
	}
	gen.SetLogger(logger)
	syn.SetLogger(logger)
	ctrl, err := turn.NewController(turn.Config{PrerollFrames: 3}, turn.Stages{
		Transcription: tr, Generation: gen, Synthesis: syn, Player: player,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	ctrl.SetEmitter(emit)

	s, err := New(Options{
		Logger:  logger,
		Sink:    sink,
		Emitter: emit,
		OnEvent: func(ev turn.SessionEvent) { events <- ev },
	}, conn, gate, ctrl, agg)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s
}

func frame(pts int64, level int16) frames.AudioFrame {
	samples := make([]int16, 320)
	for i := range samples {
		samples[i] = level
	}
	return frames.NewAudioFrame("caller", pts, samples, 16000, 1, nil)
}

func TestSessionCompletesTurnAndPublishesUsage(t *testing.T) {
	conn := transportmock.NewConn("caller")
	sink := &captureSink{}
	events := make(chan turn.SessionEvent, 4)
	s := newTestSession(t, conn, sink, events, defaultReply, nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	ctx := context.Background()
	var pts int64
	for i := 0; i < 10; i++ {
		if err := conn.Push(ctx, frame(pts, 16000)); err != nil {
			t.Fatalf("push: %v", err)
		}
		pts += int64(20 * time.Millisecond)
	}
	for i := 0; i < 8; i++ {
		if err := conn.Push(ctx, frame(pts, 0)); err != nil {
			t.Fatalf("push: %v", err)
		}
		pts += int64(20 * time.Millisecond)
	}

	select {
	case ev := <-events:
		if ev.Kind != turn.TurnCompleted || ev.Transcript != "hello" || ev.Response != "Hi there!" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("turn did not complete")
	}
	if len(conn.Played()) == 0 {
		t.Fatalf("expected audio played to the caller")
	}

	conn.Hangup()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end after hangup")
	}

	sum, ok := s.Summary()
	if !ok || sum.Turns != 1 || sum.ASRSeconds <= 0 || sum.TTSCharacters == 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(sink.got) != 1 || sink.got[0] != sum {
		t.Fatalf("expected the frozen summary published once")
	}
}

func TestSessionStopsOnContextCancel(t *testing.T) {
	conn := transportmock.NewConn("caller")
	s := newTestSession(t, conn, &captureSink{}, make(chan turn.SessionEvent, 1), defaultReply, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("cancel must end the session cleanly, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("session ignored cancellation")
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done not closed")
	}
}

func pushUtterance(t *testing.T, conn *transportmock.Conn) {
	t.Helper()
	ctx := context.Background()
	var pts int64
	for i := 0; i < 18; i++ {
		level := int16(16000)
		if i >= 10 {
			level = 0
		}
		if err := conn.Push(ctx, frame(pts, level)); err != nil {
			t.Fatalf("push: %v", err)
		}
		pts += int64(20 * time.Millisecond)
	}
}

func TestSessionHangupMidResponseKeepsUsage(t *testing.T) {
	conn := transportmock.NewConn("caller")
	sink := &captureSink{}
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reply := mock.LLMConfig{
		StreamChunks: []string{"Sure, let me check. ", "One moment please. ", "Still looking. ", "Almost done."},
		ChunkDelay:   150 * time.Millisecond,
	}
	s := newTestSession(t, conn, sink, make(chan turn.SessionEvent, 4), reply, logger)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	pushUtterance(t, conn)

	time.Sleep(400 * time.Millisecond)
	conn.Hangup()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not end after hangup")
	}

	sum, ok := s.Summary()
	if !ok || sum.LLMTokensIn == 0 || sum.LLMTokensOut == 0 {
		t.Fatalf("usage of the interrupted reply was lost: %+v", sum)
	}
	out := logs.String()
	if strings.Contains(out, "generation_failed") || strings.Contains(out, "synthesis_failed") {
		t.Fatalf("hangup reported as a stage failure:\n%s", out)
	}
	if !strings.Contains(out, "generation_cancelled") {
		t.Fatalf("expected the generation to end as cancelled:\n%s", out)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}, nil, nil, nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	a := &Session{id: "b"}
	b := &Session{id: "a"}
	if err := reg.Add(a); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(b); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(a); err == nil {
		t.Fatalf("duplicate id accepted")
	}
	if ids := reg.IDs(); len(ids) != 2 || ids[0] != "a" {
		t.Fatalf("unexpected ids %v", ids)
	}
	reg.Remove("a")
	if _, ok := reg.Get("a"); ok || reg.Len() != 1 {
		t.Fatalf("remove failed")
	}
}
