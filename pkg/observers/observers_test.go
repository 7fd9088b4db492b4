package observers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLatencyObserverLogsPerTurn(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewJSONHandler(&buf, nil)))
	emit := metrics.NewEmitter(obs, map[string]string{metrics.TagSessionID: "s1", metrics.TagTurnID: "t1"})

	emit.Emit(metrics.EventTurnStart, 1, nil)
	emit.Emit(metrics.EventTurnSpeechEnd, 1, nil)
	emit.Emit(metrics.EventASRDone, 1, nil)
	emit.Emit(metrics.EventLLMFirstText, 1, nil)
	emit.Emit(metrics.EventTTSFirstAudio, 1, nil)
	if obs.Pending() != 1 {
		t.Fatalf("expected one pending trace")
	}
	emit.Emit(metrics.EventTurnCompleted, 1, nil)
	if obs.Pending() != 0 {
		t.Fatalf("trace must be dropped once the turn ends")
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if line["msg"] != "turn_latency" || line["turn_id"] != "t1" {
		t.Fatalf("unexpected log line %v", line)
	}
	if v, ok := line["first_audio_ms"].(float64); !ok || v < 0 {
		t.Fatalf("expected first_audio_ms, got %v", line["first_audio_ms"])
	}
}

func TestLatencyObserverIgnoresUntrackedTurns(t *testing.T) {
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(io.Discard, nil)))
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventASRDone, Tags: map[string]string{metrics.TagTurnID: "late"}})
	if obs.Pending() != 0 {
		t.Fatalf("stray events must not open a trace")
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a, b := metrics.NewMemoryObserver(), metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil, b)
	m.RecordEvent(metrics.MetricsEvent{Name: "x"})
	if a.Count("x") != 1 || b.Count("x") != 1 {
		t.Fatalf("expected both observers to see the event")
	}
}

func TestLoggerObserverLevelsByEvent(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLoggerObserver(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	emit := metrics.NewEmitter(obs, map[string]string{metrics.TagSessionID: "s1"})

	emit.Emit(metrics.EventASRDone, 1, nil)
	if buf.Len() != 0 {
		t.Fatalf("stage events belong at debug, got %s", buf.String())
	}
	emit.Emit(metrics.EventTurnFailed, 1, map[string]any{metrics.FieldReason: "asr_rejected"})
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if line["event"] != metrics.EventTurnFailed || line["session_id"] != "s1" || line["reason"] != "asr_rejected" {
		t.Fatalf("unexpected log line %v", line)
	}
}

func TestFileSinkWritesSummary(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileSink(dir)
	sum := metrics.UsageSummary{SessionID: "s-1", Turns: 2, TTSCharacters: 40}
	if err := (MultiSink{NewLogSink(slog.New(slog.NewTextHandler(io.Discard, nil))), sink}).Publish(context.Background(), sum); err != nil {
		t.Fatalf("publish: %v", err)
	}
	b, err := os.ReadFile(sink.Path("s-1"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got metrics.UsageSummary
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Turns != 2 || got.TTSCharacters != 40 {
		t.Fatalf("unexpected summary %+v", got)
	}
}

func TestFileSinkRequiresSessionID(t *testing.T) {
	if err := NewFileSink(t.TempDir()).Publish(context.Background(), metrics.UsageSummary{}); err == nil {
		t.Fatalf("expected error without session id")
	}
}

func TestPurgeArtifactsOnlyOldArtifacts(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-48 * time.Hour)
	for _, name := range []string{"a.jsonl", "a.usage.json", "notes.txt", "fresh.jsonl"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if name != "fresh.jsonl" {
			if err := os.Chtimes(path, old, old); err != nil {
				t.Fatalf("chtimes: %v", err)
			}
		}
	}
	n, err := PurgeArtifacts(dir, 24*time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 removed, got %d (%v)", n, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("unrelated file removed")
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour); err != nil || n != 0 {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}

func TestPrometheusObserverCounts(t *testing.T) {
	obs := NewPrometheusObserver()
	emit := metrics.NewEmitter(obs, nil)
	emit.Emit(metrics.EventTurnCompleted, 1, nil)
	emit.Emit(metrics.EventTurnCompleted, 1, nil)
	emit.With(map[string]string{metrics.TagStage: "generate", metrics.TagKind: "provider_timeout"}).
		Emit(metrics.EventTurnFailed, 1, nil)
	emit.Emit(metrics.EventLLMDone, 1, map[string]any{metrics.FieldTokensIn: 10, metrics.FieldTokensOut: 4, metrics.FieldDurationMS: int64(300)})
	emit.Emit(metrics.EventPreemptiveHit, 1, nil)
	emit.With(map[string]string{metrics.TagProvider: "openai"}).Emit(metrics.EventBreakerOpen, 1, nil)

	if v := testutil.ToFloat64(obs.turnsTotal.WithLabelValues("completed")); v != 2 {
		t.Fatalf("expected 2 completed turns, got %v", v)
	}
	if v := testutil.ToFloat64(obs.failuresTotal.WithLabelValues("generate", "provider_timeout")); v != 1 {
		t.Fatalf("expected 1 failure, got %v", v)
	}
	if v := testutil.ToFloat64(obs.tokensTotal.WithLabelValues("input")); v != 10 {
		t.Fatalf("expected 10 input tokens, got %v", v)
	}
	if v := testutil.ToFloat64(obs.preemptiveTotal.WithLabelValues("hit")); v != 1 {
		t.Fatalf("expected 1 preemptive hit, got %v", v)
	}
	if v := testutil.ToFloat64(obs.breakerTotal.WithLabelValues("openai", metrics.EventBreakerOpen)); v != 1 {
		t.Fatalf("expected breaker event, got %v", v)
	}
	if n := testutil.CollectAndCount(obs.stageDuration); n != 1 {
		t.Fatalf("expected one stage series, got %d", n)
	}
}

func TestExporterServesMetrics(t *testing.T) {
	obs := NewPrometheusObserver()
	exp, err := NewExporter("127.0.0.1:0", obs)
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBargeIn})

	srv := httptest.NewServer(exp.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `voiceturn_turns_total{outcome="interrupted"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}

	health, err := srv.Client().Get(srv.URL + "/health")
	if err != nil || health.StatusCode != 200 {
		t.Fatalf("health check failed: %v", err)
	}
	health.Body.Close()
}
