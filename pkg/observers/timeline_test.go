package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voiceturn/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	emit := metrics.NewEmitter(obs, map[string]string{metrics.TagSessionID: "session-1"})
	emit.With(map[string]string{metrics.TagTurnID: "turn-1"}).Emit(metrics.EventTurnStart, 1, nil)
	emit.Emit(metrics.EventBargeIn, 1, map[string]any{metrics.FieldDurationMS: 120})
	metrics.NewEmitter(obs, nil).Emit(metrics.EventTurnStart, 1, nil)
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "session-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"turn_id":"turn-1"`) || !strings.Contains(lines[1], `"event":"barge_in"`) {
		t.Fatalf("unexpected timeline %s", b)
	}
	if !strings.Contains(lines[0], `"offset_ms":0`) {
		t.Fatalf("first event should sit at offset 0: %s", lines[0])
	}
}

func TestTimelineObserverBuffersUntilFlush(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	defer obs.Close()
	start := time.Now()
	tags := map[string]string{metrics.TagSessionID: "s"}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTurnStart, Time: start, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventASRDone, Time: start.Add(1500 * time.Millisecond), Tags: tags})

	path := filepath.Join(dir, "s.jsonl")
	if info, err := os.Stat(path); err != nil || info.Size() != 0 {
		t.Fatalf("expected an empty file before flush: %v", err)
	}
	if err := obs.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), `"offset_ms":1500`) {
		t.Fatalf("expected offset relative to the first event: %s", b)
	}
}

func TestTimelineObserverCloseSession(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: "x", Time: time.Now(), Tags: map[string]string{metrics.TagSessionID: "a/b"}})
	if err := obs.CloseSession("a/b"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a_b.jsonl")); err != nil {
		t.Fatalf("expected sanitized file name: %v", err)
	}
}
