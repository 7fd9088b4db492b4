package observers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/harunnryd/voiceturn/pkg/metrics"
)

// UsageSink receives the frozen usage summary of a session at teardown.
type UsageSink interface {
	Publish(ctx context.Context, summary metrics.UsageSummary) error
}

// LogSink writes the summary as one structured log line.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, u metrics.UsageSummary) error {
	s.log.InfoContext(ctx, "session_usage",
		slog.String("session_id", u.SessionID),
		slog.Float64("asr_seconds", u.ASRSeconds),
		slog.Int("llm_tokens_in", u.LLMTokensIn),
		slog.Int("llm_tokens_out", u.LLMTokensOut),
		slog.Bool("llm_tokens_estimated", u.LLMTokensEstimated),
		slog.Int("tts_characters", u.TTSCharacters),
		slog.Int("turns", u.Turns),
		slog.Int("turns_failed", u.TurnsFailed),
		slog.Int("barge_ins", u.BargeIns),
		slog.Int("preemptive_hits", u.PreemptiveHits),
		slog.Int("preemptive_restarts", u.PreemptiveRestarts),
	)
	return nil
}

// FileSink writes <dir>/<session>.usage.json.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir}
}

func (s *FileSink) Publish(_ context.Context, u metrics.UsageSummary) error {
	if strings.TrimSpace(s.dir) == "" {
		return nil
	}
	id := sanitizeID(u.SessionID)
	if id == "" {
		return fmt.Errorf("usage summary without session id")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(artifactPath(s.dir, id, UsageSuffix), b, 0o644)
}

// Path returns where the summary of sessionID is written.
func (s *FileSink) Path(sessionID string) string {
	return artifactPath(s.dir, sessionID, UsageSuffix)
}

type MultiSink []UsageSink

// Publish hands the summary to every sink and joins their errors.
func (m MultiSink) Publish(ctx context.Context, u metrics.UsageSummary) error {
	var err error
	for _, sink := range m {
		if sink != nil {
			err = errors.Join(err, sink.Publish(ctx, u))
		}
	}
	return err
}

var (
	_ UsageSink = (*LogSink)(nil)
	_ UsageSink = (*FileSink)(nil)
	_ UsageSink = MultiSink(nil)
)
