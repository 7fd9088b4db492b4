package observers

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/harunnryd/voiceturn/pkg/redact"
)

// TimelineObserver appends every event of a session to <dir>/<session>.jsonl.
// Each line carries the offset from the session's first event so a call can
// be replayed turn by turn. Writes are buffered until Flush or CloseSession.
type TimelineObserver struct {
	dir string

	mu       sync.Mutex
	sessions map[string]*timelineFile
}

type timelineFile struct {
	f     *os.File
	w     *bufio.Writer
	start time.Time
}

type timelineEntry struct {
	Time        time.Time         `json:"time"`
	OffsetMS    int64             `json:"offset_ms"`
	Event       string            `json:"event"`
	Value       float64           `json:"value"`
	SessionID   string            `json:"session_id"`
	TurnID      string            `json:"turn_id,omitempty"`
	UtteranceID string            `json:"utterance_id,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Fields      map[string]any    `json:"fields,omitempty"`
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, sessions: make(map[string]*timelineFile)}
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tag(metrics.TagSessionID)
	key := sanitizeID(sessionID)
	if key == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	tf := o.open(key, ev.Time)
	if tf == nil {
		return
	}
	line, err := json.Marshal(timelineEntry{
		Time:        ev.Time.UTC(),
		OffsetMS:    ev.Time.Sub(tf.start).Milliseconds(),
		Event:       ev.Name,
		Value:       ev.Value,
		SessionID:   sessionID,
		TurnID:      ev.Tag(metrics.TagTurnID),
		UtteranceID: ev.Tag(metrics.TagUtteranceID),
		Tags:        extraTags(ev.Tags),
		Fields:      redactFields(ev.Fields),
	})
	if err != nil {
		return
	}
	_, _ = tf.w.Write(append(line, '\n'))
}

// open returns the session's file, creating it on the first event. Callers hold mu.
func (o *TimelineObserver) open(key string, at time.Time) *timelineFile {
	if tf := o.sessions[key]; tf != nil {
		return tf
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(artifactPath(o.dir, key, TimelineSuffix), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	tf := &timelineFile{f: f, w: bufio.NewWriter(f), start: at}
	o.sessions[key] = tf
	return tf
}

func (tf *timelineFile) close() error {
	return errors.Join(tf.w.Flush(), tf.f.Close())
}

// Flush writes buffered lines of every open session.
func (o *TimelineObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var errs []error
	for _, tf := range o.sessions {
		errs = append(errs, tf.w.Flush())
	}
	return errors.Join(errs...)
}

// CloseSession flushes and closes the file of a finished session.
func (o *TimelineObserver) CloseSession(sessionID string) error {
	key := sanitizeID(sessionID)
	o.mu.Lock()
	tf := o.sessions[key]
	delete(o.sessions, key)
	o.mu.Unlock()
	if tf == nil {
		return nil
	}
	return tf.close()
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	open := o.sessions
	o.sessions = make(map[string]*timelineFile)
	o.mu.Unlock()
	var errs []error
	for _, tf := range open {
		errs = append(errs, tf.close())
	}
	return errors.Join(errs...)
}

// extraTags drops the ids already promoted to top-level fields.
func extraTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch k {
		case metrics.TagSessionID, metrics.TagTurnID, metrics.TagUtteranceID:
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func redactFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			v = redact.Text(s)
		}
		out[k] = v
	}
	return out
}

var (
	_ metrics.Observer = (*TimelineObserver)(nil)
	_ metrics.Flusher  = (*TimelineObserver)(nil)
)
