package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/voiceturn/pkg/adapters/stt"
	"github.com/harunnryd/voiceturn/pkg/audio"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/resilience"
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Language    string
	Prompt      string
	Temperature float64
	Timeout     time.Duration
	// HealthPath is appended to BaseURL by Health.
	HealthPath string
}

// Transcriber posts finished utterances to an OpenAI-compatible
// /audio/transcriptions endpoint as WAV.
type Transcriber struct {
	cfg         Config
	client      *http.Client
	logger      *slog.Logger
	retryPolicy resilience.RetryPolicy
}

func New(cfg Config) *Transcriber {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	policy := resilience.NewRetryPolicy(2, 200*time.Millisecond)
	policy.Retryable = func(err error) bool {
		return errorsx.Classify(err) == errorsx.KindProviderUnavailable
	}
	return &Transcriber{
		cfg:         cfg,
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      logging.NewComponentLogger(slog.Default(), "whisper_stt"),
		retryPolicy: policy,
	}
}

func (t *Transcriber) Name() string { return "whisper" }

// SetHTTPClient replaces the client used for requests.
func (t *Transcriber) SetHTTPClient(c *http.Client) {
	if c != nil {
		t.client = c
	}
}

func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	var out stt.Transcript
	err := t.retryPolicy.Do(ctx, func(ctx context.Context) error {
		tr, err := t.transcribeOnce(ctx, req)
		if err != nil {
			return err
		}
		out = tr
		return nil
	})
	return out, err
}

// Health checks that the transcription service is up.
func (t *Transcriber) Health(ctx context.Context) error {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.BaseURL+t.cfg.HealthPath, nil)
	if err != nil {
		return err
	}
	t.applyHeaders(r)
	resp, err := t.client.Do(r)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonASRConnect)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return errorsx.Errorf(errorsx.ReasonASRConnect, "whisper health: %s", resp.Status)
	}
	return nil
}

func (t *Transcriber) transcribeOnce(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	body, contentType, err := t.buildForm(req)
	if err != nil {
		return stt.Transcript{}, err
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/audio/transcriptions", body)
	if err != nil {
		return stt.Transcript{}, err
	}
	t.applyHeaders(r)
	r.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := t.client.Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return stt.Transcript{}, ctx.Err()
		}
		return stt.Transcript{}, errorsx.Wrap(err, errorsx.ReasonASRRequest)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return stt.Transcript{}, errorsx.Wrap(resilience.RateLimitError{Provider: "whisper", Message: string(raw)}, errorsx.ReasonASRRateLimit)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return stt.Transcript{}, errorsx.Errorf(errorsx.ReasonASRRejected, "whisper %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= 300:
		return stt.Transcript{}, errorsx.Errorf(errorsx.ReasonASRRequest, "whisper %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return stt.Transcript{}, errorsx.Wrap(err, errorsx.ReasonASRRequest)
	}
	text := strings.TrimSpace(payload.Text)
	t.logger.Debug("whisper_transcribed",
		slog.String("utterance_id", req.UtteranceID),
		slog.Float64("audio_seconds", req.AudioSeconds()),
		slog.Duration("latency", time.Since(start)),
		slog.Int("chars", len(text)))
	if text == "" {
		return stt.Transcript{}, errorsx.Errorf(errorsx.ReasonASREmpty, "whisper returned empty text for %s", req.UtteranceID)
	}
	return stt.Transcript{UtteranceID: req.UtteranceID, Text: text, IsFinal: true}, nil
}

func (t *Transcriber) buildForm(req stt.Request) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fmt.Sprintf("%s.wav", safeName(req.UtteranceID)))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(audio.EncodeWAV(req.Samples, req.SampleRate, req.Channels)); err != nil {
		return nil, "", err
	}
	fields := map[string]string{
		"model":           t.cfg.Model,
		"response_format": "json",
		"temperature":     strconv.FormatFloat(t.cfg.Temperature, 'f', -1, 64),
	}
	if lang := firstNonEmpty(req.Language, t.cfg.Language); lang != "" {
		fields["language"] = lang
	}
	if prompt := firstNonEmpty(req.Prompt, t.cfg.Prompt); prompt != "" {
		fields["prompt"] = prompt
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func (t *Transcriber) applyHeaders(r *http.Request) {
	if t.cfg.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func safeName(id string) string {
	if id == "" {
		return "utterance"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, id)
}

var _ stt.Transcriber = (*Transcriber)(nil)
