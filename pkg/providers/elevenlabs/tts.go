package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voiceturn/pkg/adapters/tts"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/resilience"
)

type Config struct {
	APIKey  string
	VoiceID string
	ModelID string
	// OutputFormat must be a pcm_<rate> format; the rate is parsed from it.
	OutputFormat string
	BaseURL      string
	KeepAlive    time.Duration
}

// Synthesizer opens one stream-input websocket per synthesis.
type Synthesizer struct {
	cfg        Config
	sampleRate int
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

func New(cfg Config) *Synthesizer {
	if cfg.OutputFormat == "" || !strings.HasPrefix(cfg.OutputFormat, "pcm_") {
		cfg.OutputFormat = "pcm_16000"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.elevenlabs.io"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	rate, err := strconv.Atoi(strings.TrimPrefix(cfg.OutputFormat, "pcm_"))
	if err != nil || rate <= 0 {
		rate = 16000
	}
	return &Synthesizer{
		cfg:        cfg,
		sampleRate: rate,
		dialer:     &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger:     logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *Synthesizer) Name() string { return "elevenlabs" }

func (s *Synthesizer) SampleRate() int { return s.sampleRate }

func (s *Synthesizer) Synthesize(ctx context.Context, text <-chan frames.TextIncrement) (<-chan tts.Chunk, error) {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return nil, errorsx.Errorf(errorsx.ReasonTTSRejected, "missing elevenlabs config")
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	init := map[string]any{
		"text":                   " ",
		"try_trigger_generation": true,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}
	if err := writeJSON(conn, init); err != nil {
		conn.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}

	out := make(chan tts.Chunk, 64)
	sctx, cancel := context.WithCancel(ctx)
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()
	go s.writeLoop(sctx, conn, text, out)
	go s.readLoop(sctx, cancel, conn, out)
	return out, nil
}

func (s *Synthesizer) dial(ctx context.Context) (*websocket.Conn, error) {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	u := s.cfg.BaseURL + "/v1/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input?" + q.Encode()

	conn, resp, err := s.dialer.DialContext(ctx, u, http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err == nil {
		s.logger.Debug("elevenlabs_connected", slog.String("output_format", s.cfg.OutputFormat))
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			s.logger.Error("elevenlabs_rate_limited", slog.String("status", resp.Status))
			return nil, errorsx.Wrap(resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}, errorsx.ReasonTTSRateLimit)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, errorsx.Errorf(errorsx.ReasonTTSRejected, "elevenlabs handshake: %s", resp.Status)
		}
	}
	s.logger.Error("elevenlabs_connect_failed", slog.String("error", err.Error()))
	return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
}

// writeLoop owns all writes on conn. Closing the input channel sends the
// end-of-stream marker so the server flushes remaining audio.
func (s *Synthesizer) writeLoop(ctx context.Context, conn *websocket.Conn, text <-chan frames.TextIncrement, out chan<- tts.Chunk) {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case inc, ok := <-text:
			if !ok {
				if err := writeJSON(conn, map[string]any{"text": ""}); err != nil && ctx.Err() == nil {
					s.logger.Warn("elevenlabs_eos_failed", slog.String("error", err.Error()))
				}
				return
			}
			chunk := strings.TrimSpace(inc.Text)
			if chunk == "" {
				continue
			}
			payload := map[string]any{"text": chunk + " ", "try_trigger_generation": true}
			if err := writeJSON(conn, payload); err != nil {
				if ctx.Err() == nil {
					select {
					case out <- tts.Chunk{Err: errorsx.Wrap(err, errorsx.ReasonTTSSend)}:
					case <-ctx.Done():
					}
				}
				return
			}
		case <-ticker.C:
			_ = writeJSON(conn, map[string]any{"text": " "})
		}
	}
}

type serverMessage struct {
	Audio     string `json:"audio"`
	IsFinal   bool   `json:"isFinal"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Alignment *struct {
		Chars []string `json:"chars"`
	} `json:"alignment"`
}

func (s *Synthesizer) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- tts.Chunk) {
	defer close(out)
	defer cancel()
	emit := func(c tts.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Error("elevenlabs_read_error", slog.String("error", err.Error()))
				emit(tts.Chunk{Err: errorsx.Wrap(err, errorsx.ReasonTTSConnect)})
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("elevenlabs_raw_message", slog.String("data", string(data)))
			continue
		}
		if msg.Error != "" {
			emit(tts.Chunk{Err: errorsx.Errorf(errorsx.ReasonTTSRejected, "elevenlabs: %s %s", msg.Error, msg.Message)})
			return
		}
		if msg.Audio != "" {
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				s.logger.Warn("elevenlabs_audio_decode_error", slog.String("error", err.Error()))
				continue
			}
			chunk := tts.Chunk{PCM: raw, SampleRate: s.sampleRate, Channels: 1}
			if msg.Alignment != nil {
				chunk.Text = strings.Join(msg.Alignment.Chars, "")
			}
			if !emit(chunk) {
				return
			}
		}
		if msg.IsFinal {
			emit(tts.Chunk{Final: true, SampleRate: s.sampleRate, Channels: 1})
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
