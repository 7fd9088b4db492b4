package processors

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/voiceturn/pkg/adapters/stt"
	"github.com/harunnryd/voiceturn/pkg/audio"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/harunnryd/voiceturn/pkg/redact"
)

// TranscriptionStage turns a sealed utterance into a final transcript with
// one request/response call to the configured provider.
type TranscriptionStage struct {
	transcriber stt.Transcriber
	timeout     time.Duration
	language    string
	prompt      string
	normalizer  *TextNormalizer
	logger      *slog.Logger
	emit        metrics.Emitter
}

func NewTranscriptionStage(t stt.Transcriber, timeout time.Duration) *TranscriptionStage {
	return &TranscriptionStage{
		transcriber: t,
		timeout:     timeout,
		logger:      logging.NewComponentLogger(slog.Default(), "transcription_stage"),
	}
}

func (s *TranscriptionStage) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logging.NewComponentLogger(logger, "transcription_stage")
	}
}

func (s *TranscriptionStage) SetEmitter(e metrics.Emitter) { s.emit = e }

// SetHints passes a language and a biasing prompt to the provider.
func (s *TranscriptionStage) SetHints(language, prompt string) {
	s.language = language
	s.prompt = prompt
}

// SetNormalizer rewrites final transcripts before they reach the controller.
func (s *TranscriptionStage) SetNormalizer(n *TextNormalizer) { s.normalizer = n }

// Transcribe blocks until the provider answers, the deadline passes or ctx is
// cancelled. An empty result is not an error; the transcript text is "".
func (s *TranscriptionStage) Transcribe(ctx context.Context, ref Ref, list []frames.AudioFrame) (stt.Transcript, error) {
	utteranceID := ref.UtteranceID
	samples, rate, ch := audio.Concat(list)
	req := stt.Request{
		UtteranceID: utteranceID,
		Samples:     samples,
		SampleRate:  rate,
		Channels:    ch,
		Language:    s.language,
		Prompt:      s.prompt,
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	tr, err := s.transcriber.Transcribe(ctx, req)
	elapsed := time.Since(start)
	if err != nil && errorsx.HasReason(err, errorsx.ReasonASREmpty) {
		tr, err = stt.Transcript{UtteranceID: utteranceID, IsFinal: true}, nil
	}
	if err != nil {
		serr := errorsx.NewStageError(errorsx.StageTranscribe, utteranceID, err)
		if serr.Kind != errorsx.KindCancelledByBargeIn {
			s.logger.Error("transcription_failed",
				slog.String("utterance_id", utteranceID),
				slog.String("provider", s.transcriber.Name()),
				slog.String("kind", string(serr.Kind)),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
		return stt.Transcript{}, serr
	}

	tr.UtteranceID = utteranceID
	tr.IsFinal = true
	tr.Text = strings.TrimSpace(s.normalizer.Normalize(tr.Text))
	s.emit.With(ref.tags()).Emit(metrics.EventASRDone, float64(elapsed.Milliseconds()), map[string]any{
		metrics.FieldAudioSeconds: req.AudioSeconds(),
		metrics.FieldDurationMS:   elapsed.Milliseconds(),
		metrics.FieldChars:        len(tr.Text),
	})
	s.logger.Info("transcription_done",
		slog.String("utterance_id", utteranceID),
		slog.String("provider", s.transcriber.Name()),
		slog.Float64("audio_seconds", req.AudioSeconds()),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
		slog.String("text", redact.Text(tr.Text)))
	return tr, nil
}
