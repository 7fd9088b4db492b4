package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voiceturn/pkg/adapters/stt"
	"github.com/harunnryd/voiceturn/pkg/audio"
	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/frames"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	Encoding       string
	Interim        bool
	VADEvents      bool
	UtteranceEndMS int
	// SettleTimeout bounds how long Transcribe waits for a final result
	// after the last audio byte was written.
	SettleTimeout time.Duration
	// QueueFrames is the per-stream send queue length.
	QueueFrames int
}

// Client opens Deepgram live connections. It serves both as a
// PartialTranscriber for preemptive generation and as a batch Transcriber
// that streams a whole utterance and waits for the final result.
type Client struct {
	cfg         Config
	logger      *slog.Logger
	retryPolicy resilience.RetryPolicy
}

func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 1500 * time.Millisecond
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 256
	}
	policy := resilience.NewRetryPolicy(2, 200*time.Millisecond)
	policy.Retryable = func(err error) bool { return errorsx.HasReason(err, errorsx.ReasonASRConnect) }
	return &Client{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
		retryPolicy: policy,
	}
}

func (c *Client) Name() string { return "deepgram" }

// Open starts a live stream for one utterance.
func (c *Client) Open(ctx context.Context, utteranceID string, sampleRate, channels int) (stt.PartialStream, error) {
	var ls *liveStream
	err := c.retryPolicy.Do(ctx, func(ctx context.Context) error {
		s, err := c.dial(ctx, utteranceID, sampleRate)
		if err != nil {
			return err
		}
		ls = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ls, nil
}

// Transcribe streams a complete utterance and joins the final segments.
func (c *Client) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if req.SampleRate <= 0 {
		req.SampleRate = 16000
	}
	s, err := c.Open(ctx, req.UtteranceID, req.SampleRate, req.Channels)
	if err != nil {
		return stt.Transcript{}, err
	}
	ls := s.(*liveStream)
	defer ls.Close()

	go ls.drainPartials()
	// Trailing silence lets server-side endpointing close the utterance.
	samples := make([]int16, len(req.Samples), len(req.Samples)+req.SampleRate/2)
	copy(samples, req.Samples)
	samples = append(samples, make([]int16, req.SampleRate/2)...)
	if err := ls.writeAll(audio.EncodePCM16LE(samples)); err != nil {
		return stt.Transcript{}, errorsx.Wrap(err, errorsx.ReasonASRStream)
	}

	settle := time.NewTimer(c.cfg.SettleTimeout)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return stt.Transcript{}, ctx.Err()
	case <-ls.finished:
	case <-settle.C:
		c.logger.Debug("deepgram_settle_timeout",
			slog.String("utterance_id", req.UtteranceID))
	}

	text, conf, streamErr := ls.result()
	if text == "" {
		if streamErr != nil {
			return stt.Transcript{}, errorsx.Wrap(streamErr, errorsx.ReasonASRStream)
		}
		return stt.Transcript{}, errorsx.Errorf(errorsx.ReasonASREmpty, "deepgram returned no transcript for %s", req.UtteranceID)
	}
	return stt.Transcript{UtteranceID: req.UtteranceID, Text: text, Confidence: conf, IsFinal: true}, nil
}

func (c *Client) dial(ctx context.Context, utteranceID string, sampleRate int) (*liveStream, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	sctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	ls := &liveStream{
		utteranceID: utteranceID,
		logger:      c.logger.With(slog.String("utterance_id", utteranceID)),
		in:          make(chan []byte, c.cfg.QueueFrames),
		partials:    make(chan stt.Transcript, 32),
		finished:    make(chan struct{}),
		pr:          pr,
		pw:          pw,
		ctx:         sctx,
		cancel:      cancel,
	}

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          c.cfg.Model,
		Language:       c.cfg.Language,
		Encoding:       c.cfg.Encoding,
		SampleRate:     sampleRate,
		InterimResults: c.cfg.Interim,
		VadEvents:      c.cfg.VADEvents,
		SmartFormat:    true,
	}
	if c.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", c.cfg.UtteranceEndMS)
	}

	dgClient, err := client.NewWSUsingCallback(sctx, c.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: ls})
	if err != nil {
		cancel()
		c.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("utterance_id", utteranceID))
		return nil, errorsx.Wrap(err, errorsx.ReasonASRConnect)
	}
	if connected := dgClient.Connect(); !connected {
		cancel()
		c.logger.Error("deepgram_connect_failed",
			slog.String("utterance_id", utteranceID))
		return nil, errorsx.Errorf(errorsx.ReasonASRConnect, "deepgram connection failed")
	}
	ls.ws = dgClient

	c.logger.Info("deepgram_connected",
		slog.String("utterance_id", utteranceID),
		slog.String("model", c.cfg.Model),
		slog.Int("sample_rate", sampleRate))

	go func() {
		if err := dgClient.Stream(pr); err != nil && sctx.Err() == nil {
			ls.fail(err)
		}
	}()
	go ls.writeLoop()
	return ls, nil
}

type liveStream struct {
	utteranceID string
	logger      *slog.Logger
	ws          *client.WSCallback
	in          chan []byte
	partials    chan stt.Transcript
	finished    chan struct{}
	pr          *io.PipeReader
	pw          *io.PipeWriter
	ctx         context.Context
	cancel      context.CancelFunc

	mu         sync.Mutex
	closed     bool
	finalized  bool
	finals     []string
	confidence *float64
	err        error
	closeOnce  sync.Once
}

func (s *liveStream) Send(frame frames.AudioFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("deepgram stream closed")
	}
	select {
	case s.in <- frame.PCM():
	default:
		s.logger.Warn("deepgram_send_queue_full")
	}
	return nil
}

func (s *liveStream) Partials() <-chan stt.Transcript { return s.partials }

func (s *liveStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.partials)
		s.mu.Unlock()
		s.cancel()
		_ = s.pw.Close()
		if s.ws != nil {
			s.ws.Stop()
		}
	})
	return nil
}

func (s *liveStream) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case b := <-s.in:
			if _, err := s.pw.Write(b); err != nil {
				if s.ctx.Err() == nil {
					s.fail(err)
				}
				return
			}
		}
	}
}

func (s *liveStream) writeAll(b []byte) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.in <- b:
		return nil
	}
}

func (s *liveStream) drainPartials() {
	for range s.partials {
	}
}

func (s *liveStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
	s.finish()
}

func (s *liveStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return
	}
	s.finalized = true
	close(s.finished)
}

func (s *liveStream) result() (string, *float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(strings.Join(s.finals, " ")), s.confidence, s.err
}

func (s *liveStream) deliver(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.partials <- t:
	default:
		s.logger.Warn("deepgram_partials_full")
	}
}

type callback struct {
	parent *liveStream
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	transcript := strings.TrimSpace(alt.Transcript)
	if transcript == "" {
		if mr.SpeechFinal {
			c.parent.finish()
		}
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	if isFinal {
		conf := alt.Confidence
		c.parent.mu.Lock()
		c.parent.finals = append(c.parent.finals, transcript)
		c.parent.confidence = &conf
		c.parent.mu.Unlock()
	}

	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", transcript),
		slog.Bool("is_final", isFinal))

	text, _, _ := c.parent.result()
	if !isFinal {
		text = strings.TrimSpace(text + " " + transcript)
	}
	c.parent.deliver(stt.Transcript{UtteranceID: c.parent.utteranceID, Text: text, IsFinal: isFinal})
	if mr.SpeechFinal {
		c.parent.finish()
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.logger.Debug("deepgram_metadata_received",
		slog.String("request_id", md.RequestID))
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event")
	c.parent.finish()
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Debug("deepgram_connection_closed")
	c.parent.finish()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.fail(fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("data", string(byData)))
	return nil
}

var (
	_ stt.Transcriber        = (*Client)(nil)
	_ stt.PartialTranscriber = (*Client)(nil)
	_ stt.PartialStream      = (*liveStream)(nil)
)
