package voiceturn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/voiceturn/pkg/adapters/stt"
	"github.com/harunnryd/voiceturn/pkg/adapters/tts"
	"github.com/harunnryd/voiceturn/pkg/audio"
	"github.com/harunnryd/voiceturn/pkg/llm"
	"github.com/harunnryd/voiceturn/pkg/logging"
	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/harunnryd/voiceturn/pkg/observers"
	"github.com/harunnryd/voiceturn/pkg/processors"
	"github.com/harunnryd/voiceturn/pkg/redact"
	"github.com/harunnryd/voiceturn/pkg/runner"
	"github.com/harunnryd/voiceturn/pkg/session"
	"github.com/harunnryd/voiceturn/pkg/transports"
	"github.com/harunnryd/voiceturn/pkg/turn"
	"github.com/harunnryd/voiceturn/pkg/vad"
)

type EngineOptions struct {
	Config Config
	// Providers defaults to the bundled adapters.
	Providers *ProviderRegistry
	// Transport overrides the one described by Config.Transport.
	Transport transports.Transport
	// VADLoader builds the shared classifier; defaults to the RMS classifier.
	VADLoader vad.Loader
	// Sinks receive every session's usage summary in addition to the
	// log and artifact sinks.
	Sinks          []observers.UsageSink
	OnSessionEvent func(sessionID string, ev turn.SessionEvent)
	Logger         *slog.Logger
	// BannerOutput receives the startup banner; nil keeps it quiet.
	BannerOutput io.Writer
	DrainTimeout time.Duration
}

// Engine accepts transport connections and runs one session per caller.
// Providers, the VAD model and the metrics backends are shared.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	transport transports.Transport
	model     *vad.Model
	registry  *session.Registry
	runner    *runner.LifecycleRunner
	onEvent   func(string, turn.SessionEvent)

	transcriber stt.Transcriber
	partial     stt.PartialTranscriber
	llm         llm.LLMAdapter
	synth       tts.Synthesizer
	noise       audio.NoiseSuppressor
	normalizer  *processors.TextNormalizer
	divergence  turn.DivergenceFunc

	asyncObs *metrics.AsyncObserver
	latency  *observers.LatencyObserver
	timeline *observers.TimelineObserver
	prom     *observers.PrometheusObserver
	exporter *observers.Exporter
	sink     observers.UsageSink

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	providers := opts.Providers
	if providers == nil {
		providers = NewDefaultProviderRegistry()
	}
	e := &Engine{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(base, "engine"),
		registry: session.NewRegistry(),
		onEvent:  opts.OnSessionEvent,
	}

	var err error
	if e.transcriber, err = providers.BuildSTT(cfg.Vendors.STT); err != nil {
		return nil, err
	}
	e.transcriber = stt.Limit(e.transcriber, cfg.Vendors.STTConcurrency)
	if strings.TrimSpace(cfg.Vendors.PartialSTT.Provider) != "" {
		if e.partial, err = providers.BuildPartialSTT(cfg.Vendors.PartialSTT); err != nil {
			return nil, err
		}
	}
	if e.llm, err = providers.BuildLLM(cfg.Vendors.LLM); err != nil {
		return nil, err
	}
	if e.synth, err = providers.BuildTTS(cfg.Vendors.TTS); err != nil {
		return nil, err
	}
	if e.divergence, err = turn.ParseDivergence(cfg.Turn.Divergence.Mode, cfg.Turn.Divergence.MaxWordEdits); err != nil {
		return nil, err
	}

	if len(cfg.Transcription.Replacements) > 0 {
		e.normalizer = processors.NewTextNormalizer(cfg.Transcription.Replacements)
	}

	e.transport = opts.Transport
	if e.transport == nil {
		if e.transport, err = BuildTransport(cfg.Transport); err != nil {
			return nil, err
		}
	}
	policy := audio.NoiseCancellationPolicy{
		Enabled:    cfg.NoiseCancellation.Enabled,
		Transports: cfg.NoiseCancellation.Transports,
	}
	if policy.Applies(e.transport.Name()) {
		e.noise = audio.NewNoiseGate(cfg.NoiseCancellation.Floor)
	}

	loader := opts.VADLoader
	if loader == nil {
		minVolume := cfg.VAD.MinVolume
		loader = func(context.Context) (vad.Classifier, error) {
			return vad.NewRMSClassifier(minVolume), nil
		}
	}
	e.model = vad.NewModel(loader)

	if err := e.buildObservers(base, opts.Sinks); err != nil {
		return nil, err
	}
	if bc, ok := e.llm.(interface{ SetObserver(metrics.Observer) }); ok {
		bc.SetObserver(e.asyncObs)
	}

	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), runner.Hooks{
		OnStart: e.onStart,
		OnStop:  e.onStop,
	}, drainTimeout(opts.DrainTimeout))
	e.runner.SetBannerOutput(opts.BannerOutput)

	e.logger.Info("voiceturn_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Vendors.STT.Provider,
		"partial_stt_provider", cfg.Vendors.PartialSTT.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", e.transport.Name(),
		"preemptive_generation", cfg.Turn.PreemptiveGeneration,
		"noise_suppression", e.noise != nil,
	)
	return e, nil
}

func drainTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

func (e *Engine) buildObservers(base *slog.Logger, extra []observers.UsageSink) error {
	obs := e.cfg.Observability
	e.latency = observers.NewLatencyObserver(logging.NewComponentLogger(base, "latency"))
	list := []metrics.Observer{
		e.latency,
		metrics.NewSamplingObserver(observers.NewLoggerObserver(logging.NewComponentLogger(base, "metrics")), obs.LogSampleRate),
	}
	sinks := observers.MultiSink{observers.NewLogSink(logging.NewComponentLogger(base, "usage"))}

	if dir := strings.TrimSpace(obs.ArtifactsDir); dir != "" {
		e.timeline = observers.NewTimelineObserver(dir)
		list = append(list, e.timeline)
		sinks = append(sinks, observers.NewFileSink(dir))
	}
	if addr := strings.TrimSpace(obs.MetricsAddr); addr != "" {
		e.prom = observers.NewPrometheusObserver()
		exp, err := observers.NewExporter(addr, e.prom)
		if err != nil {
			return fmt.Errorf("metrics exporter: %w", err)
		}
		e.exporter = exp
		list = append(list, e.prom)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), obs.EventBuffer)
	e.sink = append(sinks, extra...)
	return nil
}

// Start loads the VAD model, purges expired artifacts, opens the transport
// and begins accepting sessions. It returns once the engine is serving.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := e.model.Load(ctx); err != nil {
		return err
	}
	e.purgeArtifacts()
	if e.exporter != nil {
		go func() {
			if err := e.exporter.Start(); err != nil {
				e.logger.Error("metrics_exporter_failed", "error", err)
			}
		}()
	}
	if err := e.transport.Start(e.ctx); err != nil {
		return err
	}
	go e.accept(e.ctx)
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) Sessions() *session.Registry { return e.registry }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) purgeArtifacts() {
	obs := e.cfg.Observability
	dir := strings.TrimSpace(obs.ArtifactsDir)
	if dir == "" || obs.RetentionDays <= 0 {
		return
	}
	n, err := observers.PurgeArtifacts(dir, time.Duration(obs.RetentionDays)*24*time.Hour)
	if err != nil {
		e.logger.Warn("artifact_purge_failed", "dir", dir, "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("artifacts_purged", "dir", dir, "removed", n)
	}
}

func (e *Engine) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-e.transport.Accept():
			if !ok {
				return
			}
			if err := e.startSession(ctx, conn); err != nil {
				e.logger.Error("session_start_failed", "conn_id", conn.ID(), "error", err)
				_ = conn.Close()
			}
		}
	}
}

func (e *Engine) startSession(ctx context.Context, conn transports.Conn) error {
	id := conn.ID()
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := e.registry.Get(id); ok {
		return fmt.Errorf("session %s already active", id)
	}
	cfg := e.cfg
	log := e.logger.With("session_id", id)

	agg := metrics.NewAggregator(id)
	emit := metrics.NewEmitter(observers.NewMultiObserver(agg, e.asyncObs), map[string]string{
		metrics.TagSessionID: id,
	})

	cls, err := e.model.Classifier()
	if err != nil {
		return err
	}
	gate, err := vad.NewGate(cls, cfg.VADParams())
	if err != nil {
		return err
	}
	gate.SetLogger(log)
	gate.SetEmitter(emit)

	tr := processors.NewTranscriptionStage(e.transcriber, ms(cfg.Timeouts.TranscribeMS))
	gen := processors.NewResponseGenerationStage(e.llm, ms(cfg.Timeouts.GenerateMS))
	syn := processors.NewSynthesisStage(e.synth, ms(cfg.Timeouts.SynthesizeMS))
	player := processors.NewPlayer(conn, cfg.Playback.Realtime)
	tr.SetLogger(log)
	tr.SetEmitter(emit)
	tr.SetHints(cfg.Transcription.Language, cfg.Transcription.Prompt)
	tr.SetNormalizer(e.normalizer)
	gen.SetLogger(log)
	gen.SetEmitter(emit)
	syn.SetLogger(log)
	syn.SetEmitter(emit)
	player.SetLogger(log)
	player.SetEmitter(emit)

	ctrl, err := turn.NewController(turn.Config{
		PreemptiveGeneration: cfg.Turn.PreemptiveGeneration,
		Divergence:           e.divergence,
		MaxUtterance:         ms(cfg.Turn.MaxUtteranceMS),
		PrerollFrames:        cfg.VAD.PrerollFrames,
		HistoryLimit:         cfg.Turn.HistoryLimit,
		SystemPrompt:         cfg.Agent.SystemPrompt,
		QueueSize:            cfg.Turn.QueueSize,
	}, turn.Stages{
		Transcription: tr,
		Generation:    gen,
		Synthesis:     syn,
		Player:        player,
		Partial:       e.partial,
	})
	if err != nil {
		return err
	}
	ctrl.SetLogger(log)
	ctrl.SetEmitter(emit)

	var onEvent func(turn.SessionEvent)
	if e.onEvent != nil {
		onEvent = func(ev turn.SessionEvent) { e.onEvent(id, ev) }
	}
	sess, err := session.New(session.Options{
		ID:          id,
		IngestQueue: cfg.Turn.IngestQueue,
		Suppressor:  e.noise,
		Sink:        e.sink,
		OnEvent:     onEvent,
		Logger:      e.logger,
		Emitter:     emit,
	}, conn, gate, ctrl, agg)
	if err != nil {
		return err
	}
	if err := e.registry.Add(sess); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.registry.Remove(id)
		if err := sess.Run(ctx); err != nil {
			log.Error("session_failed", "error", err)
		}
		if e.timeline != nil {
			_ = e.timeline.CloseSession(id)
		}
	}()
	return nil
}

func (e *Engine) onStart() {
	fields := []any{"active_sessions", e.registry.Len()}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	e.logger.Info("engine_ready", fields...)
}

// drain stops accepting callers, ends every live session and waits for
// their usage summaries to be published or ctx to expire.
func (e *Engine) drain(ctx context.Context) error {
	_ = e.transport.Stop()
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d sessions still live: %w", e.registry.Len(), ctx.Err())
	}
}

func (e *Engine) onStop() {
	e.asyncObs.Close()
	e.asyncObs.Wait()
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.exporter.Shutdown(ctx)
		cancel()
	}
	_ = e.model.Close()
	e.logger.Info("shutdown",
		"goroutines", runtime.NumGoroutine(),
		"active_sessions", e.registry.Len(),
		"dropped_events", e.asyncObs.Dropped(),
	)
}
