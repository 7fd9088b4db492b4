package observers

import (
	"github.com/harunnryd/voiceturn/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voiceturn"

// PrometheusObserver turns pipeline events into Prometheus series. One
// observer is shared by every session of the process.
type PrometheusObserver struct {
	stageDuration   *prometheus.HistogramVec
	firstOutput     *prometheus.HistogramVec
	turnsTotal      *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	ttsChars        prometheus.Counter
	asrSeconds      prometheus.Counter
	preemptiveTotal *prometheus.CounterVec
	pressureTotal   *prometheus.CounterVec
	breakerTotal    *prometheus.CounterVec
}

func NewPrometheusObserver() *PrometheusObserver {
	return &PrometheusObserver{
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of transcription, generation, synthesis and playback",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),
		firstOutput: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "first_output_seconds",
				Help:      "Time to first text increment and first audio increment",
				Buckets:   []float64{.05, .1, .2, .3, .5, .75, 1, 2, 5},
			},
			[]string{"output"},
		),
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Turns by outcome",
			},
			[]string{"outcome"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turn_failures_total",
				Help:      "Failed turns by stage and error kind",
			},
			[]string{"stage", "kind"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "LLM tokens by direction",
			},
			[]string{"type"},
		),
		ttsChars: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_characters_total",
			Help:      "Characters sent to speech synthesis",
		}),
		asrSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_audio_seconds_total",
			Help:      "Seconds of audio sent to speech recognition",
		}),
		preemptiveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "preemptive_generations_total",
				Help:      "Speculative generations by result",
			},
			[]string{"result"},
		),
		pressureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backpressure_total",
				Help:      "Backpressure and overflow signals by source",
			},
			[]string{"source"},
		),
		breakerTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_breaker_events_total",
				Help:      "Circuit breaker and rate limit events by provider",
			},
			[]string{"provider", "event"},
		),
	}
}

// Collectors lists every series for registration.
func (o *PrometheusObserver) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		o.stageDuration, o.firstOutput, o.turnsTotal, o.failuresTotal, o.tokensTotal,
		o.ttsChars, o.asrSeconds, o.preemptiveTotal, o.pressureTotal, o.breakerTotal,
	}
}

func (o *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	seconds := float64(ev.IntField(metrics.FieldDurationMS)) / 1000
	switch ev.Name {
	case metrics.EventASRDone:
		o.stageDuration.WithLabelValues("transcribe").Observe(seconds)
		o.asrSeconds.Add(ev.FloatField(metrics.FieldAudioSeconds))
	case metrics.EventLLMDone:
		o.stageDuration.WithLabelValues("generate").Observe(seconds)
		o.tokensTotal.WithLabelValues("input").Add(float64(ev.IntField(metrics.FieldTokensIn)))
		o.tokensTotal.WithLabelValues("output").Add(float64(ev.IntField(metrics.FieldTokensOut)))
	case metrics.EventTTSDone:
		o.stageDuration.WithLabelValues("synthesize").Observe(seconds)
		o.ttsChars.Add(float64(ev.IntField(metrics.FieldChars)))
	case metrics.EventPlaybackDone:
		o.stageDuration.WithLabelValues("playback").Observe(seconds)
	case metrics.EventLLMFirstText:
		o.firstOutput.WithLabelValues("text").Observe(seconds)
	case metrics.EventTTSFirstAudio:
		o.firstOutput.WithLabelValues("audio").Observe(seconds)
	case metrics.EventTurnCompleted:
		o.turnsTotal.WithLabelValues("completed").Inc()
	case metrics.EventTurnFailed:
		o.turnsTotal.WithLabelValues("failed").Inc()
		o.failuresTotal.WithLabelValues(ev.Tag(metrics.TagStage), ev.Tag(metrics.TagKind)).Inc()
	case metrics.EventTurnAbandoned:
		o.turnsTotal.WithLabelValues("abandoned").Inc()
	case metrics.EventTurnEmpty:
		o.turnsTotal.WithLabelValues("empty").Inc()
	case metrics.EventBargeIn:
		o.turnsTotal.WithLabelValues("interrupted").Inc()
	case metrics.EventPreemptiveStart:
		o.preemptiveTotal.WithLabelValues("start").Inc()
	case metrics.EventPreemptiveHit:
		o.preemptiveTotal.WithLabelValues("hit").Inc()
	case metrics.EventPreemptiveRestart:
		o.preemptiveTotal.WithLabelValues("restart").Inc()
	case metrics.EventVADBackpressure, metrics.EventIngestBackpressure, metrics.EventUtteranceOverflow:
		o.pressureTotal.WithLabelValues(ev.Name).Inc()
	case metrics.EventBreakerDenied, metrics.EventBreakerOpen, metrics.EventBreakerClose, metrics.EventRateLimit:
		o.breakerTotal.WithLabelValues(ev.Tag(metrics.TagProvider), ev.Name).Inc()
	}
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
