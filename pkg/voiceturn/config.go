package voiceturn

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/voiceturn/pkg/turn"
	"github.com/harunnryd/voiceturn/pkg/vad"
)

type Config struct {
	Vendors           VendorsConfig           `mapstructure:"vendors"`
	Transport         TransportConfig         `mapstructure:"transport"`
	VAD               VADConfig               `mapstructure:"vad"`
	Turn              TurnConfig              `mapstructure:"turn"`
	Transcription     TranscriptionConfig     `mapstructure:"transcription"`
	Timeouts          TimeoutsConfig          `mapstructure:"timeouts"`
	Playback          PlaybackConfig          `mapstructure:"playback"`
	NoiseCancellation NoiseCancellationConfig `mapstructure:"noise_cancellation"`
	Observability     ObservabilityConfig     `mapstructure:"observability"`
	Privacy           PrivacyConfig           `mapstructure:"privacy"`
	Agent             AgentConfig             `mapstructure:"agent"`
	Environment       string                  `mapstructure:"environment"`
	LogLevel          string                  `mapstructure:"log_level"`
	LogFormat         string                  `mapstructure:"log_format"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	// PartialSTT feeds preemptive generation; empty disables it.
	PartialSTT VendorConfig `mapstructure:"partial_stt"`
	LLM        VendorConfig `mapstructure:"llm"`
	TTS        VendorConfig `mapstructure:"tts"`
	// STTConcurrency caps in-flight batch transcriptions across sessions; 0 is unbounded.
	STTConcurrency int `mapstructure:"stt_concurrency"`
}

type TransportConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VADConfig struct {
	ActivationThreshold   float64 `mapstructure:"activation_threshold"`
	DeactivationThreshold float64 `mapstructure:"deactivation_threshold"`
	DebounceFrames        int     `mapstructure:"debounce_frames"`
	HangoverFrames        int     `mapstructure:"hangover_frames"`
	ClassifyTimeoutMS     int     `mapstructure:"classify_timeout_ms"`
	MaxLagMS              int     `mapstructure:"max_lag_ms"`
	MinVolume             float64 `mapstructure:"min_volume"`
	PrerollFrames         int     `mapstructure:"preroll_frames"`
}

type DivergenceConfig struct {
	Mode         string `mapstructure:"mode"`
	MaxWordEdits int    `mapstructure:"max_word_edits"`
}

type TurnConfig struct {
	PreemptiveGeneration bool             `mapstructure:"preemptive_generation"`
	Divergence           DivergenceConfig `mapstructure:"divergence"`
	MaxUtteranceMS       int              `mapstructure:"max_utterance_ms"`
	HistoryLimit         int              `mapstructure:"history_limit"`
	QueueSize            int              `mapstructure:"queue_size"`
	IngestQueue          int              `mapstructure:"ingest_queue"`
}

type TranscriptionConfig struct {
	Language string `mapstructure:"language"`
	Prompt   string `mapstructure:"prompt"`
	// Replacements rewrite whole words of final transcripts, ignoring case.
	Replacements map[string]string `mapstructure:"replacements"`
}

type TimeoutsConfig struct {
	TranscribeMS int `mapstructure:"transcribe_ms"`
	GenerateMS   int `mapstructure:"generate_ms"`
	SynthesizeMS int `mapstructure:"synthesize_ms"`
}

type PlaybackConfig struct {
	// Realtime paces outbound audio at its natural rate.
	Realtime bool `mapstructure:"realtime"`
}

type NoiseCancellationConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Transports []string `mapstructure:"transports"`
	Floor      float64  `mapstructure:"floor"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	MetricsAddr   string  `mapstructure:"metrics_addr"`
	RetentionDays int     `mapstructure:"retention_days"`
	LogSampleRate float64 `mapstructure:"log_sample_rate"`
	EventBuffer   int     `mapstructure:"event_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type AgentConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(v)
}

// DefaultConfig returns the configuration used when no file is given: mock
// providers on the in-memory transport.
func DefaultConfig() Config {
	v := viper.New()
	setDefaults(v)
	v.SetDefault("vendors.stt.provider", "mock")
	v.SetDefault("vendors.llm.provider", "mock")
	v.SetDefault("vendors.tts.provider", "mock")
	v.SetDefault("transport.provider", "mock")
	cfg, _ := decode(v)
	return cfg
}

func setDefaults(v *viper.Viper) {
	def := vad.DefaultParams()
	v.SetDefault("vad.activation_threshold", def.ActivationThreshold)
	v.SetDefault("vad.deactivation_threshold", def.DeactivationThreshold)
	v.SetDefault("vad.debounce_frames", def.DebounceFrames)
	v.SetDefault("vad.hangover_frames", def.HangoverFrames)
	v.SetDefault("vad.classify_timeout_ms", def.ClassifyTimeout.Milliseconds())
	v.SetDefault("vad.max_lag_ms", def.MaxLag.Milliseconds())
	v.SetDefault("vad.min_volume", vad.DefaultMinVolume)
	v.SetDefault("vad.preroll_frames", def.DebounceFrames)
	v.SetDefault("turn.preemptive_generation", false)
	v.SetDefault("turn.divergence.mode", "normalized")
	v.SetDefault("turn.divergence.max_word_edits", 1)
	v.SetDefault("turn.max_utterance_ms", 30000)
	v.SetDefault("turn.history_limit", 20)
	v.SetDefault("turn.queue_size", 64)
	v.SetDefault("turn.ingest_queue", 64)
	v.SetDefault("timeouts.transcribe_ms", 10000)
	v.SetDefault("timeouts.generate_ms", 15000)
	v.SetDefault("timeouts.synthesize_ms", 10000)
	v.SetDefault("playback.realtime", true)
	v.SetDefault("noise_cancellation.enabled", false)
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.log_sample_rate", 1.0)
	v.SetDefault("observability.event_buffer", 2048)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transport.Provider) == "" {
		return fmt.Errorf("transport.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if err := c.VADParams().Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	if _, err := turn.ParseDivergence(c.Turn.Divergence.Mode, c.Turn.Divergence.MaxWordEdits); err != nil {
		return fmt.Errorf("turn: %w", err)
	}
	if c.Vendors.STTConcurrency < 0 {
		return fmt.Errorf("vendors.stt_concurrency must not be negative")
	}
	if c.Observability.LogSampleRate < 0 || c.Observability.LogSampleRate > 1 {
		return fmt.Errorf("observability.log_sample_rate must be in [0, 1]")
	}
	return nil
}

func (c Config) VADParams() vad.Params {
	return vad.Params{
		ActivationThreshold:   c.VAD.ActivationThreshold,
		DeactivationThreshold: c.VAD.DeactivationThreshold,
		DebounceFrames:        c.VAD.DebounceFrames,
		HangoverFrames:        c.VAD.HangoverFrames,
		ClassifyTimeout:       ms(c.VAD.ClassifyTimeoutMS),
		MaxLag:                ms(c.VAD.MaxLagMS),
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.PartialSTT.Settings = expandSettings(cfg.Vendors.PartialSTT.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Transport.Settings = expandSettings(cfg.Transport.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
