package voiceturn

import (
	"fmt"
	"net/http"
	"time"

	"github.com/harunnryd/voiceturn/pkg/adapters/stt"
	"github.com/harunnryd/voiceturn/pkg/adapters/tts"
	"github.com/harunnryd/voiceturn/pkg/configutil"
	"github.com/harunnryd/voiceturn/pkg/llm"
	"github.com/harunnryd/voiceturn/pkg/providers/deepgram"
	"github.com/harunnryd/voiceturn/pkg/providers/elevenlabs"
	"github.com/harunnryd/voiceturn/pkg/providers/mock"
	"github.com/harunnryd/voiceturn/pkg/providers/openai"
	"github.com/harunnryd/voiceturn/pkg/providers/whisper"
	"github.com/harunnryd/voiceturn/pkg/resilience"
)

type whisperSettings struct {
	Endpoint    string  `mapstructure:"endpoint"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Language    string  `mapstructure:"language"`
	Prompt      string  `mapstructure:"prompt"`
	Temperature float64 `mapstructure:"temperature"`
	TimeoutMS   int     `mapstructure:"timeout_ms"`
	HealthPath  string  `mapstructure:"health_path"`
}

type deepgramSettings struct {
	APIKey          string `mapstructure:"api_key"`
	Model           string `mapstructure:"model"`
	Language        string `mapstructure:"language"`
	Encoding        string `mapstructure:"encoding"`
	Interim         *bool  `mapstructure:"interim"`
	VADEvents       *bool  `mapstructure:"vad_events"`
	UtteranceEndMS  *int   `mapstructure:"utterance_end_ms"`
	SettleTimeoutMS int    `mapstructure:"settle_timeout_ms"`
}

type openAISettings struct {
	Endpoint          string   `mapstructure:"endpoint"`
	APIKey            string   `mapstructure:"api_key"`
	Model             string   `mapstructure:"model"`
	Temperature       *float64 `mapstructure:"temperature"`
	MaxTokens         int      `mapstructure:"max_tokens"`
	TimeoutMS         int      `mapstructure:"timeout_ms"`
	MaxAttempts       int      `mapstructure:"max_attempts"`
	UseCircuitBreaker *bool    `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int      `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int      `mapstructure:"circuit_cooldown_ms"`
}

type elevenlabsSettings struct {
	Endpoint     string `mapstructure:"endpoint"`
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
}

type mockSTTSettings struct {
	Transcript  string   `mapstructure:"transcript"`
	Transcripts []string `mapstructure:"transcripts"`
	DelayMS     int      `mapstructure:"delay_ms"`
}

type mockPartialSettings struct {
	Partials         []string `mapstructure:"partials"`
	FramesPerPartial int      `mapstructure:"frames_per_partial"`
}

type mockLLMSettings struct {
	ResponseText string   `mapstructure:"response_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
	ChunkDelayMS int      `mapstructure:"chunk_delay_ms"`
}

type mockTTSSettings struct {
	SampleRate   int `mapstructure:"sample_rate"`
	BytesPerChar int `mapstructure:"bytes_per_char"`
	DelayMS      int `mapstructure:"delay_ms"`
}

// NewDefaultProviderRegistry registers every bundled adapter.
func NewDefaultProviderRegistry() *ProviderRegistry {
	reg := NewProviderRegistry()
	RegisterDefaultProviders(reg)
	return reg
}

func RegisterDefaultProviders(reg *ProviderRegistry) {
	reg.RegisterSTT("whisper", func(vc VendorConfig) (stt.Transcriber, error) {
		if err := validateSettings("vendors.stt.settings", vc.Settings, configutil.Schema{
			Required: []string{"endpoint"},
			Optional: []string{"api_key", "model", "language", "prompt", "temperature", "timeout_ms", "health_path"},
		}); err != nil {
			return nil, err
		}
		var settings whisperSettings
		if err := configutil.DecodeSettings(vc.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Endpoint, "vendors.stt.settings.endpoint"); err != nil {
			return nil, err
		}
		return whisper.New(whisper.Config{
			APIKey:      settings.APIKey,
			BaseURL:     settings.Endpoint,
			Model:       settings.Model,
			Language:    settings.Language,
			Prompt:      settings.Prompt,
			Temperature: settings.Temperature,
			Timeout:     ms(settings.TimeoutMS),
			HealthPath:  settings.HealthPath,
		}), nil
	})

	reg.RegisterSTT("deepgram", func(vc VendorConfig) (stt.Transcriber, error) {
		c, err := buildDeepgram("vendors.stt.settings", vc)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	reg.RegisterPartialSTT("deepgram", func(vc VendorConfig) (stt.PartialTranscriber, error) {
		c, err := buildDeepgram("vendors.partial_stt.settings", vc)
		if err != nil {
			return nil, err
		}
		return c, nil
	})

	reg.RegisterSTT("mock", func(vc VendorConfig) (stt.Transcriber, error) {
		if err := validateSettings("vendors.stt.settings", vc.Settings, configutil.Schema{
			Optional: []string{"transcript", "transcripts", "delay_ms"},
		}); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(vc.Settings, &settings); err != nil {
			return nil, err
		}
		if settings.Transcript == "" && len(settings.Transcripts) == 0 {
			settings.Transcript = "hello"
		}
		return mock.NewTranscriber(mock.STTConfig{
			Transcript:  settings.Transcript,
			Transcripts: settings.Transcripts,
			Delay:       ms(settings.DelayMS),
		}), nil
	})
	reg.RegisterPartialSTT("mock", func(vc VendorConfig) (stt.PartialTranscriber, error) {
		if err := validateSettings("vendors.partial_stt.settings", vc.Settings, configutil.Schema{
			Optional: []string{"partials", "frames_per_partial"},
		}); err != nil {
			return nil, err
		}
		var settings mockPartialSettings
		if err := configutil.DecodeSettings(vc.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewPartialTranscriber(mock.PartialConfig{
			Partials:         settings.Partials,
			FramesPerPartial: settings.FramesPerPartial,
		}), nil
	})

	reg.RegisterLLM("openai", func(vc VendorConfig) (llm.LLMAdapter, error) {
		if err := validateSettings("vendors.llm.settings", vc.Settings, configutil.Schema{
			Required: []string{"api_key", "model"},
			Optional: []string{"endpoint", "temperature", "max_tokens", "timeout_ms", "max_attempts", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms"},
		}); err != nil {
			return nil, err
		}
		var settings openAISettings
		if err := configutil.DecodeSettings(vc.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.llm.settings.model"); err != nil {
			return nil, err
		}
		adapter := openai.NewAdapter(settings.APIKey, settings.Model)
		if settings.Endpoint != "" {
			adapter.BaseURL = settings.Endpoint
		}
		adapter.Temperature = settings.Temperature
		adapter.MaxTokens = settings.MaxTokens
		adapter.Client = &http.Client{Timeout: configutil.Millis(settings.TimeoutMS, 60*time.Second)}

		var out llm.LLMAdapter = llm.NewRetryAdapter(adapter, llm.RetryConfig{
			MaxAttempts: configutil.Positive(settings.MaxAttempts, 2),
			BaseDelay:   200 * time.Millisecond,
			Jitter:      0.2,
		})
		if !configutil.Value(settings.UseCircuitBreaker, true) {
			return out, nil
		}
		threshold := configutil.Positive(settings.CircuitThreshold, 3)
		cooldown := configutil.Positive(settings.CircuitCooldownMS, 30000)
		breaker := resilience.NewCircuitBreaker(threshold, ms(cooldown)).WithTrips(llm.TripsOnOutage)
		return llm.NewCircuitBreakerAdapter(out, breaker), nil
	})

	reg.RegisterLLM("mock", func(vc VendorConfig) (llm.LLMAdapter, error) {
		if err := validateSettings("vendors.llm.settings", vc.Settings, configutil.Schema{
			Optional: []string{"response_text", "stream_chunks", "chunk_delay_ms"},
		}); err != nil {
			return nil, err
		}
		var settings mockLLMSettings
		if err := configutil.DecodeSettings(vc.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewLLMAdapter(mock.LLMConfig{
			ResponseText: settings.ResponseText,
			StreamChunks: settings.StreamChunks,
			ChunkDelay:   ms(settings.ChunkDelayMS),
		}), nil
	})

	reg.RegisterTTS("elevenlabs", func(vc VendorConfig) (tts.Synthesizer, error) {
		if err := validateSettings("vendors.tts.settings", vc.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"endpoint", "model_id", "output_format"},
		}); err != nil {
			return nil, err
		}
		var settings elevenlabsSettings
		if err := configutil.DecodeSettings(vc.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		return elevenlabs.New(elevenlabs.Config{
			APIKey:       settings.APIKey,
			VoiceID:      settings.VoiceID,
			ModelID:      settings.ModelID,
			OutputFormat: settings.OutputFormat,
			BaseURL:      settings.Endpoint,
		}), nil
	})

	reg.RegisterTTS("mock", func(vc VendorConfig) (tts.Synthesizer, error) {
		if err := validateSettings("vendors.tts.settings", vc.Settings, configutil.Schema{
			Optional: []string{"sample_rate", "bytes_per_char", "delay_ms"},
		}); err != nil {
			return nil, err
		}
		var settings mockTTSSettings
		if err := configutil.DecodeSettings(vc.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewSynthesizer(mock.TTSConfig{
			SampleRate:   settings.SampleRate,
			BytesPerChar: settings.BytesPerChar,
			Delay:        ms(settings.DelayMS),
		}), nil
	})
}

func buildDeepgram(path string, vc VendorConfig) (*deepgram.Client, error) {
	if err := validateSettings(path, vc.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "encoding", "interim", "vad_events", "utterance_end_ms", "settle_timeout_ms"},
	}); err != nil {
		return nil, err
	}
	var settings deepgramSettings
	if err := configutil.DecodeSettings(vc.Settings, &settings); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(settings.APIKey, path+".api_key"); err != nil {
		return nil, err
	}
	utteranceEnd := configutil.Value(settings.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, fmt.Errorf("%s.utterance_end_ms must be between 0 and 5000, got %d", path, utteranceEnd)
	}
	return deepgram.New(deepgram.Config{
		APIKey:         settings.APIKey,
		Model:          settings.Model,
		Language:       settings.Language,
		Encoding:       settings.Encoding,
		Interim:        configutil.Value(settings.Interim, true),
		VADEvents:      configutil.Value(settings.VADEvents, false),
		UtteranceEndMS: utteranceEnd,
		SettleTimeout:  ms(settings.SettleTimeoutMS),
	}), nil
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
