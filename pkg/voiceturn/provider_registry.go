package voiceturn

import (
	"fmt"
	"strings"

	"github.com/harunnryd/voiceturn/pkg/adapters/stt"
	"github.com/harunnryd/voiceturn/pkg/adapters/tts"
	"github.com/harunnryd/voiceturn/pkg/llm"
)

type STTFactory func(vc VendorConfig) (stt.Transcriber, error)
type PartialSTTFactory func(vc VendorConfig) (stt.PartialTranscriber, error)
type LLMFactory func(vc VendorConfig) (llm.LLMAdapter, error)
type TTSFactory func(vc VendorConfig) (tts.Synthesizer, error)

// ProviderRegistry maps provider names from vendor blocks to constructors.
// Names are case insensitive.
type ProviderRegistry struct {
	stt     map[string]STTFactory
	partial map[string]PartialSTTFactory
	llm     map[string]LLMFactory
	tts     map[string]TTSFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:     make(map[string]STTFactory),
		partial: make(map[string]PartialSTTFactory),
		llm:     make(map[string]LLMFactory),
		tts:     make(map[string]TTSFactory),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[key(name)] = factory
}

func (r *ProviderRegistry) RegisterPartialSTT(name string, factory PartialSTTFactory) {
	r.partial[key(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[key(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[key(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(vc VendorConfig) (stt.Transcriber, error) {
	fn := r.stt[key(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", vc.Provider)
	}
	return fn(vc)
}

func (r *ProviderRegistry) BuildPartialSTT(vc VendorConfig) (stt.PartialTranscriber, error) {
	fn := r.partial[key(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("partial stt provider not registered: %s", vc.Provider)
	}
	return fn(vc)
}

func (r *ProviderRegistry) BuildLLM(vc VendorConfig) (llm.LLMAdapter, error) {
	fn := r.llm[key(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", vc.Provider)
	}
	return fn(vc)
}

func (r *ProviderRegistry) BuildTTS(vc VendorConfig) (tts.Synthesizer, error) {
	fn := r.tts[key(vc.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", vc.Provider)
	}
	return fn(vc)
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
