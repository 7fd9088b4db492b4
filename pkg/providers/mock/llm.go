package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voiceturn/pkg/llm"
)

type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	// ChunkDelay is waited before each chunk.
	ChunkDelay time.Duration
	Usage      *llm.Usage
	Err        error
	// FailAfter makes the stream emit an error after this many chunks when > 0.
	FailAfter int
	StreamErr error
	// Respond, when set, builds the chunks from the request.
	Respond func(llm.Context) []string
}

type LLMAdapter struct {
	cfg      LLMConfig
	mu       sync.Mutex
	contexts []llm.Context
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" && len(cfg.StreamChunks) == 0 && cfg.Respond == nil {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.record(input)
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	resp := llm.Response{Text: strings.Join(a.chunks(input), ""), FinishReason: "stop"}
	if a.cfg.Usage != nil {
		resp.Usage = *a.cfg.Usage
	}
	return resp, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	a.record(input)
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	chunks := a.chunks(input)
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		send := func(c llm.Chunk) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- c:
				return true
			}
		}
		for i, text := range chunks {
			if a.cfg.FailAfter > 0 && i == a.cfg.FailAfter {
				send(llm.Chunk{Err: a.cfg.StreamErr})
				return
			}
			if a.cfg.ChunkDelay > 0 {
				timer := time.NewTimer(a.cfg.ChunkDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			if !send(llm.Chunk{Text: text}) {
				return
			}
		}
		if a.cfg.Usage != nil {
			u := *a.cfg.Usage
			send(llm.Chunk{Usage: &u})
		}
	}()
	return out, nil
}

// Contexts returns every request seen so far.
func (a *LLMAdapter) Contexts() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.contexts...)
}

func (a *LLMAdapter) record(input llm.Context) {
	a.mu.Lock()
	a.contexts = append(a.contexts, input)
	a.mu.Unlock()
}

func (a *LLMAdapter) chunks(input llm.Context) []string {
	if a.cfg.Respond != nil {
		return a.cfg.Respond(input)
	}
	if len(a.cfg.StreamChunks) > 0 {
		return a.cfg.StreamChunks
	}
	return []string{a.cfg.ResponseText}
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
