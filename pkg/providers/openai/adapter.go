package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/llm"
	"github.com/harunnryd/voiceturn/pkg/resilience"
)

type Adapter struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature *float64
	MaxTokens   int
	Client      *http.Client
}

func NewAdapter(apiKey, model string) *Adapter {
	return &Adapter{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (a *Adapter) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usagePayload) toUsage() *llm.Usage {
	if u == nil {
		return nil
	}
	return &llm.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

type completionPayload struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		Delta        chatMessage `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	resp, err := a.do(ctx, input, false)
	if err != nil {
		return llm.Response{}, errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	defer resp.Body.Close()
	var payload completionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
	}
	if len(payload.Choices) == 0 {
		return llm.Response{}, errorsx.Errorf(errorsx.ReasonLLMGenerate, "no choices")
	}
	out := llm.Response{
		Text:         payload.Choices[0].Message.Content,
		FinishReason: payload.Choices[0].FinishReason,
	}
	if u := payload.Usage.toUsage(); u != nil {
		out.Usage = *u
	}
	return out, nil
}

// Stream reads server-sent events. The last chunk carries usage when the
// provider reports it.
func (a *Adapter) Stream(ctx context.Context, input llm.Context) (<-chan llm.Chunk, error) {
	resp, err := a.do(ctx, input, true)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLLMStream)
	}
	out := make(chan llm.Chunk, 128)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		send := func(c llm.Chunk) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- c:
				return true
			}
		}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk completionPayload
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if u := chunk.Usage.toUsage(); u != nil {
				if !send(llm.Chunk{Usage: u}) {
					return
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				if !send(llm.Chunk{Text: text}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			send(llm.Chunk{Err: errorsx.Wrap(err, errorsx.ReasonLLMStream)})
		}
	}()
	return out, nil
}

func (a *Adapter) do(ctx context.Context, input llm.Context, stream bool) (*http.Response, error) {
	body, err := a.buildRequest(input, stream)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	a.applyHeaders(req)
	resp, err := a.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errorsx.Wrap(resilience.RateLimitError{Provider: "openai", Message: string(body)}, errorsx.ReasonLLMRateLimit)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errorsx.Wrap(errors.New(strings.TrimSpace(string(body))), errorsx.ReasonLLMRejected)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, errors.New(strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (a *Adapter) buildRequest(input llm.Context, stream bool) (*bytes.Buffer, error) {
	req := map[string]any{
		"model":    a.Model,
		"stream":   stream,
		"messages": normalizeMessages(input.Messages),
	}
	if a.Temperature != nil {
		req["temperature"] = *a.Temperature
	}
	if a.MaxTokens > 0 {
		req["max_tokens"] = a.MaxTokens
	}
	if stream {
		req["stream_options"] = map[string]any{"include_usage": true}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (a *Adapter) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
}

func (a *Adapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func normalizeMessages(messages []llm.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, chatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

var _ llm.LLMAdapter = (*Adapter)(nil)
