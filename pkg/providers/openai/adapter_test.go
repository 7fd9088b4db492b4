package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/voiceturn/pkg/errorsx"
	"github.com/harunnryd/voiceturn/pkg/llm"
	"github.com/harunnryd/voiceturn/pkg/resilience"
)

func TestStreamEmitsTextAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("expected stream request")
		}
		msgs, _ := body["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("expected empty message dropped, got %d", len(msgs))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`)
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"lo."}}]}`)
		fmt.Fprintln(w, `data: {"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`)
		fmt.Fprintln(w, `data: [DONE]`)
	}))
	defer srv.Close()

	a := NewAdapter("k", "gpt-4o-mini")
	a.BaseURL = srv.URL
	ch, err := a.Stream(context.Background(), llm.Context{Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "be brief"},
		{Role: llm.RoleAssistant, Content: " "},
		{Role: llm.RoleUser, Content: "hi"},
	}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var text strings.Builder
	var usage *llm.Usage
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		text.WriteString(c.Text)
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	if text.String() != "Hello." {
		t.Fatalf("unexpected text %q", text.String())
	}
	if usage == nil || usage.PromptTokens != 7 || usage.CompletionTokens != 2 {
		t.Fatalf("unexpected usage %+v", usage)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   errorsx.Kind
		rate   bool
	}{
		{http.StatusTooManyRequests, errorsx.KindProviderUnavailable, true},
		{http.StatusBadRequest, errorsx.KindProviderRejected, false},
		{http.StatusInternalServerError, errorsx.KindProviderUnavailable, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		a := NewAdapter("k", "m")
		a.BaseURL = srv.URL
		_, err := a.Stream(context.Background(), llm.Context{})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := errorsx.Classify(err); got != tc.kind {
			t.Fatalf("status %d: expected %s, got %s", tc.status, tc.kind, got)
		}
		if resilience.IsRateLimit(err) != tc.rate {
			t.Fatalf("status %d: rate limit mismatch", tc.status)
		}
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Sure."},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer srv.Close()
	a := NewAdapter("k", "m")
	a.BaseURL = srv.URL
	resp, err := a.Generate(context.Background(), llm.Context{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "Sure." || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected response %+v", resp)
	}
}
