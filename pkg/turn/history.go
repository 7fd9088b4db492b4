package turn

import (
	"strings"
	"sync"

	"github.com/harunnryd/voiceturn/pkg/llm"
)

// History is the conversation context fed to generation. It holds only
// what the user said and what the agent actually spoke.
type History struct {
	mu       sync.Mutex
	system   string
	limit    int
	messages []llm.Message
}

func NewHistory(systemPrompt string, limit int) *History {
	if limit <= 0 {
		limit = 20
	}
	return &History{system: strings.TrimSpace(systemPrompt), limit: limit}
}

func (h *History) AddUser(text string)      { h.add(llm.RoleUser, text) }
func (h *History) AddAssistant(text string) { h.add(llm.RoleAssistant, text) }

func (h *History) add(role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, llm.Message{Role: role, Content: text})
	if len(h.messages) > h.limit {
		h.messages = h.messages[len(h.messages)-h.limit:]
	}
}

// Context returns a copy with the system prompt first.
func (h *History) Context() llm.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, 0, len(h.messages)+1)
	if h.system != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: h.system})
	}
	out = append(out, h.messages...)
	return llm.Context{Messages: out}
}

func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message(nil), h.messages...)
}
