package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type Context struct {
	Messages []Message
}

// Append returns a copy of the context with msg added.
func (c Context) Append(msg Message) Context {
	out := make([]Message, 0, len(c.Messages)+1)
	out = append(out, c.Messages...)
	out = append(out, msg)
	return Context{Messages: out}
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// Chunk is one streamed piece of a response. The final chunk of a stream may
// carry only Usage. A chunk with Err ends the stream.
type Chunk struct {
	Text  string
	Usage *Usage
	Err   error
}

// LLMAdapter is the capability set a language model provider must offer.
// Stream closes its channel when the provider signals completion or ctx is done.
type LLMAdapter interface {
	Name() string
	Generate(ctx context.Context, input Context) (Response, error)
	Stream(ctx context.Context, input Context) (<-chan Chunk, error)
}
