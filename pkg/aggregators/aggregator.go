package aggregators

type AggregatorConfig struct {
	// MinLen is the shortest sentence emitted on its own; shorter ones are
	// merged with what follows.
	MinLen int
	// MaxTokens forces a flush when no boundary shows up.
	MaxTokens int
}

// Aggregator groups streamed tokens into coherent text increments.
type Aggregator interface {
	Add(tok string) []string
	Flush() string
	Reset()
}
