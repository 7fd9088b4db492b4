package aggregators

import (
	"strings"
	"unicode"
)

// SentenceAggregator buffers LLM tokens and releases whole sentences.
// It is not safe for concurrent use.
type SentenceAggregator struct {
	cfg        AggregatorConfig
	sb         strings.Builder
	tokenCount int
}

func NewSentenceAggregator(cfg AggregatorConfig) *SentenceAggregator {
	if cfg.MinLen <= 0 {
		cfg.MinLen = 8
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 64
	}
	return &SentenceAggregator{cfg: cfg}
}

// Add appends tok and returns every sentence completed by it, in order.
func (a *SentenceAggregator) Add(tok string) []string {
	if tok == "" {
		return nil
	}
	a.sb.WriteString(tok)
	a.tokenCount++

	var out []string
	text := a.sb.String()
	start := 0
	for {
		end := nextBoundary(text, start, a.cfg.MinLen)
		if end < 0 {
			break
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}
	rest := text[start:]
	if start > 0 {
		a.sb.Reset()
		a.sb.WriteString(rest)
		a.tokenCount = 0
	}
	if a.tokenCount >= a.cfg.MaxTokens {
		if s := a.Flush(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Flush returns whatever is buffered.
func (a *SentenceAggregator) Flush() string {
	out := strings.TrimSpace(a.sb.String())
	a.Reset()
	return out
}

func (a *SentenceAggregator) Reset() {
	a.sb.Reset()
	a.tokenCount = 0
}

// nextBoundary returns the index just past the first sentence end at or after
// from whose sentence is at least minLen long, or -1.
func nextBoundary(text string, from, minLen int) int {
	for i := from; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' && c != '\n' {
			continue
		}
		j := i + 1
		for j < len(text) && strings.IndexByte(".!?\"')", text[j]) >= 0 {
			j++
		}
		// A boundary must be followed by whitespace; the end of the buffer
		// is ambiguous ("3." may become "3.5") so wait for more text.
		if j >= len(text) || !unicode.IsSpace(rune(text[j])) {
			if c != '\n' {
				continue
			}
		}
		if len(strings.TrimSpace(text[from:j])) < minLen {
			continue
		}
		return j
	}
	return -1
}

var _ Aggregator = (*SentenceAggregator)(nil)
