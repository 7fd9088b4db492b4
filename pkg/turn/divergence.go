package turn

import (
	"fmt"
	"strings"
	"unicode"
)

// DivergenceFunc reports whether a final transcript differs enough from the
// partial that seeded a speculative generation to throw that generation away.
type DivergenceFunc func(seed, final string) bool

// ExactDivergence treats any byte difference as divergence.
func ExactDivergence(seed, final string) bool {
	return strings.TrimSpace(seed) != strings.TrimSpace(final)
}

// NormalizedDivergence ignores case, punctuation and spacing.
func NormalizedDivergence(seed, final string) bool {
	return normalize(seed) != normalize(final)
}

// WordEditDivergence tolerates up to max word insertions, deletions or
// substitutions between the normalized texts.
func WordEditDivergence(max int) DivergenceFunc {
	return func(seed, final string) bool {
		return wordEdits(strings.Fields(normalize(seed)), strings.Fields(normalize(final))) > max
	}
}

// ParseDivergence maps a configuration mode to a predicate.
func ParseDivergence(mode string, maxWordEdits int) (DivergenceFunc, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "normalized":
		return NormalizedDivergence, nil
	case "exact":
		return ExactDivergence, nil
	case "word_edits":
		if maxWordEdits < 0 {
			return nil, fmt.Errorf("divergence max_word_edits must be >= 0")
		}
		return WordEditDivergence(maxWordEdits), nil
	default:
		return nil, fmt.Errorf("unknown divergence mode %q", mode)
	}
}

func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

func wordEdits(a, b []string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
