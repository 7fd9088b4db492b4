package processors

import (
	"regexp"
	"sort"
	"strings"
)

// TextNormalizer rewrites domain terms in final transcripts, e.g. a product
// name the recognizer keeps splitting into common words. Matching ignores
// case and only replaces whole words.
type TextNormalizer struct {
	rules []normalizeRule
}

type normalizeRule struct {
	re *regexp.Regexp
	to string
}

func NewTextNormalizer(replacements map[string]string) *TextNormalizer {
	froms := make([]string, 0, len(replacements))
	for from := range replacements {
		if strings.TrimSpace(from) != "" {
			froms = append(froms, from)
		}
	}
	// Longest phrase first so "air con" wins over "con".
	sort.Slice(froms, func(i, j int) bool {
		if len(froms[i]) != len(froms[j]) {
			return len(froms[i]) > len(froms[j])
		}
		return froms[i] < froms[j]
	})
	n := &TextNormalizer{rules: make([]normalizeRule, 0, len(froms))}
	for _, from := range froms {
		pattern := `(?i)\b` + regexp.QuoteMeta(strings.TrimSpace(from)) + `\b`
		n.rules = append(n.rules, normalizeRule{re: regexp.MustCompile(pattern), to: replacements[from]})
	}
	return n
}

func (n *TextNormalizer) Normalize(text string) string {
	if n == nil {
		return text
	}
	for _, r := range n.rules {
		text = r.re.ReplaceAllLiteralString(text, r.to)
	}
	return text
}
