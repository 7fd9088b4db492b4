// Package redact masks personal data in transcripts and responses before they
// reach logs and artifacts.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

const (
	emailMask  = "[email]"
	phoneMask  = "[phone]"
	numberMask = "[number]"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)

	// Spoken addresses come back from ASR as "name at domain dot com".
	spokenEmailRe = regexp.MustCompile(`(?i)\b[a-z0-9_\-]+(?: dot [a-z0-9_\-]+)* at [a-z0-9\-]+(?: dot [a-z0-9\-]+)+\b`)

	// Seven or more spelled-out digits in a row, e.g. an account number read aloud.
	spokenDigitsRe = regexp.MustCompile(`(?i)\b(?:(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)[\s,\-]+){6,}(?:zero|oh|one|two|three|four|five|six|seven|eight|nine)\b`)
)

func SetEnabled(v bool) {
	enabled.Store(v)
}

func Enabled() bool {
	return enabled.Load()
}

// Text masks email addresses, phone and account numbers, written or spoken.
// It returns the input unchanged while redaction is disabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, emailMask)
	out = spokenEmailRe.ReplaceAllString(out, emailMask)
	out = phoneRe.ReplaceAllString(out, phoneMask)
	return spokenDigitsRe.ReplaceAllString(out, numberMask)
}
