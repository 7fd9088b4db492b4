package redact

import "testing"

func TestTextPassesThroughWhenDisabled(t *testing.T) {
	SetEnabled(false)
	in := "reach me at a@b.com or 0812 3456 7890"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestTextMasksTranscriptPII(t *testing.T) {
	SetEnabled(true)
	t.Cleanup(func() { SetEnabled(false) })

	cases := map[string]string{
		"my email is a@b.com thanks":                 "my email is [email] thanks",
		"it's jane dot doe at example dot com":       "it's [email]",
		"call +1 (415) 555-0100 tomorrow":            "call [phone] tomorrow",
		"account four one five five five oh one two": "account [number]",
		"I need two tickets for five people":         "I need two tickets for five people",
	}
	for in, want := range cases {
		if got := Text(in); got != want {
			t.Fatalf("Text(%q) = %q, want %q", in, got, want)
		}
	}
}
