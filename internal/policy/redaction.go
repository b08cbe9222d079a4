// Package policy holds content rules applied before transcripts leave the
// process through logs.
package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	idPattern     = regexp.MustCompile(`\b[1-9]\d{16}[\dXx]\b`) // resident identity number
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	mobilePattern = regexp.MustCompile(`(?:\+?86[ -]?)?1[3-9]\d[ -]?\d{4}[ -]?\d{4}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
)

// RedactPII masks personal data that commonly appears in call transcripts.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range []struct {
		pattern *regexp.Regexp
		marker  string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		// ID and card numbers before phones so long digit runs keep their class.
		{idPattern, "[REDACTED_ID]"},
		{cardPattern, "[REDACTED_CARD]"},
		{mobilePattern, "[REDACTED_PHONE]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// LogText returns input with personal data masked, for log fields only.
func LogText(input string) string {
	out, _ := RedactPII(input)
	return out
}
