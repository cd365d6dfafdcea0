// Package redact masks secrets and personal data in text bound for logs.
// Collaborator errors can echo prompts, transcripts or request URLs, so
// anything derived from them goes through Error before it is logged.
package redact

import "regexp"

var rules = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	// Credentials first so that their digits are not taken for card or
	// phone numbers.
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer [REDACTED_TOKEN]"},
	{regexp.MustCompile(`\b(?:ek|sk)[_-][A-Za-z0-9_-]{6,}`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`(?i)\b(xi-api-key|api_key|key|token|client_secret)=[^&\s"]+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// String returns s with every known pattern masked and whether anything
// changed.
func String(s string) (string, bool) {
	out := s
	for _, r := range rules {
		out = r.pattern.ReplaceAllString(out, r.replacement)
	}
	return out, out != s
}

// Error is the redacted text of err, or "<nil>".
func Error(err error) string {
	if err == nil {
		return "<nil>"
	}
	out, _ := String(err.Error())
	return out
}
