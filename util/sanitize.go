package util

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	// MaxSanitizeLength bounds the input SanitizeString will scan
	MaxSanitizeLength = 64 * 1024
	// MaxLogValueLength bounds client-supplied values copied into logs and audit records
	MaxLogValueLength = 256
)

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)"(password|passwd|totp_code|token|secret)"\s*:\s*"[^"]*"`), `"$1":"REDACTED"`},
	{regexp.MustCompile(`(?i)(password|passwd|pwd|totp_code)[\s:=]+[^\s,;&]+`), "$1=REDACTED"},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`), "bearer REDACTED"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`), "REDACTED_JWT"},
	{regexp.MustCompile(`(?i)(secret|signing[_-]?key|api[_-]?key)[\s:=]+[^\s,;&]+`), "$1=REDACTED"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "REDACTED_SSN"},
}

// SanitizeError redacts credentials from an error message before logging
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeString redacts passwords, bearer tokens, signing secrets and
// social security numbers
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxSanitizeLength {
		s = s[:MaxSanitizeLength] + "... [truncated]"
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// SanitizeLogValue makes a client-supplied header value safe to store: control
// characters become spaces (no forged log lines) and the result is truncated
// to MaxLogValueLength bytes on a rune boundary.
func SanitizeLogValue(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(min(len(s), MaxLogValueLength))
	for _, r := range s {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			r = ' '
		}
		if b.Len()+len(string(r)) > MaxLogValueLength {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
