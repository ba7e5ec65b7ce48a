package catalog

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// SanitizeText strips control characters, NFC-normalizes, and trims
// surrounding whitespace. Applied to every string field before it is written.
func SanitizeText(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(norm.NFC.String(b.String()))
}

// SanitizeAll sanitizes every element of a string slice in place and returns
// the slice.
func SanitizeAll(values []string) []string {
	for i, v := range values {
		values[i] = SanitizeText(v)
	}
	return values
}
