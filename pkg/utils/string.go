package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeString turns tabs into spaces, drops other control characters
// and trims the result.
func SanitizeString(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s))
}

// TruncateString cuts s to at most maxLen runes, ending a cut with "...".
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// MaskSensitive keeps the first visible runes of s and stars the rest.
func MaskSensitive(s string, visible int) string {
	r := []rune(s)
	if visible < 0 {
		visible = 0
	}
	if len(r) <= visible {
		return strings.Repeat("*", len(r))
	}
	return string(r[:visible]) + strings.Repeat("*", len(r)-visible)
}
