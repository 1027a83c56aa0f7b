package util

import (
	"strings"
	"unicode"
)

// SanitizeInput trims surrounding space and drops control characters. Output is
// stored as typed; escaping belongs to whatever renders it.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// ContainsSuspicious reports angle brackets, which have no business in a display name.
func ContainsSuspicious(s string) bool {
	return strings.ContainsAny(s, "<>")
}
