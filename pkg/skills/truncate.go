package skills

import "unicode/utf8"

const truncatedSuffix = "\n... [output truncated]"

// Truncate cuts s to at most max bytes on a rune boundary and appends a
// marker. It reports whether anything was cut. max <= 0 disables the limit.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix, true
}

// Preview returns a single-line shortened form of s for progress messages.
func Preview(s string, max int) string {
	runes := []rune(s)
	for i, r := range runes {
		if r == '\n' || r == '\r' || r == '\t' {
			runes[i] = ' '
		}
	}
	if max > 0 && len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return string(runes)
}
