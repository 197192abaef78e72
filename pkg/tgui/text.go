package tgui

import "unicode/utf8"

// TruncRunes returns s truncated to at most n runes, with a trailing "…"
// when something was cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// FitLines keeps the leading lines whose joined length stays within limit
// runes and reports how many were dropped.
func FitLines(lines []string, limit int) ([]string, int) {
	total := 0
	for i, l := range lines {
		n := utf8.RuneCountInString(l)
		if i > 0 {
			n++ // newline
		}
		if total+n > limit {
			return lines[:i], len(lines) - i
		}
		total += n
	}
	return lines, 0
}
