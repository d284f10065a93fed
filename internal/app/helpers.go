package app

import (
	"strings"
	"unicode/utf8"
)

// truncateEllipsis shortens s to at most max bytes plus an ellipsis. The cut
// lands on a rune boundary so multi-byte text never becomes invalid UTF-8.
func truncateEllipsis(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "..."
}

// collapseWhitespace flattens newlines and runs of spaces into single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmptyLine(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

// deriveThreadTitle infers a short title from the first user message so
// thread lists are meaningful without an extra model call.
func deriveThreadTitle(content string) string {
	line := collapseWhitespace(firstNonEmptyLine(content))
	if line == "" {
		return ""
	}
	const max = 60
	if len(line) > max {
		line = truncateEllipsis(line, max-3)
	}
	return line
}
