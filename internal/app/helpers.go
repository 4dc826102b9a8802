package app

import (
	"fmt"
	"strings"
)

// Truncate truncates s to max runes (Unicode-safe).
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// ExtractFilePaths pulls path-like tokens out of retrieved text: whitespace
// separated words containing both '/' and '.', stripped of quotes and
// trailing punctuation. Order of first appearance is kept.
func ExtractFilePaths(text string) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(line, "/") {
			continue
		}
		for _, part := range strings.Fields(line) {
			if !strings.Contains(part, "/") || !strings.Contains(part, ".") {
				continue
			}
			clean := strings.Trim(part, "`\"',:;()")
			if clean == "" || seen[clean] || strings.Contains(clean, "://") {
				continue
			}
			seen[clean] = true
			paths = append(paths, clean)
		}
	}
	return paths
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func bulletList(items []string) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s", it)
	}
	return b.String()
}
