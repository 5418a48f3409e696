package agent

import "fmt"

// TruncateHead keeps the first n characters of text, prefixing a notice when
// anything was dropped.
func TruncateHead(text string, n int, label string) string {
	if n <= 0 || len(text) <= n {
		return text
	}
	return fmt.Sprintf("[truncated %s to first %d chars]\n", label, n) + text[:n]
}

// TruncateTail keeps the last n characters of text, prefixing a notice when
// anything was dropped.
func TruncateTail(text string, n int, label string) string {
	if n <= 0 || len(text) <= n {
		return text
	}
	return fmt.Sprintf("[truncated %s to last %d chars]\n", label, n) + text[len(text)-n:]
}

// clipRunes keeps the first n runes, never splitting a multibyte sequence.
func clipRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
