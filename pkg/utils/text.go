// Package utils provides logging, vector math, and display helpers shared by
// the embeddy packages.
package utils

// ellipsis replaces the elided middle of a truncated string.
const ellipsis = "..."

// Truncate shortens s to at most maxLen runes by replacing its middle with
// "...". Both ends survive, so a long remote id keeps its organisation prefix
// and its model name. A maxLen of 0 or less returns s unchanged.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	if maxLen <= len(ellipsis) {
		return string(r[:maxLen])
	}
	keep := maxLen - len(ellipsis)
	tail := (keep + 1) / 2
	head := keep - tail
	return string(r[:head]) + ellipsis + string(r[len(r)-tail:])
}
