// Package textutil provides width-aware text helpers for log previews and
// CLI tables.
package textutil

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Truncate shortens s to at most width display cells, appending "…" when
// anything was cut. Width is measured in terminal cells so CJK and emoji
// content does not overflow aligned output.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// Pad right-pads s with spaces to exactly width display cells, truncating
// first when s is too long.
func Pad(s string, width int) string {
	s = Truncate(s, width)
	return runewidth.FillRight(s, width)
}
