package textutil

import (
	"testing"

	"github.com/mattn/go-runewidth"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		width int
		want  string
	}{
		{"fits", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"cut", "hello world", 8, "hello w…"},
		{"newlines flattened", "a\nb", 10, "a b"},
		{"zero width", "hello", 0, ""},
		{"empty", "", 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.in, tt.width); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
			}
		})
	}
}

func TestTruncateWideRunes(t *testing.T) {
	// Wide characters count as two cells; the result must never exceed the
	// cell budget.
	got := Truncate("こんにちは世界", 8)
	if w := runewidth.StringWidth(got); w > 8 {
		t.Fatalf("truncated width = %d cells, want <= 8 (%q)", w, got)
	}
}

func TestPad(t *testing.T) {
	if got := Pad("ab", 5); got != "ab   " {
		t.Errorf("Pad(ab, 5) = %q", got)
	}
	if got := Pad("abcdef", 4); runewidth.StringWidth(got) != 4 {
		t.Errorf("Pad(abcdef, 4) = %q, width %d", got, runewidth.StringWidth(got))
	}
	if got := Pad("日本", 6); runewidth.StringWidth(got) != 6 {
		t.Errorf("Pad(日本, 6) = %q, width %d", got, runewidth.StringWidth(got))
	}
}
