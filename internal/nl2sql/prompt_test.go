package nl2sql

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateKeepsRunesWhole(t *testing.T) {
	value := strings.Repeat("a", 199) + "é" + "tail"
	got := truncate(value, 200)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate() produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("a", 199)+"..." {
		t.Fatalf("truncate() = %q", got)
	}
	if got := truncate("Zoë", 10); got != "Zoë" {
		t.Fatalf("short value changed: %q", got)
	}
	if got := truncate("日本語", 4); got != "日..." {
		t.Fatalf("truncate() = %q", got)
	}
}
