// Package textx contains tests for the text utilities.
package textx

import "testing"

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Fatalf("unexpected: %q", got)
	}
	got := Truncate("hello world", 5)
	if got != "hello…" {
		t.Fatalf("unexpected: %q", got)
	}
	// never split a multibyte rune
	got = Truncate("héllo", 2)
	if got != "h…" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestFirstLine(t *testing.T) {
	if got := FirstLine("  one \ntwo\nthree"); got != "one" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := FirstLine("single"); got != "single" {
		t.Fatalf("unexpected: %q", got)
	}
}
