package telegram

import (
	"strings"
	"testing"

	logx "remindbot/pkg/logx"
)

func TestSplitTextShortPassesThrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line one\n", 10)
	got := splitText(text, 50)
	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}
	for i, c := range got {
		if len([]rune(c)) > 50 {
			t.Errorf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		// Splits land on newline boundaries, so every line stays intact.
		for _, ln := range strings.Split(c, "\n") {
			if ln != "line one" {
				t.Errorf("chunk %d broke mid-line: %q", i, ln)
			}
		}
	}
}

func TestSplitTextHardBreakWithoutNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 120)
	got := splitText(text, 50)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	var total int
	for i, c := range got {
		n := len([]rune(c))
		if n > 50 {
			t.Errorf("chunk %d exceeds limit: %d runes", i, n)
		}
		total += n
	}
	if total != 120 {
		t.Fatalf("reassembled %d runes, want 120", total)
	}
}

func TestSplitTextNoEmptyChunks(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a\n\n\n", 40)
	for _, c := range splitText(text, 30) {
		if strings.TrimSpace(c) == "" {
			t.Fatalf("empty chunk produced")
		}
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}
