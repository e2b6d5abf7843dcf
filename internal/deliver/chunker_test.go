package deliver

import (
	"testing"
	"unicode/utf8"
)

func TestTakeChunk_PrefersParagraphBoundaries(t *testing.T) {
	buf := "para1\n\npara2\n\npara3"
	chunk, rest := takeChunk(buf, 8)
	if chunk != "para1\n\n" {
		t.Fatalf("got %q", chunk)
	}
	chunk, rest = takeChunk(rest, 8)
	if chunk != "para2\n\n" {
		t.Fatalf("got %q", chunk)
	}
	chunk, rest = takeChunk(rest, 100)
	if chunk != "para3" || rest != "" {
		t.Fatalf("got %q / %q", chunk, rest)
	}
}

func TestTakeChunk_PrefersLineOverWhitespace(t *testing.T) {
	chunk, rest := takeChunk("line1\nword1 word2 word3", 10)
	if chunk != "line1\n" {
		t.Fatalf("got %q", chunk)
	}
	if rest != "word1 word2 word3" {
		t.Fatalf("rest %q", rest)
	}
}

func TestTakeChunk_FallsBackToWhitespace(t *testing.T) {
	chunk, rest := takeChunk("word1 word2 word3 word4", 12)
	if chunk != "word1 word2 " {
		t.Fatalf("got %q", chunk)
	}
	if rest != "word3 word4" {
		t.Fatalf("rest %q", rest)
	}
}

func TestTakeChunk_HardSplitWithoutBreaks(t *testing.T) {
	buf := "abcdefghij"
	var sizes []int
	for buf != "" {
		var chunk string
		chunk, buf = takeChunk(buf, 4)
		sizes = append(sizes, utf8.RuneCountInString(chunk))
	}
	want := []int{4, 4, 2}
	if len(sizes) != len(want) {
		t.Fatalf("got %v", sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("got %v, want %v", sizes, want)
		}
	}
}

func TestTakeChunk_EmptyBuffer(t *testing.T) {
	if chunk, rest := takeChunk("", 100); chunk != "" || rest != "" {
		t.Fatalf("got %q / %q", chunk, rest)
	}
}

func TestTakeChunk_ExactFit(t *testing.T) {
	chunk, rest := takeChunk("12345", 5)
	if chunk != "12345" || rest != "" {
		t.Fatalf("got %q / %q", chunk, rest)
	}
}

func TestTakeChunk_MultibyteBoundary(t *testing.T) {
	chunk, rest := takeChunk("Hello😀World", 6)
	if chunk != "Hello😀" || rest != "World" {
		t.Fatalf("got %q / %q", chunk, rest)
	}

	chunk, rest = takeChunk("你好世界早上好", 4)
	if chunk != "你好世界" || rest != "早上好" {
		t.Fatalf("got %q / %q", chunk, rest)
	}
}

func TestTakeChunk_PreservesAllContent(t *testing.T) {
	original := "Hello 你好 🎉 World 世界!"
	buf := original
	var collected string
	for buf != "" {
		var chunk string
		chunk, buf = takeChunk(buf, 5)
		collected += chunk
	}
	if collected != original {
		t.Fatalf("content lost: %q", collected)
	}
}

func TestTakeChunk_NeverExceedsMaxRunes(t *testing.T) {
	buf := "This is a longer string with multiple words and spaces"
	for buf != "" {
		var chunk string
		chunk, buf = takeChunk(buf, 10)
		if n := utf8.RuneCountInString(chunk); n > 10 {
			t.Fatalf("chunk %q has %d runes", chunk, n)
		}
	}
}
