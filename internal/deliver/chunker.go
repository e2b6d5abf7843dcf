package deliver

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// byteEndForMaxRunes returns the byte index after maxRunes runes of s, or
// len(s) when s is shorter. Appends must never split a rune, so all chunking
// works in rune counts over a UTF-8 buffer.
func byteEndForMaxRunes(s string, maxRunes int) int {
	if maxRunes <= 0 {
		return 0
	}
	count := 0
	for idx := range s {
		if count == maxRunes {
			return idx
		}
		count++
	}
	return len(s)
}

// takeChunk removes and returns the next chunk of at most maxRunes runes from
// buffer, returning the chunk and the remainder. Splits prefer, in order, a
// paragraph boundary, a line boundary, any whitespace, and finally a hard cut
// at the rune limit. An empty buffer yields an empty chunk.
func takeChunk(buffer string, maxRunes int) (chunk, rest string) {
	if buffer == "" {
		return "", ""
	}
	if utf8.RuneCountInString(buffer) <= maxRunes {
		return buffer, ""
	}

	end := byteEndForMaxRunes(buffer, maxRunes)
	window := buffer[:end]

	split := -1
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		split = i + 2
	} else if i := strings.LastIndex(window, "\n"); i > 0 {
		split = i + 1
	} else {
		for idx, r := range window {
			if unicode.IsSpace(r) {
				split = idx + utf8.RuneLen(r)
			}
		}
	}
	if split <= 0 {
		split = end
	}
	return buffer[:split], buffer[split:]
}
