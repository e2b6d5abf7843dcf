package prompt

import (
	"strings"

	"github.com/MikeSquared-Agency/tldr/internal/collector"
)

const (
	maxReceipts    = 8
	snippetMaxLen  = 80
	snippetClipLen = 77
)

// ReceiptSeed identifies a message worth citing as evidence. The worker
// resolves seeds into permalinks.
type ReceiptSeed struct {
	TS      string
	Author  string
	Snippet string
}

// Receipt is a resolved citation: a permalink back to the original message.
type Receipt struct {
	Permalink string
	Author    string
	Snippet   string
}

// ReceiptSeeds picks up to eight messages to cite. Messages that shared files
// or links come first; if none did, the earliest messages stand in so the
// summary always has some anchor back to the conversation.
func ReceiptSeeds(msgs []collector.Message) []ReceiptSeed {
	var seeds []ReceiptSeed
	for _, m := range msgs {
		if m.HasFiles || MessageHasLinks(m) {
			seeds = append(seeds, seedFor(m))
		}
	}
	if len(seeds) == 0 {
		for _, m := range msgs {
			if len(seeds) == maxReceipts {
				break
			}
			seeds = append(seeds, seedFor(m))
		}
	}
	if len(seeds) > maxReceipts {
		seeds = seeds[:maxReceipts]
	}
	return seeds
}

func seedFor(m collector.Message) ReceiptSeed {
	return ReceiptSeed{TS: m.TS, Author: m.Author, Snippet: snippet(m.Text)}
}

// snippet flattens and clips message text so it reads cleanly inside Slack
// formatting.
func snippet(raw string) string {
	s := strings.ReplaceAll(raw, "\n", " ")
	if runes := []rune(s); len(runes) > snippetMaxLen {
		s = string(runes[:snippetClipLen])
	}
	return strings.TrimSpace(strings.ReplaceAll(s, "`", "'"))
}
