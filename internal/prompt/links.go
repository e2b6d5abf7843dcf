package prompt

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/MikeSquared-Agency/tldr/internal/collector"
)

// Slack wraps links in angle brackets, optionally with a |label suffix.
var (
	slackLinkRe = regexp.MustCompile(`<(https?://[^>|\s]+)(?:\|[^>]*)?>`)
	rawURLRe    = regexp.MustCompile(`https?://[^\s<>()\[\]{}"']+`)
)

// ExtractLinks pulls every HTTP(S) link out of the messages: raw URLs, Slack
// link markup, and URLs buried in block/attachment JSON. The result is
// normalized, deduped, and filtered so Slack permalinks and file URLs do not
// show up as shared links.
func ExtractLinks(msgs []collector.Message) []string {
	var raw []string
	for _, m := range msgs {
		raw = append(raw, extractFromMessage(m)...)
	}
	return normalizeLinks(raw)
}

// MessageHasLinks reports whether a single message contains any link,
// before normalization filtering.
func MessageHasLinks(m collector.Message) bool {
	return len(extractFromMessage(m)) > 0
}

func extractFromMessage(m collector.Message) []string {
	out := extractFromText(m.Text)
	out = append(out, extractFromJSON(m.Blocks)...)
	out = append(out, extractFromJSON(m.Attachments)...)
	return out
}

func extractFromText(text string) []string {
	var out []string
	for _, match := range slackLinkRe.FindAllStringSubmatch(text, -1) {
		out = append(out, trimTrailingPunct(match[1]))
	}
	for _, match := range rawURLRe.FindAllString(text, -1) {
		out = append(out, trimTrailingPunct(match))
	}
	return out
}

// extractFromJSON scans any string value in a JSON document for URLs. Block
// Kit and attachment schemas are too varied to model; string scanning catches
// url fields and markdown text alike.
func extractFromJSON(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil
	}
	var out []string
	walkForLinks(node, &out)
	return out
}

func walkForLinks(node any, out *[]string) {
	switch v := node.(type) {
	case string:
		for _, match := range rawURLRe.FindAllString(v, -1) {
			*out = append(*out, trimTrailingPunct(match))
		}
	case []any:
		for _, item := range v {
			walkForLinks(item, out)
		}
	case map[string]any:
		for _, item := range v {
			walkForLinks(item, out)
		}
	}
}

func normalizeLinks(raw []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range raw {
		norm, ok := normalizeLink(trimTrailingPunct(strings.TrimSpace(r)))
		if !ok || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	return out
}

func normalizeLink(raw string) (string, bool) {
	raw = strings.Trim(raw, `<>"'`)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	u.Fragment = ""

	// Slack message permalinks belong under Receipts and Slack file URLs are
	// handled as image context, so neither counts as a shared link.
	host := strings.ToLower(u.Hostname())
	if host != "" {
		isPermalink := strings.HasSuffix(host, "slack.com") && strings.Contains(u.Path, "/archives/")
		isFileURL := host == "slack-files.com" || host == "files.slack.com" ||
			(strings.HasSuffix(host, "slack.com") && strings.Contains(u.Path, "/files-pri/"))
		if isPermalink || isFileURL {
			return "", false
		}
	}

	return strings.TrimRight(u.String(), "/"), true
}

func trimTrailingPunct(s string) string {
	return strings.TrimRight(s, ".,;:!?)]}")
}
