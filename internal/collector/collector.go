package collector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/tldr/internal/slack"
)

const (
	historyMaxLimit = 1000
	// maxImagesPerMessage caps inlined images to keep request payloads sane.
	maxImagesPerMessage = 6
)

var allowedImageMimes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// canonicalMime lowercases a mime type and folds common aliases.
func canonicalMime(m string) string {
	m = strings.ToLower(strings.TrimSpace(m))
	if i := strings.Index(m, ";"); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	if m == "image/jpg" {
		m = "image/jpeg"
	}
	return m
}

// Message is one substantive conversation entry, ready for prompt assembly.
// Images holds base64 data URLs for attachments that downloaded successfully.
type Message struct {
	TS          string
	Author      string
	Text        string
	HasFiles    bool
	Blocks      json.RawMessage
	Attachments json.RawMessage
	Images      []string
}

// SlackAPI is the subset of the Slack client the collector uses.
type SlackAPI interface {
	History(ctx context.Context, channel string, limit int, includeMetadata bool) ([]slack.Message, error)
	BotUserID(ctx context.Context) (string, error)
	UserDisplayName(ctx context.Context, userID string) (string, error)
	DownloadFile(ctx context.Context, url string, maxBytes int64) ([]byte, error)
}

// Collector fetches and prepares channel history for summarization.
type Collector struct {
	slack            SlackAPI
	imageConcurrency int
	imageMaxBytes    int64
	logger           *slog.Logger
}

func New(api SlackAPI, imageConcurrency int, imageMaxBytes int64, logger *slog.Logger) *Collector {
	if imageConcurrency < 1 {
		imageConcurrency = 1
	}
	return &Collector{
		slack:            api,
		imageConcurrency: imageConcurrency,
		imageMaxBytes:    imageMaxBytes,
		logger:           logger,
	}
}

// Collect returns the most recent count substantive messages from channel,
// oldest first, with image attachments downloaded and inlined. A failure to
// fetch history is fatal; a failure on any single image is logged and that
// image is dropped.
func (c *Collector) Collect(ctx context.Context, channel string, count int) ([]Message, error) {
	limit := count
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	raw, err := c.slack.History(ctx, channel, limit, false)
	if err != nil {
		return nil, fmt.Errorf("fetching history for %s: %w", channel, err)
	}
	return c.prepare(ctx, raw, count)
}

func (c *Collector) prepare(ctx context.Context, raw []slack.Message, count int) ([]Message, error) {
	botID, err := c.slack.BotUserID(ctx)
	if err != nil {
		// Without the bot identity we can still summarize; own messages
		// just won't be filtered.
		c.logger.Warn("could not resolve bot user id", "error", err)
	}

	kept := make([]slack.Message, 0, len(raw))
	for _, m := range raw {
		if m.BotID != "" || (botID != "" && m.User == botID) {
			continue
		}
		if m.Subtype != "" || m.User == "" {
			continue
		}
		// The request that triggered this summary is not part of it.
		if strings.Contains(m.Text, "/tldr") {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > count {
		kept = kept[:count]
	}

	// History arrives newest first; the transcript reads oldest first.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	names := c.resolveAuthors(ctx, kept)

	out := make([]Message, len(kept))
	for i, m := range kept {
		out[i] = Message{
			TS:          m.TS,
			Author:      names[m.User],
			Text:        m.Text,
			HasFiles:    len(m.Files) > 0,
			Blocks:      m.Blocks,
			Attachments: m.Attachments,
		}
	}
	c.inlineImages(ctx, kept, out)
	return out, nil
}

// resolveAuthors maps each distinct user ID to a display name. Lookups run
// sequentially; channels rarely have more than a handful of participants and
// the Slack client already retries.
func (c *Collector) resolveAuthors(ctx context.Context, msgs []slack.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range msgs {
		if m.User == "" {
			continue
		}
		if _, ok := names[m.User]; ok {
			continue
		}
		name, err := c.slack.UserDisplayName(ctx, m.User)
		if err != nil {
			c.logger.Warn("could not resolve user", "user", m.User, "error", err)
			name = m.User
		}
		names[m.User] = name
	}
	return names
}

type imageJob struct {
	msgIdx int
	url    string
	mime   string
}

// inlineImages downloads allowed image attachments with bounded concurrency
// and attaches them as data URLs. Every failure is per-image.
func (c *Collector) inlineImages(ctx context.Context, raw []slack.Message, out []Message) {
	var jobs []imageJob
	for i, m := range raw {
		n := 0
		for _, f := range m.Files {
			if n >= maxImagesPerMessage {
				break
			}
			url := f.DownloadURL()
			if url == "" {
				continue
			}
			mt := canonicalMime(f.Mimetype)
			if mt == "" {
				mt = canonicalMime(mime.TypeByExtension(path.Ext(f.Name)))
			}
			if !allowedImageMimes[mt] {
				continue
			}
			if f.Size > 0 && f.Size > c.imageMaxBytes {
				c.logger.Info("skipping oversized image", "file", f.ID, "size", f.Size)
				continue
			}
			jobs = append(jobs, imageJob{msgIdx: i, url: url, mime: mt})
			n++
		}
	}
	if len(jobs) == 0 {
		return
	}

	// Each goroutine writes its own slot, so no lock is needed.
	results := make([]string, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.imageConcurrency)
	for i, job := range jobs {
		g.Go(func() error {
			data, err := c.slack.DownloadFile(gctx, job.url, c.imageMaxBytes)
			if err != nil {
				c.logger.Warn("image download failed", "url", job.url, "error", err)
				return nil
			}
			results[i] = "data:" + job.mime + ";base64," + base64.StdEncoding.EncodeToString(data)
			return nil
		})
	}
	g.Wait()

	for i, job := range jobs {
		if results[i] != "" {
			out[job.msgIdx].Images = append(out[job.msgIdx].Images, results[i])
		}
	}
}
