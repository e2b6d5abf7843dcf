package deliver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MikeSquared-Agency/tldr/internal/config"
	"github.com/MikeSquared-Agency/tldr/internal/engine"
	"github.com/MikeSquared-Agency/tldr/internal/slack"
)

// CanonicalFailureMessage is the only failure text a user ever sees. Partial
// streamed output is always replaced by this exact string.
const CanonicalFailureMessage = "Sorry, I couldn't generate a summary at this time. Please try again later."

const cleanupTimeout = 30 * time.Second

// StreamAPI is the subset of the Slack client the deliverer drives.
type StreamAPI interface {
	StartStream(ctx context.Context, channel, threadTS, text string) (string, error)
	AppendStream(ctx context.Context, channel, ts, text string) error
	StopStream(ctx context.Context, channel, ts, finalText string, meta *slack.Metadata) error
	UpdateMessage(ctx context.Context, channel, ts, text string, clearBlocks bool) error
	DeleteMessage(ctx context.Context, channel, ts string) error
	PostThreadMessage(ctx context.Context, channel, threadTS, text string, meta *slack.Metadata) (string, error)
}

// Deliverer bridges completion events onto Slack's message streaming APIs.
type Deliverer struct {
	slack         StreamAPI
	maxChunkRunes int
	minInterval   time.Duration
	logger        *slog.Logger

	// Injected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New(api StreamAPI, maxChunkRunes int, minInterval time.Duration, logger *slog.Logger) *Deliverer {
	return &Deliverer{
		slack:         api,
		maxChunkRunes: maxChunkRunes,
		minInterval:   minInterval,
		logger:        logger,
		now:           time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Params describes one streaming delivery.
type Params struct {
	Channel  string
	ThreadTS string
	// Prefix is prepended to the first visible chunk.
	Prefix string
	Events engine.EventSource
	// Finalize applies post-generation fixups (missing sections) to the
	// collected text and returns the full finalized body.
	Finalize func(collected string) string
	// Metadata is attached to the finalized message.
	Metadata      *slack.Metadata
	CorrelationID string
}

// session is the mutable state of one in-flight streamed message.
type session struct {
	streamTS     string
	pending      string
	collected    string
	canAppend    bool
	lastAppendAt time.Time
}

// Deliver streams events into a Slack thread. The streamed message is only
// created once the first non-empty delta arrives, so an engine that fails
// before producing output never leaves an orphaned streaming message. On any
// failure the user is left with exactly the canonical failure message.
func (d *Deliverer) Deliver(ctx context.Context, p Params) error {
	s := &session{canAppend: true}
	err := d.run(ctx, p, s)
	if err != nil {
		d.logger.Error("streaming delivery failed",
			"correlation_id", p.CorrelationID,
			"channel", p.Channel,
			"error", err)
		d.ensureCanonicalFailure(ctx, p, s.streamTS)
	}
	return err
}

func (d *Deliverer) run(ctx context.Context, p Params, s *session) error {
	for {
		ev, ok := p.Events.Next()
		if !ok {
			break
		}
		switch ev.Type {
		case engine.EventTextDelta:
			if ev.Delta == "" {
				continue
			}
			s.pending += ev.Delta
			s.collected += ev.Delta
			if s.streamTS == "" {
				if err := d.startSession(ctx, p, s); err != nil {
					return err
				}
				continue
			}
			if err := d.maybeAppend(ctx, p.Channel, s, p.CorrelationID); err != nil {
				return err
			}
		case engine.EventCompleted:
			return d.finish(ctx, p, s)
		case engine.EventFailed:
			return fmt.Errorf("completion stream failed: %s", ev.Reason)
		}
	}
	return d.finish(ctx, p, s)
}

// startSession creates the Slack streaming message from the first pending
// text. The first chunk shares the platform text ceiling with the prefix.
func (d *Deliverer) startSession(ctx context.Context, p Params, s *session) error {
	prefixRunes := utf8.RuneCountInString(p.Prefix)
	if prefixRunes >= config.StreamTextLimit {
		return errors.New("streaming prefix exceeds markdown text limit")
	}
	maxFirst := config.StreamTextLimit - prefixRunes
	if maxFirst > d.maxChunkRunes {
		maxFirst = d.maxChunkRunes
	}

	chunk, rest := takeChunk(s.pending, maxFirst)
	if chunk == "" {
		return nil
	}
	s.pending = rest

	ts, err := d.slack.StartStream(ctx, p.Channel, p.ThreadTS, p.Prefix+chunk)
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	s.streamTS = ts
	s.lastAppendAt = d.now()
	return nil
}

// maybeAppend flushes one chunk if the minimum append interval has elapsed.
// Deltas keep accumulating between flushes; one append coalesces all of them.
func (d *Deliverer) maybeAppend(ctx context.Context, channel string, s *session, correlationID string) error {
	if !s.canAppend || s.pending == "" {
		return nil
	}
	if d.minInterval > 0 && d.now().Sub(s.lastAppendAt) < d.minInterval {
		return nil
	}
	return d.appendOne(ctx, channel, s, correlationID)
}

func (d *Deliverer) appendOne(ctx context.Context, channel string, s *session, correlationID string) error {
	chunk, rest := takeChunk(s.pending, d.maxChunkRunes)
	if chunk == "" {
		return nil
	}
	s.pending = rest

	err := d.slack.AppendStream(ctx, channel, s.streamTS, chunk)
	if errors.Is(err, slack.ErrNotStreaming) {
		// The message left streaming state (user action or platform
		// timeout). Stop appending; the remaining text lands via the
		// final stop call.
		d.logger.Warn("message left streaming state during append",
			"correlation_id", correlationID,
			"lost_runes", utf8.RuneCountInString(chunk))
		s.canAppend = false
		return nil
	}
	if err != nil {
		return fmt.Errorf("appending stream chunk: %w", err)
	}
	s.lastAppendAt = d.now()
	return nil
}

// flushAll drains the pending buffer, sleeping out the append interval
// between calls.
func (d *Deliverer) flushAll(ctx context.Context, channel string, s *session, correlationID string) error {
	for s.canAppend && s.pending != "" {
		if d.minInterval > 0 && !s.lastAppendAt.IsZero() {
			if wait := d.minInterval - d.now().Sub(s.lastAppendAt); wait > 0 {
				d.sleep(ctx, wait)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.appendOne(ctx, channel, s, correlationID); err != nil {
			return err
		}
	}
	return nil
}

// finish flushes the remainder, applies finalization fixups, and stops the
// stream with the full finalized text and metadata.
func (d *Deliverer) finish(ctx context.Context, p Params, s *session) error {
	if s.streamTS == "" {
		return errors.New("completion stream produced no output")
	}

	if err := d.flushAll(ctx, p.Channel, s, p.CorrelationID); err != nil {
		return err
	}
	if !s.canAppend {
		d.logger.Warn("message left streaming state before flush",
			"correlation_id", p.CorrelationID,
			"pending_runes", utf8.RuneCountInString(s.pending))
	}

	finalized := s.collected
	if p.Finalize != nil {
		finalized = p.Finalize(s.collected)
	}
	// Anything finalization added still has to reach the visible message.
	if extra := finalized[len(s.collected):]; extra != "" && s.canAppend {
		s.pending += extra
		if err := d.flushAll(ctx, p.Channel, s, p.CorrelationID); err != nil {
			return err
		}
	}

	if err := d.slack.StopStream(ctx, p.Channel, s.streamTS, p.Prefix+finalized, p.Metadata); err != nil {
		return fmt.Errorf("stopping stream: %w", err)
	}
	return nil
}

// ensureCanonicalFailure makes sure the user sees exactly the canonical
// failure message. It runs on a fresh deadline because the task context may
// already be expired, and every step is best effort.
func (d *Deliverer) ensureCanonicalFailure(ctx context.Context, p Params, streamTS string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	// Streaming never started: nothing visible exists yet, so post the
	// canonical message as a normal thread reply.
	if streamTS == "" {
		if _, err := d.slack.PostThreadMessage(cctx, p.Channel, p.ThreadTS, CanonicalFailureMessage, nil); err != nil {
			d.logger.Error("failed to post canonical failure message",
				"correlation_id", p.CorrelationID, "error", err)
		}
		return
	}

	// Streaming started: stop it, then replace whatever is visible with
	// only the canonical message.
	if err := d.slack.StopStream(cctx, p.Channel, streamTS, "", nil); err != nil {
		d.logger.Warn("failed to stop stream during cleanup",
			"correlation_id", p.CorrelationID, "error", err)
	}
	if err := d.slack.UpdateMessage(cctx, p.Channel, streamTS, CanonicalFailureMessage, true); err == nil {
		return
	}

	// Last resort: remove the partial message and post a fresh one.
	if err := d.slack.DeleteMessage(cctx, p.Channel, streamTS); err != nil {
		d.logger.Warn("failed to delete streamed message during cleanup",
			"correlation_id", p.CorrelationID, "error", err)
	}
	if _, err := d.slack.PostThreadMessage(cctx, p.Channel, p.ThreadTS, CanonicalFailureMessage, nil); err != nil {
		d.logger.Error("failed to post fallback canonical failure message",
			"correlation_id", p.CorrelationID, "error", err)
	}
}

// StylePrefix renders the "_Style: ..._" line shown above styled summaries.
// Long style text is clipped for display.
func StylePrefix(style string) string {
	style = strings.TrimSpace(style)
	if style == "" {
		return ""
	}
	if runes := []rune(style); len(runes) > 60 {
		style = string(runes[:57]) + "..."
	}
	return "_Style: " + style + "_\n\n"
}

// SummaryPrefix builds the full visible prefix for a summary of the given
// source channel.
func SummaryPrefix(sourceChannel, style string) string {
	return StylePrefix(style) + "*Summary from <#" + sourceChannel + ">*\n\n"
}
