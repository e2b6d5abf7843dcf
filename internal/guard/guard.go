package guard

import (
	"context"
	"log/slog"

	"github.com/MikeSquared-Agency/tldr/internal/slack"
)

// MetadataEventType marks a message as a finalized summary.
const MetadataEventType = "summary_finalized"

const scanLimit = 200

// FinalizationRecord is the metadata stamped onto a delivered summary. Its
// presence is what makes queue redelivery safe: a redelivered task whose
// correlation ID already appears in the thread produces no new output.
type FinalizationRecord struct {
	CorrelationID string
	SourceChannel string
	MessageCount  int
	Streamed      bool
}

// Metadata renders the record as Slack message metadata.
func (r FinalizationRecord) Metadata() *slack.Metadata {
	return &slack.Metadata{
		EventType: MetadataEventType,
		EventPayload: map[string]any{
			"correlation_id": r.CorrelationID,
			"source_channel": r.SourceChannel,
			"message_count":  r.MessageCount,
			"streamed":       r.Streamed,
		},
	}
}

// HistoryAPI is the subset of the Slack client the guard reads with.
type HistoryAPI interface {
	History(ctx context.Context, channel string, limit int, includeMetadata bool) ([]slack.Message, error)
	Replies(ctx context.Context, channel, threadTS string, limit int, includeMetadata bool) ([]slack.Message, error)
}

// Guard detects already-delivered summaries before the pipeline runs again.
type Guard struct {
	slack  HistoryAPI
	logger *slog.Logger
}

func New(api HistoryAPI, logger *slog.Logger) *Guard {
	return &Guard{slack: api, logger: logger}
}

// AlreadyFinalized reports whether a summary for correlationID was already
// delivered to the channel (or thread, when threadTS is set). The check is
// best effort: a read failure means the pipeline runs, because a duplicate
// summary beats a silently dropped one.
func (g *Guard) AlreadyFinalized(ctx context.Context, channel, threadTS, correlationID string) bool {
	var (
		msgs []slack.Message
		err  error
	)
	if threadTS != "" {
		msgs, err = g.slack.Replies(ctx, channel, threadTS, scanLimit, true)
	} else {
		msgs, err = g.slack.History(ctx, channel, scanLimit, true)
	}
	if err != nil {
		g.logger.Warn("finalization check failed, proceeding",
			"channel", channel, "correlation_id", correlationID, "error", err)
		return false
	}

	for _, m := range msgs {
		if m.Metadata == nil || m.Metadata.EventType != MetadataEventType {
			continue
		}
		if id, ok := m.Metadata.EventPayload["correlation_id"].(string); ok && id == correlationID {
			return true
		}
	}
	return false
}
