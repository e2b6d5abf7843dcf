package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/MikeSquared-Agency/tldr/internal/collector"
	"github.com/MikeSquared-Agency/tldr/internal/deliver"
	"github.com/MikeSquared-Agency/tldr/internal/engine"
	"github.com/MikeSquared-Agency/tldr/internal/guard"
	"github.com/MikeSquared-Agency/tldr/internal/prompt"
	"github.com/MikeSquared-Agency/tldr/internal/queue"
	"github.com/MikeSquared-Agency/tldr/internal/slack"
)

const (
	defaultMessageCount = 50
	fetchWait           = 5 * time.Second

	emptyNotice = "No messages found to summarize."

	tooLargeMessage = "The conversation is too long to summarize in full. Please type " +
		"`summarize last N` in the assistant thread to summarize the most recent N messages instead."
)

// Task is one summarization request consumed from the queue.
type Task struct {
	CorrelationID   string `json:"correlation_id"`
	UserID          string `json:"user_id"`
	ChannelID       string `json:"channel_id"`
	ThreadTS        string `json:"thread_ts,omitempty"`
	OriginChannelID string `json:"origin_channel_id,omitempty"`
	MessageCount    int    `json:"message_count,omitempty"`
	CustomPrompt    string `json:"custom_prompt,omitempty"`
	Destination     string `json:"destination"`
	Visible         bool   `json:"visible"`
	DestDM          bool   `json:"dest_dm"`
	DestPublicPost  bool   `json:"dest_public_post"`
}

// Destination values.
const (
	DestThread  = "thread"
	DestDM      = "dm"
	DestChannel = "channel"
)

// decision tells the queue what to do with a task message after handling.
type decision int

const (
	// ackDone: a visible outcome exists (or the task is a duplicate);
	// redelivery would only produce noise.
	ackDone decision = iota
	// ackRetry: nothing visible happened, the queue should redeliver.
	ackRetry
	// ackDrop: the message can never be processed (undecodable).
	ackDrop
)

// Collector fetches conversation history.
type Collector interface {
	Collect(ctx context.Context, channel string, count int) ([]collector.Message, error)
}

// Engine generates summaries.
type Engine interface {
	Generate(ctx context.Context, p *prompt.Payload) (string, error)
	GenerateStream(ctx context.Context, p *prompt.Payload) (engine.EventSource, error)
}

// Deliverer streams a summary into a thread.
type Deliverer interface {
	Deliver(ctx context.Context, p deliver.Params) error
}

// Guard detects duplicate deliveries.
type Guard interface {
	AlreadyFinalized(ctx context.Context, channel, threadTS, correlationID string) bool
}

// SlackAPI is the slice of the Slack client the orchestrator itself calls.
type SlackAPI interface {
	ChannelName(ctx context.Context, channelID string) (string, error)
	Permalink(ctx context.Context, channel, ts string) (string, error)
	PostMessage(ctx context.Context, channel, text string, meta *slack.Metadata) (string, error)
	PostThreadMessage(ctx context.Context, channel, threadTS, text string, meta *slack.Metadata) (string, error)
	OpenDM(ctx context.Context, userID string) (string, error)
}

// Publisher announces completed deliveries.
type Publisher interface {
	Publish(subject string, data any) error
}

// TaskSource supplies raw task messages.
type TaskSource interface {
	Fetch(maxWait time.Duration) (*nats.Msg, error)
}

// Stats counts task outcomes for the status endpoint.
type Stats struct {
	Processed atomic.Int64
	Succeeded atomic.Int64
	Failed    atomic.Int64
	Skipped   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// Consumer pulls summarization tasks and runs each one through the pipeline:
// idempotency check, history collection, prompt assembly, generation, and
// delivery.
type Consumer struct {
	collector Collector
	engine    Engine
	deliverer Deliverer
	guard     Guard
	slack     SlackAPI
	publisher Publisher

	streamingEnabled bool
	taskTimeout      time.Duration
	logger           *slog.Logger
	stats            Stats
}

type Deps struct {
	Collector Collector
	Engine    Engine
	Deliverer Deliverer
	Guard     Guard
	Slack     SlackAPI
	Publisher Publisher
}

func NewConsumer(deps Deps, streamingEnabled bool, taskTimeout time.Duration, logger *slog.Logger) *Consumer {
	return &Consumer{
		collector:        deps.Collector,
		engine:           deps.Engine,
		deliverer:        deps.Deliverer,
		guard:            deps.Guard,
		slack:            deps.Slack,
		publisher:        deps.Publisher,
		streamingEnabled: streamingEnabled,
		taskTimeout:      taskTimeout,
		logger:           logger,
	}
}

// Stats returns a snapshot of the outcome counters.
func (c *Consumer) Stats() StatsSnapshot {
	return StatsSnapshot{
		Processed: c.stats.Processed.Load(),
		Succeeded: c.stats.Succeeded.Load(),
		Failed:    c.stats.Failed.Load(),
		Skipped:   c.stats.Skipped.Load(),
	}
}

// Run consumes tasks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, source TaskSource) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := source.Fetch(fetchWait)
		if err != nil {
			c.logger.Error("task fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}

		switch c.handleTask(ctx, msg.Data) {
		case ackDone:
			if err := msg.Ack(); err != nil {
				c.logger.Warn("ack failed", "error", err)
			}
		case ackRetry:
			if err := msg.Nak(); err != nil {
				c.logger.Warn("nak failed", "error", err)
			}
		case ackDrop:
			if err := msg.Term(); err != nil {
				c.logger.Warn("term failed", "error", err)
			}
		}
	}
}

// handleTask decodes and runs one task under the end-to-end timeout.
func (c *Consumer) handleTask(ctx context.Context, data []byte) decision {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		c.logger.Error("undecodable task dropped", "error", err)
		return ackDrop
	}
	if task.CorrelationID == "" {
		task.CorrelationID = uuid.NewString()
	}

	runID := uuid.NewString()
	logger := c.logger.With("correlation_id", task.CorrelationID, "run_id", runID)

	tctx, cancel := context.WithTimeout(ctx, c.taskTimeout)
	defer cancel()

	c.stats.Processed.Add(1)
	started := time.Now()

	dec, err := c.process(tctx, logger, task, started)
	switch {
	case err == nil && dec == ackDone:
		logger.Info("task handled", "duration_ms", time.Since(started).Milliseconds())
	case err != nil:
		c.stats.Failed.Add(1)
		logger.Error("task failed", "error", err, "duration_ms", time.Since(started).Milliseconds())
	}
	return dec
}

// target is where the summary (or failure notice) will be posted.
type target struct {
	channel  string
	threadTS string
}

func (c *Consumer) resolveTarget(ctx context.Context, task Task) (target, error) {
	switch task.Destination {
	case DestThread:
		if task.ThreadTS == "" {
			return target{}, errors.New("thread destination without thread_ts")
		}
		ch := task.OriginChannelID
		if ch == "" {
			ch = task.ChannelID
		}
		return target{channel: ch, threadTS: task.ThreadTS}, nil
	case DestDM, "":
		dm, err := c.slack.OpenDM(ctx, task.UserID)
		if err != nil {
			return target{}, fmt.Errorf("opening dm: %w", err)
		}
		return target{channel: dm}, nil
	case DestChannel:
		return target{channel: task.ChannelID}, nil
	default:
		return target{}, fmt.Errorf("unknown destination %q", task.Destination)
	}
}

// post sends text at the target, as a thread reply when the target is one.
func (c *Consumer) post(ctx context.Context, t target, text string, meta *slack.Metadata) error {
	var err error
	if t.threadTS != "" {
		_, err = c.slack.PostThreadMessage(ctx, t.channel, t.threadTS, text, meta)
	} else {
		_, err = c.slack.PostMessage(ctx, t.channel, text, meta)
	}
	return err
}

// process runs the pipeline for one decoded task. It returns ackDone whenever
// something visible reached the user, including the canonical failure
// message; only failures with no visible trace request redelivery.
func (c *Consumer) process(ctx context.Context, logger *slog.Logger, task Task, started time.Time) (decision, error) {
	tgt, err := c.resolveTarget(ctx, task)
	if err != nil {
		return ackRetry, err
	}

	if c.guard.AlreadyFinalized(ctx, tgt.channel, tgt.threadTS, task.CorrelationID) {
		c.stats.Skipped.Add(1)
		logger.Info("summary already delivered, skipping")
		return ackDone, nil
	}

	count := task.MessageCount
	if count <= 0 {
		count = defaultMessageCount
	}
	msgs, err := c.collector.Collect(ctx, task.ChannelID, count)
	if err != nil {
		return ackRetry, err
	}
	if len(msgs) == 0 {
		// The notice carries a FinalizationRecord too, so a crash before
		// the ack cannot duplicate it on redelivery.
		record := guard.FinalizationRecord{
			CorrelationID: task.CorrelationID,
			SourceChannel: task.ChannelID,
		}
		if err := c.post(ctx, tgt, emptyNotice, record.Metadata()); err != nil {
			return ackRetry, fmt.Errorf("posting empty notice: %w", err)
		}
		return ackDone, nil
	}

	payload := c.buildPayload(ctx, logger, task, msgs)
	prefix := deliver.SummaryPrefix(task.ChannelID, task.CustomPrompt)

	record := guard.FinalizationRecord{
		CorrelationID: task.CorrelationID,
		SourceChannel: task.ChannelID,
		MessageCount:  len(msgs),
	}

	streamed := c.streamingEnabled && task.Destination == DestThread
	record.Streamed = streamed

	if streamed {
		return c.deliverStreaming(ctx, logger, task, tgt, payload, prefix, record, started)
	}
	return c.deliverAtomic(ctx, logger, task, tgt, payload, prefix, record, started)
}

// buildPayload assembles the prompt plus the link and receipt context.
// Permalink resolution is best effort; a seed whose permalink cannot be
// fetched is simply not cited.
func (c *Consumer) buildPayload(ctx context.Context, logger *slog.Logger, task Task, msgs []collector.Message) *prompt.Payload {
	channelName, err := c.slack.ChannelName(ctx, task.ChannelID)
	if err != nil {
		logger.Warn("could not resolve channel name", "channel", task.ChannelID, "error", err)
		channelName = task.ChannelID
	}

	links := prompt.ExtractLinks(msgs)

	var receipts []prompt.Receipt
	for _, seed := range prompt.ReceiptSeeds(msgs) {
		permalink, err := c.slack.Permalink(ctx, task.ChannelID, seed.TS)
		if err != nil {
			logger.Warn("could not fetch permalink", "ts", seed.TS, "error", err)
			continue
		}
		receipts = append(receipts, prompt.Receipt{
			Permalink: permalink,
			Author:    seed.Author,
			Snippet:   seed.Snippet,
		})
	}

	return prompt.Build(channelName, msgs, links, receipts, task.CustomPrompt)
}

func (c *Consumer) deliverStreaming(ctx context.Context, logger *slog.Logger, task Task, tgt target, payload *prompt.Payload, prefix string, record guard.FinalizationRecord, started time.Time) (decision, error) {
	events, err := c.engine.GenerateStream(ctx, payload)
	if errors.Is(err, engine.ErrTooLarge) {
		record.Streamed = false
		text := prefix + prompt.EnsureSections(tooLargeMessage, payload)
		if perr := c.post(ctx, tgt, text, record.Metadata()); perr != nil {
			return ackRetry, fmt.Errorf("posting too-large notice: %w", perr)
		}
		c.stats.Succeeded.Add(1)
		return ackDone, nil
	}
	if err != nil {
		// Nothing visible yet: make the failure visible, then consume
		// the task so the user is not spammed on redelivery.
		if perr := c.post(ctx, tgt, deliver.CanonicalFailureMessage, nil); perr != nil {
			return ackRetry, errors.Join(err, perr)
		}
		return ackDone, err
	}

	err = c.deliverer.Deliver(ctx, deliver.Params{
		Channel:  tgt.channel,
		ThreadTS: tgt.threadTS,
		Prefix:   prefix,
		Events:   events,
		Finalize: func(collected string) string {
			return prompt.EnsureSections(collected, payload)
		},
		Metadata:      record.Metadata(),
		CorrelationID: task.CorrelationID,
	})
	if err != nil {
		// The deliverer already ensured the canonical failure message.
		return ackDone, err
	}

	c.stats.Succeeded.Add(1)
	c.announceDelivery(logger, task, record, started)
	return ackDone, nil
}

func (c *Consumer) deliverAtomic(ctx context.Context, logger *slog.Logger, task Task, tgt target, payload *prompt.Payload, prefix string, record guard.FinalizationRecord, started time.Time) (decision, error) {
	text, err := c.engine.Generate(ctx, payload)
	if errors.Is(err, engine.ErrTooLarge) {
		text, err = tooLargeMessage, nil
	}
	if err != nil {
		if perr := c.post(ctx, tgt, deliver.CanonicalFailureMessage, nil); perr != nil {
			return ackRetry, errors.Join(err, perr)
		}
		return ackDone, err
	}

	full := prefix + prompt.EnsureSections(text, payload)
	if err := c.post(ctx, tgt, full, record.Metadata()); err != nil {
		return ackRetry, fmt.Errorf("posting summary: %w", err)
	}

	c.stats.Succeeded.Add(1)
	c.announceDelivery(logger, task, record, started)
	return ackDone, nil
}

// announceDelivery publishes the delivered event. Failures are logged only;
// the summary is already visible and must not be retried for this.
func (c *Consumer) announceDelivery(logger *slog.Logger, task Task, record guard.FinalizationRecord, started time.Time) {
	ev := queue.DeliveredEvent{
		CorrelationID: task.CorrelationID,
		SourceChannel: task.ChannelID,
		MessageCount:  record.MessageCount,
		Streamed:      record.Streamed,
		DurationMs:    time.Since(started).Milliseconds(),
	}
	if err := c.publisher.Publish(queue.SubjectDelivered, ev); err != nil {
		logger.Warn("could not publish delivered event", "error", err)
	}
}
