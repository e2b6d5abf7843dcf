package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectDelivered is the subject a completed summary is announced on.
const SubjectDelivered = "tldr.summary.delivered"

// DeliveredEvent is published after a summary has been delivered, so
// downstream consumers (analytics, billing) can react without scraping Slack.
type DeliveredEvent struct {
	CorrelationID string `json:"correlation_id"`
	SourceChannel string `json:"source_channel"`
	MessageCount  int    `json:"message_count"`
	Streamed      bool   `json:"streamed"`
	DurationMs    int64  `json:"duration_ms"`
}

// Client wraps a NATS connection with a durable JetStream pull consumer for
// task intake. Tasks are delivered at least once; the worker acks only after
// a visible outcome exists in Slack.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	logger *slog.Logger
}

func NewClient(url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &Client{conn: nc, js: js, logger: logger}, nil
}

// EnsureStream creates the task stream if it does not exist yet.
func (c *Client) EnsureStream(stream, subject string) error {
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("add stream %s: %w", stream, err)
	}
	return nil
}

// SubscribeTasks binds a durable pull consumer to the task subject.
func (c *Client) SubscribeTasks(subject, durable string) error {
	sub, err := c.js.PullSubscribe(subject, durable, nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", subject, err)
	}
	c.sub = sub
	c.logger.Info("consuming tasks", "subject", subject, "durable", durable)
	return nil
}

// Fetch waits up to maxWait for the next task message. A timeout with no
// message returns (nil, nil) so the caller can loop on shutdown checks.
func (c *Client) Fetch(maxWait time.Duration) (*nats.Msg, error) {
	msgs, err := c.sub.Fetch(1, nats.MaxWait(maxWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch task: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.conn.Close()
}
