package slack

import (
	"context"
	"errors"
)

// ErrNotStreaming is returned when the target message has left the streaming
// state (finalized by the platform, a timeout, or a user action). Callers
// should stop appending; the visible content is already final.
var ErrNotStreaming = errors.New("message not in streaming state")

const errCodeNotStreaming = "message_not_in_streaming_state"

// StartStream begins a streaming message in a thread, seeded with text.
// Returns the streaming message ts.
func (c *Client) StartStream(ctx context.Context, channel, threadTS, text string) (string, error) {
	payload := map[string]any{
		"channel":   channel,
		"thread_ts": threadTS,
	}
	if text != "" {
		payload["markdown_text"] = text
	}
	var resp struct {
		TS string `json:"ts"`
	}
	if err := c.callJSON(ctx, "chat.startStream", payload, &resp); err != nil {
		return "", err
	}
	if resp.TS == "" {
		return "", errors.New("chat.startStream: no ts in response")
	}
	return resp.TS, nil
}

// AppendStream appends a text segment to a streaming message. Returns
// ErrNotStreaming when the message already left the streaming state.
func (c *Client) AppendStream(ctx context.Context, channel, ts, text string) error {
	payload := map[string]any{
		"channel":       channel,
		"ts":            ts,
		"markdown_text": text,
	}
	err := c.callJSON(ctx, "chat.appendStream", payload, nil)
	if isNotStreaming(err) {
		return ErrNotStreaming
	}
	return err
}

// StopStream finalizes a streaming message, optionally appending final text
// and attaching metadata. A message that already left the streaming state is
// treated as success: it is finalized either way.
func (c *Client) StopStream(ctx context.Context, channel, ts, finalText string, meta *Metadata) error {
	payload := map[string]any{
		"channel": channel,
		"ts":      ts,
	}
	if finalText != "" {
		payload["markdown_text"] = finalText
	}
	if meta != nil {
		payload["metadata"] = meta
	}
	err := c.callJSON(ctx, "chat.stopStream", payload, nil)
	if isNotStreaming(err) {
		return nil
	}
	return err
}

func isNotStreaming(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == errCodeNotStreaming
}
