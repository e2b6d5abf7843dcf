package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultAPIBase = "https://slack.com/api"

// maxAttempts bounds the uniform retry policy for every Web API call.
const maxAttempts = 5

// APIError is a Slack ok:false response.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

// Message is one entry from conversations.history / conversations.replies.
type Message struct {
	Type        string          `json:"type"`
	Subtype     string          `json:"subtype"`
	User        string          `json:"user"`
	BotID       string          `json:"bot_id"`
	TS          string          `json:"ts"`
	Text        string          `json:"text"`
	Files       []File          `json:"files"`
	Blocks      json.RawMessage `json:"blocks,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	Metadata    *Metadata       `json:"metadata,omitempty"`
}

// File is a file attachment reference on a message.
type File struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	Size               int64  `json:"size"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download"`
}

// DownloadURL prefers the direct download URL, falling back to url_private.
func (f File) DownloadURL() string {
	if f.URLPrivateDownload != "" {
		return f.URLPrivateDownload
	}
	return f.URLPrivate
}

// Metadata is Slack message metadata (event_type + event_payload).
type Metadata struct {
	EventType    string         `json:"event_type"`
	EventPayload map[string]any `json:"event_payload"`
}

// Client is a Slack Web API client with a uniform retry policy.
type Client struct {
	token   string
	http    *http.Client
	apiBase string
	logger  *slog.Logger

	botMu     sync.Mutex
	botUserID string
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.apiBase = strings.TrimSuffix(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(token string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		apiBase: defaultAPIBase,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	return b
}

func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(maxAttempts))
}

// do performs one Web API POST and classifies the failure for the retry
// policy: network errors retry, 429 honors Retry-After, everything else is
// permanent.
func (c *Client) do(ctx context.Context, method, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: create request: %w", method, err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		secs := retryAfterSeconds(resp)
		c.logger.Warn("slack rate limited", "method", method, "retry_after_s", secs)
		return nil, backoff.RetryAfter(secs)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("%s: http %d", method, resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%s: parse response: %w", method, err))
	}
	if !env.OK {
		if env.Error == "rate_limited" || env.Error == "ratelimited" {
			c.logger.Warn("slack rate limited", "method", method, "source", "body")
			return nil, backoff.RetryAfter(1)
		}
		return nil, backoff.Permanent(&APIError{Method: method, Code: env.Error})
	}
	return raw, nil
}

func retryAfterSeconds(resp *http.Response) int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// callForm posts application/x-www-form-urlencoded (conversations.*, users.*,
// chat.getPermalink — methods that do not accept JSON bodies).
func (c *Client) callForm(ctx context.Context, method string, params url.Values, out any) error {
	raw, err := withRetry(ctx, func() ([]byte, error) {
		return c.do(ctx, method, "application/x-www-form-urlencoded", strings.NewReader(params.Encode()))
	})
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode: %w", method, err)
		}
	}
	return nil
}

// callJSON posts application/json (the chat.* write methods).
func (c *Client) callJSON(ctx context.Context, method string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", method, err)
	}
	raw, err := withRetry(ctx, func() ([]byte, error) {
		return c.do(ctx, method, "application/json; charset=utf-8", strings.NewReader(string(body)))
	})
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s: decode: %w", method, err)
		}
	}
	return nil
}

// BotUserID returns the authenticated bot's user id, cached per client.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	c.botMu.Lock()
	defer c.botMu.Unlock()
	if c.botUserID != "" {
		return c.botUserID, nil
	}
	var resp struct {
		UserID string `json:"user_id"`
	}
	if err := c.callForm(ctx, "auth.test", url.Values{}, &resp); err != nil {
		return "", err
	}
	c.botUserID = resp.UserID
	return resp.UserID, nil
}

// History fetches up to limit messages from a channel, newest first (Slack's
// native ordering). Message metadata is only returned when includeMetadata is
// set; plain transcript reads should leave it off.
func (c *Client) History(ctx context.Context, channel string, limit int, includeMetadata bool) ([]Message, error) {
	params := url.Values{
		"channel": {channel},
		"limit":   {strconv.Itoa(limit)},
	}
	if includeMetadata {
		params.Set("include_all_metadata", "true")
	}
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.callForm(ctx, "conversations.history", params, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Replies fetches up to limit messages of a thread, oldest first (Slack's
// native ordering for conversations.replies).
func (c *Client) Replies(ctx context.Context, channel, threadTS string, limit int, includeMetadata bool) ([]Message, error) {
	params := url.Values{
		"channel": {channel},
		"ts":      {threadTS},
		"limit":   {strconv.Itoa(limit)},
	}
	if includeMetadata {
		params.Set("include_all_metadata", "true")
	}
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.callForm(ctx, "conversations.replies", params, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// UserDisplayName resolves a user id to a human-readable name.
func (c *Client) UserDisplayName(ctx context.Context, userID string) (string, error) {
	params := url.Values{"user": {userID}}
	var resp struct {
		User struct {
			Name    string `json:"name"`
			Profile struct {
				DisplayName string `json:"display_name"`
				RealName    string `json:"real_name"`
			} `json:"profile"`
		} `json:"user"`
	}
	if err := c.callForm(ctx, "users.info", params, &resp); err != nil {
		return "", err
	}
	if n := resp.User.Profile.DisplayName; n != "" {
		return n, nil
	}
	if n := resp.User.Profile.RealName; n != "" {
		return n, nil
	}
	return resp.User.Name, nil
}

// ChannelName resolves a channel id to its name.
func (c *Client) ChannelName(ctx context.Context, channelID string) (string, error) {
	params := url.Values{"channel": {channelID}}
	var resp struct {
		Channel struct {
			Name string `json:"name"`
		} `json:"channel"`
	}
	if err := c.callForm(ctx, "conversations.info", params, &resp); err != nil {
		return "", err
	}
	return resp.Channel.Name, nil
}

// Permalink returns the permalink for a message.
func (c *Client) Permalink(ctx context.Context, channel, ts string) (string, error) {
	params := url.Values{
		"channel":    {channel},
		"message_ts": {ts},
	}
	var resp struct {
		Permalink string `json:"permalink"`
	}
	if err := c.callForm(ctx, "chat.getPermalink", params, &resp); err != nil {
		return "", err
	}
	return resp.Permalink, nil
}

// PostMessage posts a channel message, optionally attaching metadata.
// Returns the message ts.
func (c *Client) PostMessage(ctx context.Context, channel, text string, meta *Metadata) (string, error) {
	payload := map[string]any{
		"channel": channel,
		"text":    text,
	}
	if meta != nil {
		payload["metadata"] = meta
	}
	var resp struct {
		TS string `json:"ts"`
	}
	if err := c.callJSON(ctx, "chat.postMessage", payload, &resp); err != nil {
		return "", err
	}
	return resp.TS, nil
}

// PostThreadMessage posts a threaded reply, optionally attaching metadata.
func (c *Client) PostThreadMessage(ctx context.Context, channel, threadTS, text string, meta *Metadata) (string, error) {
	payload := map[string]any{
		"channel":   channel,
		"thread_ts": threadTS,
		"text":      text,
	}
	if meta != nil {
		payload["metadata"] = meta
	}
	var resp struct {
		TS string `json:"ts"`
	}
	if err := c.callJSON(ctx, "chat.postMessage", payload, &resp); err != nil {
		return "", err
	}
	return resp.TS, nil
}

// UpdateMessage overwrites a message's text; clearBlocks also empties any
// Block Kit content so no partial structured content survives.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string, clearBlocks bool) error {
	payload := map[string]any{
		"channel": channel,
		"ts":      ts,
		"text":    text,
	}
	if clearBlocks {
		payload["blocks"] = []any{}
	}
	return c.callJSON(ctx, "chat.update", payload, nil)
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, channel, ts string) error {
	payload := map[string]any{
		"channel": channel,
		"ts":      ts,
	}
	return c.callJSON(ctx, "chat.delete", payload, nil)
}

// OpenDM opens (or reuses) the IM channel with a user and returns its id.
func (c *Client) OpenDM(ctx context.Context, userID string) (string, error) {
	params := url.Values{"users": {userID}}
	var resp struct {
		Channel struct {
			ID string `json:"id"`
		} `json:"channel"`
	}
	if err := c.callForm(ctx, "conversations.open", params, &resp); err != nil {
		return "", err
	}
	return resp.Channel.ID, nil
}

// DownloadFile fetches a private Slack file with bot auth, rejecting bodies
// larger than maxBytes.
func (c *Client) DownloadFile(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("download: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: http %d", resp.StatusCode)
	}
	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("download: %d bytes exceeds cap %d", resp.ContentLength, maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download: read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("download: body exceeds cap %d", maxBytes)
	}
	return data, nil
}
