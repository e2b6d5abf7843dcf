package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/tldr/internal/prompt"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	maxContextTokens = 400000
	maxOutputTokens  = 100000
	tokenBuffer      = 250
	minOutputTokens  = 500
)

// ErrTooLarge reports a conversation whose estimated size leaves no room for
// a useful response within the model context window.
var ErrTooLarge = errors.New("conversation too large for model context window")

// Engine generates summaries with the OpenAI Responses API.
type Engine struct {
	apiKey  string
	orgID   string
	model   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithBaseURL overrides the API base URL. Used in tests.
func WithBaseURL(u string) Option {
	return func(e *Engine) { e.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.http = c }
}

// New creates an Engine. orgID may be empty.
func New(apiKey, orgID, model string, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		apiKey:  apiKey,
		orgID:   orgID,
		model:   model,
		baseURL: defaultBaseURL,
		http:    &http.Client{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type inputPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type inputMessage struct {
	Role    string      `json:"role"`
	Content []inputPart `json:"content"`
}

type responsesRequest struct {
	Model           string         `json:"model"`
	Input           []inputMessage `json:"input"`
	MaxOutputTokens int            `json:"max_output_tokens"`
	Stream          bool           `json:"stream,omitempty"`
}

// estimateTokens approximates token usage at four characters per token.
func estimateTokens(chars int) int {
	return chars/4 + 1
}

// buildRequest converts the prompt into a Responses API request. Assistant
// blocks never go on the wire; they exist only for local prompt assembly.
func (e *Engine) buildRequest(p *prompt.Payload, stream bool) (*responsesRequest, error) {
	var (
		input []inputMessage
		chars int
	)
	for _, blk := range p.Blocks {
		if blk.Role == "assistant" {
			continue
		}
		var parts []inputPart
		if blk.ImageURL != "" {
			parts = append(parts, inputPart{Type: "input_image", ImageURL: blk.ImageURL})
			chars += len(blk.ImageURL)
		} else {
			parts = append(parts, inputPart{Type: "input_text", Text: blk.Text})
			chars += len(blk.Text)
		}
		input = append(input, inputMessage{Role: blk.Role, Content: parts})
	}

	budget := maxContextTokens - estimateTokens(chars) - tokenBuffer
	if budget > maxOutputTokens {
		budget = maxOutputTokens
	}
	if budget < minOutputTokens {
		return nil, ErrTooLarge
	}

	return &responsesRequest{
		Model:           e.model,
		Input:           input,
		MaxOutputTokens: budget,
		Stream:          stream,
	}, nil
}

func (e *Engine) newRequest(ctx context.Context, body *responsesRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if e.orgID != "" {
		req.Header.Set("OpenAI-Organization", e.orgID)
	}
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// Generate produces a complete summary in one round trip.
func (e *Engine) Generate(ctx context.Context, p *prompt.Payload) (string, error) {
	body, err := e.buildRequest(p, false)
	if err != nil {
		return "", err
	}
	req, err := e.newRequest(ctx, body)
	if err != nil {
		return "", err
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling responses API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("responses API status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return "", fmt.Errorf("responses API error: %s", parsed.Error.Message)
	}

	var sb strings.Builder
	for _, item := range parsed.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				sb.WriteString(part.Text)
			}
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("responses API returned no output text")
	}
	return text, nil
}

// GenerateStream opens a streaming completion and returns its event source.
// The caller consumes events until a terminal one; the stream closes the
// response body itself.
func (e *Engine) GenerateStream(ctx context.Context, p *prompt.Payload) (EventSource, error) {
	body, err := e.buildRequest(p, true)
	if err != nil {
		return nil, err
	}
	req, err := e.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling responses API: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("responses API status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return newStream(ctx, resp.Body, e.logger), nil
}
