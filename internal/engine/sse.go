package engine

import (
	"encoding/json"
	"strings"
)

// EventType discriminates the events the rest of the pipeline consumes.
type EventType int

const (
	// EventTextDelta carries an incremental text fragment.
	EventTextDelta EventType = iota
	// EventCompleted signals successful completion of the response.
	EventCompleted
	// EventFailed signals a terminal failure, with a reason.
	EventFailed
)

// Event is one typed completion-stream event.
type Event struct {
	Type   EventType
	Delta  string
	Reason string
}

// Result is the outcome of parsing one SSE frame.
type Result struct {
	// Event is non-nil when the frame carried a typed event.
	Event *Event
	// Unknown holds the event type of an ignored frame.
	Unknown string
	// Done reports the [DONE] end-of-stream sentinel.
	Done bool
}

// SSEParser reassembles server-sent-event frames across arbitrary read
// boundaries. Feed never blocks; it returns every complete frame consumed
// from its buffer so far.
type SSEParser struct {
	buf string
}

// Feed appends chunk to the parse buffer and returns all newly completed
// frames. Partial frames stay buffered for the next read; multiple frames in
// one chunk are all returned.
func (p *SSEParser) Feed(chunk string) []Result {
	p.buf += chunk
	var results []Result

	for {
		end, skip := frameBoundary(p.buf)
		if end < 0 {
			break
		}
		frame := p.buf[:end]
		p.buf = strings.TrimLeft(p.buf[end+skip:], "\n")

		if res, ok := parseFrame(frame); ok {
			results = append(results, res)
		}
	}
	return results
}

// Buffered returns the unconsumed parse buffer.
func (p *SSEParser) Buffered() string {
	return p.buf
}

// frameBoundary locates the end of a complete SSE frame. Frames are separated
// by a blank line (\n\n, or \r\n\r\n for CRLF streams).
func frameBoundary(buf string) (end, skip int) {
	if i := strings.Index(buf, "\n\n"); i >= 0 {
		return i, 2
	}
	if i := strings.Index(buf, "\r\n\r\n"); i >= 0 {
		return i, 4
	}
	return -1, 0
}

func parseFrame(frame string) (Result, bool) {
	var dataLines []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		// event: lines are ignored; the JSON payload carries its own type.
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data != "" {
				dataLines = append(dataLines, data)
			}
		}
	}
	if len(dataLines) == 0 {
		return Result{}, false
	}

	data := strings.Join(dataLines, "\n")
	if data == "[DONE]" {
		return Result{Done: true}, true
	}
	return parsePayload(data)
}

type sseError struct {
	Message string
}

func (e *sseError) UnmarshalJSON(b []byte) error {
	var s string
	if json.Unmarshal(b, &s) == nil {
		e.Message = s
		return nil
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.Message = obj.Message
	return nil
}

type ssePayload struct {
	Type     string    `json:"type"`
	Delta    string    `json:"delta"`
	Error    *sseError `json:"error"`
	Response *struct {
		Error *sseError `json:"error"`
	} `json:"response"`
}

func parsePayload(data string) (Result, bool) {
	var payload ssePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return Result{}, false
	}

	switch payload.Type {
	case "response.output_text.delta":
		return Result{Event: &Event{Type: EventTextDelta, Delta: payload.Delta}}, true
	case "response.completed":
		return Result{Event: &Event{Type: EventCompleted}}, true
	case "response.failed", "error":
		return Result{Event: &Event{Type: EventFailed, Reason: payload.reason()}}, true
	case "":
		return Result{}, false
	default:
		return Result{Unknown: payload.Type}, true
	}
}

func (p *ssePayload) reason() string {
	if p.Error != nil && p.Error.Message != "" {
		return p.Error.Message
	}
	if p.Response != nil && p.Response.Error != nil && p.Response.Error.Message != "" {
		return p.Response.Error.Message
	}
	return "unknown error"
}
