package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"
)

// EventSource yields completion events one at a time. Next returns ok=false
// after a terminal event has been delivered.
type EventSource interface {
	Next() (Event, bool)
}

// Stream adapts a live SSE response body into an EventSource. It guarantees
// exactly one terminal event (Completed or Failed) and holds back trailing
// bytes of a split UTF-8 sequence so deltas are always valid strings.
type Stream struct {
	ctx    context.Context
	body   io.ReadCloser
	parser SSEParser
	logger *slog.Logger

	pending []Result
	hold    []byte
	seen    map[string]bool

	sawText      bool
	sawCompleted bool
	done         bool
}

func newStream(ctx context.Context, body io.ReadCloser, logger *slog.Logger) *Stream {
	return &Stream{ctx: ctx, body: body, logger: logger, seen: map[string]bool{}}
}

// Next returns the next event from the stream. The final event is always
// terminal; stream errors and timeouts surface as Failed events rather than
// tearing down the caller.
func (s *Stream) Next() (Event, bool) {
	if s.done {
		return Event{}, false
	}
	for {
		if ev, ok := s.takePending(); ok {
			return ev, true
		}
		ev, terminal := s.read()
		if terminal {
			s.done = true
			s.body.Close()
			return ev, true
		}
	}
}

// takePending drains buffered parse results, folding housekeeping frames away.
func (s *Stream) takePending() (Event, bool) {
	for len(s.pending) > 0 {
		res := s.pending[0]
		s.pending = s.pending[1:]

		switch {
		case res.Done:
			s.done = true
			s.body.Close()
			return s.finishAfterEOF(), true
		case res.Unknown != "":
			if !s.seen[res.Unknown] {
				s.seen[res.Unknown] = true
				s.logger.Debug("ignoring stream event", "type", res.Unknown)
			}
		case res.Event != nil:
			switch res.Event.Type {
			case EventTextDelta:
				if res.Event.Delta == "" {
					continue
				}
				s.sawText = true
			case EventCompleted:
				s.sawCompleted = true
				s.done = true
				s.body.Close()
			case EventFailed:
				s.done = true
				s.body.Close()
			}
			return *res.Event, true
		}
	}
	return Event{}, false
}

// read pulls one chunk from the body and feeds the parser. It returns a
// terminal event when the underlying stream ends or errors.
func (s *Stream) read() (Event, bool) {
	if err := s.ctx.Err(); err != nil {
		return s.failure(err), true
	}

	buf := make([]byte, 4096)
	n, err := s.body.Read(buf)
	if n > 0 {
		chunk := append(s.hold, buf[:n]...)
		s.hold = nil
		// Hold back a trailing partial rune so Feed only ever sees
		// complete UTF-8.
		cut := len(chunk)
		for i := len(chunk) - 1; i >= 0 && len(chunk)-i <= utf8.UTFMax; i-- {
			if utf8.RuneStart(chunk[i]) {
				if !utf8.FullRune(chunk[i:]) {
					cut = i
				}
				break
			}
		}
		if cut < len(chunk) {
			s.hold = append([]byte(nil), chunk[cut:]...)
			chunk = chunk[:cut]
		}
		if len(chunk) > 0 {
			s.pending = append(s.pending, s.parser.Feed(string(chunk))...)
		}
		return Event{}, false
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			return s.finishAfterEOF(), true
		}
		return s.failure(err), true
	}
	return Event{}, false
}

// finishAfterEOF decides the terminal event when the stream ends without an
// explicit completion frame. Text followed by EOF or [DONE] counts as
// completed; an empty stream is a failure.
func (s *Stream) finishAfterEOF() Event {
	if s.sawCompleted || s.sawText {
		return Event{Type: EventCompleted}
	}
	return Event{Type: EventFailed, Reason: "stream ended before any output"}
}

func (s *Stream) failure(err error) Event {
	if errors.Is(err, context.DeadlineExceeded) {
		return Event{Type: EventFailed, Reason: fmt.Sprintf("timeout: %v", err)}
	}
	return Event{Type: EventFailed, Reason: err.Error()}
}
