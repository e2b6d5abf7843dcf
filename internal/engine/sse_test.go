package engine

import (
	"testing"
)

func feedAll(t *testing.T, p *SSEParser, chunks ...string) []Result {
	t.Helper()
	var all []Result
	for _, c := range chunks {
		all = append(all, p.Feed(c)...)
	}
	return all
}

func TestSSEParser_TextDelta(t *testing.T) {
	var p SSEParser
	results := p.Feed("data: {\"type\":\"response.output_text.delta\",\"delta\":\"Hello\"}\n\n")
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	ev := results[0].Event
	if ev == nil || ev.Type != EventTextDelta || ev.Delta != "Hello" {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestSSEParser_FrameSplitAcrossFeeds(t *testing.T) {
	frame := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"split\"}\n\n"
	for cut := 1; cut < len(frame); cut++ {
		var p SSEParser
		results := feedAll(t, &p, frame[:cut], frame[cut:])
		if len(results) != 1 {
			t.Fatalf("cut=%d: expected 1 result, got %d", cut, len(results))
		}
		if results[0].Event == nil || results[0].Event.Delta != "split" {
			t.Fatalf("cut=%d: unexpected result %+v", cut, results[0])
		}
	}
}

func TestSSEParser_TerminalFrameSplitEmitsOnce(t *testing.T) {
	frame := "data: {\"type\":\"response.completed\"}\n\n"
	var p SSEParser
	results := feedAll(t, &p, frame[:7], frame[7:20], frame[20:])
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 terminal result, got %d", len(results))
	}
	if results[0].Event == nil || results[0].Event.Type != EventCompleted {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestSSEParser_MultipleFramesInOneChunk(t *testing.T) {
	var p SSEParser
	chunk := "data: {\"type\":\"response.output_text.delta\",\"delta\":\"a\"}\n\n" +
		"data: {\"type\":\"response.output_text.delta\",\"delta\":\"b\"}\n\n" +
		"data: {\"type\":\"response.completed\"}\n\n"
	results := p.Feed(chunk)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Event.Delta != "a" || results[1].Event.Delta != "b" {
		t.Fatalf("deltas out of order: %+v", results)
	}
	if results[2].Event.Type != EventCompleted {
		t.Fatalf("expected completed last, got %+v", results[2])
	}
}

func TestSSEParser_CRLFBoundaries(t *testing.T) {
	var p SSEParser
	results := p.Feed("data: {\"type\":\"response.output_text.delta\",\"delta\":\"x\"}\r\n\r\n")
	if len(results) != 1 || results[0].Event == nil || results[0].Event.Delta != "x" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSSEParser_DoneSentinel(t *testing.T) {
	var p SSEParser
	results := p.Feed("data: [DONE]\n\n")
	if len(results) != 1 || !results[0].Done {
		t.Fatalf("expected [DONE], got %+v", results)
	}
}

func TestSSEParser_FailedEventReasons(t *testing.T) {
	cases := []struct {
		name string
		data string
		want string
	}{
		{"error object", `{"type":"response.failed","error":{"message":"boom"}}`, "boom"},
		{"error string", `{"type":"error","error":"plain failure"}`, "plain failure"},
		{"response error", `{"type":"response.failed","response":{"error":{"message":"nested"}}}`, "nested"},
		{"no detail", `{"type":"response.failed"}`, "unknown error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p SSEParser
			results := p.Feed("data: " + tc.data + "\n\n")
			if len(results) != 1 || results[0].Event == nil {
				t.Fatalf("expected 1 event, got %+v", results)
			}
			ev := results[0].Event
			if ev.Type != EventFailed || ev.Reason != tc.want {
				t.Fatalf("got %+v, want reason %q", ev, tc.want)
			}
		})
	}
}

func TestSSEParser_UnknownTypeSurfaced(t *testing.T) {
	var p SSEParser
	results := p.Feed("data: {\"type\":\"response.created\"}\n\n")
	if len(results) != 1 || results[0].Unknown != "response.created" {
		t.Fatalf("expected unknown type, got %+v", results)
	}
}

func TestSSEParser_InvalidJSONSkipped(t *testing.T) {
	var p SSEParser
	results := p.Feed("data: {not json}\n\ndata: {\"type\":\"response.completed\"}\n\n")
	if len(results) != 1 || results[0].Event == nil || results[0].Event.Type != EventCompleted {
		t.Fatalf("expected invalid frame skipped, got %+v", results)
	}
}

func TestSSEParser_CommentsAndEventLinesIgnored(t *testing.T) {
	var p SSEParser
	results := p.Feed(": keep-alive\n\nevent: ping\n\ndata: {\"type\":\"response.completed\"}\n\n")
	if len(results) != 1 || results[0].Event == nil {
		t.Fatalf("expected only the data frame, got %+v", results)
	}
}

func TestSSEParser_MultibyteDeltaAcrossFrames(t *testing.T) {
	var p SSEParser
	results := p.Feed("data: {\"type\":\"response.output_text.delta\",\"delta\":\"héllo 🎉\"}\n\n")
	if len(results) != 1 || results[0].Event.Delta != "héllo 🎉" {
		t.Fatalf("unexpected results: %+v", results)
	}
}
