package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/tldr/internal/collector"
	"github.com/MikeSquared-Agency/tldr/internal/deliver"
	"github.com/MikeSquared-Agency/tldr/internal/engine"
	"github.com/MikeSquared-Agency/tldr/internal/guard"
	"github.com/MikeSquared-Agency/tldr/internal/prompt"
	"github.com/MikeSquared-Agency/tldr/internal/slack"
)

type fakeCollector struct {
	msgs []collector.Message
	err  error
}

func (f *fakeCollector) Collect(ctx context.Context, channel string, count int) ([]collector.Message, error) {
	return f.msgs, f.err
}

type fakeEngine struct {
	text      string
	err       error
	streamErr error
	events    []engine.Event

	generateCalls int
	streamCalls   int
}

func (f *fakeEngine) Generate(ctx context.Context, p *prompt.Payload) (string, error) {
	f.generateCalls++
	return f.text, f.err
}

func (f *fakeEngine) GenerateStream(ctx context.Context, p *prompt.Payload) (engine.EventSource, error) {
	f.streamCalls++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &sliceEvents{events: f.events}, nil
}

type sliceEvents struct {
	events []engine.Event
}

func (s *sliceEvents) Next() (engine.Event, bool) {
	if len(s.events) == 0 {
		return engine.Event{}, false
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, true
}

type fakeDeliverer struct {
	err    error
	params deliver.Params
	calls  int
}

func (f *fakeDeliverer) Deliver(ctx context.Context, p deliver.Params) error {
	f.calls++
	f.params = p
	return f.err
}

type fakeGuard struct {
	finalized bool
	calls     int
}

func (f *fakeGuard) AlreadyFinalized(ctx context.Context, channel, threadTS, correlationID string) bool {
	f.calls++
	return f.finalized
}

type postedMsg struct {
	channel  string
	threadTS string
	text     string
	meta     *slack.Metadata
}

type fakeSlack struct {
	posts        []postedMsg
	dmChannel    string
	dmErr        error
	permalinkErr error
}

func (f *fakeSlack) ChannelName(ctx context.Context, channelID string) (string, error) {
	return "general", nil
}

func (f *fakeSlack) Permalink(ctx context.Context, channel, ts string) (string, error) {
	if f.permalinkErr != nil {
		return "", f.permalinkErr
	}
	return "https://acme.slack.com/archives/" + channel + "/p" + ts, nil
}

func (f *fakeSlack) PostMessage(ctx context.Context, channel, text string, meta *slack.Metadata) (string, error) {
	f.posts = append(f.posts, postedMsg{channel: channel, text: text, meta: meta})
	return "1.0", nil
}

func (f *fakeSlack) PostThreadMessage(ctx context.Context, channel, threadTS, text string, meta *slack.Metadata) (string, error) {
	f.posts = append(f.posts, postedMsg{channel: channel, threadTS: threadTS, text: text, meta: meta})
	return "1.1", nil
}

func (f *fakeSlack) OpenDM(ctx context.Context, userID string) (string, error) {
	if f.dmErr != nil {
		return "", f.dmErr
	}
	if f.dmChannel == "" {
		f.dmChannel = "D" + userID
	}
	return f.dmChannel, nil
}

type fakePublisher struct {
	subjects []string
	payloads []any
	err      error
}

func (f *fakePublisher) Publish(subject string, data any) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

type fixture struct {
	collector *fakeCollector
	engine    *fakeEngine
	deliverer *fakeDeliverer
	guard     *fakeGuard
	slack     *fakeSlack
	publisher *fakePublisher
	consumer  *Consumer
}

func newFixture(streaming bool) *fixture {
	f := &fixture{
		collector: &fakeCollector{msgs: []collector.Message{
			{TS: "1.0", Author: "alice", Text: "we shipped https://example.com/rel"},
			{TS: "2.0", Author: "bob", Text: "nice"},
		}},
		engine:    &fakeEngine{text: "A fine summary."},
		deliverer: &fakeDeliverer{},
		guard:     &fakeGuard{},
		slack:     &fakeSlack{},
		publisher: &fakePublisher{},
	}
	f.consumer = NewConsumer(Deps{
		Collector: f.collector,
		Engine:    f.engine,
		Deliverer: f.deliverer,
		Guard:     f.guard,
		Slack:     f.slack,
		Publisher: f.publisher,
	}, streaming, time.Minute, slog.New(slog.DiscardHandler))
	return f
}

func threadTask() Task {
	return Task{
		CorrelationID:   "corr-1",
		UserID:          "U1",
		ChannelID:       "C1",
		ThreadTS:        "100.200",
		OriginChannelID: "D1",
		MessageCount:    50,
		Destination:     DestThread,
	}
}

func encode(t *testing.T, task Task) []byte {
	t.Helper()
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return data
}

func TestHandleTask_UndecodableIsDropped(t *testing.T) {
	f := newFixture(false)
	if dec := f.consumer.handleTask(context.Background(), []byte("{nope")); dec != ackDrop {
		t.Fatalf("decision %v", dec)
	}
}

func TestHandleTask_DuplicateSkipsWithoutWrites(t *testing.T) {
	f := newFixture(true)
	f.guard.finalized = true

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if len(f.slack.posts) != 0 || f.deliverer.calls != 0 || f.engine.generateCalls+f.engine.streamCalls != 0 {
		t.Fatal("duplicate task produced visible work")
	}
	if got := f.consumer.Stats().Skipped; got != 1 {
		t.Fatalf("skipped = %d", got)
	}
}

func TestHandleTask_EmptyHistoryPostsNotice(t *testing.T) {
	f := newFixture(false)
	f.collector.msgs = nil

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if len(f.slack.posts) != 1 || f.slack.posts[0].text != emptyNotice {
		t.Fatalf("posts %+v", f.slack.posts)
	}
	if f.slack.posts[0].channel != "D1" || f.slack.posts[0].threadTS != "100.200" {
		t.Fatalf("notice went to the wrong place: %+v", f.slack.posts[0])
	}
	meta := f.slack.posts[0].meta
	if meta == nil || meta.EventType != guard.MetadataEventType {
		t.Fatalf("notice not finalized, redelivery would duplicate it: %+v", meta)
	}
	if meta.EventPayload["correlation_id"] != "corr-1" || meta.EventPayload["message_count"] != 0 {
		t.Fatalf("record payload %+v", meta.EventPayload)
	}
}

func TestHandleTask_AtomicSuccess(t *testing.T) {
	f := newFixture(false)

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}

	if len(f.slack.posts) != 1 {
		t.Fatalf("posts %+v", f.slack.posts)
	}
	post := f.slack.posts[0]
	if !strings.HasPrefix(post.text, "*Summary from <#C1>*\n\n") {
		t.Fatalf("missing prefix: %q", post.text)
	}
	if !strings.Contains(post.text, "A fine summary.") {
		t.Fatalf("missing body: %q", post.text)
	}
	// The fake output has no sections, so the safety net injects them.
	if !strings.Contains(post.text, "*Links shared*") || !strings.Contains(post.text, "*Receipts*") {
		t.Fatalf("safety net not applied: %q", post.text)
	}
	if post.meta == nil || post.meta.EventType != guard.MetadataEventType {
		t.Fatalf("finalization metadata missing: %+v", post.meta)
	}
	if post.meta.EventPayload["correlation_id"] != "corr-1" {
		t.Fatalf("wrong correlation id: %+v", post.meta.EventPayload)
	}

	if len(f.publisher.subjects) != 1 || f.publisher.subjects[0] != "tldr.summary.delivered" {
		t.Fatalf("delivered event not published: %v", f.publisher.subjects)
	}
	if got := f.consumer.Stats().Succeeded; got != 1 {
		t.Fatalf("succeeded = %d", got)
	}
}

func TestHandleTask_AtomicEngineFailurePostsCanonical(t *testing.T) {
	f := newFixture(false)
	f.engine.err = errors.New("api down")

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if len(f.slack.posts) != 1 || f.slack.posts[0].text != deliver.CanonicalFailureMessage {
		t.Fatalf("posts %+v", f.slack.posts)
	}
	if len(f.publisher.subjects) != 0 {
		t.Fatal("failure must not publish a delivered event")
	}
	if got := f.consumer.Stats().Failed; got != 1 {
		t.Fatalf("failed = %d", got)
	}
}

func TestHandleTask_AtomicTooLargePostsGuidance(t *testing.T) {
	f := newFixture(false)
	f.engine.err = engine.ErrTooLarge

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if len(f.slack.posts) != 1 || !strings.Contains(f.slack.posts[0].text, "too long to summarize") {
		t.Fatalf("posts %+v", f.slack.posts)
	}
	if f.slack.posts[0].meta == nil {
		t.Fatal("too-large notice should still finalize the task")
	}
}

func TestHandleTask_StreamingUsesDeliverer(t *testing.T) {
	f := newFixture(true)
	f.engine.events = []engine.Event{
		{Type: engine.EventTextDelta, Delta: "streamed"},
		{Type: engine.EventCompleted},
	}

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if f.deliverer.calls != 1 {
		t.Fatalf("deliverer calls = %d", f.deliverer.calls)
	}
	p := f.deliverer.params
	if p.Channel != "D1" || p.ThreadTS != "100.200" {
		t.Fatalf("wrong target: %+v", p)
	}
	if !strings.HasPrefix(p.Prefix, "*Summary from <#C1>*") {
		t.Fatalf("prefix %q", p.Prefix)
	}
	if p.Metadata == nil || p.Metadata.EventPayload["streamed"] != true {
		t.Fatalf("metadata %+v", p.Metadata)
	}
	if p.Finalize == nil {
		t.Fatal("safety net finalizer not wired")
	}
	if out := p.Finalize("body"); !strings.Contains(out, "*Links shared*") {
		t.Fatalf("finalizer does not inject sections: %q", out)
	}
	if len(f.publisher.subjects) != 1 {
		t.Fatalf("delivered event not published: %v", f.publisher.subjects)
	}
}

func TestHandleTask_StreamingDisabledFallsBackToAtomic(t *testing.T) {
	f := newFixture(false)

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if f.deliverer.calls != 0 || f.engine.streamCalls != 0 {
		t.Fatal("streaming used despite toggle off")
	}
	if f.engine.generateCalls != 1 {
		t.Fatalf("generate calls = %d", f.engine.generateCalls)
	}
}

func TestHandleTask_StreamingTooLargePostsGuidance(t *testing.T) {
	f := newFixture(true)
	f.engine.streamErr = engine.ErrTooLarge

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if f.deliverer.calls != 0 {
		t.Fatal("deliverer should not run for too-large input")
	}
	if len(f.slack.posts) != 1 || !strings.Contains(f.slack.posts[0].text, "too long to summarize") {
		t.Fatalf("posts %+v", f.slack.posts)
	}
	meta := f.slack.posts[0].meta
	if meta == nil || meta.EventPayload["streamed"] != false {
		t.Fatalf("metadata %+v", meta)
	}
}

func TestHandleTask_DeliverFailureStillConsumesTask(t *testing.T) {
	f := newFixture(true)
	f.deliverer.err = errors.New("stream blew up")

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if len(f.publisher.subjects) != 0 {
		t.Fatal("failed delivery must not publish a delivered event")
	}
	if got := f.consumer.Stats().Failed; got != 1 {
		t.Fatalf("failed = %d", got)
	}
}

func TestHandleTask_DMDestination(t *testing.T) {
	f := newFixture(false)
	task := threadTask()
	task.Destination = DestDM
	task.ThreadTS = ""

	if dec := f.consumer.handleTask(context.Background(), encode(t, task)); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if len(f.slack.posts) != 1 || f.slack.posts[0].channel != "DU1" {
		t.Fatalf("posts %+v", f.slack.posts)
	}
	if f.slack.posts[0].threadTS != "" {
		t.Fatal("dm delivery must not be threaded")
	}
}

func TestHandleTask_ChannelDestination(t *testing.T) {
	f := newFixture(false)
	task := threadTask()
	task.Destination = DestChannel
	task.ThreadTS = ""

	if dec := f.consumer.handleTask(context.Background(), encode(t, task)); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if len(f.slack.posts) != 1 || f.slack.posts[0].channel != "C1" {
		t.Fatalf("posts %+v", f.slack.posts)
	}
}

func TestHandleTask_CollectFailureRetries(t *testing.T) {
	f := newFixture(false)
	f.collector.err = errors.New("channel_not_found")

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackRetry {
		t.Fatalf("decision %v", dec)
	}
	if len(f.slack.posts) != 0 {
		t.Fatalf("no posts expected, got %+v", f.slack.posts)
	}
}

func TestHandleTask_ThreadDestinationRequiresThreadTS(t *testing.T) {
	f := newFixture(false)
	task := threadTask()
	task.ThreadTS = ""

	if dec := f.consumer.handleTask(context.Background(), encode(t, task)); dec != ackRetry {
		t.Fatalf("decision %v", dec)
	}
}

func TestHandleTask_PermalinkFailureIsNotFatal(t *testing.T) {
	f := newFixture(false)
	f.slack.permalinkErr = errors.New("ratelimited forever")

	if dec := f.consumer.handleTask(context.Background(), encode(t, threadTask())); dec != ackDone {
		t.Fatalf("decision %v", dec)
	}
	if len(f.slack.posts) != 1 {
		t.Fatalf("posts %+v", f.slack.posts)
	}
}
