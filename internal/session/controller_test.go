package session

import (
	"context"
	"encoding/base64"
	"math"
	"testing"
	"time"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/inference"
	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/ratelimit"
	"github.com/antoniostano/rtvoice/internal/response"
	"github.com/antoniostano/rtvoice/internal/store"
	"github.com/antoniostano/rtvoice/internal/voice"
	"github.com/antoniostano/rtvoice/internal/workpool"
)

const eventTimeout = 3 * time.Second

func testDeps(gen inference.Generator) Dependencies {
	if gen == nil {
		gen = inference.NewMockGenerator()
	}
	pool := workpool.New(8)
	mock := voice.NewMockProvider()
	return Dependencies{
		Runner:       response.NewRunner(gen, mock, pool),
		Transcriber:  mock,
		Pool:         pool,
		Repository:   store.NewInMemoryRepository(),
		Limiter:      ratelimit.New(ratelimit.Limits{RequestsPerMinute: 600, TokensPerMinute: 100000}),
		Metrics:      observability.NewMetrics("test"),
		Voices:       []string{"alloy", "echo"},
		StallTimeout: 5 * time.Second,
	}
}

func textConfig() protocol.SessionConfig {
	cfg := DefaultConfig("rtvoice-test", "alloy")
	cfg.Modalities = []protocol.Modality{protocol.ModalityText}
	cfg.TurnDetection = nil
	return cfg
}

type harness struct {
	t      *testing.T
	c      *Controller
	ctx    context.Context
	cancel context.CancelFunc
	ended  chan string
	seen   []protocol.ServerEvent
}

func startController(t *testing.T, cfg protocol.SessionConfig, deps Dependencies) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		c:      NewController(Options{TenantID: "tenant-a", Config: cfg}, deps),
		ctx:    ctx,
		cancel: cancel,
		ended:  make(chan string, 1),
	}
	// Item events are only accepted for a persisted session.
	if err := deps.Repository.CreateSession(ctx, store.SessionRecord{
		ID:        h.c.ID(),
		TenantID:  "tenant-a",
		Model:     cfg.Model,
		Voice:     cfg.Voice,
		Status:    store.SessionActive,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	go func() { h.ended <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.c.Done()
	})
	h.expect(protocol.TypeSessionCreated)
	h.expect(protocol.TypeConversationCreated)
	return h
}

func (h *harness) send(ev protocol.ClientEvent) {
	h.t.Helper()
	if err := h.c.Submit(h.ctx, ev); err != nil {
		h.t.Fatalf("Submit(%s) error = %v", ev.Kind(), err)
	}
}

func (h *harness) next() protocol.ServerEvent {
	h.t.Helper()
	select {
	case ev, ok := <-h.c.Events():
		if !ok {
			h.t.Fatalf("event stream closed")
		}
		h.seen = append(h.seen, ev)
		return ev
	case <-time.After(eventTimeout):
		h.t.Fatalf("timed out waiting for event; seen %v", kindsOf(h.seen))
	}
	return nil
}

func (h *harness) expect(kind protocol.EventType) protocol.ServerEvent {
	h.t.Helper()
	ev := h.next()
	if ev.Kind() != kind {
		h.t.Fatalf("event = %s, want %s", ev.Kind(), kind)
	}
	return ev
}

// until collects events up to and including the first one of kind.
func (h *harness) until(kind protocol.EventType) []protocol.ServerEvent {
	h.t.Helper()
	var out []protocol.ServerEvent
	for {
		ev := h.next()
		out = append(out, ev)
		if ev.Kind() == kind {
			return out
		}
	}
}

func (h *harness) quiet(d time.Duration) {
	h.t.Helper()
	select {
	case ev := <-h.c.Events():
		h.t.Fatalf("unexpected event %s", ev.Kind())
	case <-time.After(d):
	}
}

func kindsOf(evs []protocol.ServerEvent) []protocol.EventType {
	out := make([]protocol.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind())
	}
	return out
}

func indexOf(evs []protocol.ServerEvent, kind protocol.EventType) int {
	for i, ev := range evs {
		if ev.Kind() == kind {
			return i
		}
	}
	return -1
}

func appendEvent(data []byte) protocol.InputAudioBufferAppendEvent {
	return protocol.InputAudioBufferAppendEvent{
		Envelope: protocol.Envelope{Type: protocol.TypeInputAudioBufferAppend},
		Audio:    base64.StdEncoding.EncodeToString(data),
		Data:     data,
	}
}

func userText(text string) protocol.ConversationItemCreateEvent {
	return protocol.ConversationItemCreateEvent{
		Envelope: protocol.Envelope{Type: protocol.TypeConversationItemCreate},
		Item: protocol.Item{
			Type:    protocol.ItemTypeMessage,
			Role:    protocol.RoleUser,
			Content: []protocol.ContentPart{{Type: protocol.ContentInputText, Text: text}},
		},
	}
}

func tone(ms, rate int, amplitude float64) []byte {
	samples := make([]int16, ms*rate/1000)
	for i := range samples {
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return audio.SamplesToBytes(samples)
}

func TestCommitAfterThreeAppends(t *testing.T) {
	t.Parallel()

	h := startController(t, textConfig(), testDeps(nil))
	h.send(appendEvent(make([]byte, 100)))
	h.send(appendEvent(make([]byte, 50)))
	h.send(appendEvent(make([]byte, 200)))
	h.quiet(50 * time.Millisecond)

	h.send(protocol.InputAudioBufferCommitEvent{Envelope: protocol.Envelope{Type: protocol.TypeInputAudioBufferCommit}})
	committed := h.expect(protocol.TypeInputAudioBufferCommitted).(*protocol.InputAudioBufferCommittedEvent)
	created := h.expect(protocol.TypeConversationItemCreated).(*protocol.ConversationItemCreatedEvent)
	if created.Item.Role != protocol.RoleUser || created.Item.ID != committed.ItemID {
		t.Fatalf("created item = %+v, committed item_id = %s", created.Item, committed.ItemID)
	}
	if created.Item.Content[0].Type != protocol.ContentInputAudio || created.Item.Content[0].Audio != "" {
		t.Fatalf("content = %+v, want input_audio without payload", created.Item.Content)
	}

	h.send(protocol.ConversationItemRetrieveEvent{Envelope: protocol.Envelope{Type: protocol.TypeConversationItemRetrieve}, ItemID: committed.ItemID})
	retrieved := h.expect(protocol.TypeConversationItemRetrieved).(*protocol.ConversationItemRetrievedEvent)
	data, err := base64.StdEncoding.DecodeString(retrieved.Item.Content[0].Audio)
	if err != nil {
		t.Fatalf("DecodeString() error = %v", err)
	}
	if len(data) != 350 {
		t.Fatalf("committed audio = %d bytes, want 350", len(data))
	}

	h.send(protocol.InputAudioBufferCommitEvent{Envelope: protocol.Envelope{Type: protocol.TypeInputAudioBufferCommit, EventID: "evt_again"}})
	errEv := h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Code != "input_audio_buffer_commit_empty" || errEv.Error.EventID != "evt_again" {
		t.Fatalf("error = %+v, want empty buffer commit error for evt_again", errEv.Error)
	}
}

func TestCreateThenCancel(t *testing.T) {
	t.Parallel()

	h := startController(t, textConfig(), testDeps(&inference.MockGenerator{DeltaDelay: 200 * time.Millisecond}))
	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate}})
	h.send(protocol.ResponseCancelEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCancel}})

	created := h.expect(protocol.TypeResponseCreated).(*protocol.ResponseCreatedEvent)
	if created.Response.Status != protocol.ResponseStatusInProgress || created.Response.Usage != nil {
		t.Fatalf("created = %+v", created.Response)
	}
	cancelled := h.expect(protocol.TypeResponseCancelled).(*protocol.ResponseCancelledEvent)
	if cancelled.Response.ID != created.Response.ID {
		t.Fatalf("cancelled id = %s, want %s", cancelled.Response.ID, created.Response.ID)
	}
	if len(cancelled.Response.Output) != 0 {
		t.Fatalf("output = %+v, want none", cancelled.Response.Output)
	}
	if cancelled.Response.Usage == nil || cancelled.Response.Usage.OutputTokens != 0 {
		t.Fatalf("usage = %+v, want non-null zero output", cancelled.Response.Usage)
	}
	h.expect(protocol.TypeRateLimitsUpdated)
	h.quiet(400 * time.Millisecond)

	h.send(protocol.ResponseCancelEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCancel}})
	errEv := h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Code != "response_cancel_not_active" {
		t.Fatalf("error code = %s, want response_cancel_not_active", errEv.Error.Code)
	}
}

func TestSecondResponseRejected(t *testing.T) {
	t.Parallel()

	h := startController(t, textConfig(), testDeps(&inference.MockGenerator{DeltaDelay: 200 * time.Millisecond}))
	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate}})
	h.expect(protocol.TypeResponseCreated)
	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate, EventID: "evt_2"}})
	errEv := h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Code != "conversation_already_has_active_response" || errEv.Error.EventID != "evt_2" {
		t.Fatalf("error = %+v", errEv.Error)
	}
}

func TestTextResponseCompletes(t *testing.T) {
	t.Parallel()

	deps := testDeps(nil)
	h := startController(t, textConfig(), deps)
	h.send(userText("what time is it"))
	h.expect(protocol.TypeConversationItemCreated)
	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate}})

	evs := h.until(protocol.TypeResponseDone)
	done := evs[len(evs)-1].(*protocol.ResponseDoneEvent)
	if done.Response.Status != protocol.ResponseStatusCompleted {
		t.Fatalf("status = %s, want completed", done.Response.Status)
	}
	if got := done.Response.Output[0].Content[0].Text; got != "I heard you: what time is it" {
		t.Fatalf("text = %q", got)
	}
	if done.Response.Usage.InputTokens == 0 || done.Response.Usage.OutputTokens == 0 {
		t.Fatalf("usage = %+v", done.Response.Usage)
	}
	limits := h.expect(protocol.TypeRateLimitsUpdated).(*protocol.RateLimitsUpdatedEvent)
	if len(limits.RateLimits) != 2 {
		t.Fatalf("rate limits = %+v", limits.RateLimits)
	}

	seenIDs := make(map[string]bool)
	for _, ev := range h.seen {
		id := protocol.EventIDOf(ev)
		if id == "" || seenIDs[id] {
			t.Fatalf("event id %q missing or duplicated", id)
		}
		seenIDs[id] = true
	}

	h.cancel()
	<-h.c.Done()
	events, err := deps.Repository.ListItemEvents(context.Background(), "tenant-a", h.c.ID())
	if err != nil {
		t.Fatalf("ListItemEvents() error = %v", err)
	}
	if len(events) != 2 || events[0].Kind != store.ItemCreated || events[1].Role != string(protocol.RoleAssistant) {
		t.Fatalf("item events = %+v", events)
	}
}

func TestServerVADBargeIn(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("rtvoice-test", "alloy")
	h := startController(t, cfg, testDeps(&inference.MockGenerator{DeltaDelay: 40 * time.Millisecond}))

	h.send(userText("one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen"))
	h.expect(protocol.TypeConversationItemCreated)
	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate}})
	created := h.expect(protocol.TypeResponseCreated).(*protocol.ResponseCreatedEvent)
	h.until(protocol.TypeResponseAudioDelta)

	h.send(appendEvent(tone(300, audio.PCM16SampleRate, 12000)))
	evs := h.until(protocol.TypeResponseCancelled)
	started := indexOf(evs, protocol.TypeInputAudioBufferSpeechStarted)
	if started < 0 {
		t.Fatalf("no speech_started before cancellation: %v", kindsOf(evs))
	}
	cancelled := evs[len(evs)-1].(*protocol.ResponseCancelledEvent)
	if cancelled.Response.ID != created.Response.ID {
		t.Fatalf("cancelled %s, want %s", cancelled.Response.ID, created.Response.ID)
	}
	if cancelled.Response.StatusDetails == nil || cancelled.Response.StatusDetails.Reason != "turn_detected" {
		t.Fatalf("status details = %+v", cancelled.Response.StatusDetails)
	}
	for _, ev := range evs[started:] {
		if ic, ok := ev.(*protocol.ConversationItemCreatedEvent); ok && ic.Item.Role == protocol.RoleUser {
			t.Fatalf("user item created before the response was cancelled")
		}
	}
	h.expect(protocol.TypeRateLimitsUpdated)

	h.send(appendEvent(make([]byte, 2*audio.PCM16SampleRate*800/1000)))
	evs = h.until(protocol.TypeResponseCreated)
	stopped := indexOf(evs, protocol.TypeInputAudioBufferSpeechStopped)
	committed := indexOf(evs, protocol.TypeInputAudioBufferCommitted)
	if stopped < 0 || committed < stopped {
		t.Fatalf("events = %v, want speech_stopped then committed", kindsOf(evs))
	}
	for _, ev := range evs {
		if protocol.ResponseIDOf(ev) == created.Response.ID {
			t.Fatalf("event %s of the cancelled response after its terminal event", ev.Kind())
		}
	}
	if h.c.Info().InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", h.c.Info().InterruptionCount)
	}
}

func TestTruncateNonAudioItem(t *testing.T) {
	t.Parallel()

	h := startController(t, textConfig(), testDeps(nil))
	h.send(protocol.ConversationItemCreateEvent{
		Envelope: protocol.Envelope{Type: protocol.TypeConversationItemCreate},
		Item: protocol.Item{
			ID:      "item_assistant",
			Type:    protocol.ItemTypeMessage,
			Role:    protocol.RoleAssistant,
			Content: []protocol.ContentPart{{Type: protocol.ContentText, Text: "hello"}},
		},
	})
	h.expect(protocol.TypeConversationItemCreated)

	h.send(protocol.ConversationItemTruncateEvent{
		Envelope:   protocol.Envelope{Type: protocol.TypeConversationItemTruncate, EventID: "evt_trunc"},
		ItemID:     "item_assistant",
		AudioEndMs: 10,
	})
	errEv := h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Type != protocol.ErrorTypeInvalidRequest || errEv.Error.EventID != "evt_trunc" {
		t.Fatalf("error = %+v", errEv.Error)
	}

	h.send(protocol.ConversationItemRetrieveEvent{Envelope: protocol.Envelope{Type: protocol.TypeConversationItemRetrieve}, ItemID: "item_assistant"})
	item := h.expect(protocol.TypeConversationItemRetrieved).(*protocol.ConversationItemRetrievedEvent).Item
	if item.Status != protocol.ItemStatusCompleted || item.Content[0].Text != "hello" {
		t.Fatalf("item mutated: %+v", item)
	}
}

func TestSessionUpdateValidation(t *testing.T) {
	t.Parallel()

	h := startController(t, textConfig(), testDeps(nil))
	bad := 3.0
	h.send(protocol.SessionUpdateEvent{
		Envelope: protocol.Envelope{Type: protocol.TypeSessionUpdate},
		Session:  protocol.SessionUpdate{Temperature: &bad},
	})
	errEv := h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Param != "session.temperature" {
		t.Fatalf("param = %s, want session.temperature", errEv.Error.Param)
	}

	good := 1.0
	instructions := "be brief"
	h.send(protocol.SessionUpdateEvent{
		Envelope: protocol.Envelope{Type: protocol.TypeSessionUpdate},
		Session: protocol.SessionUpdate{
			Temperature:   &good,
			Instructions:  &instructions,
			TurnDetection: protocol.Optional[protocol.TurnDetection]{Set: true, Value: &protocol.TurnDetection{Type: protocol.TurnDetectionSemanticVAD, Eagerness: "high"}},
		},
	})
	updated := h.expect(protocol.TypeSessionUpdated).(*protocol.SessionUpdatedEvent)
	if updated.Session.Temperature != 1.0 || updated.Session.Instructions != "be brief" {
		t.Fatalf("session = %+v", updated.Session)
	}
	if updated.Session.TurnDetection == nil || updated.Session.TurnDetection.Type != protocol.TurnDetectionSemanticVAD {
		t.Fatalf("turn detection = %+v", updated.Session.TurnDetection)
	}
	if updated.Session.ID != h.c.ID() {
		t.Fatalf("session id = %s, want %s", updated.Session.ID, h.c.ID())
	}
}

func TestVoiceLockedAfterAudio(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("rtvoice-test", "alloy")
	cfg.TurnDetection = nil
	h := startController(t, cfg, testDeps(nil))
	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate}})
	evs := h.until(protocol.TypeResponseDone)
	if indexOf(evs, protocol.TypeResponseAudioDelta) < 0 {
		t.Fatalf("no audio in response: %v", kindsOf(evs))
	}
	h.expect(protocol.TypeRateLimitsUpdated)

	echo := "echo"
	h.send(protocol.SessionUpdateEvent{
		Envelope: protocol.Envelope{Type: protocol.TypeSessionUpdate},
		Session:  protocol.SessionUpdate{Voice: &echo},
	})
	errEv := h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Code != "cannot_update_voice" || errEv.Error.Param != "session.voice" {
		t.Fatalf("error = %+v", errEv.Error)
	}
}

func TestCommitWithTranscription(t *testing.T) {
	t.Parallel()

	cfg := textConfig()
	cfg.InputAudioTranscription = &protocol.Transcription{Model: "whisper-1"}
	h := startController(t, cfg, testDeps(nil))
	h.send(appendEvent(tone(200, audio.PCM16SampleRate, 8000)))
	h.send(protocol.InputAudioBufferCommitEvent{Envelope: protocol.Envelope{Type: protocol.TypeInputAudioBufferCommit}})

	h.expect(protocol.TypeInputAudioBufferCommitted)
	created := h.expect(protocol.TypeConversationItemCreated).(*protocol.ConversationItemCreatedEvent)
	if created.Item.Status != protocol.ItemStatusInProgress {
		t.Fatalf("status = %s, want in_progress", created.Item.Status)
	}
	done := h.expect(protocol.TypeInputAudioTranscriptionCompleted).(*protocol.InputAudioTranscriptionCompletedEvent)
	if done.ItemID != created.Item.ID || done.Transcript == "" {
		t.Fatalf("transcription = %+v", done)
	}
}

type stalledGenerator struct{}

func (stalledGenerator) StreamResponse(ctx context.Context, _ inference.Request, _ inference.DeltaHandler) (inference.Result, error) {
	<-ctx.Done()
	return inference.Result{}, ctx.Err()
}

func TestStalledResponseFails(t *testing.T) {
	t.Parallel()

	deps := testDeps(stalledGenerator{})
	deps.StallTimeout = 300 * time.Millisecond
	h := startController(t, textConfig(), deps)
	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate}})
	h.expect(protocol.TypeResponseCreated)

	errEv := h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Type != protocol.ErrorTypeServer || errEv.Error.Code != "response_timeout" {
		t.Fatalf("error = %+v", errEv.Error)
	}
	done := h.expect(protocol.TypeResponseDone).(*protocol.ResponseDoneEvent)
	if done.Response.Status != protocol.ResponseStatusFailed {
		t.Fatalf("status = %s, want failed", done.Response.Status)
	}
	h.expect(protocol.TypeRateLimitsUpdated)
}

func TestRejectReportsParseErrors(t *testing.T) {
	t.Parallel()

	h := startController(t, textConfig(), testDeps(nil))
	_, err := protocol.ParseClientEvent([]byte(`{"type":"session.explode","event_id":"evt_x"}`))
	if err := h.c.Reject(h.ctx, err); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	errEv := h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Type != protocol.ErrorTypeInvalidRequest || errEv.Error.EventID != "evt_x" {
		t.Fatalf("error = %+v", errEv.Error)
	}
}

func TestTerminateEndsRun(t *testing.T) {
	t.Parallel()

	h := startController(t, textConfig(), testDeps(nil))
	h.c.Terminate(EndDeleted)
	select {
	case reason := <-h.ended:
		if reason != EndDeleted {
			t.Fatalf("reason = %s, want %s", reason, EndDeleted)
		}
	case <-time.After(eventTimeout):
		t.Fatalf("Run did not return after Terminate")
	}
	if h.c.Info().Status != StatusClosed {
		t.Fatalf("status = %s, want closed", h.c.Info().Status)
	}
	if err := h.c.Submit(context.Background(), userText("late")); err != ErrClosed {
		t.Fatalf("Submit() error = %v, want ErrClosed", err)
	}
}

func TestItemInsertAfterAndDelete(t *testing.T) {
	t.Parallel()

	h := startController(t, textConfig(), testDeps(nil))
	h.send(userText("first"))
	first := h.expect(protocol.TypeConversationItemCreated).(*protocol.ConversationItemCreatedEvent)
	if first.PreviousItemID != nil {
		t.Fatalf("first previous_item_id = %v, want null", *first.PreviousItemID)
	}
	h.send(userText("second"))
	second := h.expect(protocol.TypeConversationItemCreated).(*protocol.ConversationItemCreatedEvent)
	if second.PreviousItemID == nil || *second.PreviousItemID != first.Item.ID {
		t.Fatalf("second previous_item_id = %v, want %s", second.PreviousItemID, first.Item.ID)
	}

	between := userText("between")
	between.PreviousItemID = &first.Item.ID
	h.send(between)
	mid := h.expect(protocol.TypeConversationItemCreated).(*protocol.ConversationItemCreatedEvent)
	if mid.PreviousItemID == nil || *mid.PreviousItemID != first.Item.ID {
		t.Fatalf("inserted previous_item_id = %v, want %s", mid.PreviousItemID, first.Item.ID)
	}

	h.send(protocol.ConversationItemDeleteEvent{Envelope: protocol.Envelope{Type: protocol.TypeConversationItemDelete}, ItemID: mid.Item.ID})
	deleted := h.expect(protocol.TypeConversationItemDeleted).(*protocol.ConversationItemDeletedEvent)
	if deleted.ItemID != mid.Item.ID {
		t.Fatalf("deleted = %s, want %s", deleted.ItemID, mid.Item.ID)
	}

	h.send(protocol.ConversationItemRetrieveEvent{Envelope: protocol.Envelope{Type: protocol.TypeConversationItemRetrieve, EventID: "evt_gone"}, ItemID: mid.Item.ID})
	errEv := h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Code != "item_not_found" || errEv.Error.EventID != "evt_gone" {
		t.Fatalf("error = %+v, want item_not_found for evt_gone", errEv.Error)
	}

	missing := "item_missing"
	orphan := userText("orphan")
	orphan.PreviousItemID = &missing
	h.send(orphan)
	errEv = h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Param != "previous_item_id" {
		t.Fatalf("error param = %q, want previous_item_id", errEv.Error.Param)
	}
}

func TestOutputAudioBufferClearStopsAudio(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("rtvoice-test", "alloy")
	cfg.TurnDetection = nil
	h := startController(t, cfg, testDeps(&inference.MockGenerator{DeltaDelay: 40 * time.Millisecond}))

	h.send(userText("one two three four five six seven eight nine ten eleven twelve"))
	h.expect(protocol.TypeConversationItemCreated)
	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate}})
	created := h.expect(protocol.TypeResponseCreated).(*protocol.ResponseCreatedEvent)
	h.until(protocol.TypeResponseAudioDelta)

	h.send(protocol.OutputAudioBufferClearEvent{Envelope: protocol.Envelope{Type: protocol.TypeOutputAudioBufferClear}})
	evs := h.until(protocol.TypeOutputAudioBufferCleared)
	cleared := evs[len(evs)-1].(*protocol.OutputAudioBufferClearedEvent)
	if cleared.ResponseID != created.Response.ID {
		t.Fatalf("cleared response_id = %q, want %s", cleared.ResponseID, created.Response.ID)
	}

	evs = h.until(protocol.TypeResponseDone)
	if i := indexOf(evs, protocol.TypeResponseAudioDelta); i >= 0 {
		t.Fatalf("audio delta after clear: %v", kindsOf(evs))
	}
	done := evs[len(evs)-1].(*protocol.ResponseDoneEvent)
	if done.Response.Status != protocol.ResponseStatusCompleted {
		t.Fatalf("status = %s, want completed", done.Response.Status)
	}
}

func TestResponseCreateRateLimited(t *testing.T) {
	t.Parallel()

	deps := testDeps(nil)
	deps.Limiter = ratelimit.New(ratelimit.Limits{RequestsPerMinute: 1, TokensPerMinute: 100000})
	h := startController(t, textConfig(), deps)

	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate}})
	h.until(protocol.TypeResponseDone)
	h.expect(protocol.TypeRateLimitsUpdated)

	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate, EventID: "evt_limited"}})
	errEv := h.expect(protocol.TypeError).(*protocol.ErrorEvent)
	if errEv.Error.Code != "rate_limit_exceeded" || errEv.Error.EventID != "evt_limited" {
		t.Fatalf("error = %+v, want rate_limit_exceeded for evt_limited", errEv.Error)
	}
	if h.c.Info().ActiveResponseID != "" {
		t.Fatalf("ActiveResponseID = %q, want none", h.c.Info().ActiveResponseID)
	}
}

func TestTruncateStreamingItemRejected(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("rtvoice-test", "alloy")
	cfg.TurnDetection = nil
	h := startController(t, cfg, testDeps(&inference.MockGenerator{DeltaDelay: 40 * time.Millisecond}))

	h.send(userText("one two three four five six seven eight nine ten eleven twelve"))
	h.expect(protocol.TypeConversationItemCreated)
	h.send(protocol.ResponseCreateEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCreate}})
	evs := h.until(protocol.TypeResponseAudioDelta)
	itemID := evs[len(evs)-1].(*protocol.ResponseAudioDeltaEvent).ItemID

	h.send(protocol.ConversationItemTruncateEvent{
		Envelope: protocol.Envelope{Type: protocol.TypeConversationItemTruncate, EventID: "evt_early"},
		ItemID:   itemID,
	})
	evs = h.until(protocol.TypeError)
	errEv := evs[len(evs)-1].(*protocol.ErrorEvent)
	if errEv.Error.Code != "item_in_progress" || errEv.Error.EventID != "evt_early" {
		t.Fatalf("error = %+v, want item_in_progress for evt_early", errEv.Error)
	}

	h.send(protocol.ResponseCancelEvent{Envelope: protocol.Envelope{Type: protocol.TypeResponseCancel}})
	h.until(protocol.TypeResponseCancelled)
	h.expect(protocol.TypeRateLimitsUpdated)

	h.send(protocol.ConversationItemTruncateEvent{
		Envelope: protocol.Envelope{Type: protocol.TypeConversationItemTruncate},
		ItemID:   itemID,
	})
	truncated := h.expect(protocol.TypeConversationItemTruncated).(*protocol.ConversationItemTruncatedEvent)
	if truncated.ItemID != itemID || truncated.AudioEndMs != 0 {
		t.Fatalf("truncated = %+v", truncated)
	}

	h.send(protocol.ConversationItemRetrieveEvent{Envelope: protocol.Envelope{Type: protocol.TypeConversationItemRetrieve}, ItemID: itemID})
	item := h.expect(protocol.TypeConversationItemRetrieved).(*protocol.ConversationItemRetrievedEvent).Item
	if item.Content[0].Audio != "" || item.Content[0].Transcript != "" {
		t.Fatalf("retrieved content = %+v, want no audio or transcript", item.Content[0])
	}
}
