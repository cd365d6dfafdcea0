package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/conversation"
	"github.com/antoniostano/rtvoice/internal/ids"
	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/redact"
	"github.com/antoniostano/rtvoice/internal/response"
	"github.com/antoniostano/rtvoice/internal/store"
	"github.com/antoniostano/rtvoice/internal/voice"
)

const (
	inboxSize     = 256
	outboxSize    = 256
	recordBacklog = 256
	watchInterval = 250 * time.Millisecond
	recordTimeout = 5 * time.Second

	defaultStallTimeout = 20 * time.Second
)

// ErrClosed is returned by Submit once the controller has stopped.
var ErrClosed = errors.New("session closed")

type message interface{ isMessage() }

type clientMessage struct{ event protocol.ClientEvent }

// rejectMessage reports an inbound frame that could not be parsed.
type rejectMessage struct{ err error }

type stepMessage struct {
	responseID string
	step       response.Step
}

type transcriptMessage struct {
	itemID     string
	transcript voice.Transcript
	err        error
}

func (clientMessage) isMessage()     {}
func (rejectMessage) isMessage()     {}
func (stepMessage) isMessage()       {}
func (transcriptMessage) isMessage() {}

// Controller owns one realtime session. Client events, generation steps,
// transcription results and timer ticks are handled one at a time on the Run
// goroutine, which is the only mutator of the configuration, conversation,
// input buffer and active response.
type Controller struct {
	id       string
	tenantID string
	model    string
	deps     Dependencies
	now      func() time.Time

	inbox    chan message
	out      chan protocol.ServerEvent
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	seq      *ids.EventSequence
	records  chan store.ItemEvent

	// Run goroutine state.
	ctx         context.Context
	cfg         protocol.SessionConfig
	conv        *conversation.Store
	buffer      *audio.Buffer
	detector    *audio.Detector
	noise       *audio.NoiseReducer
	speech      *speechTurn
	voiceLocked bool
	active      *activeResponse
	deferred    bool
	turnEndedAt time.Time
	// transcribing holds committed items whose transcript is pending.
	transcribing map[string]bool

	mu   sync.Mutex
	info Info
	// stopReason is guarded by mu.
	stopReason string
}

// speechTurn tracks the user turn between speech_started and speech_stopped.
type speechTurn struct {
	itemID  string
	startMs int
}

// NewController builds a controller in StatusConnecting. Run starts it.
func NewController(opts Options, deps Dependencies) *Controller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.StallTimeout <= 0 {
		deps.StallTimeout = defaultStallTimeout
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics("rtvoice")
	}
	now := deps.Now()
	if opts.ID == "" {
		opts.ID = ids.Session()
	}
	cfg := opts.Config.Clone()
	cfg.ID = opts.ID
	cfg.Object = "realtime.session"
	if !opts.ExpiresAt.IsZero() {
		cfg.ExpiresAt = opts.ExpiresAt.Unix()
	}

	c := &Controller{
		id:           opts.ID,
		tenantID:     opts.TenantID,
		model:        cfg.Model,
		deps:         deps,
		now:          deps.Now,
		inbox:        make(chan message, inboxSize),
		out:          make(chan protocol.ServerEvent, outboxSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		seq:          ids.NewEventSequence(),
		records:      make(chan store.ItemEvent, recordBacklog),
		ctx:          context.Background(),
		cfg:          cfg,
		conv:         conversation.New(),
		buffer:       audio.NewBuffer(deps.BufferMaxBytes),
		transcribing: make(map[string]bool),
		info: Info{
			ID:             opts.ID,
			TenantID:       opts.TenantID,
			Model:          cfg.Model,
			Status:         StatusConnecting,
			StartedAt:      now,
			LastActivityAt: now,
			ExpiresAt:      opts.ExpiresAt,
		},
	}
	c.configureAudio()
	return c
}

func (c *Controller) ID() string       { return c.id }
func (c *Controller) TenantID() string { return c.tenantID }

// Events is the ordered outbound stream. It is closed when Run returns.
func (c *Controller) Events() <-chan protocol.ServerEvent { return c.out }

// Done is closed when Run has returned.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Info returns a snapshot safe to read from any goroutine.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Submit queues a parsed client event.
func (c *Controller) Submit(ctx context.Context, ev protocol.ClientEvent) error {
	return c.enqueue(ctx, clientMessage{event: ev})
}

// Reject queues an error for an inbound frame that failed to parse.
func (c *Controller) Reject(ctx context.Context, err error) error {
	return c.enqueue(ctx, rejectMessage{err: err})
}

func (c *Controller) enqueue(ctx context.Context, msg message) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.stop:
		return ErrClosed
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case <-c.stop:
		return ErrClosed
	}
}

// Terminate asks the controller to stop with reason. Only the first reason
// is kept.
func (c *Controller) Terminate(reason string) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopReason = reason
		c.mu.Unlock()
		close(c.stop)
	})
}

// Run processes the inbox until ctx is cancelled or Terminate is called.
// It returns the reason the session ended.
func (c *Controller) Run(ctx context.Context) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	recorded := make(chan struct{})
	go c.record(recorded)

	reason := c.loop(ctx)
	c.shutdown(reason)
	cancel()

	close(c.records)
	<-recorded
	close(c.out)
	close(c.done)
	return reason
}

func (c *Controller) loop(ctx context.Context) string {
	c.setStatus(StatusActive)
	c.emit(&protocol.SessionCreatedEvent{Session: c.sessionView()})
	c.emit(&protocol.ConversationCreatedEvent{Conversation: protocol.Conversation{ID: c.conv.ID(), Object: "realtime.conversation"}})

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return EndClientDisconnect
		case <-c.stop:
			c.mu.Lock()
			reason := c.stopReason
			c.mu.Unlock()
			return reason
		case msg := <-c.inbox:
			c.handle(msg)
		case <-ticker.C:
			c.watch(c.now())
		}
	}
}

// shutdown cancels in-flight work silently; the client may already be gone.
func (c *Controller) shutdown(reason string) {
	c.setStatus(StatusTerminating)
	if c.active != nil {
		c.active.cancel()
		c.active = nil
	}
	c.deferred = false
	c.buffer.Clear()
	c.speech = nil
	log.Printf("session: closed session=%s tenant=%s reason=%s", c.id, c.tenantID, reason)
	c.setStatus(StatusClosed)
}

func (c *Controller) handle(msg message) {
	switch m := msg.(type) {
	case clientMessage:
		c.touch()
		if err := c.dispatch(m.event); err != nil {
			c.reject(err, m.event.ClientEventID())
		}
	case rejectMessage:
		c.touch()
		c.reject(m.err, "")
	case stepMessage:
		c.applyStep(m.responseID, m.step)
	case transcriptMessage:
		c.completeTranscription(m)
	}
}

func (c *Controller) dispatch(ev protocol.ClientEvent) error {
	switch e := ev.(type) {
	case protocol.SessionUpdateEvent:
		return c.updateSession(e.Session)
	case protocol.InputAudioBufferAppendEvent:
		return c.appendAudio(e.Data)
	case protocol.InputAudioBufferCommitEvent:
		return c.commitBuffer(ids.Item())
	case protocol.InputAudioBufferClearEvent:
		c.clearBuffer()
		return nil
	case protocol.ConversationItemCreateEvent:
		return c.createItem(e.Item, e.PreviousItemID)
	case protocol.ConversationItemDeleteEvent:
		return c.deleteItem(e.ItemID)
	case protocol.ConversationItemTruncateEvent:
		return c.truncateItem(e.ItemID, e.ContentIndex, e.AudioEndMs)
	case protocol.ConversationItemRetrieveEvent:
		return c.retrieveItem(e.ItemID)
	case protocol.ResponseCreateEvent:
		return c.createResponse(e.Response)
	case protocol.ResponseCancelEvent:
		return c.cancelResponse(e.ResponseID)
	case protocol.OutputAudioBufferClearEvent:
		return c.clearOutputAudio()
	default:
		return protocol.InvalidRequest("invalid_event", fmt.Sprintf("Unsupported event type '%s'.", ev.Kind()), "type")
	}
}

// reject reports err to the client. Internal details stay in the log.
func (c *Controller) reject(err error, eventID string) {
	perr := protocol.AsError(err)
	if perr.Type == protocol.ErrorTypeServer {
		log.Printf("session: internal error session=%s tenant=%s err=%s", c.id, c.tenantID, redact.Error(err))
	}
	detail := perr.Detail()
	if detail.EventID == "" {
		detail.EventID = eventID
	}
	c.emit(&protocol.ErrorEvent{Error: detail})
}

// emit stamps ev and queues it for the writer.
func (c *Controller) emit(ev protocol.ServerEvent) {
	protocol.Stamp(ev, c.seq.Next())
	c.observe(ev)
	select {
	case c.out <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Controller) observe(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case *protocol.ConversationItemCreatedEvent:
		c.recordItem(store.ItemCreated, e.Item)
	case *protocol.ConversationItemDeletedEvent:
		c.recordItem(store.ItemDeleted, protocol.Item{ID: e.ItemID})
	case *protocol.ConversationItemTruncatedEvent:
		c.recordItem(store.ItemTruncated, protocol.Item{ID: e.ItemID})
	case *protocol.ErrorEvent:
		c.deps.Metrics.ClientErrors.WithLabelValues(string(e.Error.Type), e.Error.Code).Inc()
	}
}

func (c *Controller) recordItem(kind store.ItemEventKind, it protocol.Item) {
	if c.deps.Repository == nil {
		return
	}
	ev := store.ItemEvent{
		TenantID:  c.tenantID,
		SessionID: c.id,
		ItemID:    it.ID,
		Kind:      kind,
		ItemType:  string(it.Type),
		Role:      string(it.Role),
		At:        c.now().UTC(),
	}
	select {
	case c.records <- ev:
	default:
		log.Printf("session: item event dropped session=%s item=%s kind=%s", c.id, it.ID, kind)
	}
}

// record persists item events in order, off the actor goroutine.
func (c *Controller) record(done chan<- struct{}) {
	defer close(done)
	for ev := range c.records {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := c.deps.Repository.AppendItemEvent(ctx, ev); err != nil {
			log.Printf("session: append item event failed session=%s item=%s err=%v", c.id, ev.ItemID, err)
		}
		cancel()
	}
}

// watch runs on every tick: it fails stalled responses.
func (c *Controller) watch(now time.Time) {
	if c.active == nil {
		return
	}
	resp := c.active.asm.Response()
	if now.Sub(resp.LastProgress) < c.deps.StallTimeout {
		return
	}
	c.deps.Metrics.ObserveIndicator(observability.IndicatorTimeout)
	c.active.cancel()
	if c.active.asm.Fail("response_timeout", fmt.Errorf("no progress for %s", now.Sub(resp.LastProgress).Round(time.Millisecond))) {
		c.finishResponse()
	}
}

func (c *Controller) sessionView() protocol.SessionConfig {
	return c.cfg.Clone()
}

func (c *Controller) touch() {
	now := c.now()
	c.mu.Lock()
	c.info.LastActivityAt = now
	c.mu.Unlock()
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	c.info.Status = s
	c.mu.Unlock()
}

func (c *Controller) updateInfo(fn func(*Info)) {
	c.mu.Lock()
	fn(&c.info)
	c.mu.Unlock()
}
