package response

import (
	"encoding/base64"
	"log"
	"strings"
	"time"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/conversation"
	"github.com/antoniostano/rtvoice/internal/ids"
	"github.com/antoniostano/rtvoice/internal/inference"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/redact"
	"github.com/antoniostano/rtvoice/internal/voice"
)

// Emitter queues a server event on the session's ordered outbound stream.
type Emitter func(protocol.ServerEvent)

// Assembler turns steps into the nested event grammar of one response:
// output_item.added, content_part.added, deltas, the matching done events,
// output_item.done, and exactly one terminal event. It is owned by the
// session actor and is not safe for concurrent use.
type Assembler struct {
	resp *Response
	conv *conversation.Store
	emit Emitter
	now  func() time.Time
	open *openItem
}

type openItem struct {
	index int
	item  protocol.Item
	text  strings.Builder
	args  strings.Builder
	audio bool
}

// NewAssembler binds resp to its conversation. conv is ignored for
// out-of-band responses.
func NewAssembler(resp *Response, conv *conversation.Store, emit Emitter, now func() time.Time) *Assembler {
	if resp.Settings.OutOfBand {
		conv = nil
	}
	if now == nil {
		now = time.Now
	}
	return &Assembler{resp: resp, conv: conv, emit: emit, now: now}
}

func (a *Assembler) Response() *Response { return a.resp }

// Start moves the response to in progress and emits response.created.
func (a *Assembler) Start() {
	if a.resp.State != StateRequested {
		return
	}
	a.resp.State = StateInProgress
	a.resp.LastProgress = a.now()
	a.emit(&protocol.ResponseCreatedEvent{Response: a.resp.Wire()})
}

// Apply handles one step and reports whether the response became terminal.
// Steps for a terminal response are dropped.
func (a *Assembler) Apply(s Step) bool {
	if !a.resp.Active() {
		return false
	}
	if a.resp.State == StateRequested {
		a.Start()
	}
	now := a.now()
	a.resp.LastProgress = now
	switch st := s.(type) {
	case TextDelta:
		if st.Text == "" {
			return false
		}
		a.markFirstDelta(now)
		a.textDelta(st.Text)
	case AudioDelta:
		if len(st.PCM) == 0 || !a.resp.Settings.Audio() {
			return false
		}
		a.audioDelta(st.PCM, now)
	case FunctionCallDelta:
		a.markFirstDelta(now)
		a.callDelta(st)
	case Finished:
		a.finish(st.Result)
		return true
	case Failed:
		a.Fail("generation_failed", st.Err)
		return true
	}
	return false
}

func (a *Assembler) markFirstDelta(now time.Time) {
	if a.resp.FirstDeltaAt.IsZero() {
		a.resp.FirstDeltaAt = now
	}
}

func (a *Assembler) ref() protocol.PartRef {
	return protocol.PartRef{
		ResponseID:   a.resp.ID,
		ItemID:       a.open.item.ID,
		OutputIndex:  a.open.index,
		ContentIndex: 0,
	}
}

// openMessage closes any open function call and opens an assistant message
// with a single text or audio part.
func (a *Assembler) openMessage() {
	if a.open != nil && a.open.item.Type == protocol.ItemTypeMessage {
		return
	}
	a.closeOpen(protocol.ItemStatusCompleted)
	a.openItem(protocol.Item{
		Type:   protocol.ItemTypeMessage,
		Role:   protocol.RoleAssistant,
		Status: protocol.ItemStatusInProgress,
	})
	a.open.audio = a.resp.Settings.Audio()

	part := protocol.ContentPart{Type: protocol.ContentText}
	if a.open.audio {
		part = protocol.ContentPart{Type: protocol.ContentAudio}
	}
	a.open.item.Content = []protocol.ContentPart{part}
	a.syncConversation(a.open.item)
	a.emit(&protocol.ResponseContentPartAddedEvent{PartRef: a.ref(), Part: part})
}

func (a *Assembler) openItem(it protocol.Item) {
	a.open = &openItem{index: len(a.resp.Output), item: it}
	if a.conv != nil {
		created, prev, err := a.conv.AppendGenerated(it)
		if err != nil {
			log.Printf("response: append generated item failed response=%s err=%v", a.resp.ID, err)
		} else {
			a.open.item = created
		}
		a.emit(&protocol.ResponseOutputItemAddedEvent{ResponseID: a.resp.ID, OutputIndex: a.open.index, Item: a.open.item.Clone()})
		a.emit(&protocol.ConversationItemCreatedEvent{PreviousItemID: prev, Item: a.open.item.Clone()})
		return
	}
	if a.open.item.ID == "" {
		a.open.item.ID = ids.Item()
	}
	a.open.item.Object = "realtime.item"
	a.emit(&protocol.ResponseOutputItemAddedEvent{ResponseID: a.resp.ID, OutputIndex: a.open.index, Item: a.open.item.Clone()})
}

func (a *Assembler) textDelta(text string) {
	a.openMessage()
	a.open.text.WriteString(text)
	a.resp.outputText = inference.EstimateTokens(a.open.text.String()) + a.closedText()
	if a.open.audio {
		a.emit(&protocol.ResponseAudioTranscriptDeltaEvent{PartRef: a.ref(), Delta: text})
		return
	}
	a.emit(&protocol.ResponseTextDeltaEvent{PartRef: a.ref(), Delta: text})
}

func (a *Assembler) closedText() int {
	n := 0
	for _, it := range a.resp.Output {
		for _, c := range it.Content {
			n += inference.EstimateTokens(c.Text + c.Transcript)
		}
	}
	return n
}

func (a *Assembler) audioDelta(pcm []byte, now time.Time) {
	if a.resp.audioSuppress {
		return
	}
	a.openMessage()
	if !a.open.audio {
		return
	}
	format := a.resp.Settings.OutputAudioFormat
	samples := audio.BytesToSamples(pcm)
	if rate := audio.SampleRate(format); rate != voice.OutputSampleRate {
		samples = audio.Resample(samples, voice.OutputSampleRate, rate)
	}
	encoded, err := audio.Encode(format, samples)
	if err != nil || len(encoded) == 0 {
		return
	}
	if a.resp.FirstAudioAt.IsZero() {
		a.resp.FirstAudioAt = now
	}
	a.markFirstDelta(now)
	a.resp.outputAudioMs += audio.DurationMs(format, len(encoded))
	if a.conv != nil {
		_ = a.conv.AppendAudio(a.open.item.ID, 0, encoded, audio.BytesPerMs(format))
	}
	a.emit(&protocol.ResponseAudioDeltaEvent{PartRef: a.ref(), Delta: base64.StdEncoding.EncodeToString(encoded)})
}

func (a *Assembler) callDelta(d FunctionCallDelta) {
	if a.open == nil || a.open.item.Type != protocol.ItemTypeFunctionCall || a.open.item.CallID != d.CallID {
		a.closeOpen(protocol.ItemStatusCompleted)
		a.openItem(protocol.Item{
			Type:   protocol.ItemTypeFunctionCall,
			Status: protocol.ItemStatusInProgress,
			CallID: d.CallID,
			Name:   d.Name,
		})
	}
	if d.Arguments == "" {
		return
	}
	a.open.args.WriteString(d.Arguments)
	a.emit(&protocol.ResponseFunctionCallArgumentsDeltaEvent{
		ResponseID:  a.resp.ID,
		ItemID:      a.open.item.ID,
		OutputIndex: a.open.index,
		CallID:      d.CallID,
		Delta:       d.Arguments,
	})
}

// closeOpen emits the done events of the open item, innermost first.
func (a *Assembler) closeOpen(status protocol.ItemStatus) {
	o := a.open
	if o == nil {
		return
	}
	a.open = nil
	o.item.Status = status

	switch o.item.Type {
	case protocol.ItemTypeMessage:
		ref := protocol.PartRef{ResponseID: a.resp.ID, ItemID: o.item.ID, OutputIndex: o.index}
		part := o.item.Content[0]
		if o.audio {
			part.Transcript = o.text.String()
			a.emit(&protocol.ResponseAudioDoneEvent{PartRef: ref})
			a.emit(&protocol.ResponseAudioTranscriptDoneEvent{PartRef: ref, Transcript: part.Transcript})
		} else {
			part.Text = o.text.String()
			a.emit(&protocol.ResponseTextDoneEvent{PartRef: ref, Text: part.Text})
		}
		o.item.Content = []protocol.ContentPart{part}
		a.emit(&protocol.ResponseContentPartDoneEvent{PartRef: ref, Part: part})
	case protocol.ItemTypeFunctionCall:
		o.item.Arguments = o.args.String()
		a.emit(&protocol.ResponseFunctionCallArgumentsDoneEvent{
			ResponseID:  a.resp.ID,
			ItemID:      o.item.ID,
			OutputIndex: o.index,
			CallID:      o.item.CallID,
			Name:        o.item.Name,
			Arguments:   o.item.Arguments,
		})
	}
	a.syncConversation(o.item)
	a.resp.Output = append(a.resp.Output, o.item.Clone())
	a.emit(&protocol.ResponseOutputItemDoneEvent{ResponseID: a.resp.ID, OutputIndex: o.index, Item: o.item.Clone()})
}

func (a *Assembler) syncConversation(item protocol.Item) {
	if a.conv == nil {
		return
	}
	snapshot := item.Clone()
	_, _ = a.conv.Update(snapshot.ID, func(it *protocol.Item) {
		it.Status = snapshot.Status
		it.Content = snapshot.Content
		it.Arguments = snapshot.Arguments
	})
}

func (a *Assembler) finish(res inference.Result) {
	status := protocol.ItemStatusCompleted
	a.resp.State = StateCompleted
	if res.FinishReason == inference.FinishMaxTokens {
		status = protocol.ItemStatusIncomplete
		a.resp.State = StateIncomplete
		a.resp.Details = &protocol.StatusDetails{Type: protocol.ResponseStatusIncomplete, Reason: "max_output_tokens"}
	}
	a.closeOpen(status)
	a.resp.reportedInput = res.Usage.InputTokens
	a.resp.reportedOutput = res.Usage.OutputTokens
	a.resp.cachedTokens = res.Usage.CachedTokens
	a.resp.Usage = a.resp.computeUsage()
	a.emit(&protocol.ResponseDoneEvent{Response: a.resp.Wire()})
}

// Cancel closes the open item as incomplete and emits the single
// response.cancelled terminal event with partial usage.
func (a *Assembler) Cancel(reason string) bool {
	if !a.resp.Active() {
		return false
	}
	if a.resp.State == StateRequested {
		a.Start()
	}
	a.closeOpen(protocol.ItemStatusIncomplete)
	a.resp.State = StateCancelled
	a.resp.Details = &protocol.StatusDetails{Type: protocol.ResponseStatusCancelled, Reason: reason}
	a.resp.Usage = a.resp.computeUsage()
	a.emit(&protocol.ResponseCancelledEvent{Response: a.resp.Wire()})
	return true
}

// Fail closes the open item, emits a server_error event carrying code and
// ends the response with response.done status failed. The cause is logged,
// never sent.
func (a *Assembler) Fail(code string, cause error) bool {
	if !a.resp.Active() {
		return false
	}
	if a.resp.State == StateRequested {
		a.Start()
	}
	log.Printf("response: failed response=%s code=%s err=%s", a.resp.ID, code, redact.Error(cause))
	a.closeOpen(protocol.ItemStatusIncomplete)
	perr := protocol.ServerError(code, "The server had an error while processing your request.")
	detail := perr.Detail()
	a.resp.State = StateFailed
	a.resp.Details = &protocol.StatusDetails{Type: protocol.ResponseStatusFailed, Error: &detail}
	a.resp.Usage = a.resp.computeUsage()
	a.emit(&protocol.ErrorEvent{Error: detail})
	a.emit(&protocol.ResponseDoneEvent{Response: a.resp.Wire()})
	return true
}

// OpenItemID names the output item still streaming, or "" between items.
func (a *Assembler) OpenItemID() string {
	if a.open == nil {
		return ""
	}
	return a.open.item.ID
}

// SuppressAudio stops further audio deltas for this response. Text and
// transcript keep streaming.
func (a *Assembler) SuppressAudio() bool {
	if !a.resp.Active() || !a.resp.Settings.Audio() {
		return false
	}
	a.resp.audioSuppress = true
	return true
}
