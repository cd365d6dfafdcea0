package protocol

const (
	TypeError                            EventType = "error"
	TypeSessionCreated                   EventType = "session.created"
	TypeSessionUpdated                   EventType = "session.updated"
	TypeConversationCreated              EventType = "conversation.created"
	TypeConversationItemCreated          EventType = "conversation.item.created"
	TypeConversationItemDeleted          EventType = "conversation.item.deleted"
	TypeConversationItemTruncated        EventType = "conversation.item.truncated"
	TypeConversationItemRetrieved        EventType = "conversation.item.retrieved"
	TypeInputAudioTranscriptionCompleted EventType = "conversation.item.input_audio_transcription.completed"
	TypeInputAudioTranscriptionFailed    EventType = "conversation.item.input_audio_transcription.failed"
	TypeInputAudioBufferCommitted        EventType = "input_audio_buffer.committed"
	TypeInputAudioBufferCleared          EventType = "input_audio_buffer.cleared"
	TypeInputAudioBufferSpeechStarted    EventType = "input_audio_buffer.speech_started"
	TypeInputAudioBufferSpeechStopped    EventType = "input_audio_buffer.speech_stopped"
	TypeOutputAudioBufferCleared         EventType = "output_audio_buffer.cleared"
	TypeResponseCreated                  EventType = "response.created"
	TypeResponseDone                     EventType = "response.done"
	TypeResponseCancelled                EventType = "response.cancelled"
	TypeResponseOutputItemAdded          EventType = "response.output_item.added"
	TypeResponseOutputItemDone           EventType = "response.output_item.done"
	TypeResponseContentPartAdded         EventType = "response.content_part.added"
	TypeResponseContentPartDone          EventType = "response.content_part.done"
	TypeResponseTextDelta                EventType = "response.text.delta"
	TypeResponseTextDone                 EventType = "response.text.done"
	TypeResponseAudioTranscriptDelta     EventType = "response.audio_transcript.delta"
	TypeResponseAudioTranscriptDone      EventType = "response.audio_transcript.done"
	TypeResponseAudioDelta               EventType = "response.audio.delta"
	TypeResponseAudioDone                EventType = "response.audio.done"
	TypeResponseFunctionCallArgsDelta    EventType = "response.function_call_arguments.delta"
	TypeResponseFunctionCallArgsDone     EventType = "response.function_call_arguments.done"
	TypeRateLimitsUpdated                EventType = "rate_limits.updated"
)

// ServerEvent is the closed set of events the server emits. Header is stamped
// by Stamp right before the event is queued for the writer.
type ServerEvent interface {
	Kind() EventType
	header() *Header
}

type Header struct {
	EventID string    `json:"event_id"`
	Type    EventType `json:"type"`
}

func (h *Header) header() *Header { return h }

// Stamp assigns the event id and the type discriminator.
func Stamp(ev ServerEvent, eventID string) {
	h := ev.header()
	h.EventID = eventID
	h.Type = ev.Kind()
}

// EventIDOf returns the id assigned by Stamp.
func EventIDOf(ev ServerEvent) string {
	return ev.header().EventID
}

type ErrorEvent struct {
	Header
	Error ErrorDetail `json:"error"`
}

type SessionCreatedEvent struct {
	Header
	Session SessionConfig `json:"session"`
}

type SessionUpdatedEvent struct {
	Header
	Session SessionConfig `json:"session"`
}

type ConversationCreatedEvent struct {
	Header
	Conversation Conversation `json:"conversation"`
}

type ConversationItemCreatedEvent struct {
	Header
	PreviousItemID *string `json:"previous_item_id"`
	Item           Item    `json:"item"`
}

type ConversationItemDeletedEvent struct {
	Header
	ItemID string `json:"item_id"`
}

type ConversationItemTruncatedEvent struct {
	Header
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

type ConversationItemRetrievedEvent struct {
	Header
	Item Item `json:"item"`
}

type InputAudioTranscriptionCompletedEvent struct {
	Header
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

type InputAudioTranscriptionFailedEvent struct {
	Header
	ItemID       string      `json:"item_id"`
	ContentIndex int         `json:"content_index"`
	Error        ErrorDetail `json:"error"`
}

type InputAudioBufferCommittedEvent struct {
	Header
	PreviousItemID *string `json:"previous_item_id"`
	ItemID         string  `json:"item_id"`
}

type InputAudioBufferClearedEvent struct {
	Header
}

type InputAudioBufferSpeechStartedEvent struct {
	Header
	AudioStartMs int    `json:"audio_start_ms"`
	ItemID       string `json:"item_id"`
}

type InputAudioBufferSpeechStoppedEvent struct {
	Header
	AudioEndMs int    `json:"audio_end_ms"`
	ItemID     string `json:"item_id"`
}

type OutputAudioBufferClearedEvent struct {
	Header
	ResponseID string `json:"response_id,omitempty"`
}

type ResponseCreatedEvent struct {
	Header
	Response Response `json:"response"`
}

type ResponseDoneEvent struct {
	Header
	Response Response `json:"response"`
}

type ResponseCancelledEvent struct {
	Header
	Response Response `json:"response"`
}

type ResponseOutputItemAddedEvent struct {
	Header
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Item        Item   `json:"item"`
}

type ResponseOutputItemDoneEvent struct {
	Header
	ResponseID  string `json:"response_id"`
	OutputIndex int    `json:"output_index"`
	Item        Item   `json:"item"`
}

// PartRef locates a content part inside a response.
type PartRef struct {
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
}

type ResponseContentPartAddedEvent struct {
	Header
	PartRef
	Part ContentPart `json:"part"`
}

type ResponseContentPartDoneEvent struct {
	Header
	PartRef
	Part ContentPart `json:"part"`
}

type ResponseTextDeltaEvent struct {
	Header
	PartRef
	Delta string `json:"delta"`
}

type ResponseTextDoneEvent struct {
	Header
	PartRef
	Text string `json:"text"`
}

type ResponseAudioTranscriptDeltaEvent struct {
	Header
	PartRef
	Delta string `json:"delta"`
}

type ResponseAudioTranscriptDoneEvent struct {
	Header
	PartRef
	Transcript string `json:"transcript"`
}

type ResponseAudioDeltaEvent struct {
	Header
	PartRef
	Delta string `json:"delta"`
}

type ResponseAudioDoneEvent struct {
	Header
	PartRef
}

type ResponseFunctionCallArgumentsDeltaEvent struct {
	Header
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Delta       string `json:"delta"`
}

type ResponseFunctionCallArgumentsDoneEvent struct {
	Header
	ResponseID  string `json:"response_id"`
	ItemID      string `json:"item_id"`
	OutputIndex int    `json:"output_index"`
	CallID      string `json:"call_id"`
	Name        string `json:"name"`
	Arguments   string `json:"arguments"`
}

type RateLimitsUpdatedEvent struct {
	Header
	RateLimits []RateLimit `json:"rate_limits"`
}

func (*ErrorEvent) Kind() EventType                     { return TypeError }
func (*SessionCreatedEvent) Kind() EventType            { return TypeSessionCreated }
func (*SessionUpdatedEvent) Kind() EventType            { return TypeSessionUpdated }
func (*ConversationCreatedEvent) Kind() EventType       { return TypeConversationCreated }
func (*ConversationItemCreatedEvent) Kind() EventType   { return TypeConversationItemCreated }
func (*ConversationItemDeletedEvent) Kind() EventType   { return TypeConversationItemDeleted }
func (*ConversationItemTruncatedEvent) Kind() EventType { return TypeConversationItemTruncated }
func (*ConversationItemRetrievedEvent) Kind() EventType { return TypeConversationItemRetrieved }
func (*InputAudioTranscriptionCompletedEvent) Kind() EventType {
	return TypeInputAudioTranscriptionCompleted
}
func (*InputAudioTranscriptionFailedEvent) Kind() EventType { return TypeInputAudioTranscriptionFailed }
func (*InputAudioBufferCommittedEvent) Kind() EventType     { return TypeInputAudioBufferCommitted }
func (*InputAudioBufferClearedEvent) Kind() EventType       { return TypeInputAudioBufferCleared }
func (*InputAudioBufferSpeechStartedEvent) Kind() EventType { return TypeInputAudioBufferSpeechStarted }
func (*InputAudioBufferSpeechStoppedEvent) Kind() EventType { return TypeInputAudioBufferSpeechStopped }
func (*OutputAudioBufferClearedEvent) Kind() EventType      { return TypeOutputAudioBufferCleared }
func (*ResponseCreatedEvent) Kind() EventType               { return TypeResponseCreated }
func (*ResponseDoneEvent) Kind() EventType                  { return TypeResponseDone }
func (*ResponseCancelledEvent) Kind() EventType             { return TypeResponseCancelled }
func (*ResponseOutputItemAddedEvent) Kind() EventType       { return TypeResponseOutputItemAdded }
func (*ResponseOutputItemDoneEvent) Kind() EventType        { return TypeResponseOutputItemDone }
func (*ResponseContentPartAddedEvent) Kind() EventType      { return TypeResponseContentPartAdded }
func (*ResponseContentPartDoneEvent) Kind() EventType       { return TypeResponseContentPartDone }
func (*ResponseTextDeltaEvent) Kind() EventType             { return TypeResponseTextDelta }
func (*ResponseTextDoneEvent) Kind() EventType              { return TypeResponseTextDone }
func (*ResponseAudioTranscriptDeltaEvent) Kind() EventType  { return TypeResponseAudioTranscriptDelta }
func (*ResponseAudioTranscriptDoneEvent) Kind() EventType   { return TypeResponseAudioTranscriptDone }
func (*ResponseAudioDeltaEvent) Kind() EventType            { return TypeResponseAudioDelta }
func (*ResponseAudioDoneEvent) Kind() EventType             { return TypeResponseAudioDone }
func (*ResponseFunctionCallArgumentsDeltaEvent) Kind() EventType {
	return TypeResponseFunctionCallArgsDelta
}
func (*ResponseFunctionCallArgumentsDoneEvent) Kind() EventType {
	return TypeResponseFunctionCallArgsDone
}
func (*RateLimitsUpdatedEvent) Kind() EventType { return TypeRateLimitsUpdated }

// ResponseIDOf returns the response an event belongs to, or "" for events
// that are not part of a response stream.
func ResponseIDOf(ev ServerEvent) string {
	switch e := ev.(type) {
	case *ResponseCreatedEvent:
		return e.Response.ID
	case *ResponseDoneEvent:
		return e.Response.ID
	case *ResponseCancelledEvent:
		return e.Response.ID
	case *ResponseOutputItemAddedEvent:
		return e.ResponseID
	case *ResponseOutputItemDoneEvent:
		return e.ResponseID
	case *ResponseContentPartAddedEvent:
		return e.ResponseID
	case *ResponseContentPartDoneEvent:
		return e.ResponseID
	case *ResponseTextDeltaEvent:
		return e.ResponseID
	case *ResponseTextDoneEvent:
		return e.ResponseID
	case *ResponseAudioTranscriptDeltaEvent:
		return e.ResponseID
	case *ResponseAudioTranscriptDoneEvent:
		return e.ResponseID
	case *ResponseAudioDeltaEvent:
		return e.ResponseID
	case *ResponseAudioDoneEvent:
		return e.ResponseID
	case *ResponseFunctionCallArgumentsDeltaEvent:
		return e.ResponseID
	case *ResponseFunctionCallArgumentsDoneEvent:
		return e.ResponseID
	default:
		return ""
	}
}

// NewError builds an error event from any error.
func NewError(err error) *ErrorEvent {
	return &ErrorEvent{Error: AsError(err).Detail()}
}
