package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType is the type discriminator shared by client and server events.
type EventType string

const (
	TypeSessionUpdate            EventType = "session.update"
	TypeInputAudioBufferAppend   EventType = "input_audio_buffer.append"
	TypeInputAudioBufferCommit   EventType = "input_audio_buffer.commit"
	TypeInputAudioBufferClear    EventType = "input_audio_buffer.clear"
	TypeConversationItemCreate   EventType = "conversation.item.create"
	TypeConversationItemDelete   EventType = "conversation.item.delete"
	TypeConversationItemTruncate EventType = "conversation.item.truncate"
	TypeConversationItemRetrieve EventType = "conversation.item.retrieve"
	TypeResponseCreate           EventType = "response.create"
	TypeResponseCancel           EventType = "response.cancel"
	TypeOutputAudioBufferClear   EventType = "output_audio_buffer.clear"
)

// ClientEvent is the closed set of events a client may send.
type ClientEvent interface {
	Kind() EventType
	ClientEventID() string
	clientEvent()
}

type Envelope struct {
	EventID string    `json:"event_id,omitempty"`
	Type    EventType `json:"type"`
}

func (e Envelope) ClientEventID() string { return e.EventID }
func (e Envelope) clientEvent()          {}

type SessionUpdateEvent struct {
	Envelope
	Session SessionUpdate `json:"session"`
}

type InputAudioBufferAppendEvent struct {
	Envelope
	Audio string `json:"audio"`
	// Data is Audio decoded by ParseClientEvent.
	Data []byte `json:"-"`
}

type InputAudioBufferCommitEvent struct{ Envelope }

type InputAudioBufferClearEvent struct{ Envelope }

type ConversationItemCreateEvent struct {
	Envelope
	PreviousItemID *string `json:"previous_item_id,omitempty"`
	Item           Item    `json:"item"`
}

type ConversationItemDeleteEvent struct {
	Envelope
	ItemID string `json:"item_id"`
}

type ConversationItemTruncateEvent struct {
	Envelope
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

type ConversationItemRetrieveEvent struct {
	Envelope
	ItemID string `json:"item_id"`
}

type ResponseCreateEvent struct {
	Envelope
	Response *ResponseConfig `json:"response,omitempty"`
}

type ResponseCancelEvent struct {
	Envelope
	ResponseID string `json:"response_id,omitempty"`
}

type OutputAudioBufferClearEvent struct{ Envelope }

func (SessionUpdateEvent) Kind() EventType            { return TypeSessionUpdate }
func (InputAudioBufferAppendEvent) Kind() EventType   { return TypeInputAudioBufferAppend }
func (InputAudioBufferCommitEvent) Kind() EventType   { return TypeInputAudioBufferCommit }
func (InputAudioBufferClearEvent) Kind() EventType    { return TypeInputAudioBufferClear }
func (ConversationItemCreateEvent) Kind() EventType   { return TypeConversationItemCreate }
func (ConversationItemDeleteEvent) Kind() EventType   { return TypeConversationItemDelete }
func (ConversationItemTruncateEvent) Kind() EventType { return TypeConversationItemTruncate }
func (ConversationItemRetrieveEvent) Kind() EventType { return TypeConversationItemRetrieve }
func (ResponseCreateEvent) Kind() EventType           { return TypeResponseCreate }
func (ResponseCancelEvent) Kind() EventType           { return TypeResponseCancel }
func (OutputAudioBufferClearEvent) Kind() EventType   { return TypeOutputAudioBufferClear }

// ParseClientEvent decodes one inbound frame. Failures are always *Error with
// type invalid_request_error, carrying the client event_id when it could be
// read.
func ParseClientEvent(raw []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &Error{
			Type:    ErrorTypeInvalidRequest,
			Code:    "invalid_json",
			Message: "The server failed to parse the event as JSON.",
			Err:     fmt.Errorf("invalid envelope: %w", err),
		}
	}
	if env.Type == "" {
		return nil, withEventID(InvalidRequest("missing_type", "Missing required parameter: 'type'.", "type"), env.EventID)
	}

	switch env.Type {
	case TypeSessionUpdate:
		var ev SessionUpdateEvent
		if err := decodeInto(raw, &ev, env); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeInputAudioBufferAppend:
		var ev InputAudioBufferAppendEvent
		if err := decodeInto(raw, &ev, env); err != nil {
			return nil, err
		}
		if ev.Audio == "" {
			return nil, withEventID(InvalidRequest("missing_required_parameter", "Missing required parameter: 'audio'.", "audio"), env.EventID)
		}
		data, err := base64.StdEncoding.DecodeString(ev.Audio)
		if err != nil {
			return nil, withEventID(InvalidRequest("invalid_value", "Invalid 'audio'. Expected base64-encoded audio bytes.", "audio"), env.EventID)
		}
		ev.Data = data
		ev.Audio = ""
		return ev, nil
	case TypeInputAudioBufferCommit:
		return InputAudioBufferCommitEvent{Envelope: env}, nil
	case TypeInputAudioBufferClear:
		return InputAudioBufferClearEvent{Envelope: env}, nil
	case TypeConversationItemCreate:
		var ev ConversationItemCreateEvent
		if err := decodeInto(raw, &ev, env); err != nil {
			return nil, err
		}
		if ev.Item.Type == "" {
			return nil, withEventID(InvalidRequest("missing_required_parameter", "Missing required parameter: 'item.type'.", "item.type"), env.EventID)
		}
		return ev, nil
	case TypeConversationItemDelete:
		var ev ConversationItemDeleteEvent
		if err := decodeInto(raw, &ev, env); err != nil {
			return nil, err
		}
		if err := requireItemID(ev.ItemID, env.EventID); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeConversationItemTruncate:
		var ev ConversationItemTruncateEvent
		if err := decodeInto(raw, &ev, env); err != nil {
			return nil, err
		}
		if err := requireItemID(ev.ItemID, env.EventID); err != nil {
			return nil, err
		}
		if ev.ContentIndex < 0 {
			return nil, withEventID(InvalidRequest("invalid_value", "Invalid 'content_index'. Expected a non-negative integer.", "content_index"), env.EventID)
		}
		if ev.AudioEndMs < 0 {
			return nil, withEventID(InvalidRequest("invalid_value", "Invalid 'audio_end_ms'. Expected a non-negative integer.", "audio_end_ms"), env.EventID)
		}
		return ev, nil
	case TypeConversationItemRetrieve:
		var ev ConversationItemRetrieveEvent
		if err := decodeInto(raw, &ev, env); err != nil {
			return nil, err
		}
		if err := requireItemID(ev.ItemID, env.EventID); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeResponseCreate:
		var ev ResponseCreateEvent
		if err := decodeInto(raw, &ev, env); err != nil {
			return nil, err
		}
		if ev.Response != nil && ev.Response.Conversation != "" &&
			ev.Response.Conversation != "auto" && ev.Response.Conversation != "none" {
			return nil, withEventID(InvalidRequest("invalid_value", "Invalid 'response.conversation'. Expected 'auto' or 'none'.", "response.conversation"), env.EventID)
		}
		return ev, nil
	case TypeResponseCancel:
		var ev ResponseCancelEvent
		if err := decodeInto(raw, &ev, env); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeOutputAudioBufferClear:
		return OutputAudioBufferClearEvent{Envelope: env}, nil
	default:
		e := InvalidRequest("invalid_event_type", fmt.Sprintf("Invalid 'type': '%s'.", env.Type), "type")
		e.Err = ErrUnsupportedType
		return nil, withEventID(e, env.EventID)
	}
}

func decodeInto(raw []byte, out any, env Envelope) error {
	if err := json.Unmarshal(raw, out); err != nil {
		param := ""
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			param = typeErr.Field
		}
		msg := "Invalid event payload."
		if param != "" {
			msg = fmt.Sprintf("Invalid type for '%s'.", param)
		} else if s := strings.TrimSpace(err.Error()); s != "" && !strings.Contains(s, "json:") {
			msg = "Invalid value: " + s
		}
		e := InvalidRequest("invalid_value", msg, param)
		e.Err = err
		return withEventID(e, env.EventID)
	}
	return nil
}

func requireItemID(id, eventID string) error {
	if strings.TrimSpace(id) == "" {
		return withEventID(InvalidRequest("missing_required_parameter", "Missing required parameter: 'item_id'.", "item_id"), eventID)
	}
	return nil
}

func withEventID(e *Error, eventID string) *Error {
	e.EventID = eventID
	return e
}
