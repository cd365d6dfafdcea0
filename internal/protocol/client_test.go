package protocol

import (
	"errors"
	"testing"
)

func TestParseClientEventAppendDecodesAudio(t *testing.T) {
	raw := []byte(`{"event_id":"evt_1","type":"input_audio_buffer.append","audio":"AQID"}`)
	ev, err := ParseClientEvent(raw)
	if err != nil {
		t.Fatalf("ParseClientEvent() error = %v", err)
	}
	appendEv, ok := ev.(InputAudioBufferAppendEvent)
	if !ok {
		t.Fatalf("event type = %T, want InputAudioBufferAppendEvent", ev)
	}
	if len(appendEv.Data) != 3 || appendEv.Data[2] != 3 {
		t.Fatalf("Data = %v, want [1 2 3]", appendEv.Data)
	}
	if appendEv.ClientEventID() != "evt_1" {
		t.Fatalf("ClientEventID() = %q, want evt_1", appendEv.ClientEventID())
	}
}

func TestParseClientEventRejectsUnknownType(t *testing.T) {
	_, err := ParseClientEvent([]byte(`{"event_id":"e9","type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T, want *Error", err)
	}
	if pe.Type != ErrorTypeInvalidRequest || pe.EventID != "e9" || pe.Param != "type" {
		t.Fatalf("unexpected error detail: %+v", pe.Detail())
	}
}

func TestParseClientEventRejectsMalformedJSON(t *testing.T) {
	_, err := ParseClientEvent([]byte(`{"type":`))
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("error = %T, want *Error", err)
	}
	if pe.Code != "invalid_json" {
		t.Fatalf("Code = %q, want invalid_json", pe.Code)
	}
}

func TestParseClientEventValidation(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		param string
	}{
		{name: "append without audio", raw: `{"type":"input_audio_buffer.append"}`, param: "audio"},
		{name: "append bad base64", raw: `{"type":"input_audio_buffer.append","audio":"%%%"}`, param: "audio"},
		{name: "delete without id", raw: `{"type":"conversation.item.delete"}`, param: "item_id"},
		{name: "retrieve without id", raw: `{"type":"conversation.item.retrieve","item_id":"  "}`, param: "item_id"},
		{name: "truncate negative", raw: `{"type":"conversation.item.truncate","item_id":"i","content_index":0,"audio_end_ms":-1}`, param: "audio_end_ms"},
		{name: "create without item type", raw: `{"type":"conversation.item.create","item":{}}`, param: "item.type"},
		{name: "response bad conversation", raw: `{"type":"response.create","response":{"conversation":"other"}}`, param: "response.conversation"},
		{name: "wrong field type", raw: `{"type":"conversation.item.truncate","item_id":"i","content_index":"zero"}`, param: "content_index"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientEvent([]byte(tc.raw))
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if pe.Param != tc.param {
				t.Fatalf("Param = %q, want %q", pe.Param, tc.param)
			}
		})
	}
}

func TestParseSessionUpdateDistinguishesNullFromAbsent(t *testing.T) {
	ev, err := ParseClientEvent([]byte(`{"type":"session.update","session":{"turn_detection":null,"voice":"sage"}}`))
	if err != nil {
		t.Fatalf("ParseClientEvent() error = %v", err)
	}
	update := ev.(SessionUpdateEvent).Session
	if !update.TurnDetection.Set || update.TurnDetection.Value != nil {
		t.Fatalf("TurnDetection = %+v, want explicit null", update.TurnDetection)
	}
	if update.InputAudioNoiseReduction.Set {
		t.Fatalf("InputAudioNoiseReduction should be unset")
	}
	if update.Voice == nil || *update.Voice != "sage" {
		t.Fatalf("Voice = %v, want sage", update.Voice)
	}
}

func TestParseResponseCreateOverrides(t *testing.T) {
	raw := []byte(`{"type":"response.create","response":{"modalities":["text"],"tool_choice":{"type":"function","name":"lookup"},"max_response_output_tokens":"inf","conversation":"none"}}`)
	ev, err := ParseClientEvent(raw)
	if err != nil {
		t.Fatalf("ParseClientEvent() error = %v", err)
	}
	cfg := ev.(ResponseCreateEvent).Response
	if cfg == nil || len(cfg.Modalities) != 1 || cfg.Modalities[0] != ModalityText {
		t.Fatalf("unexpected response config: %+v", cfg)
	}
	if cfg.ToolChoice == nil || *cfg.ToolChoice != "lookup" {
		t.Fatalf("ToolChoice = %v, want lookup", cfg.ToolChoice)
	}
	if cfg.MaxOutputTokens == nil || !cfg.MaxOutputTokens.Infinite() {
		t.Fatalf("MaxOutputTokens = %v, want inf", cfg.MaxOutputTokens)
	}
}

func BenchmarkParseClientEventAppend(b *testing.B) {
	raw := []byte(`{"event_id":"evt_1","type":"input_audio_buffer.append","audio":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}`)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ParseClientEvent(raw); err != nil {
			b.Fatalf("ParseClientEvent() error = %v", err)
		}
	}
}
