package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

type AudioFormat string

const (
	AudioFormatPCM16    AudioFormat = "pcm16"
	AudioFormatG711ULaw AudioFormat = "g711_ulaw"
	AudioFormatG711ALaw AudioFormat = "g711_alaw"
)

type TurnDetectionType string

const (
	TurnDetectionServerVAD   TurnDetectionType = "server_vad"
	TurnDetectionSemanticVAD TurnDetectionType = "semantic_vad"
)

type NoiseReductionType string

const (
	NoiseReductionNearField NoiseReductionType = "near_field"
	NoiseReductionFarField  NoiseReductionType = "far_field"
)

// SessionConfig is the effective configuration of a realtime session as it
// appears in session.created, session.updated and the REST create response.
type SessionConfig struct {
	ID                       string          `json:"id,omitempty"`
	Object                   string          `json:"object,omitempty"`
	Model                    string          `json:"model,omitempty"`
	ExpiresAt                int64           `json:"expires_at,omitempty"`
	Modalities               []Modality      `json:"modalities"`
	Instructions             string          `json:"instructions"`
	Voice                    string          `json:"voice"`
	InputAudioFormat         AudioFormat     `json:"input_audio_format"`
	OutputAudioFormat        AudioFormat     `json:"output_audio_format"`
	InputAudioTranscription  *Transcription  `json:"input_audio_transcription"`
	TurnDetection            *TurnDetection  `json:"turn_detection"`
	InputAudioNoiseReduction *NoiseReduction `json:"input_audio_noise_reduction"`
	Tools                    []Tool          `json:"tools"`
	ToolChoice               ToolChoice      `json:"tool_choice"`
	Temperature              float64         `json:"temperature"`
	MaxResponseOutputTokens  MaxTokens       `json:"max_response_output_tokens"`
}

// Clone returns a deep copy so that snapshots handed to other goroutines do
// not alias the controller's state.
func (c SessionConfig) Clone() SessionConfig {
	out := c
	out.Modalities = append([]Modality(nil), c.Modalities...)
	out.Tools = append([]Tool(nil), c.Tools...)
	if c.InputAudioTranscription != nil {
		v := *c.InputAudioTranscription
		out.InputAudioTranscription = &v
	}
	if c.TurnDetection != nil {
		v := *c.TurnDetection
		out.TurnDetection = &v
	}
	if c.InputAudioNoiseReduction != nil {
		v := *c.InputAudioNoiseReduction
		out.InputAudioNoiseReduction = &v
	}
	return out
}

func (c SessionConfig) HasModality(m Modality) bool {
	for _, v := range c.Modalities {
		if v == m {
			return true
		}
	}
	return false
}

type Transcription struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type TurnDetection struct {
	Type              TurnDetectionType `json:"type"`
	Threshold         *float64          `json:"threshold,omitempty"`
	PrefixPaddingMs   *int              `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs *int              `json:"silence_duration_ms,omitempty"`
	Eagerness         string            `json:"eagerness,omitempty"`
	CreateResponse    *bool             `json:"create_response,omitempty"`
	InterruptResponse *bool             `json:"interrupt_response,omitempty"`
}

// ShouldCreateResponse reports the create_response flag, which defaults to true.
func (t *TurnDetection) ShouldCreateResponse() bool {
	return t != nil && (t.CreateResponse == nil || *t.CreateResponse)
}

// ShouldInterrupt reports the interrupt_response flag, which defaults to true.
func (t *TurnDetection) ShouldInterrupt() bool {
	return t != nil && (t.InterruptResponse == nil || *t.InterruptResponse)
}

type NoiseReduction struct {
	Type NoiseReductionType `json:"type"`
}

type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

const (
	ToolChoiceAuto     = "auto"
	ToolChoiceNone     = "none"
	ToolChoiceRequired = "required"
)

// ToolChoice is either one of the modes auto/none/required or the name of a
// function that must be called. On the wire a function choice is the object
// {"type":"function","name":"..."}.
type ToolChoice string

func (c ToolChoice) IsMode() bool {
	return c == ToolChoiceAuto || c == ToolChoiceNone || c == ToolChoiceRequired || c == ""
}

func (c ToolChoice) MarshalJSON() ([]byte, error) {
	if c.IsMode() {
		v := string(c)
		if v == "" {
			v = ToolChoiceAuto
		}
		return json.Marshal(v)
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}{Type: "function", Name: string(c)})
}

func (c *ToolChoice) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = ToolChoice(s)
		return nil
	}
	var obj struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Type != "function" || obj.Name == "" {
		return fmt.Errorf("tool_choice object must name a function")
	}
	*c = ToolChoice(obj.Name)
	return nil
}

// MaxTokens is an output token cap, either a positive integer or "inf".
type MaxTokens struct {
	Limit int
}

// Infinite is the zero value.
func (m MaxTokens) Infinite() bool { return m.Limit <= 0 }

func (m MaxTokens) MarshalJSON() ([]byte, error) {
	if m.Infinite() {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(m.Limit)
}

func (m *MaxTokens) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == `"inf"` || string(b) == "null" {
		m.Limit = 0
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("max tokens must be an integer or \"inf\"")
	}
	if n <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	m.Limit = n
	return nil
}

// Optional distinguishes an absent field from an explicit null in partial
// updates such as session.update.
type Optional[T any] struct {
	Set   bool
	Value *T
}

func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(bytes.TrimSpace(b)) == "null" {
		o.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

// SessionUpdate carries the mutable fields of session.update. Nil pointers and
// unset Optionals leave the current value untouched.
type SessionUpdate struct {
	Modalities               []Modality               `json:"modalities,omitempty"`
	Instructions             *string                  `json:"instructions,omitempty"`
	Voice                    *string                  `json:"voice,omitempty"`
	InputAudioFormat         *AudioFormat             `json:"input_audio_format,omitempty"`
	OutputAudioFormat        *AudioFormat             `json:"output_audio_format,omitempty"`
	InputAudioTranscription  Optional[Transcription]  `json:"input_audio_transcription"`
	TurnDetection            Optional[TurnDetection]  `json:"turn_detection"`
	InputAudioNoiseReduction Optional[NoiseReduction] `json:"input_audio_noise_reduction"`
	Tools                    []Tool                   `json:"tools,omitempty"`
	ToolChoice               *ToolChoice              `json:"tool_choice,omitempty"`
	Temperature              *float64                 `json:"temperature,omitempty"`
	MaxResponseOutputTokens  *MaxTokens               `json:"max_response_output_tokens,omitempty"`
}

type Conversation struct {
	ID     string `json:"id"`
	Object string `json:"object"`
}

type ItemType string

const (
	ItemTypeMessage            ItemType = "message"
	ItemTypeFunctionCall       ItemType = "function_call"
	ItemTypeFunctionCallOutput ItemType = "function_call_output"
)

type ItemStatus string

const (
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusIncomplete ItemStatus = "incomplete"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ContentType string

const (
	ContentInputText     ContentType = "input_text"
	ContentInputAudio    ContentType = "input_audio"
	ContentItemReference ContentType = "item_reference"
	ContentText          ContentType = "text"
	ContentAudio         ContentType = "audio"
)

// Item is a conversation item: a message, a function call or a function call
// output. Audio payloads are never echoed back in server events; they live in
// the conversation store next to the item.
type Item struct {
	ID        string        `json:"id,omitempty"`
	Object    string        `json:"object,omitempty"`
	Type      ItemType      `json:"type"`
	Status    ItemStatus    `json:"status,omitempty"`
	Role      Role          `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

func (it Item) Clone() Item {
	out := it
	out.Content = append([]ContentPart(nil), it.Content...)
	return out
}

type ContentPart struct {
	Type       ContentType `json:"type"`
	Text       string      `json:"text,omitempty"`
	Audio      string      `json:"audio,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	ID         string      `json:"id,omitempty"`
}

type ResponseStatus string

const (
	ResponseStatusInProgress ResponseStatus = "in_progress"
	ResponseStatusCompleted  ResponseStatus = "completed"
	ResponseStatusCancelled  ResponseStatus = "cancelled"
	ResponseStatusIncomplete ResponseStatus = "incomplete"
	ResponseStatusFailed     ResponseStatus = "failed"
)

func (s ResponseStatus) Terminal() bool {
	return s != ResponseStatusInProgress && s != ""
}

type StatusDetails struct {
	Type   ResponseStatus `json:"type"`
	Reason string         `json:"reason,omitempty"`
	Error  *ErrorDetail   `json:"error,omitempty"`
}

type TokenDetails struct {
	CachedTokens int `json:"cached_tokens"`
	TextTokens   int `json:"text_tokens"`
	AudioTokens  int `json:"audio_tokens"`
}

type Usage struct {
	TotalTokens        int          `json:"total_tokens"`
	InputTokens        int          `json:"input_tokens"`
	OutputTokens       int          `json:"output_tokens"`
	InputTokenDetails  TokenDetails `json:"input_token_details"`
	OutputTokenDetails TokenDetails `json:"output_token_details"`
}

// Response is one generation cycle as reported on the wire.
type Response struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Status            ResponseStatus    `json:"status"`
	StatusDetails     *StatusDetails    `json:"status_details"`
	Output            []Item            `json:"output"`
	Usage             *Usage            `json:"usage"`
	ConversationID    string            `json:"conversation_id,omitempty"`
	Modalities        []Modality        `json:"modalities,omitempty"`
	Voice             string            `json:"voice,omitempty"`
	OutputAudioFormat AudioFormat       `json:"output_audio_format,omitempty"`
	Temperature       float64           `json:"temperature,omitempty"`
	MaxOutputTokens   MaxTokens         `json:"max_output_tokens"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// ResponseConfig holds the per-response overrides of response.create.
type ResponseConfig struct {
	Modalities        []Modality        `json:"modalities,omitempty"`
	Instructions      *string           `json:"instructions,omitempty"`
	Voice             *string           `json:"voice,omitempty"`
	OutputAudioFormat *AudioFormat      `json:"output_audio_format,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolChoice        *ToolChoice       `json:"tool_choice,omitempty"`
	Temperature       *float64          `json:"temperature,omitempty"`
	MaxOutputTokens   *MaxTokens        `json:"max_response_output_tokens,omitempty"`
	Conversation      string            `json:"conversation,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type RateLimit struct {
	Name         string  `json:"name"`
	Limit        int     `json:"limit"`
	Remaining    int     `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}
