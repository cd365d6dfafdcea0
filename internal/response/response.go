// Package response drives one generation cycle: it resolves the effective
// settings, runs the generation task and turns its partial results into a
// strictly nested event stream.
package response

import (
	"slices"
	"time"

	"github.com/antoniostano/rtvoice/internal/ids"
	"github.com/antoniostano/rtvoice/internal/protocol"
)

// Rough audio token rates used for usage accounting.
const (
	inputAudioMsPerToken  = 100
	outputAudioMsPerToken = 50
)

// Settings are the effective parameters of one response: session defaults
// with the response.create overrides laid on top.
type Settings struct {
	Modalities        []protocol.Modality
	Instructions      string
	Voice             string
	OutputAudioFormat protocol.AudioFormat
	Tools             []protocol.Tool
	ToolChoice        protocol.ToolChoice
	Temperature       float64
	MaxOutputTokens   protocol.MaxTokens
	OutOfBand         bool
	Metadata          map[string]string
}

func (s Settings) Audio() bool { return slices.Contains(s.Modalities, protocol.ModalityAudio) }

// Resolve overlays over on the session defaults. voices lists the accepted
// voice names.
func Resolve(session protocol.SessionConfig, over *protocol.ResponseConfig, voices []string) (Settings, error) {
	s := Settings{
		Modalities:        slices.Clone(session.Modalities),
		Instructions:      session.Instructions,
		Voice:             session.Voice,
		OutputAudioFormat: session.OutputAudioFormat,
		Tools:             slices.Clone(session.Tools),
		ToolChoice:        session.ToolChoice,
		Temperature:       session.Temperature,
		MaxOutputTokens:   session.MaxResponseOutputTokens,
	}
	if over == nil {
		return s, nil
	}
	if over.Modalities != nil {
		if err := protocol.ValidateModalities("response.modalities", over.Modalities); err != nil {
			return Settings{}, err
		}
		s.Modalities = slices.Clone(over.Modalities)
	}
	if over.Instructions != nil {
		s.Instructions = *over.Instructions
	}
	if over.Voice != nil {
		if err := protocol.ValidateVoice("response.voice", *over.Voice, voices); err != nil {
			return Settings{}, err
		}
		s.Voice = *over.Voice
	}
	if over.OutputAudioFormat != nil {
		if err := protocol.ValidateAudioFormat("response.output_audio_format", *over.OutputAudioFormat); err != nil {
			return Settings{}, err
		}
		s.OutputAudioFormat = *over.OutputAudioFormat
	}
	if over.Tools != nil {
		if err := protocol.ValidateTools("response.tools", over.Tools); err != nil {
			return Settings{}, err
		}
		s.Tools = slices.Clone(over.Tools)
	}
	if over.ToolChoice != nil {
		s.ToolChoice = *over.ToolChoice
	}
	if err := protocol.ValidateToolChoice("response.tool_choice", s.ToolChoice, s.Tools); err != nil {
		return Settings{}, err
	}
	if over.Temperature != nil {
		if err := protocol.ValidateTemperature("response.temperature", *over.Temperature); err != nil {
			return Settings{}, err
		}
		s.Temperature = *over.Temperature
	}
	if over.MaxOutputTokens != nil {
		if err := protocol.ValidateMaxTokens("response.max_response_output_tokens", *over.MaxOutputTokens); err != nil {
			return Settings{}, err
		}
		s.MaxOutputTokens = *over.MaxOutputTokens
	}
	s.OutOfBand = over.Conversation == "none"
	if len(over.Metadata) > 0 {
		s.Metadata = make(map[string]string, len(over.Metadata))
		for k, v := range over.Metadata {
			s.Metadata[k] = v
		}
	}
	return s, nil
}

// State of a response. Requested is left as soon as response.created is out.
type State int

const (
	StateRequested State = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateIncomplete
	StateFailed
)

func (s State) Terminal() bool { return s >= StateCompleted }

func (s State) wire() protocol.ResponseStatus {
	switch s {
	case StateCompleted:
		return protocol.ResponseStatusCompleted
	case StateCancelled:
		return protocol.ResponseStatusCancelled
	case StateIncomplete:
		return protocol.ResponseStatusIncomplete
	case StateFailed:
		return protocol.ResponseStatusFailed
	default:
		return protocol.ResponseStatusInProgress
	}
}

// Response is the controller-owned record of one generation cycle.
type Response struct {
	ID             string
	ConversationID string
	Settings       Settings
	State          State
	Details        *protocol.StatusDetails
	Output         []protocol.Item
	Usage          protocol.Usage

	CreatedAt    time.Time
	LastProgress time.Time
	FirstDeltaAt time.Time
	FirstAudioAt time.Time

	// InputTokens estimates the prompt size until the generator reports
	// real usage. InputAudioMs counts user audio in the prompt.
	InputTokens  int
	InputAudioMs int

	outputText     int
	outputAudioMs  int
	audioSuppress  bool
	cachedTokens   int
	reportedInput  int
	reportedOutput int
}

// New allocates a response in StateRequested.
func New(conversationID string, settings Settings, now time.Time) *Response {
	r := &Response{
		ID:        ids.Response(),
		Settings:  settings,
		State:     StateRequested,
		CreatedAt: now,
	}
	if !settings.OutOfBand {
		r.ConversationID = conversationID
	}
	r.LastProgress = now
	r.Usage = r.computeUsage()
	return r
}

// Active reports whether the response still accepts steps.
func (r *Response) Active() bool { return r != nil && !r.State.Terminal() }

// AudioSuppressed reports whether output_audio_buffer.clear stopped audio.
func (r *Response) AudioSuppressed() bool { return r.audioSuppress }

// StreamingAudio reports whether audio has already reached the client and
// is still flowing.
func (r *Response) StreamingAudio() bool {
	return r.Active() && r.Settings.Audio() && !r.FirstAudioAt.IsZero() && !r.audioSuppress
}

func (r *Response) computeUsage() protocol.Usage {
	inAudio := r.InputAudioMs / inputAudioMsPerToken
	outAudio := r.outputAudioMs / outputAudioMsPerToken

	inText := r.InputTokens
	if r.reportedInput > 0 {
		inText = r.reportedInput
	}
	outText := r.outputText
	if r.reportedOutput > 0 {
		outText = r.reportedOutput
	}
	u := protocol.Usage{
		InputTokens:  inText + inAudio,
		OutputTokens: outText + outAudio,
		InputTokenDetails: protocol.TokenDetails{
			CachedTokens: r.cachedTokens,
			TextTokens:   inText,
			AudioTokens:  inAudio,
		},
		OutputTokenDetails: protocol.TokenDetails{
			TextTokens:  outText,
			AudioTokens: outAudio,
		},
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}

// Wire renders the response for response.* events.
func (r *Response) Wire() protocol.Response {
	out := protocol.Response{
		ID:                r.ID,
		Object:            "realtime.response",
		Status:            r.State.wire(),
		StatusDetails:     r.Details,
		Output:            make([]protocol.Item, 0, len(r.Output)),
		ConversationID:    r.ConversationID,
		Modalities:        slices.Clone(r.Settings.Modalities),
		OutputAudioFormat: r.Settings.OutputAudioFormat,
		Temperature:       r.Settings.Temperature,
		MaxOutputTokens:   r.Settings.MaxOutputTokens,
		Metadata:          r.Settings.Metadata,
	}
	if r.Settings.Audio() {
		out.Voice = r.Settings.Voice
	}
	for _, it := range r.Output {
		out.Output = append(out.Output, it.Clone())
	}
	if r.State.Terminal() {
		u := r.Usage
		out.Usage = &u
	}
	return out
}
