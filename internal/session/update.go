package session

import (
	"slices"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

// updateSession applies the mutable fields of u. Nothing changes when any
// field is invalid.
func (c *Controller) updateSession(u protocol.SessionUpdate) error {
	locked := ""
	if c.voiceLocked {
		locked = c.cfg.Voice
	}
	next, err := ApplyUpdate(c.cfg, u, c.deps.Voices, locked)
	if err != nil {
		return err
	}

	formatChanged := next.InputAudioFormat != c.cfg.InputAudioFormat
	c.cfg = next
	if formatChanged {
		// Rates differ between formats; restart the filters.
		c.noise = nil
		c.detector = nil
		c.speech = nil
	}
	c.configureAudio()
	c.emit(&protocol.SessionUpdatedEvent{Session: c.sessionView()})
	return nil
}

// ApplyUpdate returns base with the fields of u applied. lockedVoice, when
// set, is the only voice u may name. base is never modified.
func ApplyUpdate(base protocol.SessionConfig, u protocol.SessionUpdate, voices []string, lockedVoice string) (protocol.SessionConfig, error) {
	next := base.Clone()

	if u.Modalities != nil {
		if err := protocol.ValidateModalities("session.modalities", u.Modalities); err != nil {
			return base, err
		}
		next.Modalities = slices.Clone(u.Modalities)
	}
	if u.Instructions != nil {
		next.Instructions = *u.Instructions
	}
	if u.Voice != nil {
		if err := protocol.ValidateVoice("session.voice", *u.Voice, voices); err != nil {
			return base, err
		}
		if lockedVoice != "" && *u.Voice != lockedVoice {
			return base, protocol.InvalidRequest("cannot_update_voice",
				"Cannot update a conversation's voice if assistant audio is present.", "session.voice")
		}
		next.Voice = *u.Voice
	}
	if u.InputAudioFormat != nil {
		if err := protocol.ValidateAudioFormat("session.input_audio_format", *u.InputAudioFormat); err != nil {
			return base, err
		}
		next.InputAudioFormat = *u.InputAudioFormat
	}
	if u.OutputAudioFormat != nil {
		if err := protocol.ValidateAudioFormat("session.output_audio_format", *u.OutputAudioFormat); err != nil {
			return base, err
		}
		next.OutputAudioFormat = *u.OutputAudioFormat
	}
	if u.InputAudioTranscription.Set {
		next.InputAudioTranscription = u.InputAudioTranscription.Value
	}
	if u.TurnDetection.Set {
		if err := protocol.ValidateTurnDetection("session.turn_detection", u.TurnDetection.Value); err != nil {
			return base, err
		}
		next.TurnDetection = u.TurnDetection.Value
	}
	if u.InputAudioNoiseReduction.Set {
		if err := protocol.ValidateNoiseReduction("session.input_audio_noise_reduction", u.InputAudioNoiseReduction.Value); err != nil {
			return base, err
		}
		next.InputAudioNoiseReduction = u.InputAudioNoiseReduction.Value
	}
	if u.Tools != nil {
		if err := protocol.ValidateTools("session.tools", u.Tools); err != nil {
			return base, err
		}
		next.Tools = slices.Clone(u.Tools)
	}
	if u.ToolChoice != nil {
		next.ToolChoice = *u.ToolChoice
	}
	if err := protocol.ValidateToolChoice("session.tool_choice", next.ToolChoice, next.Tools); err != nil {
		return base, err
	}
	if u.Temperature != nil {
		if err := protocol.ValidateTemperature("session.temperature", *u.Temperature); err != nil {
			return base, err
		}
		next.Temperature = *u.Temperature
	}
	if u.MaxResponseOutputTokens != nil {
		if err := protocol.ValidateMaxTokens("session.max_response_output_tokens", *u.MaxResponseOutputTokens); err != nil {
			return base, err
		}
		next.MaxResponseOutputTokens = *u.MaxResponseOutputTokens
	}

	return next, nil
}
