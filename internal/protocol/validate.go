package protocol

import (
	"fmt"
	"slices"
)

const (
	MinTemperature     = 0.6
	MaxTemperature     = 1.2
	MaxOutputTokensCap = 4096
)

func invalidValue(param, format string, args ...any) *Error {
	return InvalidRequest("invalid_value", fmt.Sprintf(format, args...), param)
}

// ValidateModalities requires a non-empty subset of text and audio.
func ValidateModalities(param string, ms []Modality) *Error {
	if len(ms) == 0 {
		return invalidValue(param, "Invalid '%s': at least one modality is required.", param)
	}
	for _, m := range ms {
		if m != ModalityText && m != ModalityAudio {
			return invalidValue(param, "Invalid '%s': unsupported modality '%s'.", param, m)
		}
	}
	return nil
}

func ValidateAudioFormat(param string, f AudioFormat) *Error {
	switch f {
	case AudioFormatPCM16, AudioFormatG711ULaw, AudioFormatG711ALaw:
		return nil
	}
	return invalidValue(param, "Invalid '%s': '%s'. Expected one of pcm16, g711_ulaw, g711_alaw.", param, f)
}

func ValidateTemperature(param string, t float64) *Error {
	if t < MinTemperature || t > MaxTemperature {
		return invalidValue(param, "Invalid '%s': %g. Expected a value between %g and %g.", param, t, MinTemperature, MaxTemperature)
	}
	return nil
}

func ValidateMaxTokens(param string, m MaxTokens) *Error {
	if m.Infinite() {
		return nil
	}
	if m.Limit > MaxOutputTokensCap {
		return invalidValue(param, "Invalid '%s': %d. Expected an integer between 1 and %d, or 'inf'.", param, m.Limit, MaxOutputTokensCap)
	}
	return nil
}

func ValidateVoice(param, voice string, allowed []string) *Error {
	if slices.Contains(allowed, voice) {
		return nil
	}
	return invalidValue(param, "Invalid '%s': '%s' is not a supported voice.", param, voice)
}

// ValidateToolChoice accepts a mode or the name of a function in tools.
func ValidateToolChoice(param string, c ToolChoice, tools []Tool) *Error {
	if c.IsMode() {
		return nil
	}
	for _, t := range tools {
		if t.Name == string(c) {
			return nil
		}
	}
	return invalidValue(param, "Invalid '%s': function '%s' is not in tools.", param, c)
}

func ValidateTools(param string, tools []Tool) *Error {
	seen := make(map[string]bool, len(tools))
	for i, t := range tools {
		p := fmt.Sprintf("%s[%d]", param, i)
		if t.Type != "" && t.Type != "function" {
			return invalidValue(p+".type", "Invalid '%s.type': '%s'.", p, t.Type)
		}
		if t.Name == "" {
			return InvalidRequest("missing_required_parameter", fmt.Sprintf("Missing required parameter: '%s.name'.", p), p+".name")
		}
		if seen[t.Name] {
			return invalidValue(p+".name", "Duplicate tool name '%s'.", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// ValidateTurnDetection accepts nil (turn detection disabled).
func ValidateTurnDetection(param string, td *TurnDetection) *Error {
	if td == nil {
		return nil
	}
	switch td.Type {
	case TurnDetectionServerVAD:
		if td.Threshold != nil && (*td.Threshold < 0 || *td.Threshold > 1) {
			return invalidValue(param+".threshold", "Invalid '%s.threshold': %g. Expected a value between 0 and 1.", param, *td.Threshold)
		}
		if td.PrefixPaddingMs != nil && *td.PrefixPaddingMs < 0 {
			return invalidValue(param+".prefix_padding_ms", "Invalid '%s.prefix_padding_ms': must not be negative.", param)
		}
		if td.SilenceDurationMs != nil && *td.SilenceDurationMs < 0 {
			return invalidValue(param+".silence_duration_ms", "Invalid '%s.silence_duration_ms': must not be negative.", param)
		}
	case TurnDetectionSemanticVAD:
		switch td.Eagerness {
		case "", "low", "medium", "high", "auto":
		default:
			return invalidValue(param+".eagerness", "Invalid '%s.eagerness': '%s'. Expected one of low, medium, high, auto.", param, td.Eagerness)
		}
	default:
		return invalidValue(param+".type", "Invalid '%s.type': '%s'. Expected server_vad or semantic_vad.", param, td.Type)
	}
	return nil
}

func ValidateNoiseReduction(param string, nr *NoiseReduction) *Error {
	if nr == nil {
		return nil
	}
	switch nr.Type {
	case NoiseReductionNearField, NoiseReductionFarField:
		return nil
	}
	return invalidValue(param+".type", "Invalid '%s.type': '%s'. Expected near_field or far_field.", param, nr.Type)
}
