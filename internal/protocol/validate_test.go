package protocol

import "testing"

func TestValidators(t *testing.T) {
	t.Parallel()

	threshold := 1.5
	tests := []struct {
		name  string
		err   *Error
		param string
	}{
		{"empty modalities", ValidateModalities("session.modalities", nil), "session.modalities"},
		{"bad modality", ValidateModalities("session.modalities", []Modality{"video"}), "session.modalities"},
		{"bad format", ValidateAudioFormat("session.input_audio_format", "mp3"), "session.input_audio_format"},
		{"cold temperature", ValidateTemperature("session.temperature", 0.2), "session.temperature"},
		{"max tokens over cap", ValidateMaxTokens("session.max_response_output_tokens", MaxTokens{Limit: 5000}), "session.max_response_output_tokens"},
		{"unknown voice", ValidateVoice("session.voice", "nobody", []string{"alloy"}), "session.voice"},
		{"unknown function", ValidateToolChoice("session.tool_choice", "lookup", nil), "session.tool_choice"},
		{"duplicate tool", ValidateTools("session.tools", []Tool{{Name: "a"}, {Name: "a"}}), "session.tools[1].name"},
		{"vad threshold", ValidateTurnDetection("session.turn_detection", &TurnDetection{Type: TurnDetectionServerVAD, Threshold: &threshold}), "session.turn_detection.threshold"},
		{"vad type", ValidateTurnDetection("session.turn_detection", &TurnDetection{Type: "push_to_talk"}), "session.turn_detection.type"},
		{"eagerness", ValidateTurnDetection("session.turn_detection", &TurnDetection{Type: TurnDetectionSemanticVAD, Eagerness: "frantic"}), "session.turn_detection.eagerness"},
		{"noise type", ValidateNoiseReduction("session.input_audio_noise_reduction", &NoiseReduction{Type: "studio"}), "session.input_audio_noise_reduction.type"},
	}
	for _, tt := range tests {
		if tt.err == nil {
			t.Fatalf("%s: error = nil", tt.name)
		}
		if tt.err.Type != ErrorTypeInvalidRequest || tt.err.Param != tt.param {
			t.Fatalf("%s: error = %+v, want param %s", tt.name, tt.err, tt.param)
		}
	}

	ok := []*Error{
		ValidateModalities("m", []Modality{ModalityText, ModalityAudio}),
		ValidateMaxTokens("m", MaxTokens{}),
		ValidateToolChoice("c", ToolChoiceRequired, nil),
		ValidateToolChoice("c", "lookup", []Tool{{Name: "lookup"}}),
		ValidateTurnDetection("td", nil),
		ValidateTurnDetection("td", &TurnDetection{Type: TurnDetectionSemanticVAD, Eagerness: "auto"}),
		ValidateNoiseReduction("nr", &NoiseReduction{Type: NoiseReductionFarField}),
	}
	for i, err := range ok {
		if err != nil {
			t.Fatalf("valid case %d: error = %v", i, err)
		}
	}
}
