package voice

import (
	"context"
	"errors"
)

// ErrNoSpeech is returned by a Transcriber when the audio holds nothing to
// transcribe.
var ErrNoSpeech = errors.New("voice: no speech in audio")

// Transcript is the result of a one-shot transcription of a committed turn.
type Transcript struct {
	Text       string
	Confidence float64
	Source     string
}

// Transcriber converts a committed input turn into text. pcm is 16-bit
// little-endian mono at sampleRate.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}

type SynthEventType string

const (
	SynthEventAudio SynthEventType = "audio"
	SynthEventFinal SynthEventType = "final"
	SynthEventError SynthEventType = "error"
)

// SynthEvent carries PCM16 mono audio at OutputSampleRate.
type SynthEvent struct {
	Type      SynthEventType
	Audio     []byte
	Code      string
	Detail    string
	Retryable bool
}

// OutputSampleRate is the rate every Synthesizer emits.
const OutputSampleRate = 24000

type SynthSettings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

// SynthStream accepts text incrementally and emits audio until CloseInput has
// been flushed, at which point a SynthEventFinal is sent.
type SynthStream interface {
	SendText(ctx context.Context, text string, tryTrigger bool) error
	CloseInput(ctx context.Context) error
	Events() <-chan SynthEvent
	Close() error
}

type Synthesizer interface {
	StartStream(ctx context.Context, voice, modelID string, settings SynthSettings) (SynthStream, error)
}
