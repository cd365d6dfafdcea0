package voice

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"unicode/utf8"
)

// MockProvider is a deterministic local provider used when ElevenLabs is not
// configured and in tests.
type MockProvider struct {
	// MsPerRune controls how much audio each synthesized rune yields.
	MsPerRune int
}

func NewMockProvider() *MockProvider { return &MockProvider{MsPerRune: 20} }

func (p *MockProvider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	if len(pcm) == 0 {
		return Transcript{}, ErrNoSpeech
	}
	return Transcript{Text: "simulated voice input", Confidence: 0.7, Source: "mock"}, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string, _ string, _ SynthSettings) (SynthStream, error) {
	ms := p.MsPerRune
	if ms <= 0 {
		ms = 20
	}
	return &mockSynthStream{events: make(chan SynthEvent, 128), msPerRune: ms}, nil
}

type mockSynthStream struct {
	mu        sync.Mutex
	events    chan SynthEvent
	msPerRune int
	phase     float64
	closed    bool
}

func (s *mockSynthStream) SendText(ctx context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || strings.TrimSpace(text) == "" {
		return nil
	}
	samples := utf8.RuneCountInString(text) * s.msPerRune * OutputSampleRate / 1000
	return s.emit(ctx, SynthEvent{Type: SynthEventAudio, Audio: s.tone(samples)})
}

func (s *mockSynthStream) CloseInput(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.emit(ctx, SynthEvent{Type: SynthEventFinal})
}

func (s *mockSynthStream) Events() <-chan SynthEvent { return s.events }

func (s *mockSynthStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *mockSynthStream) emit(ctx context.Context, evt SynthEvent) error {
	select {
	case s.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tone renders a quiet 220 Hz sine so downstream VAD and codecs see real
// signal.
func (s *mockSynthStream) tone(samples int) []byte {
	out := make([]byte, samples*2)
	step := 2 * math.Pi * 220 / OutputSampleRate
	for i := 0; i < samples; i++ {
		v := int16(2000 * math.Sin(s.phase))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return out
}
