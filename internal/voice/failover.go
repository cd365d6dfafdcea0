package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// NewFailoverPair builds a Transcriber and a Synthesizer that prefer the
// primary backend and switch to the fallback when a primary call fails.
// Once the fallback succeeds it stays active until it fails; then the
// primary is retried. Caller cancellation never triggers a switch.
func NewFailoverPair(
	primaryT Transcriber,
	primaryS Synthesizer,
	fallbackT Transcriber,
	fallbackS Synthesizer,
	fallbackVoice string,
	fallbackModelID string,
) (Transcriber, Synthesizer) {
	state := &failoverState{}
	return &failoverTranscriber{
			state:    state,
			primary:  primaryT,
			fallback: fallbackT,
		}, &failoverSynthesizer{
			state:           state,
			primary:         primaryS,
			fallback:        fallbackS,
			fallbackVoice:   strings.TrimSpace(fallbackVoice),
			fallbackModelID: strings.TrimSpace(fallbackModelID),
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback()      { s.fallbackActive.Store(true) }
func (s *failoverState) deactivateFallback()    { s.fallbackActive.Store(false) }
func (s *failoverState) isFallbackActive() bool { return s.fallbackActive.Load() }

// FallbackActive reports whether a failover pair built by NewFailoverPair is
// currently routing to its fallback.
func FallbackActive(s Synthesizer) bool {
	f, ok := s.(*failoverSynthesizer)
	return ok && f.state.isFallbackActive()
}

func switchable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNoSpeech)
}

type failoverTranscriber struct {
	state    *failoverState
	primary  Transcriber
	fallback Transcriber
}

func (p *failoverTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error) {
	first, second := p.primary, p.fallback
	if p.state.isFallbackActive() {
		first, second = p.fallback, p.primary
	}
	out, firstErr := first.Transcribe(ctx, pcm, sampleRate)
	if !switchable(firstErr) {
		return out, firstErr
	}
	out, secondErr := second.Transcribe(ctx, pcm, sampleRate)
	if secondErr != nil {
		return Transcript{}, fmt.Errorf("transcribe failed: %v; retry failed: %w", firstErr, secondErr)
	}
	p.state.fallbackActive.Store(second == p.fallback)
	return out, nil
}

type failoverSynthesizer struct {
	state           *failoverState
	primary         Synthesizer
	fallback        Synthesizer
	fallbackVoice   string
	fallbackModelID string
}

func (p *failoverSynthesizer) StartStream(
	ctx context.Context,
	voice, modelID string,
	settings SynthSettings,
) (SynthStream, error) {
	if p.state.isFallbackActive() {
		stream, fbErr := p.startFallbackStream(ctx, voice, modelID, settings)
		if !switchable(fbErr) {
			return stream, fbErr
		}
		// Fallback failed after being active; try primary again.
		stream, prErr := p.primary.StartStream(ctx, voice, modelID, settings)
		if prErr == nil {
			p.state.deactivateFallback()
			return stream, nil
		}
		return nil, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	stream, prErr := p.primary.StartStream(ctx, voice, modelID, settings)
	if !switchable(prErr) {
		return stream, prErr
	}
	stream, fbErr := p.startFallbackStream(ctx, voice, modelID, settings)
	if fbErr != nil {
		return nil, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return stream, nil
}

func (p *failoverSynthesizer) startFallbackStream(
	ctx context.Context,
	voice, modelID string,
	settings SynthSettings,
) (SynthStream, error) {
	if p.fallbackVoice != "" {
		voice = p.fallbackVoice
	}
	if p.fallbackModelID != "" {
		modelID = p.fallbackModelID
	}
	return p.fallback.StartStream(ctx, voice, modelID, settings)
}
