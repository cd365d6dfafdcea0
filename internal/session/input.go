package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/antoniostano/rtvoice/internal/audio"
	"github.com/antoniostano/rtvoice/internal/conversation"
	"github.com/antoniostano/rtvoice/internal/ids"
	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/redact"
	"github.com/antoniostano/rtvoice/internal/voice"
)

// configureAudio rebuilds the noise reducer and turn detector for the
// current configuration. The detector keeps its stream position when only
// its parameters change.
func (c *Controller) configureAudio() {
	rate := audio.SampleRate(c.cfg.InputAudioFormat)

	var kind protocol.NoiseReductionType
	if c.cfg.InputAudioNoiseReduction != nil {
		kind = c.cfg.InputAudioNoiseReduction.Type
	}
	if c.noise.Kind() != kind {
		c.noise = audio.NewNoiseReducer(kind, rate)
	}

	if c.cfg.TurnDetection == nil {
		c.detector = nil
		c.speech = nil
		return
	}
	dcfg := audio.ConfigFromTurnDetection(c.cfg.TurnDetection)
	if c.detector == nil {
		c.detector = audio.NewDetector(dcfg, rate)
		return
	}
	c.detector.Reconfigure(dcfg)
}

// appendAudio filters data, stores it and runs turn detection over it.
// There is no acknowledgement event.
func (c *Controller) appendAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	format := c.cfg.InputAudioFormat

	var samples []int16
	if c.noise != nil || c.detector != nil {
		decoded, err := audio.Decode(format, data)
		if err != nil {
			return protocol.InvalidRequest("invalid_audio", fmt.Sprintf("Audio is not valid %s.", format), "audio")
		}
		samples = decoded
		if c.noise != nil {
			samples = c.noise.Process(samples)
			if data, err = audio.Encode(format, samples); err != nil {
				return fmt.Errorf("re-encode filtered audio: %w", err)
			}
		}
	}

	if err := c.buffer.Append(data); err != nil {
		if errors.Is(err, audio.ErrBufferFull) {
			return protocol.InvalidRequest("input_audio_buffer_full",
				fmt.Sprintf("The input audio buffer would exceed %d bytes.", c.buffer.Cap()), "audio")
		}
		return err
	}

	if c.detector == nil {
		return nil
	}
	for _, ev := range c.detector.Process(samples) {
		switch ev.Kind {
		case audio.SpeechStarted:
			c.speechStarted(ev.AtMs)
		case audio.SpeechStopped:
			c.speechStopped(ev.AtMs)
		}
	}
	return nil
}

// speechStarted announces the user turn. A response that is already playing
// audio is cancelled when the configuration allows interruption; otherwise
// the new speech is only buffered.
func (c *Controller) speechStarted(atMs int) {
	c.speech = &speechTurn{itemID: ids.Item(), startMs: atMs}
	c.emit(&protocol.InputAudioBufferSpeechStartedEvent{AudioStartMs: atMs, ItemID: c.speech.itemID})

	if c.active == nil || !c.cfg.TurnDetection.ShouldInterrupt() {
		return
	}
	if !c.active.asm.Response().StreamingAudio() {
		return
	}
	c.deps.Metrics.ObserveIndicator(observability.IndicatorBargeIn)
	c.updateInfo(func(i *Info) { i.InterruptionCount++ })
	c.active.cancel()
	if c.active.asm.Cancel("turn_detected") {
		c.finishResponse()
	}
}

// speechStopped commits the turn and, when configured, asks for a response.
func (c *Controller) speechStopped(atMs int) {
	itemID := ids.Item()
	if c.speech != nil {
		itemID = c.speech.itemID
	}
	c.speech = nil
	c.turnEndedAt = c.now()
	c.emit(&protocol.InputAudioBufferSpeechStoppedEvent{AudioEndMs: atMs, ItemID: itemID})

	if c.buffer.Len() == 0 {
		return
	}
	if err := c.commitBuffer(itemID); err != nil {
		c.reject(err, "")
		return
	}
	if c.cfg.TurnDetection.ShouldCreateResponse() {
		c.requestTurnResponse()
	}
}

// commitBuffer turns the whole buffer into one user message.
func (c *Controller) commitBuffer(itemID string) error {
	if c.buffer.Len() == 0 {
		return protocol.InvalidRequest("input_audio_buffer_commit_empty",
			"Error committing input audio buffer: the buffer is empty.", "")
	}
	format := c.cfg.InputAudioFormat
	data := c.buffer.Commit()

	status := protocol.ItemStatusCompleted
	if c.cfg.InputAudioTranscription != nil {
		status = protocol.ItemStatusInProgress
	}
	item, prev, err := c.conv.Create(protocol.Item{
		ID:      itemID,
		Type:    protocol.ItemTypeMessage,
		Status:  status,
		Role:    protocol.RoleUser,
		Content: []protocol.ContentPart{{Type: protocol.ContentInputAudio}},
	}, nil)
	if err != nil {
		return err
	}
	if err := c.conv.SetAudio(item.ID, 0, conversation.AudioPart{Data: data, BytesPerMs: audio.BytesPerMs(format)}); err != nil {
		return err
	}

	c.emit(&protocol.InputAudioBufferCommittedEvent{PreviousItemID: prev, ItemID: item.ID})
	c.emit(&protocol.ConversationItemCreatedEvent{PreviousItemID: prev, Item: item})

	if c.cfg.InputAudioTranscription != nil {
		c.transcribe(item.ID, data, format)
	}
	return nil
}

func (c *Controller) clearBuffer() {
	c.buffer.Clear()
	if c.detector != nil {
		c.detector.Reset()
	}
	c.speech = nil
	c.emit(&protocol.InputAudioBufferClearedEvent{})
}

// transcribe runs the transcription collaborator on the worker pool. The
// result re-enters the inbox.
func (c *Controller) transcribe(itemID string, data []byte, format protocol.AudioFormat) {
	if c.deps.Transcriber == nil || c.deps.Pool == nil {
		c.completeTranscription(transcriptMessage{itemID: itemID, err: errors.New("no transcriber configured")})
		return
	}
	samples, err := audio.Decode(format, data)
	if err != nil {
		c.completeTranscription(transcriptMessage{itemID: itemID, err: err})
		return
	}
	pcm := audio.SamplesToBytes(samples)
	rate := audio.SampleRate(format)
	started := c.now()
	c.transcribing[itemID] = true

	c.deps.Pool.Go(c.ctx, func(ctx context.Context) error {
		tr, err := c.deps.Transcriber.Transcribe(ctx, pcm, rate)
		c.deps.Metrics.ObserveStage(observability.StageTranscription, c.now().Sub(started))
		return c.enqueue(ctx, transcriptMessage{itemID: itemID, transcript: tr, err: err})
	}, nil)
}

func (c *Controller) completeTranscription(m transcriptMessage) {
	delete(c.transcribing, m.itemID)
	defer c.startDeferred()

	if m.err != nil && !errors.Is(m.err, voice.ErrNoSpeech) {
		log.Printf("session: transcription failed session=%s item=%s err=%s", c.id, m.itemID, redact.Error(m.err))
		c.deps.Metrics.ObserveIndicator(observability.IndicatorTranscribeError)
		if _, err := c.conv.UpdateTranscript(m.itemID, 0, "", protocol.ItemStatusCompleted); err != nil {
			return
		}
		perr := protocol.ServerError("transcription_failed", "Input audio transcription failed.")
		c.emit(&protocol.InputAudioTranscriptionFailedEvent{ItemID: m.itemID, ContentIndex: 0, Error: perr.Detail()})
		return
	}
	text := m.transcript.Text
	if _, err := c.conv.UpdateTranscript(m.itemID, 0, text, protocol.ItemStatusCompleted); err != nil {
		// Deleted while the collaborator was running.
		return
	}
	c.emit(&protocol.InputAudioTranscriptionCompletedEvent{ItemID: m.itemID, ContentIndex: 0, Transcript: text})
}
