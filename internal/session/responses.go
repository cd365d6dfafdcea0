package session

import (
	"context"
	"fmt"
	"time"

	"github.com/antoniostano/rtvoice/internal/inference"
	"github.com/antoniostano/rtvoice/internal/observability"
	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/response"
)

type activeResponse struct {
	asm    *response.Assembler
	cancel context.CancelFunc
	// turnEndedAt is set when turn detection triggered the response.
	turnEndedAt time.Time
}

func (c *Controller) createResponse(over *protocol.ResponseConfig) error {
	if c.active != nil {
		return protocol.InvalidRequest("conversation_already_has_active_response",
			fmt.Sprintf("Conversation already has an active response in progress: %s. Wait until the response is finished before creating a new one.", c.active.asm.Response().ID), "")
	}
	return c.startResponse(over, time.Time{})
}

// requestTurnResponse starts the response for a detected turn, or defers it
// while another response is active or the turn is still being transcribed.
func (c *Controller) requestTurnResponse() {
	if c.active != nil || len(c.transcribing) > 0 {
		if c.active != nil {
			c.deps.Metrics.ObserveIndicator(observability.IndicatorDeferred)
		}
		c.deferred = true
		return
	}
	if err := c.startResponse(nil, c.turnEndedAt); err != nil {
		c.reject(err, "")
	}
}

func (c *Controller) startDeferred() {
	if !c.deferred || c.active != nil || len(c.transcribing) > 0 {
		return
	}
	c.deferred = false
	if err := c.startResponse(nil, c.turnEndedAt); err != nil {
		c.reject(err, "")
	}
}

func (c *Controller) startResponse(over *protocol.ResponseConfig, turnEndedAt time.Time) error {
	if c.deps.Limiter != nil && !c.deps.Limiter.AllowRequest(c.tenantID) {
		return protocol.InvalidRequest("rate_limit_exceeded", "Rate limit reached for requests. Please try again shortly.", "")
	}
	settings, err := response.Resolve(c.cfg, over, c.deps.Voices)
	if err != nil {
		return err
	}

	resp := response.New(c.conv.ID(), settings, c.now())
	items := c.conv.List()
	turns := inference.TurnsFromItems(items)
	resp.InputTokens = inference.EstimatePrompt(settings.Instructions, turns)
	resp.InputAudioMs = c.inputAudioMs(items)

	asm := response.NewAssembler(resp, c.conv, c.emit, c.now)
	asm.Start()

	maxTokens := 0
	if !settings.MaxOutputTokens.Infinite() {
		maxTokens = settings.MaxOutputTokens.Limit
	}
	job := response.Job{
		Request: inference.Request{
			SessionID:       c.id,
			ResponseID:      resp.ID,
			Instructions:    settings.Instructions,
			Turns:           turns,
			Tools:           settings.Tools,
			ToolChoice:      settings.ToolChoice,
			Temperature:     settings.Temperature,
			MaxOutputTokens: maxTokens,
		},
		Audio: settings.Audio(),
		Voice: settings.Voice,
	}
	cancel := c.deps.Runner.Start(c.ctx, job, c.stepPusher(resp.ID))
	c.active = &activeResponse{asm: asm, cancel: cancel, turnEndedAt: turnEndedAt}
	c.updateInfo(func(i *Info) {
		i.ActiveResponseID = resp.ID
		i.ResponseCount++
	})
	return nil
}

// stepPusher routes steps of one response back into the inbox.
func (c *Controller) stepPusher(responseID string) func(response.Step) {
	return func(s response.Step) {
		select {
		case c.inbox <- stepMessage{responseID: responseID, step: s}:
		case <-c.stop:
		case <-c.done:
		}
	}
}

// applyStep feeds a step to the active response. Steps of any other
// response are stale and dropped.
func (c *Controller) applyStep(responseID string, s response.Step) {
	a := c.active
	if a == nil || a.asm.Response().ID != responseID {
		return
	}
	resp := a.asm.Response()
	hadDelta := !resp.FirstDeltaAt.IsZero()
	hadAudio := !resp.FirstAudioAt.IsZero()

	if _, ok := s.(response.Failed); ok {
		c.deps.Metrics.ProviderErrors.WithLabelValues("generator", "generation_failed").Inc()
	}
	terminal := a.asm.Apply(s)

	if !hadDelta && !resp.FirstDeltaAt.IsZero() {
		c.deps.Metrics.ObserveFirstDeltaLatency(resp.FirstDeltaAt.Sub(resp.CreatedAt))
	}
	if !hadAudio && !resp.FirstAudioAt.IsZero() {
		c.voiceLocked = true
		c.deps.Metrics.ObserveFirstAudioLatency(resp.FirstAudioAt.Sub(resp.CreatedAt))
		if !a.turnEndedAt.IsZero() {
			c.deps.Metrics.ObserveStage(observability.StageSpeechStoppedToFirstAudio, resp.FirstAudioAt.Sub(a.turnEndedAt))
		}
	}
	if terminal {
		c.finishResponse()
	}
}

// finishResponse runs after the terminal event of the active response.
func (c *Controller) finishResponse() {
	a := c.active
	if a == nil {
		return
	}
	c.active = nil
	a.cancel()

	resp := a.asm.Response()
	wire := resp.Wire()
	c.deps.Metrics.Responses.WithLabelValues(string(wire.Status)).Inc()
	c.deps.Metrics.ObserveStage(observability.StageResponseTotal, c.now().Sub(resp.CreatedAt))
	if resp.State == response.StateCancelled {
		c.deps.Metrics.ObserveIndicator(observability.IndicatorCancelled)
	}
	if !resp.FirstAudioAt.IsZero() {
		c.voiceLocked = true
	}
	c.updateInfo(func(i *Info) { i.ActiveResponseID = "" })

	if c.deps.Limiter != nil {
		c.deps.Limiter.ConsumeTokens(c.tenantID, resp.Usage.TotalTokens)
		c.emit(&protocol.RateLimitsUpdatedEvent{RateLimits: c.deps.Limiter.Snapshot(c.tenantID)})
	}
	c.startDeferred()
}

func (c *Controller) cancelResponse(responseID string) error {
	if c.active == nil {
		return protocol.InvalidRequest("response_cancel_not_active", "Cancellation failed: no active response found.", "")
	}
	if responseID != "" && responseID != c.active.asm.Response().ID {
		return protocol.InvalidRequest("response_cancel_not_active",
			fmt.Sprintf("Cancellation failed: response '%s' is not active.", responseID), "response_id")
	}
	c.active.cancel()
	if c.active.asm.Cancel("client_cancelled") {
		c.finishResponse()
	}
	return nil
}

// clearOutputAudio stops further audio of the active response. Text and
// transcript keep streaming.
func (c *Controller) clearOutputAudio() error {
	var responseID string
	if c.active != nil && c.active.asm.SuppressAudio() {
		responseID = c.active.asm.Response().ID
	}
	c.emit(&protocol.OutputAudioBufferClearedEvent{ResponseID: responseID})
	return nil
}

// inputAudioMs totals the user audio a prompt carries.
func (c *Controller) inputAudioMs(items []protocol.Item) int {
	total := 0
	for _, it := range items {
		if it.Role != protocol.RoleUser {
			continue
		}
		for i, part := range it.Content {
			if part.Type != protocol.ContentInputAudio {
				continue
			}
			if a, ok := c.conv.Audio(it.ID, i); ok {
				total += a.DurationMs()
			}
		}
	}
	return total
}
