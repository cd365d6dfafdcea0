package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/rtvoice/internal/ids"
	"github.com/antoniostano/rtvoice/internal/protocol"
)

// MockGenerator provides deterministic local replies, streamed one word per
// delta.
type MockGenerator struct {
	// DeltaDelay is slept before each delta.
	DeltaDelay time.Duration
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res := Result{
		FinishReason: FinishStop,
		Usage:        Usage{InputTokens: EstimatePrompt(req.Instructions, req.Turns)},
	}

	if tool, ok := mockToolCall(req); ok {
		call := FunctionCall{CallID: ids.Call(), Name: tool.Name, Arguments: "{}"}
		if err := g.emit(ctx, onDelta, Delta{Kind: DeltaFunctionCall, CallID: call.CallID, Name: call.Name, Arguments: call.Arguments}); err != nil {
			return Result{}, err
		}
		res.Calls = append(res.Calls, call)
		res.Usage.OutputTokens = EstimateTokens(call.Name + call.Arguments)
		return res, nil
	}

	var out strings.Builder
	for i, word := range strings.Fields(buildMockReply(req)) {
		if req.MaxOutputTokens > 0 && i >= req.MaxOutputTokens {
			res.FinishReason = FinishMaxTokens
			break
		}
		delta := word
		if i > 0 {
			delta = " " + word
		}
		if err := g.emit(ctx, onDelta, Delta{Kind: DeltaText, Text: delta}); err != nil {
			return Result{}, err
		}
		out.WriteString(delta)
		res.Usage.OutputTokens++
	}
	res.Text = out.String()
	return res, nil
}

func (g *MockGenerator) emit(ctx context.Context, onDelta DeltaHandler, d Delta) error {
	if g.DeltaDelay > 0 {
		timer := time.NewTimer(g.DeltaDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if onDelta == nil {
		return nil
	}
	return onDelta(d)
}

// mockToolCall calls the forced function, or the first tool when a call is
// required, unless the last turn already answered a call.
func mockToolCall(req Request) (protocol.Tool, bool) {
	if len(req.Tools) == 0 || req.ToolChoice == protocol.ToolChoiceNone || req.ToolChoice == protocol.ToolChoiceAuto || req.ToolChoice == "" {
		return protocol.Tool{}, false
	}
	if n := len(req.Turns); n > 0 && req.Turns[n-1].Output != nil {
		return protocol.Tool{}, false
	}
	if req.ToolChoice == protocol.ToolChoiceRequired {
		return req.Tools[0], true
	}
	for _, t := range req.Tools {
		if t.Name == string(req.ToolChoice) {
			return t, true
		}
	}
	return protocol.Tool{}, false
}

func buildMockReply(req Request) string {
	if n := len(req.Turns); n > 0 && req.Turns[n-1].Output != nil {
		return fmt.Sprintf("The tool returned: %s", strings.TrimSpace(*req.Turns[n-1].Output))
	}
	base := strings.TrimSpace(LastUserText(req.Turns))
	if base == "" {
		return "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", base)
}
