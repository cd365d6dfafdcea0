package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/antoniostano/rtvoice/internal/ids"
	"github.com/antoniostano/rtvoice/internal/protocol"
)

// GeminiGenerator streams completions from the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

func (g *GeminiGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Result, error) {
	contents := geminiContents(req.Turns)
	if len(contents) == 0 {
		contents = []*genai.Content{genai.NewContentFromText("Hello.", genai.RoleUser)}
	}

	var out strings.Builder
	res := Result{FinishReason: FinishStop}
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, geminiConfig(req)) {
		if err != nil {
			return Result{}, fmt.Errorf("gemini stream: %w", err)
		}
		if text := resp.Text(); text != "" {
			out.WriteString(text)
			if onDelta != nil {
				if err := onDelta(Delta{Kind: DeltaText, Text: text}); err != nil {
					return Result{}, err
				}
			}
		}
		for _, fc := range resp.FunctionCalls() {
			args, err := json.Marshal(fc.Args)
			if err != nil {
				return Result{}, fmt.Errorf("marshal function args: %w", err)
			}
			callID := fc.ID
			if callID == "" {
				callID = ids.Call()
			}
			call := FunctionCall{CallID: callID, Name: fc.Name, Arguments: string(args)}
			res.Calls = append(res.Calls, call)
			if onDelta != nil {
				if err := onDelta(Delta{Kind: DeltaFunctionCall, CallID: call.CallID, Name: call.Name, Arguments: call.Arguments}); err != nil {
					return Result{}, err
				}
			}
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
			res.FinishReason = FinishMaxTokens
		}
		if u := resp.UsageMetadata; u != nil {
			res.Usage = Usage{
				InputTokens:  int(u.PromptTokenCount),
				OutputTokens: int(u.CandidatesTokenCount),
				CachedTokens: int(u.CachedContentTokenCount),
			}
		}
	}
	res.Text = out.String()
	if res.Usage == (Usage{}) {
		res.Usage = Usage{InputTokens: EstimatePrompt(req.Instructions, req.Turns), OutputTokens: EstimateTokens(res.Text)}
	}
	return res, nil
}

func geminiConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if s := strings.TrimSpace(req.Instructions); s != "" {
		cfg.SystemInstruction = genai.NewContentFromText(s, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if len(req.Tools) == 0 || req.ToolChoice == protocol.ToolChoiceNone {
		return cfg
	}

	decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
	for _, t := range req.Tools {
		decl := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		if len(t.Parameters) > 0 {
			var schema any
			if err := json.Unmarshal(t.Parameters, &schema); err == nil {
				decl.ParametersJsonSchema = schema
			}
		}
		decls = append(decls, decl)
	}
	cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

	fcc := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	switch {
	case req.ToolChoice == protocol.ToolChoiceRequired:
		fcc.Mode = genai.FunctionCallingConfigModeAny
	case !req.ToolChoice.IsMode():
		fcc.Mode = genai.FunctionCallingConfigModeAny
		fcc.AllowedFunctionNames = []string{string(req.ToolChoice)}
	}
	cfg.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: fcc}
	return cfg
}

// geminiContents maps turns onto user/model contents. System messages are
// folded into user turns since Gemini only carries one system instruction.
func geminiContents(turns []Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		switch {
		case t.Call != nil && t.Output == nil:
			var args map[string]any
			_ = json.Unmarshal([]byte(t.Call.Arguments), &args)
			out = append(out, genai.NewContentFromParts([]*genai.Part{genai.NewPartFromFunctionCall(t.Call.Name, args)}, genai.RoleModel))
		case t.Output != nil:
			name := "function"
			if t.Call != nil {
				name = t.Call.Name
			}
			resp := map[string]any{"output": *t.Output}
			out = append(out, genai.NewContentFromParts([]*genai.Part{genai.NewPartFromFunctionResponse(name, resp)}, genai.RoleUser))
		case t.Role == protocol.RoleAssistant:
			out = append(out, genai.NewContentFromText(t.Text, genai.RoleModel))
		default:
			out = append(out, genai.NewContentFromText(t.Text, genai.RoleUser))
		}
	}
	return out
}
