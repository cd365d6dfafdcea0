package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/rtvoice/internal/protocol"
	"github.com/antoniostano/rtvoice/internal/reliability"
)

// HTTPGenerator forwards requests to a streaming HTTP endpoint that answers
// with SSE or NDJSON frames, or a single JSON/plain body.
type HTTPGenerator struct {
	url      string
	client   *http.Client
	attempts int
}

func NewHTTPGenerator(url string) *HTTPGenerator {
	return &HTTPGenerator{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		attempts: 3,
	}
}

type httpRequest struct {
	SessionID       string              `json:"session_id"`
	ResponseID      string              `json:"response_id"`
	Instructions    string              `json:"instructions,omitempty"`
	Input           []httpTurn          `json:"input"`
	Tools           []protocol.Tool     `json:"tools,omitempty"`
	ToolChoice      protocol.ToolChoice `json:"tool_choice,omitempty"`
	Temperature     float64             `json:"temperature,omitempty"`
	MaxOutputTokens int                 `json:"max_output_tokens,omitempty"`
}

type httpTurn struct {
	Role      protocol.Role `json:"role"`
	Text      string        `json:"text,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    *string       `json:"output,omitempty"`
}

// httpFrame is one streamed frame. Text arrives in "delta" (or "text");
// a function call frame sets type=function_call.
type httpFrame struct {
	Type         string `json:"type"`
	Delta        string `json:"delta"`
	Text         string `json:"text"`
	CallID       string `json:"call_id"`
	Name         string `json:"name"`
	Arguments    string `json:"arguments"`
	FinishReason string `json:"finish_reason"`
	Usage        *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		CachedTokens int `json:"cached_tokens"`
	} `json:"usage"`
}

func (g *HTTPGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Result, error) {
	body := httpRequest{
		SessionID:       req.SessionID,
		ResponseID:      req.ResponseID,
		Instructions:    req.Instructions,
		Tools:           req.Tools,
		ToolChoice:      req.ToolChoice,
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxOutputTokens,
	}
	for _, t := range req.Turns {
		ht := httpTurn{Role: t.Role, Text: t.Text, Output: t.Output}
		if t.Call != nil {
			ht.CallID, ht.Name, ht.Arguments = t.Call.CallID, t.Call.Name, t.Call.Arguments
		}
		body.Input = append(body.Input, ht)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	var res *http.Response
	err = reliability.Retry(ctx, g.attempts, 200*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

		r, err := g.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(r.Body, 4<<10))
			r.Body.Close()
			return &reliability.StatusError{Provider: "generator http", Code: r.StatusCode, Body: strings.TrimSpace(string(b))}
		}
		res = r
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	defer res.Body.Close()

	acc := newAccumulator(req)
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		if err := consumeStream(res.Body, acc, onDelta); err != nil {
			return Result{}, err
		}
		return acc.result(), nil
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if err := acc.line(strings.TrimSpace(string(raw)), onDelta); err != nil {
		return Result{}, err
	}
	return acc.result(), nil
}

func consumeStream(body io.Reader, acc *accumulator, onDelta DeltaHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}
		if err := acc.line(line, onDelta); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

type accumulator struct {
	req      Request
	text     strings.Builder
	calls    []FunctionCall
	callIdx  map[string]int
	usage    *Usage
	finished FinishReason
}

func newAccumulator(req Request) *accumulator {
	return &accumulator{req: req, callIdx: make(map[string]int)}
}

// line handles one frame; non-JSON lines are plain text deltas.
func (a *accumulator) line(line string, onDelta DeltaHandler) error {
	if line == "" {
		return nil
	}
	var f httpFrame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		return a.textDelta(line, onDelta)
	}
	if f.Usage != nil {
		a.usage = &Usage{InputTokens: f.Usage.InputTokens, OutputTokens: f.Usage.OutputTokens, CachedTokens: f.Usage.CachedTokens}
	}
	switch f.FinishReason {
	case "length", "max_tokens", string(FinishMaxTokens):
		a.finished = FinishMaxTokens
	case "":
	default:
		a.finished = FinishStop
	}
	if f.Type == "function_call" {
		if f.CallID == "" || f.Name == "" {
			return fmt.Errorf("function_call frame without call_id or name")
		}
		i, ok := a.callIdx[f.CallID]
		if !ok {
			i = len(a.calls)
			a.callIdx[f.CallID] = i
			a.calls = append(a.calls, FunctionCall{CallID: f.CallID, Name: f.Name})
		}
		a.calls[i].Arguments += f.Arguments
		if onDelta != nil {
			return onDelta(Delta{Kind: DeltaFunctionCall, CallID: f.CallID, Name: f.Name, Arguments: f.Arguments})
		}
		return nil
	}
	delta := f.Delta
	if delta == "" {
		delta = f.Text
	}
	return a.textDelta(delta, onDelta)
}

func (a *accumulator) textDelta(delta string, onDelta DeltaHandler) error {
	if delta == "" {
		return nil
	}
	a.text.WriteString(delta)
	if onDelta != nil {
		return onDelta(Delta{Kind: DeltaText, Text: delta})
	}
	return nil
}

func (a *accumulator) result() Result {
	res := Result{Text: a.text.String(), Calls: a.calls, FinishReason: a.finished}
	if res.FinishReason == "" {
		res.FinishReason = FinishStop
	}
	if a.usage != nil {
		res.Usage = *a.usage
	} else {
		res.Usage = Usage{
			InputTokens:  EstimatePrompt(a.req.Instructions, a.req.Turns),
			OutputTokens: EstimateTokens(res.Text),
		}
		for _, c := range a.calls {
			res.Usage.OutputTokens += EstimateTokens(c.Name + c.Arguments)
		}
	}
	return res
}
