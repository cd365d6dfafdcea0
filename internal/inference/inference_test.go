package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"google.golang.org/genai"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

func userTurn(text string) Turn { return Turn{Role: protocol.RoleUser, Text: text} }

func TestMockGeneratorStreamsWords(t *testing.T) {
	g := NewMockGenerator()
	var deltas []string
	res, err := g.StreamResponse(context.Background(), Request{Turns: []Turn{userTurn("hello")}}, func(d Delta) error {
		deltas = append(deltas, d.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if res.Text != "I heard you: hello" {
		t.Fatalf("res.Text = %q", res.Text)
	}
	if strings.Join(deltas, "") != res.Text {
		t.Fatalf("deltas = %q, want concatenation %q", deltas, res.Text)
	}
	if res.Usage.OutputTokens != len(deltas) || res.Usage.InputTokens == 0 {
		t.Fatalf("usage = %+v", res.Usage)
	}
}

func TestMockGeneratorHonorsMaxOutputTokens(t *testing.T) {
	g := NewMockGenerator()
	res, err := g.StreamResponse(context.Background(), Request{Turns: []Turn{userTurn("a b c d")}, MaxOutputTokens: 2}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if res.FinishReason != FinishMaxTokens {
		t.Fatalf("FinishReason = %q, want %q", res.FinishReason, FinishMaxTokens)
	}
	if res.Usage.OutputTokens != 2 {
		t.Fatalf("OutputTokens = %d, want 2", res.Usage.OutputTokens)
	}
}

func TestMockGeneratorForcedToolCall(t *testing.T) {
	g := NewMockGenerator()
	req := Request{
		Turns:      []Turn{userTurn("weather?")},
		Tools:      []protocol.Tool{{Type: "function", Name: "get_weather"}, {Type: "function", Name: "lookup"}},
		ToolChoice: protocol.ToolChoice("lookup"),
	}
	res, err := g.StreamResponse(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if len(res.Calls) != 1 || res.Calls[0].Name != "lookup" || res.Calls[0].CallID == "" {
		t.Fatalf("Calls = %+v", res.Calls)
	}
}

func TestMockGeneratorStopsOnCancel(t *testing.T) {
	g := NewMockGenerator()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := g.StreamResponse(ctx, Request{Turns: []Turn{userTurn("one two three")}}, func(Delta) error {
		calls++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("StreamResponse() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("deltas after cancel = %d, want 1", calls)
	}
}

func TestHTTPGeneratorConsumesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body httpRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body.Input) != 1 || body.Input[0].Text != "hi" {
			http.Error(w, "unexpected input", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"delta\":\"Hel\"}\n\n")
		fmt.Fprint(w, "data: {\"delta\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: {\"finish_reason\":\"stop\",\"usage\":{\"input_tokens\":3,\"output_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var deltas []string
	res, err := NewHTTPGenerator(srv.URL).StreamResponse(context.Background(), Request{Turns: []Turn{userTurn("hi")}}, func(d Delta) error {
		deltas = append(deltas, d.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if res.Text != "Hello" || strings.Join(deltas, "") != "Hello" {
		t.Fatalf("res.Text = %q deltas = %q", res.Text, deltas)
	}
	if res.Usage.InputTokens != 3 || res.Usage.OutputTokens != 2 {
		t.Fatalf("usage = %+v", res.Usage)
	}
}

func TestHTTPGeneratorConsumesNDJSONFunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"function_call","call_id":"call_1","name":"lookup","arguments":"{\"q\":"}`)
		fmt.Fprintln(w, `{"type":"function_call","call_id":"call_1","name":"lookup","arguments":"\"x\"}"}`)
		fmt.Fprintln(w, `{"finish_reason":"length"}`)
	}))
	defer srv.Close()

	res, err := NewHTTPGenerator(srv.URL).StreamResponse(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if len(res.Calls) != 1 || res.Calls[0].Arguments != `{"q":"x"}` {
		t.Fatalf("Calls = %+v", res.Calls)
	}
	if res.FinishReason != FinishMaxTokens {
		t.Fatalf("FinishReason = %q, want max tokens", res.FinishReason)
	}
}

func TestHTTPGeneratorRetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"ok"}`)
	}))
	defer srv.Close()

	res, err := NewHTTPGenerator(srv.URL).StreamResponse(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}
	if res.Text != "ok" || hits.Load() != 2 {
		t.Fatalf("res.Text = %q hits = %d", res.Text, hits.Load())
	}
}

type failingGenerator struct {
	emit bool
	err  error
}

func (g failingGenerator) StreamResponse(_ context.Context, _ Request, onDelta DeltaHandler) (Result, error) {
	if g.emit && onDelta != nil {
		_ = onDelta(Delta{Kind: DeltaText, Text: "partial"})
	}
	return Result{}, g.err
}

func TestFallbackGeneratorOnlyBeforeFirstDelta(t *testing.T) {
	boom := errors.New("boom")

	g := NewFallbackGenerator(failingGenerator{err: boom}, NewMockGenerator())
	res, err := g.StreamResponse(context.Background(), Request{Turns: []Turn{userTurn("x")}}, nil)
	if err != nil || res.Text == "" {
		t.Fatalf("StreamResponse() = %+v, %v; want fallback result", res, err)
	}

	g = NewFallbackGenerator(failingGenerator{emit: true, err: boom}, NewMockGenerator())
	if _, err := g.StreamResponse(context.Background(), Request{}, nil); !errors.Is(err, boom) {
		t.Fatalf("StreamResponse() error = %v, want primary error after delta", err)
	}
}

func TestTurnsFromItemsUsesTranscriptsAndCalls(t *testing.T) {
	items := []protocol.Item{
		{Type: protocol.ItemTypeMessage, Role: protocol.RoleUser, Content: []protocol.ContentPart{{Type: protocol.ContentInputAudio, Transcript: "hello"}}},
		{Type: protocol.ItemTypeMessage, Role: protocol.RoleUser, Content: []protocol.ContentPart{{Type: protocol.ContentInputAudio}}},
		{Type: protocol.ItemTypeFunctionCall, CallID: "c1", Name: "lookup", Arguments: "{}"},
		{Type: protocol.ItemTypeFunctionCallOutput, CallID: "c1", Output: "42"},
	}
	turns := TurnsFromItems(items)
	if len(turns) != 3 {
		t.Fatalf("len(turns) = %d, want 3", len(turns))
	}
	if turns[0].Text != "hello" {
		t.Fatalf("turns[0].Text = %q", turns[0].Text)
	}
	if turns[2].Call == nil || turns[2].Call.Name != "lookup" || *turns[2].Output != "42" {
		t.Fatalf("turns[2] = %+v", turns[2])
	}
}

func TestGeminiConfigMapsToolChoice(t *testing.T) {
	cfg := geminiConfig(Request{
		Instructions:    "be brief",
		Temperature:     0.8,
		MaxOutputTokens: 64,
		Tools:           []protocol.Tool{{Type: "function", Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice:      protocol.ToolChoice("lookup"),
	})
	if cfg.SystemInstruction == nil || cfg.MaxOutputTokens != 64 || cfg.Temperature == nil {
		t.Fatalf("config = %+v", cfg)
	}
	fcc := cfg.ToolConfig.FunctionCallingConfig
	if fcc.Mode != genai.FunctionCallingConfigModeAny || len(fcc.AllowedFunctionNames) != 1 {
		t.Fatalf("function calling config = %+v", fcc)
	}
}

func TestNewGeneratorModes(t *testing.T) {
	g, err := NewGenerator(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	if Name(g) != "mock" {
		t.Fatalf("Name() = %q, want mock", Name(g))
	}
	g, err = NewGenerator(context.Background(), Config{HTTPURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	if Name(g) != "http+fallback" {
		t.Fatalf("Name() = %q, want http+fallback", Name(g))
	}
	if _, err := NewGenerator(context.Background(), Config{Mode: "http"}); err == nil {
		t.Fatalf("NewGenerator(http) without url error = nil")
	}
	if _, err := NewGenerator(context.Background(), Config{Mode: "bogus"}); err == nil {
		t.Fatalf("NewGenerator(bogus) error = nil")
	}
}
