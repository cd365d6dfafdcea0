// Package inference drives the text generation collaborator behind a
// response: it turns a conversation snapshot into streamed text and
// function-call deltas.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishMaxTokens FinishReason = "max_output_tokens"
)

// Request is the normalized generation input.
type Request struct {
	SessionID    string
	ResponseID   string
	Instructions string
	Turns        []Turn
	Tools        []protocol.Tool
	ToolChoice   protocol.ToolChoice
	Temperature  float64
	// MaxOutputTokens is 0 for no cap.
	MaxOutputTokens int
}

// DeltaKind distinguishes streamed fragments.
type DeltaKind int

const (
	DeltaText DeltaKind = iota
	DeltaFunctionCall
)

// Delta is one streamed fragment. Function call fragments carry the call id
// and name on every delta; Arguments holds the next chunk of the JSON text.
type Delta struct {
	Kind      DeltaKind
	Text      string
	CallID    string
	Name      string
	Arguments string
}

// FunctionCall is a completed tool invocation requested by the model.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// Usage counts tokens as reported by the backend, or estimated when the
// backend does not report them.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CachedTokens int
}

// Result is the final outcome after all deltas were delivered.
type Result struct {
	Text         string
	Calls        []FunctionCall
	Usage        Usage
	FinishReason FinishReason
}

// DeltaHandler receives streaming fragments in order. Returning an error
// aborts generation.
type DeltaHandler func(Delta) error

// Generator is the text generation collaborator.
type Generator interface {
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Result, error)
}

// Config controls generator construction.
type Config struct {
	Mode         string
	HTTPURL      string
	GeminiAPIKey string
	GeminiModel  string
}

// NewGenerator picks a backend. "auto" prefers Gemini, then HTTP, then the
// local mock; a real backend is wrapped with the mock as fallback.
func NewGenerator(ctx context.Context, cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoGenerator(ctx, cfg), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("GEMINI_API_KEY is required for gemini mode")
		}
		return NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("GENERATOR_HTTP_URL is required for http mode")
		}
		return NewHTTPGenerator(cfg.HTTPURL), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported generator mode %q", cfg.Mode)
	}
}

func newAutoGenerator(ctx context.Context, cfg Config) Generator {
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		if g, err := NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel); err == nil {
			return NewFallbackGenerator(g, NewMockGenerator())
		}
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		return NewFallbackGenerator(NewHTTPGenerator(cfg.HTTPURL), NewMockGenerator())
	}
	return NewMockGenerator()
}

// Name reports the backend kind for logs.
func Name(g Generator) string {
	switch t := g.(type) {
	case *MockGenerator:
		return "mock"
	case *HTTPGenerator:
		return "http"
	case *GeminiGenerator:
		return "gemini"
	case *FallbackGenerator:
		return Name(t.primary) + "+fallback"
	default:
		return fmt.Sprintf("%T", g)
	}
}
