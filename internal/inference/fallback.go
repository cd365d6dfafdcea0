package inference

import (
	"context"
	"errors"
	"fmt"
)

// FallbackGenerator tries the primary generator first and falls back on
// error, but only while no delta has reached the caller.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

func (g *FallbackGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Result, error) {
	if g.primary == nil {
		if g.fallback != nil {
			return g.fallback.StreamResponse(ctx, req, onDelta)
		}
		return Result{}, fmt.Errorf("fallback generator misconfigured")
	}

	emitted := false
	res, err := g.primary.StreamResponse(ctx, req, func(d Delta) error {
		emitted = true
		if onDelta == nil {
			return nil
		}
		return onDelta(d)
	})
	if err == nil {
		return res, nil
	}
	if emitted || g.fallback == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Result{}, err
	}
	fallbackRes, fallbackErr := g.fallback.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return Result{}, fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return fallbackRes, nil
}
