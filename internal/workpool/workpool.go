// Package workpool bounds concurrent calls to external collaborators
// (generation, synthesis, transcription) across all sessions.
package workpool

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/antoniostano/rtvoice/internal/redact"
)

// Pool is a weighted semaphore shared by every session.
type Pool struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
}

// New returns a pool admitting at most size concurrent tasks.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the configured capacity.
func (p *Pool) Size() int { return int(p.size) }

// InFlight returns the number of tasks currently holding a slot.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Do blocks until a slot is free, then runs fn in the calling goroutine.
// A panic in fn is recovered and returned as an error.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	defer func() {
		if r := recover(); r != nil {
			msg, _ := redact.String(fmt.Sprint(r))
			log.Printf("workpool task panic: %s\n%s", msg, debug.Stack())
			err = fmt.Errorf("workpool task panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Go runs fn on its own goroutine once a slot is free. done receives the
// task result and is never nil-called for an unset callback.
func (p *Pool) Go(ctx context.Context, fn func(context.Context) error, done func(error)) {
	go func() {
		err := p.Do(ctx, fn)
		if done != nil {
			done(err)
		}
	}()
}
