package response

import (
	"context"
	"fmt"

	"github.com/antoniostano/rtvoice/internal/inference"
	"github.com/antoniostano/rtvoice/internal/voice"
	"github.com/antoniostano/rtvoice/internal/workpool"
)

// Job is one generation task.
type Job struct {
	Request inference.Request
	// Audio requests synthesized speech for message text.
	Audio bool
	Voice string
}

// Runner executes generation tasks on the shared worker pool. Results flow
// back only through the push callback, in production order.
type Runner struct {
	generator   inference.Generator
	synthesizer voice.Synthesizer
	pool        *workpool.Pool
}

func NewRunner(generator inference.Generator, synthesizer voice.Synthesizer, pool *workpool.Pool) *Runner {
	return &Runner{generator: generator, synthesizer: synthesizer, pool: pool}
}

// Start launches job and returns its cancel function. push is never called
// after the task context is cancelled by the caller, except for steps
// already in flight, which the owner discards.
func (r *Runner) Start(parent context.Context, job Job, push func(Step)) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	r.pool.Go(ctx, func(ctx context.Context) error {
		return r.run(ctx, job, push)
	}, func(err error) {
		if err != nil && ctx.Err() == nil {
			push(Failed{Err: err})
		}
	})
	return cancel
}

func (r *Runner) run(ctx context.Context, job Job, push func(Step)) error {
	seg := &segment{runner: r, ctx: ctx, job: job, push: push}
	defer seg.abort()

	res, err := r.generator.StreamResponse(ctx, job.Request, func(d inference.Delta) error {
		switch d.Kind {
		case inference.DeltaText:
			push(TextDelta{Text: d.Text})
			if err := seg.text(d.Text); err != nil {
				return err
			}
		case inference.DeltaFunctionCall:
			// Speech for preceding text must be complete before the
			// message item closes.
			if err := seg.finish(); err != nil {
				return err
			}
			push(FunctionCallDelta{CallID: d.CallID, Name: d.Name, Arguments: d.Arguments})
		}
		return ctx.Err()
	})
	if err != nil {
		return err
	}
	if err := seg.finish(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	push(Finished{Result: res})
	return nil
}

// segment is one synthesizer stream covering a run of message text.
type segment struct {
	runner *Runner
	ctx    context.Context
	job    Job
	push   func(Step)

	stream voice.SynthStream
	done   chan error
}

func (s *segment) text(text string) error {
	if !s.job.Audio || s.runner.synthesizer == nil {
		return nil
	}
	if s.stream == nil {
		stream, err := s.runner.synthesizer.StartStream(s.ctx, s.job.Voice, "", voice.SynthSettings{})
		if err != nil {
			return fmt.Errorf("start synthesis: %w", err)
		}
		s.stream = stream
		s.done = make(chan error, 1)
		go s.pump(stream, s.done)
	}
	if err := s.stream.SendText(s.ctx, text, true); err != nil {
		return fmt.Errorf("send synthesis text: %w", err)
	}
	return nil
}

// pump forwards audio until the stream reports final or closes.
func (s *segment) pump(stream voice.SynthStream, done chan<- error) {
	for {
		select {
		case <-s.ctx.Done():
			done <- s.ctx.Err()
			return
		case evt, ok := <-stream.Events():
			if !ok {
				done <- nil
				return
			}
			switch evt.Type {
			case voice.SynthEventAudio:
				s.push(AudioDelta{PCM: evt.Audio})
			case voice.SynthEventFinal:
				done <- nil
				return
			case voice.SynthEventError:
				done <- fmt.Errorf("synthesis %s: %s", evt.Code, evt.Detail)
				return
			}
		}
	}
}

// finish flushes the open stream and waits for its last audio.
func (s *segment) finish() error {
	if s.stream == nil {
		return nil
	}
	stream, done := s.stream, s.done
	s.stream, s.done = nil, nil
	defer stream.Close()

	if err := stream.CloseInput(s.ctx); err != nil {
		return fmt.Errorf("flush synthesis: %w", err)
	}
	select {
	case err := <-done:
		return err
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *segment) abort() {
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
}
