package stream

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"strings"
)

// State is the lifecycle state of an Assembler.
type State int

const (
	// StateIdle is the state before any stream is consumed.
	StateIdle State = iota
	// StateStreaming is entered when the read loop starts.
	StateStreaming
	// StateCompleted is entered when the stream ends normally without an error.
	StateCompleted
	// StateFailed is entered on a model error, a transport failure or an HTTP failure.
	StateFailed
	// StateCancelled is entered when the caller abandons the stream through its context.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Handlers receives the updates of an Assembler. Any of the functions may be nil.
type Handlers struct {
	// OnDelta is called once per applied delta with the full accumulated text.
	OnDelta func(text string)
	// OnDone is called once when the stream completes normally.
	OnDone func()
	// OnError is called once when the stream fails, with the text that replaced the buffer.
	OnError func(message string)
}

// Assembler folds a stream of Events into a single growing text buffer. It consumes at most one
// stream and is not safe for concurrent use; read State, Text and Err after Consume or Apply
// returns, or from within the handlers.
type Assembler struct {
	handlers Handlers
	opts     []Option
	logger   *slog.Logger

	state State
	buf   strings.Builder
	text  string
	err   error
}

// NewAssembler returns an idle Assembler that reports to h. The options are also passed to the
// Decoder created by Consume.
func NewAssembler(h Handlers, opts ...Option) *Assembler {
	return &Assembler{
		handlers: h,
		opts:     opts,
		logger:   newOptions(opts).logger,
	}
}

// Consume decodes r and applies its events. When ctx is cancelled and r is an io.Closer, r is
// closed to abort a pending read.
func (a *Assembler) Consume(ctx context.Context, r io.Reader) error {
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = c.Close()
		})
		defer stop()
	}
	return a.Apply(ctx, Read(r, a.opts...))
}

// Apply folds events into the buffer in order until a terminal event, an error, the end of the
// sequence or the cancellation of ctx. It returns nil when the stream completed, ctx.Err() when
// it was cancelled, and the failure cause otherwise.
func (a *Assembler) Apply(ctx context.Context, events iter.Seq2[Event, error]) error {
	if a.state != StateIdle {
		return ErrAlreadyStarted
	}
	a.state = StateStreaming

	for ev, err := range events {
		if ctx.Err() != nil {
			return a.cancel(ctx.Err())
		}
		if err != nil {
			return a.fail(err)
		}

		switch ev.Kind {
		case KindDelta:
			a.buf.WriteString(ev.Text)
			a.text = a.buf.String()
			if a.handlers.OnDelta != nil {
				a.handlers.OnDelta(a.text)
			}
		case KindError:
			return a.fail(&ModelError{Message: ev.Text})
		case KindDone:
			a.complete()
			return nil
		}
	}

	if ctx.Err() != nil {
		return a.cancel(ctx.Err())
	}
	a.complete()
	return nil
}

func (a *Assembler) complete() {
	a.state = StateCompleted
	if a.handlers.OnDone != nil {
		a.handlers.OnDone()
	}
}

func (a *Assembler) fail(err error) error {
	a.state = StateFailed
	a.err = err
	a.text = DisplayMessage(err)
	a.logger.Error("Stream failed", slog.String("err", err.Error()))
	if a.handlers.OnError != nil {
		a.handlers.OnError(a.text)
	}
	return err
}

func (a *Assembler) cancel(err error) error {
	a.state = StateCancelled
	a.err = err
	return err
}

// State returns the current state.
func (a *Assembler) State() State {
	return a.state
}

// Text returns the accumulated text, or the error display text once the Assembler failed.
func (a *Assembler) Text() string {
	return a.text
}

// Err returns the cause of a failure or cancellation, or nil.
func (a *Assembler) Err() error {
	return a.err
}
