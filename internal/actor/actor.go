// Package actor runs each stateful subsystem as a single-owner message
// loop. State inside an actor is never shared; callers interact through
// cloneable handles that send messages over channels.
package actor

import (
	"context"

	"codeberg.org/mutker/coolerd/internal/errors"
	"codeberg.org/mutker/coolerd/internal/logger"
)

// Actor is implemented by every message loop. Messages are handled
// strictly one at a time, which gives mutual exclusion over the
// actor's owned state without locks.
type Actor[M any] interface {
	Name() string
	Receiver() <-chan M
	HandleMessage(ctx context.Context, msg M)
}

// Run drives an actor until the context is canceled or its channel is
// closed. A message already being handled always finishes; no further
// messages are picked up after cancellation.
func Run[M any](ctx context.Context, a Actor[M]) {
	logger.Debug().Str("actor", a.Name()).Msg("Actor started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Str("actor", a.Name()).Msg("Actor shutting down")
			return
		case msg, ok := <-a.Receiver():
			if !ok {
				logger.Debug().Str("actor", a.Name()).Msg("Actor channel closed")
				return
			}
			a.HandleMessage(ctx, msg)
		}
	}
}

// Send delivers a message to an actor, giving up when the context is
// canceled. A full bounded channel suspends the caller until space
// frees up, which is how capacity-1 actors serialize their work.
func Send[M any](ctx context.Context, ch chan<- M, msg M) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- msg:
		return nil
	}
}

// NewReply allocates a buffered reply channel so the actor never
// blocks on responding.
func NewReply[T any]() chan T {
	return make(chan T, 1)
}

// Await waits for an actor's reply. A closed reply channel means the
// actor dropped the request, reported as an internal error for this
// request only.
func Await[T any](ctx context.Context, reply <-chan T) (T, error) {
	var zero T

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case v, ok := <-reply:
		if !ok {
			return zero, errors.New().
				WithMessage(errors.ErrInternal, "actor dropped the request")
		}
		return v, nil
	}
}

// Result carries a value or an error through a reply channel.
type Result[T any] struct {
	Value T
	Err   error
}
