package actor

import (
	"context"

	"codeberg.org/mutker/coolerd/internal/logger"
)

type detectMessage struct {
	reply chan error
}

// DetectActor serializes hardware probing. Interleaved probe sequences
// can corrupt chip state, so the mailbox has capacity 1: one probe in
// flight, one queued, and further callers wait for channel space in
// FIFO order.
type DetectActor struct {
	ch    chan detectMessage
	probe func(ctx context.Context) error
}

func NewDetectActor(probe func(ctx context.Context) error) *DetectActor {
	return &DetectActor{
		ch:    make(chan detectMessage, 1),
		probe: probe,
	}
}

func (a *DetectActor) Name() string { return "detect" }

func (a *DetectActor) Receiver() <-chan detectMessage { return a.ch }

func (a *DetectActor) HandleMessage(ctx context.Context, msg detectMessage) {
	logger.Debug().Msg("Running hardware detection")
	msg.reply <- a.probe(ctx)
}

type DetectHandle struct {
	ch chan<- detectMessage
}

func (a *DetectActor) Handle() DetectHandle {
	return DetectHandle{ch: a.ch}
}

// Detect runs one serialized probe pass and waits for its result.
func (h DetectHandle) Detect(ctx context.Context) error {
	msg := detectMessage{reply: NewReply[error]()}
	if err := Send(ctx, h.ch, msg); err != nil {
		return err
	}

	err, awaitErr := Await(ctx, msg.reply)
	if awaitErr != nil {
		return awaitErr
	}

	return err
}
