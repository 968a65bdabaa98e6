package actor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/coolerd/internal/actor"
	"codeberg.org/mutker/coolerd/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoMessage struct {
	value int
	reply chan actor.Result[int]
}

// echoActor doubles whatever it receives.
type echoActor struct {
	ch      chan echoMessage
	handled atomic.Int64
}

func newEchoActor() *echoActor {
	return &echoActor{ch: make(chan echoMessage, 8)}
}

func (a *echoActor) Name() string { return "echo" }

func (a *echoActor) Receiver() <-chan echoMessage { return a.ch }

func (a *echoActor) HandleMessage(_ context.Context, msg echoMessage) {
	a.handled.Add(1)
	msg.reply <- actor.Result[int]{Value: msg.value * 2}
}

func TestRunHandlesMessagesUntilCanceled(t *testing.T) {
	a := newEchoActor()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		actor.Run(ctx, a)
	}()

	msg := echoMessage{value: 21, reply: actor.NewReply[actor.Result[int]]()}
	require.NoError(t, actor.Send(ctx, a.ch, msg))

	res, err := actor.Await(ctx, msg.reply)
	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("actor loop did not stop after cancellation")
	}
}

func TestRunStopsOnClosedChannel(t *testing.T) {
	a := newEchoActor()

	done := make(chan struct{})
	go func() {
		defer close(done)
		actor.Run(context.Background(), a)
	}()

	close(a.ch)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("actor loop did not stop on channel close")
	}
}

func TestSendGivesUpOnCanceledContext(t *testing.T) {
	full := make(chan echoMessage) // nobody reading
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := actor.Send(ctx, full, echoMessage{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestAwaitDroppedRequest(t *testing.T) {
	reply := actor.NewReply[int]()
	close(reply)

	_, err := actor.Await(context.Background(), reply)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInternal))
}

func TestDetectSerializesProbes(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	probe := func(context.Context) error {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			observed := maxInFlight.Load()
			if current <= observed || maxInFlight.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	a := actor.NewDetectActor(probe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx, a)

	handle := a.Handle()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, handle.Detect(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxInFlight.Load(), "probes must never overlap")
}

func TestDetectPropagatesProbeError(t *testing.T) {
	probeErr := errors.New().WithMessage(errors.ErrOperationFailed, "chip probe failed")
	a := actor.NewDetectActor(func(context.Context) error { return probeErr })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx, a)

	err := a.Handle().Detect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrOperationFailed))
}

func TestBroadcasterFanOut(t *testing.T) {
	b := actor.NewBroadcaster()
	defer b.Close()

	first, cancelFirst := b.Subscribe()
	second, cancelSecond := b.Subscribe()
	defer cancelSecond()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(actor.Event{Type: actor.EventStatus})
	for _, sub := range []<-chan actor.Event{first, second} {
		select {
		case event := <-sub:
			assert.Equal(t, actor.EventStatus, event.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}

	cancelFirst()
	assert.Equal(t, 1, b.SubscriberCount())

	_, ok := <-first
	assert.False(t, ok, "unsubscribing closes the channel")
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	b := actor.NewBroadcaster()
	defer b.Close()

	sub, cancel := b.Subscribe()
	defer cancel()

	// push past the subscriber buffer without reading; Publish must not block
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 40; i++ {
			b.Publish(actor.Event{Type: actor.EventStatus, Payload: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	received := 0
	for {
		select {
		case <-sub:
			received++
		default:
			assert.Equal(t, 16, received, "overflow events are dropped")
			return
		}
	}
}

func TestAuthLoginAndVerify(t *testing.T) {
	a, err := actor.NewAuthActor("hunter2")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx, a)

	handle := a.Handle()

	_, err = handle.Login(ctx, "wrong")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnauthorized))

	token, err := handle.Login(ctx, "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.NoError(t, handle.Verify(ctx, token))

	err = handle.Verify(ctx, "not-a-token")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrUnauthorized))
}

func TestAuthRequiresPassword(t *testing.T) {
	_, err := actor.NewAuthActor("")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrInvalidConfig))
}
