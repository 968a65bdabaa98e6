package actor

import (
	"sync"

	"codeberg.org/mutker/coolerd/internal/logger"
)

const subscriberBuffer = 16

// EventType labels a broadcast event.
type EventType string

const (
	EventStatus        EventType = "status"
	EventModeActivated EventType = "mode_activated"
	EventSettingChange EventType = "setting_changed"
)

// Event is published to all subscribers of the broadcaster.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// Broadcaster fans events out to any number of subscribers. A slow
// subscriber's buffer may fill, in which case events for it are
// dropped rather than blocking the publisher.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int]chan Event),
	}
}

// Subscribe returns an event channel and a function that must be
// called to unsubscribe. The channel is closed on unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}

	return ch, cancel
}

func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub <- event:
		default:
			logger.Debug().
				Int("subscriber", id).
				Str("event", string(event.Type)).
				Msg("Dropping event for slow subscriber")
		}
	}
}

// Close unsubscribes everyone, closing their channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs)
}
