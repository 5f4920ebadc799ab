// Package bus provides a single-queue, broadcast fan-out event hub used to
// move stream deltas, tool state, snapshot events, and process events out
// of the core without any subsystem holding a strong reference to its
// peers (see SPEC_FULL.md §3).
package bus

import (
	"sync"
	"time"
)

// Event is a typed envelope published on a topic.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

const (
	TopicStreamText     = "stream.text"
	TopicStreamReason   = "stream.reasoning"
	TopicStreamToolCall = "stream.toolcall"
	TopicToolState      = "tool.state"
	TopicSnapshotOp     = "snapshot.op"
	TopicLSPEvent       = "lsp-event"
	TopicTerminalEvent  = "terminal-event"
)

// subscriberBuffer is the default buffer depth for each subscriber's
// channel. A full channel drops events for that subscriber rather than
// blocking the publisher (events are advisory per spec §6).
const subscriberBuffer = 256

type subscriber struct {
	id     uint64
	topics map[string]struct{} // empty set == all topics
	ch     chan Event
}

// Bus is a process-wide, thread-safe publish/subscribe hub.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber. If topics is empty, the subscriber
// receives every event. Calling the returned cancel function unregisters
// the subscriber and closes its channel.
func (b *Bus) Subscribe(topics ...string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	sub := &subscriber{id: id, topics: set, ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing.ch)
		}
	}
	return sub.ch, cancel
}

// Publish fans payload out to every subscriber interested in topic. Never
// blocks: a subscriber whose channel is full simply misses the event.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.topics) > 0 {
			if _, ok := sub.topics[topic]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscribers, for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
