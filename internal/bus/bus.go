// Package bus is the in-process event spine. Publish delivers a typed
// payload synchronously to every subscriber of its event name before
// returning; there is no retention and no cross-process fan-out.
package bus

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

// Handler receives a published payload. Handlers run on the
// publisher's goroutine and must not block on long I/O; hand long work
// to a goroutine the subscriber owns.
type Handler func(protocol.Payload)

type subscription struct {
	id int
	fn Handler
}

// Bus fans events out to subscribers by event name.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
	next int
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers h for the given event name and returns a token
// for Unsubscribe. Handlers are invoked in subscription order.
func (b *Bus) Subscribe(event string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[event] = append(b.subs[event], subscription{id: b.next, fn: h})
	return b.next
}

// SubscribeAll registers h for every known event name and returns the
// tokens keyed by event name.
func (b *Bus) SubscribeAll(h Handler) map[string]int {
	tokens := make(map[string]int, len(protocol.Names()))
	for _, name := range protocol.Names() {
		tokens[name] = b.Subscribe(name, h)
	}
	return tokens
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(event string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[event]
	for i, s := range list {
		if s.id == id {
			b.subs[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers p to every current subscriber of its event name,
// synchronously, before returning. A handler registered while a
// publish is in flight sees only later events.
func (b *Bus) Publish(p protocol.Payload) {
	if !protocol.Known(p.Event()) {
		slog.Warn("publish of unknown event dropped", "event", p.Event())
		return
	}

	b.mu.RLock()
	list := b.subs[p.Event()]
	snapshot := make([]subscription, len(list))
	copy(snapshot, list)
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.fn(p)
	}
}

// SubscriberCount reports the number of subscribers for an event name.
func (b *Bus) SubscriberCount(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
