// Package events implements the process-wide task lifecycle event bus.
//
// The bus delivers each published event synchronously to every listener
// registered for its type at the moment Publish executes, in registration
// order. There is no buffering or replay: a listener registered after an
// event was published never sees it.
package events

import (
	"sync"

	"github.com/novaxhq/novax/pkg/models"
)

// Handler receives one published event. Handlers run on the publisher's
// goroutine and should not block.
type Handler func(models.TaskEvent)

// Subscription identifies one registered handler for detach.
type Subscription struct {
	eventType models.TaskEventType
	id        uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a broadcast channel with one producer side (Publish) and
// dynamically joining and leaving consumers. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[models.TaskEventType][]subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[models.TaskEventType][]subscriber)}
}

// Subscribe registers fn for events of the given type and returns a
// subscription handle for Unsubscribe.
func (b *Bus) Subscribe(t models.TaskEventType, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[t] = append(b.subs[t], subscriber{id: b.nextID, fn: fn})
	return Subscription{eventType: t, id: b.nextID}
}

// Unsubscribe removes a previously registered handler. Unsubscribing an
// already-removed handler is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub Subscription) {
	list := b.subs[sub.eventType]
	for i := range list {
		if list[i].id == sub.id {
			b.subs[sub.eventType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every handler currently registered for its
// type, synchronously and in registration order.
func (b *Bus) Publish(e models.TaskEvent) {
	b.mu.RLock()
	list := b.subs[e.Type]
	snapshot := make([]subscriber, len(list))
	copy(snapshot, list)
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.fn(e)
	}
}

// SubscriberCount returns the number of handlers registered for a type.
func (b *Bus) SubscriberCount(t models.TaskEventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// Group bundles multiple subscriptions so a listener can detach from all
// of its event types atomically.
type Group struct {
	bus  *Bus
	subs []Subscription

	mu     sync.Mutex
	closed bool
}

// SubscribeAll registers fn for every task lifecycle event type and returns
// a group handle. Closing the group removes all five handlers under one
// lock acquisition so no event can be delivered to a half-detached listener.
func (b *Bus) SubscribeAll(fn Handler) *Group {
	b.mu.Lock()
	defer b.mu.Unlock()

	g := &Group{bus: b}
	for _, t := range models.LifecycleEventTypes() {
		b.nextID++
		b.subs[t] = append(b.subs[t], subscriber{id: b.nextID, fn: fn})
		g.subs = append(g.subs, Subscription{eventType: t, id: b.nextID})
	}
	return g
}

// Close detaches every subscription in the group. Safe to call more than
// once.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.bus.mu.Lock()
	defer g.bus.mu.Unlock()
	for _, sub := range g.subs {
		g.bus.removeLocked(sub)
	}
}
