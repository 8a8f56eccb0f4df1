package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Handler receives published events. Handlers run synchronously in the
// publisher's goroutine and must not block.
type Handler func(Event)

// Unsubscribe removes a subscription. Safe to call more than once.
type Unsubscribe func()

type subscription struct {
	id      uint64
	types   map[Type]struct{} // nil means all types
	handler Handler
}

// Bus is a synchronous fan-out event bus. A panicking handler is recovered
// and logged without affecting other subscribers; publish order per
// subscriber matches publish call order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for the given types. With no types the
// handler receives every event.
func (b *Bus) Subscribe(handler Handler, types ...Type) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{id: b.nextID, handler: handler}
	b.nextID++
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return func() { b.remove(id) }
}

// SubscribeChan registers a buffered channel subscription. When the buffer
// is full the oldest queued event is dropped so a slow consumer never
// blocks the publisher.
func (b *Bus) SubscribeChan(buffer int, types ...Type) (<-chan Event, Unsubscribe) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	var mu sync.Mutex

	unsub := b.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		for {
			select {
			case ch <- ev:
				return
			default:
			}
			select {
			case dropped := <-ch:
				log.Warn().Str("type", string(dropped.Type)).Msg("Subscriber queue full, dropping oldest event")
			default:
			}
		}
	}, types...)

	return ch, unsub
}

// Publish delivers the event to every matching subscriber, in registration
// order, before returning.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("type", string(ev.Type)).
				Msg("Event handler panicked")
		}
	}()
	sub.handler(ev)
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}
