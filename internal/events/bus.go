package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Bus is an in-process fan-out of lifecycle events. Each subscriber
// owns a buffered channel; Publish never blocks the caller. A slow
// subscriber loses its oldest undelivered events, not the publisher's
// time.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Subscribe registers a named subscriber and returns its delivery
// channel. Re-subscribing under the same name replaces the previous
// channel.
func (b *Bus) Subscribe(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subs[name]; ok {
		close(old)
	}
	ch := make(chan Event, DefaultBuffer)
	b.subs[name] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[name]; ok {
		close(ch)
		delete(b.subs, name)
	}
}

// Publish delivers ev to every subscriber in registration-independent
// but per-subscriber FIFO order.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for name, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest buffered event to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				log.Warn().Str("subscriber", name).Str("event", string(ev.Type)).
					Msg("event dropped: subscriber buffer full")
			}
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = make(map[string]chan Event)
}
