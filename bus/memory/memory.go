// Package memory implements the event bus contract in process memory.
package memory

import (
	"context"
	"sync"

	"github.com/hrygo/durable/bus"
)

// Bus is an in-process bus.EventBus. Handlers run on the publisher's
// goroutine; they must not block.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	channels map[string]map[int]bus.Handler
	closed   bool
}

// New creates an empty in-process bus.
func New() *Bus {
	return &Bus{channels: make(map[string]map[int]bus.Handler)}
}

var _ bus.EventBus = (*Bus)(nil)

func (b *Bus) Publish(_ context.Context, channel string, event *bus.Event) error {
	b.mu.RLock()
	handlers := make([]bus.Handler, 0, len(b.channels[channel]))
	for _, h := range b.channels[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[int]bus.Handler)
	}
	b.nextID++
	id := b.nextID
	b.channels[channel][id] = handler
	return &subscription{bus: b, channel: channel, id: id}, nil
}

// Dispose drops all subscriptions.
func (b *Bus) Dispose(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = make(map[string]map[int]bus.Handler)
	b.closed = true
	return nil
}

type subscription struct {
	bus     *Bus
	channel string
	id      int
}

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if handlers, ok := s.bus.channels[s.channel]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.channels, s.channel)
		}
	}
	return nil
}
