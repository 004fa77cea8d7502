// Package redis implements the event bus contract on Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/hrygo/durable/bus"
)

// Bus publishes and subscribes through a shared Redis connection. Redis
// pub/sub is fire-and-forget, which matches the bus contract: consumers
// always re-check the store.
type Bus struct {
	client *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// New wraps an existing client; the caller owns the client's lifecycle
// unless Dispose is used.
func New(client *redis.Client, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, logger: logger, subs: make(map[*subscription]struct{})}
}

var _ bus.EventBus = (*Bus)(nil)

func (b *Bus) Publish(ctx context.Context, channel string, event *bus.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}
	return errors.Wrap(b.client.Publish(ctx, channel, raw).Err(), "failed to publish event")
}

func (b *Bus) Subscribe(ctx context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round-trip so a broken connection fails here, not
	// silently in the receive loop.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrap(err, "failed to subscribe")
	}
	sub := &subscription{bus: b, pubsub: pubsub}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	go sub.run(handler)
	return sub, nil
}

// Dispose closes every open subscription and the client.
func (b *Bus) Dispose(_ context.Context) error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return b.client.Close()
}

type subscription struct {
	bus    *Bus
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *subscription) run(handler bus.Handler) {
	for msg := range s.pubsub.Channel() {
		var event bus.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			s.bus.logger.Warn("dropping malformed bus event", "channel", msg.Channel, "error", err)
			continue
		}
		handler(&event)
	}
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		err = s.pubsub.Close()
	})
	return err
}
