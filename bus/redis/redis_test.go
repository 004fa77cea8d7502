package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/durable/bus"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	b := New(client, nil)
	t.Cleanup(func() { _ = b.Dispose(context.Background()) })
	return b
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := newTestBus(t)
	received := make(chan *bus.Event, 1)
	sub, err := b.Subscribe(context.Background(), "execution:e1", func(event *bus.Event) {
		received <- event
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, b.Publish(context.Background(), "execution:e1", &bus.Event{
		Type:      bus.EventFinished,
		Payload:   json.RawMessage(`{"status":"completed"}`),
		Timestamp: time.Now().UTC(),
	}))

	select {
	case event := <-received:
		assert.Equal(t, bus.EventFinished, event.Type)
		assert.JSONEq(t, `{"status":"completed"}`, string(event.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)
	received := make(chan *bus.Event, 4)
	sub, err := b.Subscribe(context.Background(), "ch", func(event *bus.Event) {
		received <- event
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(context.Background(), "ch", &bus.Event{Type: "x"}))
	select {
	case <-received:
		t.Fatal("unsubscribed handler must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	b := New(client, nil)
	t.Cleanup(func() { _ = b.Dispose(context.Background()) })

	received := make(chan *bus.Event, 2)
	_, err := b.Subscribe(context.Background(), "ch", func(event *bus.Event) {
		received <- event
	})
	require.NoError(t, err)

	// Raw junk bypassing the bus encoder.
	require.NoError(t, client.Publish(context.Background(), "ch", "not json").Err())
	require.NoError(t, b.Publish(context.Background(), "ch", &bus.Event{Type: "good"}))

	select {
	case event := <-received:
		assert.Equal(t, "good", event.Type, "malformed event must be skipped, valid one delivered")
	case <-time.After(2 * time.Second):
		t.Fatal("valid event never arrived")
	}
}
