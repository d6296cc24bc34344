package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-gw/switchboard/internal/message"
)

func newBridgeClient(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBridge_Forward(t *testing.T) {
	t.Parallel()

	client := newBridgeClient(t)
	registry := New()
	bridge := NewRedisBridge(client, registry, WithChannelPrefix("test:"))

	sub := client.Subscribe(context.Background(), "test:room:1")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, bridge.Forward(context.Background(), "room:1", []byte("hello")))

	select {
	case msg := <-sub.Channel():
		var env envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, bridge.origin, env.Origin)
		assert.Equal(t, []byte("hello"), env.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no relayed message received")
	}
}

func TestRedisBridge_ReplaysForeignPublishes(t *testing.T) {
	t.Parallel()

	client := newBridgeClient(t)
	registry := New()
	bridge := NewRedisBridge(client, registry, WithChannelPrefix("test:"))

	sink := &recordSink{}
	conn := registry.Add(message.ProtocolWebSocket, sink)
	require.NoError(t, registry.Subscribe(conn.ID(), "room:1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Run(ctx)
	}()

	// Give the pattern subscription time to establish.
	time.Sleep(50 * time.Millisecond)

	// A publish from another instance carries a foreign origin.
	data, err := json.Marshal(envelope{Origin: "other-instance", Payload: []byte("from afar")})
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "test:room:1", data).Err())

	require.Eventually(t, func() bool {
		return sink.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The instance's own echo is skipped.
	own, err := json.Marshal(envelope{Origin: bridge.origin, Payload: []byte("echo")})
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "test:room:1", own).Err())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sink.count())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop on context cancel")
	}
}
