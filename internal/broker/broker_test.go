package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/util"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	)
}

// recordSink collects delivered payloads and counts closes.
type recordSink struct {
	mu       sync.Mutex
	payloads [][]byte
	failWith error
	slow     time.Duration
	closed   atomic.Int32
}

func (s *recordSink) Deliver(ctx context.Context, payload []byte) error {
	if s.slow > 0 {
		select {
		case <-time.After(s.slow):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failWith != nil {
		return s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordSink) Close() error {
	s.closed.Add(1)
	return nil
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func TestRegistry_AddAndRemove(t *testing.T) {
	t.Parallel()

	r := New()
	sink := &recordSink{}
	conn := r.Add(message.ProtocolWebSocket, sink)

	require.NotEmpty(t, conn.ID())
	assert.Equal(t, message.ProtocolWebSocket, conn.Protocol())

	got, ok := r.Get(conn.ID())
	require.True(t, ok)
	assert.Equal(t, conn, got)

	r.Remove(conn.ID())
	_, ok = r.Get(conn.ID())
	assert.False(t, ok)

	// Removing twice must not double-close the transport handle.
	r.Remove(conn.ID())
	assert.Equal(t, int32(1), sink.closed.Load())
}

func TestRegistry_UniqueIDs(t *testing.T) {
	t.Parallel()

	r := New()
	a := r.Add(message.ProtocolTCP, &recordSink{})
	b := r.Add(message.ProtocolTCP, &recordSink{})
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestSubscribe_UnknownConnection(t *testing.T) {
	t.Parallel()

	r := New()
	err := r.Subscribe("missing", "room:1")
	assert.True(t, errors.Is(err, util.ErrConnectionDropped))
}

func TestPublish_DeliversToSubscribers(t *testing.T) {
	t.Parallel()

	r := New()
	sinkA, sinkB := &recordSink{}, &recordSink{}
	a := r.Add(message.ProtocolWebSocket, sinkA)
	b := r.Add(message.ProtocolWebSocket, sinkB)

	require.NoError(t, r.Subscribe(a.ID(), "room:1"))
	require.NoError(t, r.Subscribe(b.ID(), "room:1"))

	n := r.Publish(context.Background(), "room:1", []byte("hi"))
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, sinkA.count())
	assert.Equal(t, 1, sinkB.count())

	// Non-subscribers receive nothing.
	n = r.Publish(context.Background(), "room:2", []byte("hi"))
	assert.Equal(t, 0, n)
}

func TestPublish_AfterClose_DeliversToNobody(t *testing.T) {
	t.Parallel()

	r := New()
	sink := &recordSink{}
	conn := r.Add(message.ProtocolWebSocket, sink)
	require.NoError(t, r.Subscribe(conn.ID(), "room:1"))

	assert.Equal(t, 1, r.Publish(context.Background(), "room:1", []byte("hi")))

	r.Remove(conn.ID())

	assert.Equal(t, 0, r.Publish(context.Background(), "room:1", []byte("hi")))
	assert.Equal(t, 1, sink.count())
}

func TestPublish_FailedDeliveryIsIsolated(t *testing.T) {
	t.Parallel()

	r := New()
	good := &recordSink{}
	bad := &recordSink{failWith: errors.New("socket closed")}

	a := r.Add(message.ProtocolWebSocket, good)
	b := r.Add(message.ProtocolWebSocket, bad)
	require.NoError(t, r.Subscribe(a.ID(), "room:1"))
	require.NoError(t, r.Subscribe(b.ID(), "room:1"))

	n := r.Publish(context.Background(), "room:1", []byte("hi"))
	assert.Equal(t, 1, n, "good subscriber still receives")

	// The failed subscriber is torn down.
	_, ok := r.Get(b.ID())
	assert.False(t, ok)
	assert.Equal(t, int32(1), bad.closed.Load())

	conns, subs := r.Counts()
	assert.Equal(t, 1, conns)
	assert.Equal(t, 1, subs)
}

func TestPublish_SlowSubscriberTimesOut(t *testing.T) {
	t.Parallel()

	r := New(WithDeliveryTimeout(20 * time.Millisecond))
	slow := &recordSink{slow: time.Second}
	conn := r.Add(message.ProtocolTCP, slow)
	require.NoError(t, r.Subscribe(conn.ID(), "feed"))

	start := time.Now()
	n := r.Publish(context.Background(), "feed", []byte("x"))
	assert.Equal(t, 0, n)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"publisher must not block past the delivery timeout")

	// Timed-out subscriber is treated as failed and torn down.
	_, ok := r.Get(conn.ID())
	assert.False(t, ok)
}

func TestUnsubscribe_NoDeliveryAfterReturn(t *testing.T) {
	t.Parallel()

	r := New()
	sink := &recordSink{}
	conn := r.Add(message.ProtocolWebSocket, sink)
	require.NoError(t, r.Subscribe(conn.ID(), "room:1"))

	r.Unsubscribe(conn.ID(), "room:1")
	before := sink.count()

	n := r.Publish(context.Background(), "room:1", []byte("late"))
	assert.Equal(t, 0, n)
	assert.Equal(t, before, sink.count())
}

func TestTopic_GarbageCollected(t *testing.T) {
	t.Parallel()

	r := New()
	conn := r.Add(message.ProtocolWebSocket, &recordSink{})
	require.NoError(t, r.Subscribe(conn.ID(), "room:1"))
	assert.Equal(t, 1, r.TopicSubscribers("room:1"))

	r.Unsubscribe(conn.ID(), "room:1")
	assert.Equal(t, 0, r.TopicSubscribers("room:1"))

	r.mu.RLock()
	_, exists := r.topics["room:1"]
	r.mu.RUnlock()
	assert.False(t, exists, "empty topics are garbage-collected, not retained")
}

func TestUnsubscribeAll(t *testing.T) {
	t.Parallel()

	r := New()
	conn := r.Add(message.ProtocolWebSocket, &recordSink{})
	for _, topic := range []string{"a", "b", "c"} {
		require.NoError(t, r.Subscribe(conn.ID(), topic))
	}

	_, subs := r.Counts()
	assert.Equal(t, 3, subs)

	r.UnsubscribeAll(conn.ID())
	_, subs = r.Counts()
	assert.Equal(t, 0, subs)
	assert.Empty(t, conn.Topics())
}

func TestSubscribe_Duplicate(t *testing.T) {
	t.Parallel()

	r := New()
	conn := r.Add(message.ProtocolWebSocket, &recordSink{})
	require.NoError(t, r.Subscribe(conn.ID(), "room:1"))
	require.NoError(t, r.Subscribe(conn.ID(), "room:1"))

	_, subs := r.Counts()
	assert.Equal(t, 1, subs)
}

func TestPublish_ConcurrentWithUnsubscribe(t *testing.T) {
	t.Parallel()

	r := New(WithDeliveryTimeout(time.Second))
	sink := &recordSink{}
	conn := r.Add(message.ProtocolWebSocket, sink)
	require.NoError(t, r.Subscribe(conn.ID(), "room:1"))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Publish(context.Background(), "room:1", []byte("m"))
			}
		}
	}()

	time.Sleep(5 * time.Millisecond)
	r.Unsubscribe(conn.ID(), "room:1")
	after := sink.count()

	// Unsubscribe waits out the in-flight delivery, so nothing may
	// land after it returns.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, sink.count())

	close(stop)
	wg.Wait()
}

func TestRegistry_Close(t *testing.T) {
	t.Parallel()

	r := New()
	sinks := []*recordSink{{}, {}, {}}
	for _, s := range sinks {
		conn := r.Add(message.ProtocolTCP, s)
		require.NoError(t, r.Subscribe(conn.ID(), "feed"))
	}

	r.Close()

	conns, subs := r.Counts()
	assert.Zero(t, conns)
	assert.Zero(t, subs)
	for _, s := range sinks {
		assert.Equal(t, int32(1), s.closed.Load())
	}
}
