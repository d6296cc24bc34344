// Package broker tracks live long-lived connections and their topic
// subscriptions, and fans published payloads out to subscribers. It
// is created with the gateway and torn down with it; no package-level
// state.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// DefaultDeliveryTimeout bounds how long one publish delivery may
// block on a slow subscriber.
const DefaultDeliveryTimeout = 5 * time.Second

// publishFanoutLimit bounds concurrent deliveries for one publish so
// a hot topic cannot spawn a goroutine per subscriber.
const publishFanoutLimit = 64

// Sink is the write side of a long-lived connection, installed by the
// adapter that accepted it.
type Sink interface {
	// Deliver writes payload to the transport, observing ctx's
	// deadline.
	Deliver(ctx context.Context, payload []byte) error

	// Close releases the transport handle.
	Close() error
}

// Connection is a live long-lived transport session. Its id is opaque
// and unique for the process lifetime.
type Connection struct {
	id       string
	protocol message.Protocol
	sink     Sink

	// mu orders deliveries against subscription changes: a delivery
	// holds it while writing, so Unsubscribe returning guarantees no
	// further delivery for that topic.
	mu     sync.Mutex
	topics map[string]struct{}

	closeOnce sync.Once
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.id
}

// Protocol returns the transport protocol of the connection.
func (c *Connection) Protocol() message.Protocol {
	return c.protocol
}

// Topics returns a snapshot of the connection's subscriptions.
func (c *Connection) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	return topics
}

// deliverIfSubscribed writes payload if the connection still holds the
// topic. Returns (delivered, err). The subscription check and the
// write happen under the connection lock, so a returned Unsubscribe
// call can never be followed by a delivery on that topic.
func (c *Connection) deliverIfSubscribed(ctx context.Context, topic string, payload []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.topics[topic]; !ok {
		return false, nil
	}
	if err := c.sink.Deliver(ctx, payload); err != nil {
		return false, err
	}
	return true, nil
}

// closeSink releases the transport handle exactly once.
func (c *Connection) closeSink() {
	c.closeOnce.Do(func() {
		_ = c.sink.Close()
	})
}

// Registry is the connection registry and pub/sub broker.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	topics map[string]map[string]*Connection

	deliveryTimeout time.Duration
	logger          observability.Logger
	metrics         *observability.Metrics
	relay           Relay

	subCount int
}

// Relay forwards publishes to other gateway instances. The Redis
// bridge implements it; a nil relay keeps fan-out process-local.
type Relay interface {
	Forward(ctx context.Context, topic string, payload []byte) error
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithDeliveryTimeout bounds each publish delivery.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.deliveryTimeout = d
		}
	}
}

// WithRelay installs a cross-instance publish relay.
func WithRelay(relay Relay) Option {
	return func(r *Registry) {
		r.relay = relay
	}
}

// SetRelay installs a cross-instance publish relay after
// construction. The relay usually needs the registry first, so the
// two are wired in this order.
func (r *Registry) SetRelay(relay Relay) {
	r.mu.Lock()
	r.relay = relay
	r.mu.Unlock()
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:           make(map[string]*Connection),
		topics:          make(map[string]map[string]*Connection),
		deliveryTimeout: DefaultDeliveryTimeout,
		logger:          observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a freshly accepted transport session and returns its
// Connection.
func (r *Registry) Add(protocol message.Protocol, sink Sink) *Connection {
	conn := &Connection{
		id:       uuid.New().String(),
		protocol: protocol,
		sink:     sink,
		topics:   make(map[string]struct{}),
	}

	r.mu.Lock()
	r.conns[conn.id] = conn
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ConnectionOpened(string(protocol))
	}
	r.logger.Debug("connection registered",
		observability.String("connection_id", conn.id),
		observability.String("protocol", string(protocol)),
	)

	return conn
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Subscribe adds the connection to topic's subscriber set.
func (r *Registry) Subscribe(id, topic string) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return util.ErrConnectionDropped
	}

	subscribers, ok := r.topics[topic]
	if !ok {
		subscribers = make(map[string]*Connection)
		r.topics[topic] = subscribers
	}
	if _, dup := subscribers[id]; !dup {
		subscribers[id] = conn
		r.subCount++
	}
	r.mu.Unlock()

	conn.mu.Lock()
	conn.topics[topic] = struct{}{}
	conn.mu.Unlock()

	r.reportSubscriptions()
	return nil
}

// Unsubscribe removes the connection from topic's subscriber set.
// When it returns, no further publish will deliver to the connection
// on that topic. Empty topics are garbage-collected.
func (r *Registry) Unsubscribe(id, topic string) {
	r.mu.Lock()
	conn := r.conns[id]
	if subscribers, ok := r.topics[topic]; ok {
		if _, present := subscribers[id]; present {
			delete(subscribers, id)
			r.subCount--
		}
		if len(subscribers) == 0 {
			delete(r.topics, topic)
		}
	}
	r.mu.Unlock()

	if conn != nil {
		// Taking the connection lock waits out any in-flight delivery.
		conn.mu.Lock()
		delete(conn.topics, topic)
		conn.mu.Unlock()
	}

	r.reportSubscriptions()
}

// UnsubscribeAll removes the connection from every topic. It is
// called automatically when a connection closes.
func (r *Registry) UnsubscribeAll(id string) {
	r.mu.Lock()
	conn := r.conns[id]
	for topic, subscribers := range r.topics {
		if _, present := subscribers[id]; present {
			delete(subscribers, id)
			r.subCount--
		}
		if len(subscribers) == 0 {
			delete(r.topics, topic)
		}
	}
	r.mu.Unlock()

	if conn != nil {
		conn.mu.Lock()
		conn.topics = make(map[string]struct{})
		conn.mu.Unlock()
	}

	r.reportSubscriptions()
}

// Remove tears the connection down: unsubscribes it from every topic,
// drops it from the registry, and releases the transport handle
// exactly once. Safe to call multiple times.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.UnsubscribeAll(id)
	conn.closeSink()

	if r.metrics != nil {
		r.metrics.ConnectionClosed(string(conn.protocol))
	}
	r.logger.Debug("connection removed",
		observability.String("connection_id", id),
	)
}

// Publish fans payload out to every connection subscribed to topic at
// call time and returns the number of successful deliveries. Each
// subscriber gets at most one delivery attempt, bounded by the
// per-delivery timeout; one failed subscriber is torn down without
// aborting delivery to the others. When a relay is configured the
// payload is also forwarded to other gateway instances.
func (r *Registry) Publish(ctx context.Context, topic string, payload []byte) int {
	delivered := r.publishLocal(ctx, topic, payload)

	r.mu.RLock()
	relay := r.relay
	r.mu.RUnlock()
	if relay != nil {
		if err := relay.Forward(ctx, topic, payload); err != nil {
			r.logger.Warn("relay forward failed",
				observability.String("topic", topic),
				observability.Error(err),
			)
		}
	}

	return delivered
}

// publishLocal delivers to process-local subscribers only.
func (r *Registry) publishLocal(ctx context.Context, topic string, payload []byte) int {
	r.mu.RLock()
	subscribers := make([]*Connection, 0, len(r.topics[topic]))
	for _, conn := range r.topics[topic] {
		subscribers = append(subscribers, conn)
	}
	r.mu.RUnlock()

	var (
		mu        sync.Mutex
		delivered int
		failures  int
	)

	var g errgroup.Group
	g.SetLimit(publishFanoutLimit)
	for _, conn := range subscribers {
		conn := conn
		g.Go(func() error {
			deliveryCtx, cancel := context.WithTimeout(ctx, r.deliveryTimeout)
			defer cancel()

			ok, err := conn.deliverIfSubscribed(deliveryCtx, topic, payload)
			if err != nil {
				r.logger.Warn("publish delivery failed",
					observability.String("topic", topic),
					observability.String("connection_id", conn.id),
					observability.Error(util.NewDeliveryError(conn.id, topic, err)),
				)
				mu.Lock()
				failures++
				mu.Unlock()
				// A failed subscriber is torn down, isolated from the rest.
				r.Remove(conn.id)
				return nil
			}
			if ok {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if r.metrics != nil {
		r.metrics.ObservePublish(topic, failures)
	}

	return delivered
}

// Counts returns the live connection and subscription counts for the
// health boundary.
func (r *Registry) Counts() (connections, subscriptions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), r.subCount
}

// TopicSubscribers returns the number of subscribers on topic.
func (r *Registry) TopicSubscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

// Close tears down every connection. Called when the gateway stops.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id)
	}
}

func (r *Registry) reportSubscriptions() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	n := r.subCount
	r.mu.RUnlock()
	r.metrics.SetSubscriptions(n)
}
