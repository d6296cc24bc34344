package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/switchboard-gw/switchboard/internal/observability"
)

// defaultChannelPrefix namespaces the gateway's topics inside Redis.
const defaultChannelPrefix = "switchboard:"

// envelope is the wire form relayed through Redis. Origin lets an
// instance skip its own messages echoed back by the subscription.
type envelope struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// RedisBridge relays publishes between gateway instances through
// Redis pub/sub, so a topic's subscribers on one instance receive
// payloads published on another.
type RedisBridge struct {
	client   *redis.Client
	registry *Registry
	prefix   string
	origin   string
	logger   observability.Logger
}

// BridgeOption is a functional option for configuring the bridge.
type BridgeOption func(*RedisBridge)

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(logger observability.Logger) BridgeOption {
	return func(b *RedisBridge) {
		b.logger = logger
	}
}

// WithChannelPrefix overrides the Redis channel namespace.
func WithChannelPrefix(prefix string) BridgeOption {
	return func(b *RedisBridge) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// NewRedisBridge creates a bridge relaying through the given Redis
// client for the given registry.
func NewRedisBridge(client *redis.Client, registry *Registry, opts ...BridgeOption) *RedisBridge {
	b := &RedisBridge{
		client:   client,
		registry: registry,
		prefix:   defaultChannelPrefix,
		origin:   uuid.New().String(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Forward publishes payload onto the topic's Redis channel. It
// implements Relay.
func (b *RedisBridge) Forward(ctx context.Context, topic string, payload []byte) error {
	data, err := json.Marshal(envelope{Origin: b.origin, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to encode relay envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+topic, data).Err(); err != nil {
		return fmt.Errorf("failed to forward to redis: %w", err)
	}
	return nil
}

// Run subscribes to the bridge's channel namespace and replays
// foreign publishes into the local registry. It blocks until ctx is
// canceled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handleMessage(ctx, msg)
		}
	}
}

// handleMessage replays one relayed publish locally, skipping echoes
// of this instance's own forwards.
func (b *RedisBridge) handleMessage(ctx context.Context, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("dropping malformed relay message",
			observability.String("channel", msg.Channel),
			observability.Error(err),
		)
		return
	}
	if env.Origin == b.origin {
		return
	}

	topic := strings.TrimPrefix(msg.Channel, b.prefix)
	delivered := b.registry.publishLocal(ctx, topic, env.Payload)

	b.logger.Debug("relayed publish delivered",
		observability.String("topic", topic),
		observability.Int("delivered", delivered),
	)
}
