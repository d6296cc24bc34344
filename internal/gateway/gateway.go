// Package gateway owns the serving lifecycle: which protocol adapter
// is live, the switch between protocols at runtime, and the graceful
// drain on shutdown. The route table and the connection registry are
// shared across switches and never mutated by them; only the
// transport changes.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard-gw/switchboard/internal/adapter"
	"github.com/switchboard-gw/switchboard/internal/broker"
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// DefaultGracePeriod bounds how long in-flight work may finish when a
// listener is replaced or stopped.
const DefaultGracePeriod = 30 * time.Second

// AdapterFactory builds the adapter serving a protocol. The gateway
// calls it on Start and on every switch; returning an error aborts
// the transition.
type AdapterFactory func(protocol message.Protocol) (adapter.Adapter, error)

// Gateway drives the protocol adapters through the lifecycle
// Idle -> Listening -> (Switching -> Listening)* -> Stopped.
type Gateway struct {
	factory  AdapterFactory
	registry *broker.Registry
	logger   observability.Logger
	metrics  *observability.Metrics

	gracePeriod time.Duration

	state atomic.Int32

	// protocol is read by health snapshots, which must never wait on
	// a transition in progress.
	protocol atomic.Value // message.Protocol

	// mu serializes transitions; state and protocol reads stay
	// lock-free.
	mu     sync.Mutex
	active adapter.Adapter
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithGracePeriod bounds the drain during switches and Stop.
func WithGracePeriod(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.gracePeriod = d
		}
	}
}

// New creates an idle gateway.
func New(factory AdapterFactory, registry *broker.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		factory:     factory,
		registry:    registry,
		logger:      observability.NopLogger(),
		gracePeriod: DefaultGracePeriod,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.state.Store(int32(StateIdle))
	g.protocol.Store(message.Protocol(""))
	return g
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// ActiveProtocol returns the protocol currently served. Empty when
// not listening.
func (g *Gateway) ActiveProtocol() message.Protocol {
	p, _ := g.protocol.Load().(message.Protocol)
	return p
}

// Start brings the gateway from Idle to Listening on protocol.
func (g *Gateway) Start(ctx context.Context, protocol message.Protocol) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if State(g.state.Load()) != StateIdle {
		return util.WrapError(util.ErrGatewayState, "start requires an idle gateway")
	}
	if !protocol.Valid() {
		return util.WrapError(util.ErrGatewayState, "unknown protocol "+string(protocol))
	}

	a, err := g.factory(protocol)
	if err != nil {
		return util.WrapError(err, "build adapter")
	}
	if err := a.Start(ctx); err != nil {
		return util.WrapError(err, "start adapter")
	}

	g.active = a
	g.protocol.Store(protocol)
	g.setState(StateListening)

	g.logger.Info("gateway listening",
		observability.String("protocol", string(protocol)),
		observability.String("address", addrString(a)),
	)
	return nil
}

// SwitchTo replaces the live adapter with one for the target
// protocol. The route table is untouched: registrations made while
// serving the old protocol are live on the new one the moment it
// accepts. On failure the gateway reverts to Listening on the prior
// protocol and returns a ProtocolSwitchError.
func (g *Gateway) SwitchTo(ctx context.Context, target message.Protocol) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	from := g.ActiveProtocol()
	if State(g.state.Load()) != StateListening {
		return util.NewProtocolSwitchError(string(from), string(target),
			util.WrapError(util.ErrGatewayState, "switch requires a listening gateway"))
	}
	if !target.Valid() {
		return util.NewProtocolSwitchError(string(from), string(target),
			util.WrapError(util.ErrGatewayState, "unknown protocol"))
	}
	if target == from {
		return nil
	}

	old := g.active
	g.setState(StateSwitching)

	g.logger.Info("protocol switch started",
		observability.String("from", string(from)),
		observability.String("to", string(target)),
	)

	// The old protocol refuses new inbound for the whole Switching
	// window; in-flight work keeps running until the drain below.
	old.Drain()

	next, err := g.factory(target)
	if err == nil {
		err = next.Start(ctx)
	}
	if err != nil {
		// Revert: the old listener takes traffic again.
		old.Resume()
		g.setState(StateListening)

		switchErr := util.NewProtocolSwitchError(string(from), string(target), err)
		g.logger.Error("protocol switch failed, reverted",
			observability.String("from", string(from)),
			observability.String("to", string(target)),
			observability.Error(err),
		)
		g.observeSwitch(from, target, switchErr)
		return switchErr
	}

	// The new listener is accepting; give the old one its grace
	// period. A drain overrun force-closes stragglers but does not
	// undo the switch.
	stopCtx, cancel := context.WithTimeout(context.Background(), g.gracePeriod)
	defer cancel()
	if stopErr := old.Stop(stopCtx); stopErr != nil {
		g.logger.Warn("old listener drain overran grace period",
			observability.String("protocol", string(from)),
			observability.Duration("grace_period", g.gracePeriod),
			observability.Error(stopErr),
		)
	}

	g.active = next
	g.protocol.Store(target)
	g.setState(StateListening)

	g.logger.Info("protocol switch completed",
		observability.String("from", string(from)),
		observability.String("to", string(target)),
		observability.String("address", addrString(next)),
	)
	g.observeSwitch(from, target, nil)
	return nil
}

// Stop drains and stops the gateway. It is idempotent: the second and
// later calls return nil without side effects.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := State(g.state.Load())
	if state == StateStopped {
		return nil
	}
	if state == StateIdle {
		g.setState(StateStopped)
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.gracePeriod)
		defer cancel()
	}

	var err error
	if g.active != nil {
		err = g.active.Stop(ctx)
		g.active = nil
	}

	// Close the registry last so subscribers see their connections
	// released exactly once.
	if g.registry != nil {
		g.registry.Close()
	}

	g.protocol.Store(message.Protocol(""))
	g.setState(StateStopped)

	g.logger.Info("gateway stopped")
	return err
}

// Snapshot reports the gateway's health view: state plus live
// connection and subscription counts. It never takes the transition
// lock, so health stays responsive while a switch drains the old
// listener.
func (g *Gateway) Snapshot() Snapshot {
	connections, subscriptions := 0, 0
	if g.registry != nil {
		connections, subscriptions = g.registry.Counts()
	}

	return Snapshot{
		State:         g.State(),
		Protocol:      g.ActiveProtocol(),
		Connections:   connections,
		Subscriptions: subscriptions,
	}
}

// Snapshot is a point-in-time health view of the gateway.
type Snapshot struct {
	State         State            `json:"state"`
	Protocol      message.Protocol `json:"protocol"`
	Connections   int              `json:"connections"`
	Subscriptions int              `json:"subscriptions"`
}

func (g *Gateway) setState(s State) {
	g.state.Store(int32(s))
	if g.metrics != nil {
		g.metrics.SetGatewayState(int(s))
	}
}

func (g *Gateway) observeSwitch(from, to message.Protocol, err error) {
	if g.metrics != nil {
		g.metrics.ObserveSwitch(string(from), string(to), err)
	}
}

func addrString(a adapter.Adapter) string {
	if addr := a.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}
