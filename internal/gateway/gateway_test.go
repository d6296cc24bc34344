package gateway

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-gw/switchboard/internal/adapter"
	"github.com/switchboard-gw/switchboard/internal/broker"
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
	"github.com/switchboard-gw/switchboard/internal/router"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// fakeAdapter records lifecycle calls. When stopGate is set, Stop
// blocks until the gate closes, standing in for a listener that is
// still draining an in-flight request.
type fakeAdapter struct {
	protocol message.Protocol

	startErr error
	stopErr  error
	stopGate chan struct{}

	started  atomic.Bool
	stopped  atomic.Bool
	draining atomic.Bool
}

func (f *fakeAdapter) Protocol() message.Protocol { return f.protocol }
func (f *fakeAdapter) Addr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999} }

func (f *fakeAdapter) Start(_ context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started.Store(true)
	return nil
}

func (f *fakeAdapter) Drain()  { f.draining.Store(true) }
func (f *fakeAdapter) Resume() { f.draining.Store(false) }

func (f *fakeAdapter) Stop(ctx context.Context) error {
	if f.stopGate != nil {
		select {
		case <-f.stopGate:
		case <-ctx.Done():
			return util.ErrShutdownTimeout
		}
	}
	f.stopped.Store(true)
	return f.stopErr
}

// fakeFactory hands out one fake adapter per protocol.
type fakeFactory struct {
	adapters map[message.Protocol]*fakeAdapter
	errFor   map[message.Protocol]error
}

func newFakeFactory(protocols ...message.Protocol) *fakeFactory {
	f := &fakeFactory{
		adapters: make(map[message.Protocol]*fakeAdapter),
		errFor:   make(map[message.Protocol]error),
	}
	for _, p := range protocols {
		f.adapters[p] = &fakeAdapter{protocol: p}
	}
	return f
}

func (f *fakeFactory) build(p message.Protocol) (adapter.Adapter, error) {
	if err := f.errFor[p]; err != nil {
		return nil, err
	}
	a, ok := f.adapters[p]
	if !ok {
		a = &fakeAdapter{protocol: p}
		f.adapters[p] = a
	}
	return a, nil
}

func TestStartTransitionsToListening(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP)
	g := New(factory.build, broker.New())

	assert.Equal(t, StateIdle, g.State())

	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	assert.Equal(t, StateListening, g.State())
	assert.Equal(t, message.ProtocolHTTP, g.ActiveProtocol())
	assert.True(t, factory.adapters[message.ProtocolHTTP].started.Load())
}

func TestStartRejectedWhenNotIdle(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP)
	g := New(factory.build, broker.New())

	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	err := g.Start(context.Background(), message.ProtocolTCP)
	assert.ErrorIs(t, err, util.ErrGatewayState)
	assert.Equal(t, StateListening, g.State())
}

func TestStartUnknownProtocol(t *testing.T) {
	t.Parallel()

	g := New(newFakeFactory().build, broker.New())

	err := g.Start(context.Background(), message.Protocol("carrier-pigeon"))
	assert.ErrorIs(t, err, util.ErrGatewayState)
	assert.Equal(t, StateIdle, g.State())
}

func TestStartAdapterFailureStaysIdle(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP)
	factory.adapters[message.ProtocolHTTP].startErr = errors.New("port in use")

	g := New(factory.build, broker.New())

	err := g.Start(context.Background(), message.ProtocolHTTP)
	assert.Error(t, err)
	assert.Equal(t, StateIdle, g.State())
}

func TestSwitchToReplacesAdapter(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP, message.ProtocolTCP)
	g := New(factory.build, broker.New())

	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))
	require.NoError(t, g.SwitchTo(context.Background(), message.ProtocolTCP))

	assert.Equal(t, StateListening, g.State())
	assert.Equal(t, message.ProtocolTCP, g.ActiveProtocol())

	old := factory.adapters[message.ProtocolHTTP]
	assert.True(t, old.draining.Load())
	assert.True(t, old.stopped.Load())
	assert.True(t, factory.adapters[message.ProtocolTCP].started.Load())
}

func TestSwitchToSameProtocolIsNoop(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP)
	g := New(factory.build, broker.New())

	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))
	require.NoError(t, g.SwitchTo(context.Background(), message.ProtocolHTTP))

	assert.Equal(t, StateListening, g.State())
	assert.False(t, factory.adapters[message.ProtocolHTTP].stopped.Load())
}

func TestSwitchToFailureReverts(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP, message.ProtocolGRPC)
	factory.adapters[message.ProtocolGRPC].startErr = errors.New("bind refused")

	g := New(factory.build, broker.New())
	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	err := g.SwitchTo(context.Background(), message.ProtocolGRPC)
	require.Error(t, err)

	var switchErr *util.ProtocolSwitchError
	require.ErrorAs(t, err, &switchErr)
	assert.Equal(t, "http", switchErr.From)
	assert.Equal(t, "grpc", switchErr.To)

	// The old listener is serving again.
	assert.Equal(t, StateListening, g.State())
	assert.Equal(t, message.ProtocolHTTP, g.ActiveProtocol())
	old := factory.adapters[message.ProtocolHTTP]
	assert.False(t, old.draining.Load())
	assert.False(t, old.stopped.Load())
}

func TestSwitchToFactoryFailureReverts(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP)
	factory.errFor[message.ProtocolUDP] = errors.New("no config for udp")

	g := New(factory.build, broker.New())
	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	err := g.SwitchTo(context.Background(), message.ProtocolUDP)
	assert.ErrorIs(t, err, &util.ProtocolSwitchError{})
	assert.Equal(t, message.ProtocolHTTP, g.ActiveProtocol())
}

func TestSwitchToRequiresListening(t *testing.T) {
	t.Parallel()

	g := New(newFakeFactory().build, broker.New())

	err := g.SwitchTo(context.Background(), message.ProtocolHTTP)
	assert.ErrorIs(t, err, util.ErrGatewayState)
}

func TestSwitchSurvivesOldListenerStopTimeout(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP, message.ProtocolTCP)
	factory.adapters[message.ProtocolHTTP].stopErr = util.ErrShutdownTimeout

	g := New(factory.build, broker.New(), WithGracePeriod(50*time.Millisecond))
	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	// A drain overrun is logged, not fatal: the new listener is
	// already accepting.
	require.NoError(t, g.SwitchTo(context.Background(), message.ProtocolTCP))
	assert.Equal(t, message.ProtocolTCP, g.ActiveProtocol())
}

func TestSwitchToDrainsInflightBeforeStoppingOld(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP, message.ProtocolTCP)
	old := factory.adapters[message.ProtocolHTTP]
	inflight := make(chan struct{})
	old.stopGate = inflight

	g := New(factory.build, broker.New())
	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	done := make(chan error, 1)
	go func() { done <- g.SwitchTo(context.Background(), message.ProtocolTCP) }()

	// The old listener drains first: from here it turns away new
	// inbound work while the request it already accepted keeps
	// running.
	require.Eventually(t, func() bool { return old.draining.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateSwitching, g.State())
	assert.False(t, old.stopped.Load())

	// The in-flight request finishes; only then is the old listener
	// torn down and the new one promoted.
	close(inflight)
	require.NoError(t, <-done)
	assert.True(t, old.stopped.Load())
	assert.Equal(t, StateListening, g.State())
	assert.Equal(t, message.ProtocolTCP, g.ActiveProtocol())
	assert.True(t, factory.adapters[message.ProtocolTCP].started.Load())
}

func TestSwitchToPreservesRouteTable(t *testing.T) {
	t.Parallel()

	var handler pipeline.Handler = func(*message.Request) (*message.Response, error) {
		return message.NewResponse(), nil
	}

	r := router.New()
	_, err := r.GET("/users/:id", handler)
	require.NoError(t, err)
	_, err = r.TCP("/", handler)
	require.NoError(t, err)

	factory := newFakeFactory(message.ProtocolHTTP, message.ProtocolTCP)
	g := New(factory.build, broker.New())
	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	before, err := r.Resolve("GET", "/users/42")
	require.NoError(t, err)

	require.NoError(t, g.SwitchTo(context.Background(), message.ProtocolTCP))

	// Registrations survive the protocol switch untouched: same
	// routes, same bindings.
	after, err := r.Resolve("GET", "/users/42")
	require.NoError(t, err)
	assert.Same(t, before.Route, after.Route)
	assert.Equal(t, before.Params, after.Params)
	assert.Equal(t, 2, r.Len())

	tcpMatch, err := r.Resolve(message.MethodTCPMessage, "/")
	require.NoError(t, err)
	assert.NotNil(t, tcpMatch.Route.Chain())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP)
	g := New(factory.build, broker.New())

	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))
	require.NoError(t, g.Stop(context.Background()))
	assert.Equal(t, StateStopped, g.State())
	assert.True(t, factory.adapters[message.ProtocolHTTP].stopped.Load())

	// Second stop is a no-op.
	require.NoError(t, g.Stop(context.Background()))
	assert.Equal(t, StateStopped, g.State())
}

func TestStopFromIdle(t *testing.T) {
	t.Parallel()

	g := New(newFakeFactory().build, broker.New())
	require.NoError(t, g.Stop(context.Background()))
	assert.Equal(t, StateStopped, g.State())
}

func TestStartAfterStopRejected(t *testing.T) {
	t.Parallel()

	g := New(newFakeFactory(message.ProtocolHTTP).build, broker.New())
	require.NoError(t, g.Stop(context.Background()))

	err := g.Start(context.Background(), message.ProtocolHTTP)
	assert.ErrorIs(t, err, util.ErrGatewayState)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP)
	registry := broker.New()
	g := New(factory.build, registry)

	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	snap := g.Snapshot()
	assert.Equal(t, StateListening, snap.State)
	assert.Equal(t, message.ProtocolHTTP, snap.Protocol)
	assert.Equal(t, 0, snap.Connections)
	assert.Equal(t, 0, snap.Subscriptions)
}

func TestSnapshotRespondsDuringSwitch(t *testing.T) {
	t.Parallel()

	factory := newFakeFactory(message.ProtocolHTTP, message.ProtocolTCP)
	old := factory.adapters[message.ProtocolHTTP]
	inflight := make(chan struct{})
	old.stopGate = inflight

	g := New(factory.build, broker.New())
	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	done := make(chan error, 1)
	go func() { done <- g.SwitchTo(context.Background(), message.ProtocolTCP) }()

	require.Eventually(t, func() bool { return old.draining.Load() }, time.Second, 5*time.Millisecond)

	// Health must answer while the old listener is still draining,
	// not after the switch completes.
	snapped := make(chan Snapshot, 1)
	go func() { snapped <- g.Snapshot() }()

	select {
	case snap := <-snapped:
		assert.Equal(t, StateSwitching, snap.State)
		assert.Equal(t, message.ProtocolHTTP, snap.Protocol)
	case <-time.After(time.Second):
		t.Fatal("snapshot blocked behind an in-progress switch")
	}

	close(inflight)
	require.NoError(t, <-done)
	assert.Equal(t, message.ProtocolTCP, g.Snapshot().Protocol)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "listening", StateListening.String())
	assert.Equal(t, "switching", StateSwitching.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
