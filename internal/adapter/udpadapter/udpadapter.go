// Package udpadapter serves UDP datagrams. Every datagram is one
// one-shot pseudo-request tagged with the sender address; there is no
// Connection, no registry entry, and no pub/sub for UDP. A non-empty
// handler response is sent back to the sender as a single datagram.
package udpadapter

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/switchboard-gw/switchboard/internal/adapter"
	"github.com/switchboard-gw/switchboard/internal/dispatch"
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// maxDatagramSize bounds one inbound datagram. Larger packets are
// truncated by the kernel, never split.
const maxDatagramSize = 64 << 10

// Adapter serves the UDP protocol.
type Adapter struct {
	config     adapter.Config
	dispatcher *dispatch.Dispatcher
	logger     observability.Logger

	conn     net.PacketConn
	draining atomic.Bool
	closed   atomic.Bool
	inflight adapter.Tracker
}

// Option is a functional option for the UDP adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates a UDP adapter.
func New(cfg adapter.Config, d *dispatch.Dispatcher, opts ...Option) *Adapter {
	a := &Adapter{
		config:     cfg,
		dispatcher: d,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Protocol returns the UDP protocol tag.
func (a *Adapter) Protocol() message.Protocol {
	return message.ProtocolUDP
}

// Addr returns the bound address.
func (a *Adapter) Addr() net.Addr {
	if a.conn == nil {
		return nil
	}
	return a.conn.LocalAddr()
}

// Start binds the socket and reads in the background.
func (a *Adapter) Start(ctx context.Context) error {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", a.config.Address())
	if err != nil {
		return util.WrapError(err, "udp adapter listen")
	}
	a.conn = conn

	a.logger.Info("udp adapter started",
		observability.String("name", a.config.Name),
		observability.String("address", conn.LocalAddr().String()),
	)

	go a.readLoop(conn)
	return nil
}

func (a *Adapter) readLoop(conn net.PacketConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, sender, err := conn.ReadFrom(buf)
		if err != nil {
			if a.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("udp read failed", observability.Error(err))
			continue
		}

		// Draining drops datagrams on the floor; UDP has no refusal
		// signal to send.
		if a.draining.Load() {
			continue
		}

		payload := append([]byte(nil), buf[:n]...)
		a.inflight.Add()
		go a.handle(conn, sender, payload)
	}
}

func (a *Adapter) handle(conn net.PacketConn, sender net.Addr, payload []byte) {
	defer a.inflight.Done()

	req := message.NewRequest(message.ProtocolUDP, message.MethodUDPPacket, a.config.RoutePath())
	req.Peer = sender
	req.Body = payload

	resp := a.dispatcher.Dispatch(context.Background(), req)
	if len(resp.Body) == 0 {
		return
	}
	if _, err := conn.WriteTo(resp.Body, sender); err != nil {
		a.logger.Warn("udp write failed",
			observability.String("peer", sender.String()),
			observability.Error(err),
		)
	}
}

// Drain makes the adapter drop new datagrams while in-flight handlers
// finish.
func (a *Adapter) Drain() {
	a.draining.Store(true)
}

// Resume lifts a Drain.
func (a *Adapter) Resume() {
	a.draining.Store(false)
}

// Stop closes the socket and waits for in-flight handlers within ctx.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.conn == nil {
		return nil
	}
	a.draining.Store(true)
	a.closed.Store(true)
	_ = a.conn.Close()

	return a.inflight.Wait(ctx)
}
