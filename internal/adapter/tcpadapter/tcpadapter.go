// Package tcpadapter serves raw TCP. Every accepted socket is a
// long-lived Connection in the registry; each read buffer becomes a
// TCP_MESSAGE pseudo-request with no implicit framing, and handler
// response bytes are written straight back to the socket.
package tcpadapter

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/switchboard-gw/switchboard/internal/adapter"
	"github.com/switchboard-gw/switchboard/internal/broker"
	"github.com/switchboard-gw/switchboard/internal/dispatch"
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/util"
)

const (
	readBufferSize = 64 << 10
	writeTimeout   = 10 * time.Second

	// DefaultMaxConnections bounds concurrent sockets when the config
	// leaves the limit unset.
	DefaultMaxConnections = 10000
)

// Adapter serves the TCP protocol.
type Adapter struct {
	config     adapter.Config
	dispatcher *dispatch.Dispatcher
	registry   *broker.Registry
	logger     observability.Logger

	maxConnections int

	listener net.Listener
	draining atomic.Bool
	closed   atomic.Bool
	inflight adapter.Tracker

	mu    sync.Mutex
	conns map[string]net.Conn
}

// Option is a functional option for the TCP adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithMaxConnections bounds the number of concurrent sockets.
func WithMaxConnections(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxConnections = n
		}
	}
}

// New creates a TCP adapter.
func New(cfg adapter.Config, d *dispatch.Dispatcher, registry *broker.Registry, opts ...Option) *Adapter {
	a := &Adapter{
		config:         cfg,
		dispatcher:     d,
		registry:       registry,
		logger:         observability.NopLogger(),
		maxConnections: DefaultMaxConnections,
		conns:          make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Protocol returns the TCP protocol tag.
func (a *Adapter) Protocol() message.Protocol {
	return message.ProtocolTCP
}

// Addr returns the bound address.
func (a *Adapter) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start binds the socket and accepts in the background.
func (a *Adapter) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.config.Address())
	if err != nil {
		return util.WrapError(err, "tcp adapter listen")
	}

	if a.config.TLS != nil {
		tlsCfg, certErr := a.config.TLS.ServerConfig()
		if certErr != nil {
			_ = ln.Close()
			return util.WrapError(certErr, "tcp adapter tls")
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	a.listener = ln

	a.logger.Info("tcp adapter started",
		observability.String("name", a.config.Name),
		observability.String("address", ln.Addr().String()),
	)

	go a.acceptLoop(ln)
	return nil
}

func (a *Adapter) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if a.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("tcp accept failed", observability.Error(err))
			continue
		}

		// A draining or saturated listener refuses by closing
		// immediately; the peer sees a reset instead of silence.
		if a.draining.Load() || a.ConnectionCount() >= a.maxConnections {
			_ = conn.Close()
			continue
		}

		sink := &tcpSink{conn: conn}
		registered := a.registry.Add(message.ProtocolTCP, sink)

		a.mu.Lock()
		a.conns[registered.ID()] = conn
		a.mu.Unlock()

		// The registry owns the active-connection gauge; counting here
		// as well would double it.
		a.inflight.Add()

		a.logger.Info("tcp connection opened",
			observability.String("connection_id", registered.ID()),
			observability.String("peer", conn.RemoteAddr().String()),
		)

		go a.readLoop(registered.ID(), conn, sink)
	}
}

// readLoop turns each read buffer into one pseudo-request. The wire
// carries no framing, so a handler that needs message boundaries
// imposes its own.
func (a *Adapter) readLoop(connID string, conn net.Conn, sink *tcpSink) {
	defer a.teardown(connID)

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			req := message.NewRequest(message.ProtocolTCP, message.MethodTCPMessage, a.config.RoutePath())
			req.ConnectionID = connID
			req.Peer = conn.RemoteAddr()
			req.Body = append([]byte(nil), buf[:n]...)

			resp := a.dispatcher.Dispatch(context.Background(), req)
			if len(resp.Body) > 0 {
				if writeErr := sink.Deliver(context.Background(), resp.Body); writeErr != nil {
					a.logger.Warn("tcp write failed",
						observability.String("connection_id", connID),
						observability.Error(writeErr),
					)
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (a *Adapter) teardown(connID string) {
	a.registry.Remove(connID)

	a.mu.Lock()
	delete(a.conns, connID)
	a.mu.Unlock()

	a.inflight.Done()

	a.logger.Info("tcp connection closed",
		observability.String("connection_id", connID),
	)
}

// Drain refuses new sockets while established connections continue.
func (a *Adapter) Drain() {
	a.draining.Store(true)
}

// Resume lifts a Drain.
func (a *Adapter) Resume() {
	a.draining.Store(false)
}

// Stop closes the listener and waits for connections within ctx,
// force-closing the remainder.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.listener == nil {
		return nil
	}
	a.draining.Store(true)
	a.closed.Store(true)
	_ = a.listener.Close()

	if err := a.inflight.Wait(ctx); err != nil {
		a.closeAll()
		return util.ErrShutdownTimeout
	}
	return nil
}

// ConnectionCount returns the number of live connections.
func (a *Adapter) ConnectionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *Adapter) closeAll() {
	a.mu.Lock()
	conns := make([]net.Conn, 0, len(a.conns))
	for _, conn := range a.conns {
		conns = append(conns, conn)
	}
	a.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// tcpSink adapts a socket to the broker's write side. Writes
// serialize through mu so published payloads never interleave with
// handler responses.
type tcpSink struct {
	mu   sync.Mutex
	conn net.Conn
}

func (s *tcpSink) Deliver(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := s.conn.Write(payload)
	return err
}

func (s *tcpSink) Close() error {
	return s.conn.Close()
}
