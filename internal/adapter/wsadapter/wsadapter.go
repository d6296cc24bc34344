// Package wsadapter serves WebSocket connections. The HTTP upgrade
// request routes through the pipeline as a WS_OPEN pseudo-request
// before the upgrade is accepted; every inbound frame afterwards is a
// WS_MESSAGE pseudo-request carrying the connection id, and close or
// read failure synthesizes the terminal WS_CLOSE or WS_ERROR request
// before teardown.
package wsadapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/switchboard-gw/switchboard/internal/adapter"
	"github.com/switchboard-gw/switchboard/internal/broker"
	"github.com/switchboard-gw/switchboard/internal/dispatch"
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/util"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20 // 1 MiB
)

// Adapter serves the WebSocket protocol.
type Adapter struct {
	config     adapter.Config
	dispatcher *dispatch.Dispatcher
	registry   *broker.Registry
	logger     observability.Logger

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	draining atomic.Bool
	inflight adapter.Tracker

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// Option is a functional option for the WebSocket adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithCheckOrigin overrides the upgrade origin check.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(a *Adapter) {
		a.upgrader.CheckOrigin = check
	}
}

// New creates a WebSocket adapter.
func New(cfg adapter.Config, d *dispatch.Dispatcher, registry *broker.Registry, opts ...Option) *Adapter {
	a := &Adapter{
		config:     cfg,
		dispatcher: d,
		registry:   registry,
		logger:     observability.NopLogger(),
		conns:      make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Protocol returns the WebSocket protocol tag.
func (a *Adapter) Protocol() message.Protocol {
	return message.ProtocolWebSocket
}

// Addr returns the bound address.
func (a *Adapter) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start binds the socket and serves upgrades in the background.
func (a *Adapter) Start(ctx context.Context) error {
	a.server = &http.Server{
		Handler:           http.HandlerFunc(a.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.config.Address())
	if err != nil {
		return util.WrapError(err, "websocket adapter listen")
	}
	a.listener = ln

	a.logger.Info("websocket adapter started",
		observability.String("name", a.config.Name),
		observability.String("address", ln.Addr().String()),
	)

	go func() {
		var serveErr error
		if a.config.TLS != nil {
			serveErr = a.server.ServeTLS(ln, a.config.TLS.CertFile, a.config.TLS.KeyFile)
		} else {
			serveErr = a.server.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			a.logger.Error("websocket adapter serve failed", observability.Error(serveErr))
		}
	}()
	return nil
}

func (a *Adapter) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if a.draining.Load() {
		adapter.WriteServiceRestarting(w)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	req, err := adapter.RequestFromHTTP(message.ProtocolWebSocket, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Method = message.MethodWSOpen

	// The handshake routes through the pipeline first: the upgrade is
	// completed only when the chain signals upgrade intent.
	resp := a.dispatcher.Dispatch(r.Context(), req)
	if !resp.Upgrade || resp.Status >= http.StatusBadRequest {
		if err := adapter.WriteHTTPResponse(w, resp); err != nil {
			a.logger.Warn("failed to write handshake rejection", observability.Error(err))
		}
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, upgradeHeader(resp))
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			observability.String("path", r.URL.Path),
			observability.Error(err),
		)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sink := &wsSink{conn: conn}
	registered := a.registry.Add(message.ProtocolWebSocket, sink)

	a.mu.Lock()
	a.conns[registered.ID()] = conn
	a.mu.Unlock()

	// The registry owns the active-connection gauge; counting here as
	// well would double it.
	a.inflight.Add()

	a.logger.Info("websocket connection opened",
		observability.String("connection_id", registered.ID()),
		observability.String("path", r.URL.Path),
	)

	go a.readLoop(registered.ID(), conn, sink, r)
}

// readLoop pumps inbound frames through the dispatcher until the
// connection dies.
func (a *Adapter) readLoop(connID string, conn *websocket.Conn, sink *wsSink, r *http.Request) {
	defer a.teardown(connID, r)

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if isUnexpectedClose(err) {
				a.dispatchEvent(connID, r, message.MethodWSError, []byte(err.Error()))
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		req := a.newEventRequest(connID, r, message.MethodWSMessage)
		req.Body = payload

		resp := a.dispatcher.Dispatch(context.Background(), req)
		if len(resp.Body) > 0 {
			if err := sink.write(msgType, resp.Body); err != nil {
				a.logger.Warn("websocket write failed",
					observability.String("connection_id", connID),
					observability.Error(err),
				)
				return
			}
		}
	}
}

// teardown synthesizes the terminal close event and releases the
// connection.
func (a *Adapter) teardown(connID string, r *http.Request) {
	a.dispatchEvent(connID, r, message.MethodWSClose, nil)

	a.registry.Remove(connID)

	a.mu.Lock()
	delete(a.conns, connID)
	a.mu.Unlock()

	a.inflight.Done()

	a.logger.Info("websocket connection closed",
		observability.String("connection_id", connID),
	)
}

func (a *Adapter) dispatchEvent(connID string, r *http.Request, method string, body []byte) {
	req := a.newEventRequest(connID, r, method)
	req.Body = body
	// Close and error events have no wire response; the dispatcher
	// still runs their chains for cleanup side effects.
	_ = a.dispatcher.Dispatch(context.Background(), req)
}

func (a *Adapter) newEventRequest(connID string, r *http.Request, method string) *message.Request {
	req := message.NewRequest(message.ProtocolWebSocket, method, r.URL.Path)
	req.ConnectionID = connID
	if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
		req.Peer = addr
	}
	return req
}

// Drain rejects new upgrades while established connections continue.
func (a *Adapter) Drain() {
	a.draining.Store(true)
}

// Resume lifts a Drain.
func (a *Adapter) Resume() {
	a.draining.Store(false)
}

// Stop closes the listener, waits for connections to finish within
// ctx, then force-closes the stragglers.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	a.draining.Store(true)

	shutdownErr := a.server.Shutdown(ctx)

	if err := a.inflight.Wait(ctx); err != nil {
		a.closeAll()
		return util.ErrShutdownTimeout
	}
	if shutdownErr != nil && !errors.Is(shutdownErr, context.DeadlineExceeded) {
		return shutdownErr
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
	conns := make([]*websocket.Conn, 0, len(a.conns))
	for _, conn := range a.conns {
		conns = append(conns, conn)
	}
	a.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// upgradeHeader extracts handshake response headers set by the chain,
// skipping the reserved upgrade fields gorilla manages itself.
func upgradeHeader(resp *message.Response) http.Header {
	header := http.Header{}
	for _, key := range resp.Header.Keys() {
		if isReservedUpgradeHeader(key) {
			continue
		}
		for _, value := range resp.Header.Values(key) {
			header.Add(key, value)
		}
	}
	if len(header) == 0 {
		return nil
	}
	return header
}

func isReservedUpgradeHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Upgrade", "Connection", "Sec-Websocket-Accept", "Sec-Websocket-Extensions", "Sec-Websocket-Protocol", "Sec-Websocket-Version":
		return true
	}
	return false
}

func isUnexpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return false
	}
	if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
		return false
	}
	return true
}

// wsSink adapts a websocket connection to the broker's write side.
// gorilla permits one concurrent writer, so every write serializes
// through mu.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Deliver writes a published payload as a text message, bounded by
// the broker's per-delivery deadline.
func (s *wsSink) Deliver(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeDeadline(websocket.TextMessage, payload, deadlineFrom(ctx))
}

func (s *wsSink) write(msgType int, payload []byte) error {
	return s.writeDeadline(msgType, payload, time.Now().Add(writeTimeout))
}

func (s *wsSink) writeDeadline(msgType int, payload []byte, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(msgType, payload)
}

// deadlineFrom caps the write deadline at ctx's, falling back to the
// fixed timeout when ctx has none.
func deadlineFrom(ctx context.Context) time.Time {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// Close sends a close frame and releases the socket.
func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return s.conn.Close()
}
