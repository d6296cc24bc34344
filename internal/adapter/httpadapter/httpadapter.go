// Package httpadapter serves HTTP/1.1 and HTTP/2. Cleartext
// connections get h2c; TLS listeners negotiate h2 through ALPN. Each
// request (or HTTP/2 stream) is one ephemeral unified request; HTTP
// carries no connection identity and no pub/sub.
package httpadapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/switchboard-gw/switchboard/internal/adapter"
	"github.com/switchboard-gw/switchboard/internal/dispatch"
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// Adapter serves the HTTP protocol.
type Adapter struct {
	config     adapter.Config
	dispatcher *dispatch.Dispatcher
	logger     observability.Logger

	server   *http.Server
	listener net.Listener
	draining atomic.Bool
	inflight adapter.Tracker
}

// Option is a functional option for the HTTP adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates an HTTP adapter.
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

// Protocol returns the HTTP protocol tag.
func (a *Adapter) Protocol() message.Protocol {
	return message.ProtocolHTTP
}

// Addr returns the bound address.
func (a *Adapter) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start binds the socket and serves in the background.
func (a *Adapter) Start(ctx context.Context) error {
	var handler http.Handler = http.HandlerFunc(a.serveHTTP)
	if a.config.TLS == nil {
		// Cleartext HTTP/2 alongside HTTP/1.1.
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	a.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	if a.config.TLS != nil {
		tlsCfg, err := a.config.TLS.ServerConfig()
		if err != nil {
			return util.WrapError(err, "http adapter tls")
		}
		a.server.TLSConfig = tlsCfg
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.config.Address())
	if err != nil {
		return util.WrapError(err, "http adapter listen")
	}
	a.listener = ln

	a.logger.Info("http adapter started",
		observability.String("name", a.config.Name),
		observability.String("address", ln.Addr().String()),
		observability.Bool("tls", a.config.TLS != nil),
	)

	go a.serve(ln)
	return nil
}

func (a *Adapter) serve(ln net.Listener) {
	var err error
	if a.config.TLS != nil {
		err = a.server.ServeTLS(ln, "", "")
	} else {
		err = a.server.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("http adapter serve failed", observability.Error(err))
	}
}

func (a *Adapter) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if a.draining.Load() {
		adapter.WriteServiceRestarting(w)
		return
	}

	a.inflight.Add()
	defer a.inflight.Done()

	req, err := adapter.RequestFromHTTP(message.ProtocolHTTP, r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, adapter.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}

	resp := a.dispatcher.Dispatch(r.Context(), req)

	if err := adapter.WriteHTTPResponse(w, resp); err != nil {
		a.logger.WithContext(r.Context()).Warn("failed to write http response",
			observability.Error(err),
		)
	}
}

// Drain rejects new requests with 503 while in-flight ones finish.
func (a *Adapter) Drain() {
	a.draining.Store(true)
}

// Resume lifts a Drain.
func (a *Adapter) Resume() {
	a.draining.Store(false)
}

// Stop shuts the server down, waiting for in-flight requests up to
// ctx's deadline.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	a.draining.Store(true)

	err := a.server.Shutdown(ctx)

	waitErr := a.inflight.Wait(ctx)

	if errors.Is(err, context.DeadlineExceeded) || waitErr != nil {
		_ = a.server.Close()
		return util.ErrShutdownTimeout
	}
	return err
}
