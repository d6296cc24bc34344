// Package dispatch glues the router and pipeline together: given a
// unified Request it resolves the route, runs the composed middleware
// chain under the per-route deadline, and returns a finalized
// Response. Adapters call it and never touch the router directly.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
	"github.com/switchboard-gw/switchboard/internal/router"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// DefaultTimeout is the per-route timeout applied when neither the
// route nor the configuration specifies one.
const DefaultTimeout = 30 * time.Second

// Dispatcher resolves and executes unified requests.
type Dispatcher struct {
	router  *router.Router
	logger  observability.Logger
	metrics *observability.Metrics

	// defaultTimeout holds nanoseconds so config reloads can update
	// it while requests are in flight.
	defaultTimeout atomic.Int64
}

// Option is a functional option for configuring the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithDefaultTimeout sets the default per-route timeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.defaultTimeout.Store(int64(timeout))
		}
	}
}

// New creates a dispatcher over the given router.
func New(r *router.Router, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router: r,
		logger: observability.NopLogger(),
	}
	d.defaultTimeout.Store(int64(DefaultTimeout))
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetDefaultTimeout updates the default per-route timeout. It is safe
// to call while requests are being dispatched.
func (d *Dispatcher) SetDefaultTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.defaultTimeout.Store(int64(timeout))
	}
}

// Router returns the dispatcher's route table.
func (d *Dispatcher) Router() *router.Router {
	return d.router
}

// Dispatch resolves req and runs its chain. The returned response is
// always non-nil and finalized; errors surface as error responses,
// never as panics or worker crashes.
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	start := time.Now()

	m, err := d.router.Resolve(req.Method, req.Path)
	if err != nil {
		resp := d.errorResponse(req, err)
		d.observe(req, "", resp.Status, start)
		return resp
	}

	req.Params = m.Params
	resp := d.run(ctx, m.Route, req)
	d.observe(req, m.Route.ID.Template, resp.Status, start)
	return resp
}

// run executes the route chain under the per-route deadline.
func (d *Dispatcher) run(ctx context.Context, rt *router.Route, req *message.Request) *message.Response {
	timeout := rt.Timeout
	if timeout <= 0 {
		timeout = time.Duration(d.defaultTimeout.Load())
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req = req.WithContext(ctx)

	type result struct {
		resp *message.Response
		err  error
	}
	done := make(chan result, 1)

	go func() {
		resp, err := pipeline.Invoke(req, rt.Chain())
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return d.errorResponse(req, res.err)
		}
		resp := res.resp
		if resp == nil {
			resp = message.NewResponse()
		}
		d.finalize(resp)
		return resp

	case <-ctx.Done():
		// The handler's pending work is canceled through the context;
		// the stale result, if any, is dropped via the buffered channel.
		return d.errorResponse(req, util.NewHandlerTimeoutError(req.Method, req.Path, timeout))
	}
}

// errorResponse maps an error to a finalized wire-neutral response.
func (d *Dispatcher) errorResponse(req *message.Request, err error) *message.Response {
	resp := message.NewResponse()
	resp.Header.Set("Content-Type", "application/json")

	switch {
	case errors.Is(err, util.ErrNotFound):
		resp.SetStatus(http.StatusNotFound)
		resp.WriteString(`{"error":"route not found"}`)
		d.logger.WithContext(req.Context()).Debug("route not found",
			observability.String("method", req.Method),
			observability.String("path", req.Path),
		)

	case errors.Is(err, util.ErrTimeout):
		resp.SetStatus(http.StatusGatewayTimeout)
		resp.WriteString(`{"error":"handler timeout"}`)
		d.logger.WithContext(req.Context()).Warn("handler timeout",
			observability.String("method", req.Method),
			observability.String("path", req.Path),
			observability.Error(err),
		)

	default:
		// Fatal for the request, never for the process.
		resp.SetStatus(http.StatusInternalServerError)
		resp.WriteString(`{"error":"internal server error"}`)
		d.logger.WithContext(req.Context()).Error("unhandled request error",
			observability.String("method", req.Method),
			observability.String("path", req.Path),
			observability.String("protocol", string(req.Protocol)),
			observability.Error(err),
		)
	}

	d.finalize(resp)
	return resp
}

func (d *Dispatcher) finalize(resp *message.Response) {
	if err := resp.Finalize(); err != nil {
		d.logger.Warn("response finalized more than once", observability.Error(err))
	}
}

func (d *Dispatcher) observe(req *message.Request, route string, status int, start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.ObserveRequest(
		string(req.Protocol), req.Method, route, status,
		time.Since(start).Seconds(),
	)
}
