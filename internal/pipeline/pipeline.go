// Package pipeline composes handlers with ordered middleware into a
// single callable chain. Chains are built once at registration time;
// the hot path runs nested continuations without further allocation.
package pipeline

import (
	"fmt"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// Handler produces a Response for a Request. The next continuation
// passed to a Middleware is itself a Handler.
type Handler func(req *message.Request) (*message.Response, error)

// Middleware wraps a Handler. It may call next and pass the response
// through (modified or not), short-circuit by returning its own
// response without calling next, or return an error.
type Middleware func(req *message.Request, next Handler) (*message.Response, error)

// ErrorNext propagates an error outward to the next enclosing error
// middleware, or to the default responder when none remains.
type ErrorNext func(err error) (*message.Response, error)

// ErrorHandler handles an error raised downstream of its registration
// point. resp is the partially built response, possibly nil. Calling
// next passes the (possibly transformed) error outward.
type ErrorHandler func(err error, req *message.Request, resp *message.Response, next ErrorNext) (*message.Response, error)

// Compose folds the middleware list, in order, around handler. The
// first middleware in the list is the outermost.
func Compose(handler Handler, middleware ...Middleware) Handler {
	composed := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		mw, next := middleware[i], composed
		composed = func(req *message.Request) (*message.Response, error) {
			return mw(req, next)
		}
	}
	return composed
}

// OnError adapts an ErrorHandler into a Middleware. It invokes the
// downstream chain, recovering panics into HandlerError, and hands any
// error to eh. The nearest enclosing OnError catches first; its next
// continuation defers to the enclosing one.
func OnError(eh ErrorHandler) Middleware {
	return func(req *message.Request, next Handler) (*message.Response, error) {
		resp, err := Invoke(req, next)
		if err == nil {
			return resp, nil
		}
		propagate := func(err error) (*message.Response, error) {
			return nil, err
		}
		return eh(err, req, resp, propagate)
	}
}

// Invoke calls next, converting a panic into a HandlerError so that a
// misbehaving handler never crashes the worker serving other
// connections.
func Invoke(req *message.Request, next Handler) (resp *message.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			resp = nil
			err = util.NewHandlerError(req.Method, req.Path, fmt.Errorf("panic: %v", rec))
		}
	}()
	return next(req)
}
