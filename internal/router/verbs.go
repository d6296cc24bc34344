package router

import (
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
)

// GET registers a handler for GET requests.
func (r *Router) GET(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register("GET", path, handler, mw...)
}

// POST registers a handler for POST requests.
func (r *Router) POST(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register("POST", path, handler, mw...)
}

// PUT registers a handler for PUT requests.
func (r *Router) PUT(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register("PUT", path, handler, mw...)
}

// PATCH registers a handler for PATCH requests.
func (r *Router) PATCH(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register("PATCH", path, handler, mw...)
}

// DELETE registers a handler for DELETE requests.
func (r *Router) DELETE(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register("DELETE", path, handler, mw...)
}

// OPTIONS registers a handler for OPTIONS requests.
func (r *Router) OPTIONS(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register("OPTIONS", path, handler, mw...)
}

// HEAD registers a handler for HEAD requests.
func (r *Router) HEAD(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register("HEAD", path, handler, mw...)
}

// WSHooks carries the handlers for the WebSocket connection
// lifecycle. Nil hooks are not registered; their pseudo-requests
// resolve to nothing and are dropped by the adapter.
type WSHooks struct {
	Open    pipeline.Handler
	Message pipeline.Handler
	Close   pipeline.Handler
	Error   pipeline.Handler
}

// WS registers the WebSocket lifecycle hooks under path. The open
// hook runs through the same middleware chain as ordinary routes
// before the upgrade is accepted.
func (r *Router) WS(path string, hooks WSHooks, mw ...pipeline.Middleware) error {
	if hooks.Open != nil {
		if _, err := r.Register(message.MethodWSOpen, path, hooks.Open, mw...); err != nil {
			return err
		}
	}
	if hooks.Message != nil {
		if _, err := r.Register(message.MethodWSMessage, path, hooks.Message, mw...); err != nil {
			return err
		}
	}
	if hooks.Close != nil {
		if _, err := r.Register(message.MethodWSClose, path, hooks.Close, mw...); err != nil {
			return err
		}
	}
	if hooks.Error != nil {
		if _, err := r.Register(message.MethodWSError, path, hooks.Error, mw...); err != nil {
			return err
		}
	}
	return nil
}

// GRPC registers a handler for unary gRPC calls. fullMethod follows
// the wire form /package.Service/Method.
func (r *Router) GRPC(fullMethod string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register(message.MethodGRPCUnary, fullMethod, handler, mw...)
}

// GRPCStream registers a handler invoked once per inbound message of
// a streaming gRPC call.
func (r *Router) GRPCStream(fullMethod string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register(message.MethodGRPCStream, fullMethod, handler, mw...)
}

// TCP registers a handler invoked once per inbound buffer segment on
// TCP connections routed to path.
func (r *Router) TCP(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register(message.MethodTCPMessage, path, handler, mw...)
}

// UDP registers a handler invoked once per datagram routed to path.
func (r *Router) UDP(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return r.Register(message.MethodUDPPacket, path, handler, mw...)
}
