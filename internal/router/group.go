package router

import (
	"strings"

	"github.com/switchboard-gw/switchboard/internal/pipeline"
)

// Group is a scoped sub-router: routes registered through it share a
// path prefix and a middleware list prepended to each route's own.
type Group struct {
	router *Router
	prefix string
	mw     []pipeline.Middleware
}

// Group creates a scoped sub-router under prefix.
func (r *Router) Group(prefix string, mw ...pipeline.Middleware) *Group {
	return &Group{
		router: r,
		prefix: strings.TrimSuffix(prefix, "/"),
		mw:     mw,
	}
}

// Group nests another scope under this one.
func (g *Group) Group(prefix string, mw ...pipeline.Middleware) *Group {
	combined := make([]pipeline.Middleware, 0, len(g.mw)+len(mw))
	combined = append(combined, g.mw...)
	combined = append(combined, mw...)
	return &Group{
		router: g.router,
		prefix: g.prefix + strings.TrimSuffix(prefix, "/"),
		mw:     combined,
	}
}

// Register binds a route inside the group's scope.
func (g *Group) Register(
	method, path string,
	handler pipeline.Handler,
	mw ...pipeline.Middleware,
) (RouteID, error) {
	combined := make([]pipeline.Middleware, 0, len(g.mw)+len(mw))
	combined = append(combined, g.mw...)
	combined = append(combined, mw...)
	return g.router.Register(method, g.join(path), handler, combined...)
}

// GET registers a handler for GET requests in the group's scope.
func (g *Group) GET(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return g.Register("GET", path, handler, mw...)
}

// POST registers a handler for POST requests in the group's scope.
func (g *Group) POST(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return g.Register("POST", path, handler, mw...)
}

// PUT registers a handler for PUT requests in the group's scope.
func (g *Group) PUT(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return g.Register("PUT", path, handler, mw...)
}

// PATCH registers a handler for PATCH requests in the group's scope.
func (g *Group) PATCH(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return g.Register("PATCH", path, handler, mw...)
}

// DELETE registers a handler for DELETE requests in the group's scope.
func (g *Group) DELETE(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return g.Register("DELETE", path, handler, mw...)
}

// OPTIONS registers a handler for OPTIONS requests in the group's scope.
func (g *Group) OPTIONS(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return g.Register("OPTIONS", path, handler, mw...)
}

// HEAD registers a handler for HEAD requests in the group's scope.
func (g *Group) HEAD(path string, handler pipeline.Handler, mw ...pipeline.Middleware) (RouteID, error) {
	return g.Register("HEAD", path, handler, mw...)
}

func (g *Group) join(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return g.prefix + path
}
