// Package router provides transport-agnostic route registration and
// resolution for the gateway. One router serves every protocol
// adapter; HTTP verbs and the pseudo-methods synthesized by the
// WebSocket, gRPC, TCP, and UDP adapters share the same route table.
package router

import (
	"sync"
	"time"

	"github.com/switchboard-gw/switchboard/internal/pattern"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// RouteID identifies a registered route by (method, raw template).
type RouteID struct {
	Method   string
	Template string
}

// Route is a registered (method, pattern) to handler binding. It is
// owned exclusively by the router that registered it.
type Route struct {
	ID         RouteID
	Method     string
	Pattern    *pattern.Pattern
	Middleware []pipeline.Middleware
	Handler    pipeline.Handler

	// Timeout overrides the dispatcher's default per-route timeout
	// when non-zero.
	Timeout time.Duration

	// chain is the composed pipeline, built once at registration.
	chain pipeline.Handler

	// seq is the registration sequence used to break ties among
	// equally specific dynamic routes.
	seq uint64
}

// Chain returns the composed middleware chain for the route.
func (rt *Route) Chain() pipeline.Handler {
	return rt.chain
}

// Match is the result of resolving a path.
type Match struct {
	Route  *Route
	Params map[string]string
}

// Router holds compiled routes per method. Registration happens during
// setup; resolution is the hot path and reads without write locks
// once setup is done.
type Router struct {
	mu      sync.RWMutex
	trees   map[string]*node
	routes  map[RouteID]*Route
	global  []pipeline.Middleware
	nextSeq uint64
}

// node is one segment position in the resolution trie. Static edges
// are tried before param edges; param edges keep registration order;
// wildcard terminals are only considered after every static and param
// candidate at every depth has been exhausted.
type node struct {
	static    map[string]*node
	params    []*paramEdge
	wildcards []*Route
	terminals []*Route
}

type paramEdge struct {
	name string
	next *node
}

func newNode() *node {
	return &node{}
}

// New creates an empty router.
func New() *Router {
	return &Router{
		trees:  make(map[string]*node),
		routes: make(map[RouteID]*Route),
	}
}

// Use appends global middleware. Routes already registered are
// recomposed so ordering stays consistent; like registration, this is
// a setup-time operation.
func (r *Router) Use(mw ...pipeline.Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.global = append(r.global, mw...)
	for _, rt := range r.routes {
		rt.chain = r.composeLocked(rt)
	}
}

// Register compiles template and binds it to handler under method.
// Re-registering the same (method, template) replaces the previous
// entry in place; the route count never grows for a repeated key.
func (r *Router) Register(
	method, template string,
	handler pipeline.Handler,
	mw ...pipeline.Middleware,
) (RouteID, error) {
	compiled, err := pattern.Compile(template)
	if err != nil {
		return RouteID{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := RouteID{Method: method, Template: template}

	if existing, ok := r.routes[id]; ok {
		// Last registration wins, keeping the original precedence slot.
		existing.Pattern = compiled
		existing.Middleware = mw
		existing.Handler = handler
		existing.chain = r.composeLocked(existing)
		return id, nil
	}

	rt := &Route{
		ID:         id,
		Method:     method,
		Pattern:    compiled,
		Middleware: mw,
		Handler:    handler,
		seq:        r.nextSeq,
	}
	r.nextSeq++
	rt.chain = r.composeLocked(rt)

	r.insertLocked(rt)
	r.routes[id] = rt

	return id, nil
}

// SetTimeout overrides the per-route timeout for an existing route.
// It reports whether the route was found.
func (r *Router) SetTimeout(id RouteID, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.routes[id]
	if !ok {
		return false
	}
	rt.Timeout = timeout
	return true
}

// composeLocked builds the route's pipeline: global middleware first,
// then route middleware, then the handler.
func (r *Router) composeLocked(rt *Route) pipeline.Handler {
	mws := make([]pipeline.Middleware, 0, len(r.global)+len(rt.Middleware))
	mws = append(mws, r.global...)
	mws = append(mws, rt.Middleware...)
	return pipeline.Compose(rt.Handler, mws...)
}

// insertLocked places the route into the method tree.
func (r *Router) insertLocked(rt *Route) {
	root, ok := r.trees[rt.Method]
	if !ok {
		root = newNode()
		r.trees[rt.Method] = root
	}

	current := root
	for _, seg := range rt.Pattern.Segments() {
		switch seg.Kind {
		case pattern.KindStatic:
			if current.static == nil {
				current.static = make(map[string]*node)
			}
			next, ok := current.static[seg.Literal]
			if !ok {
				next = newNode()
				current.static[seg.Literal] = next
			}
			current = next

		case pattern.KindParam:
			var next *node
			for _, edge := range current.params {
				if edge.name == seg.Name {
					next = edge.next
					break
				}
			}
			if next == nil {
				next = newNode()
				current.params = append(current.params, &paramEdge{name: seg.Name, next: next})
			}
			current = next

		case pattern.KindWildcard:
			current.wildcards = append(current.wildcards, rt)
			return
		}
	}

	current.terminals = append(current.terminals, rt)
}

// Resolve finds the most specific route for (method, path). The
// trailing-slash-only difference is normalized away before matching.
func (r *Router) Resolve(method, path string) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	root, ok := r.trees[method]
	if !ok {
		return nil, util.NewRouteNotFoundError(method, path)
	}

	parts := splitPath(path)

	// Wildcard routes are only considered once every static and param
	// candidate at every depth has been exhausted, hence two passes.
	m := &Match{}
	if r.resolveNode(root, parts, 0, m, false) {
		return m, nil
	}
	if r.resolveNode(root, parts, 0, m, true) {
		return m, nil
	}

	return nil, util.NewRouteNotFoundError(method, path)
}

// resolveNode walks the trie depth first: static edge, then param
// edges in registration order, then (when enabled) wildcard
// terminals. The first terminal reached is the most specific route
// under the precedence rules.
func (r *Router) resolveNode(n *node, parts []string, depth int, m *Match, wildcard bool) bool {
	if depth == len(parts) {
		if rt := firstBySeq(n.terminals); rt != nil {
			m.Route = rt
			return true
		}
	} else {
		seg := parts[depth]

		if n.static != nil && seg != "" {
			if next, ok := n.static[seg]; ok {
				if r.resolveNode(next, parts, depth+1, m, wildcard) {
					return true
				}
			}
		}

		if seg != "" {
			for _, edge := range n.params {
				if r.resolveNode(edge.next, parts, depth+1, m, wildcard) {
					r.bindParam(m, edge.name, seg)
					return true
				}
			}
		}
	}

	if wildcard {
		if rt := firstBySeq(n.wildcards); rt != nil {
			m.Route = rt
			r.bindParam(m, pattern.WildcardKey, joinFrom(parts, depth))
			return true
		}
	}

	return false
}

// bindParam records a parameter binding on the way back up the
// successful resolution path.
func (r *Router) bindParam(m *Match, name, value string) {
	if m.Params == nil {
		m.Params = make(map[string]string)
	}
	m.Params[name] = value
}

// firstBySeq returns the earliest-registered route in a terminal list.
func firstBySeq(routes []*Route) *Route {
	var best *Route
	for _, rt := range routes {
		if best == nil || rt.seq < best.seq {
			best = rt
		}
	}
	return best
}

// Lookup returns the route registered under id, if any.
func (r *Router) Lookup(id RouteID) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.routes[id]
	return rt, ok
}

// Routes returns a snapshot of all registered routes.
func (r *Router) Routes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]*Route, 0, len(r.routes))
	for _, rt := range r.routes {
		routes = append(routes, rt)
	}
	return routes
}

// Len returns the number of registered routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

func splitPath(path string) []string {
	normalized := pattern.Normalize(path)
	if normalized == "/" {
		return nil
	}
	parts := make([]string, 0, 8)
	start := 1
	for i := 1; i <= len(normalized); i++ {
		if i == len(normalized) || normalized[i] == '/' {
			parts = append(parts, normalized[start:i])
			start = i + 1
		}
	}
	return parts
}

func joinFrom(parts []string, depth int) string {
	if depth >= len(parts) {
		return ""
	}
	joined := parts[depth]
	for _, part := range parts[depth+1:] {
		joined += "/" + part
	}
	return joined
}
