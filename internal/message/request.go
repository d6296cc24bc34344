// Package message defines the protocol-neutral request/response model
// consumed by user handlers. Adapters translate wire events into these
// types and serialize them back; the router and dispatcher never see
// protocol-specific detail.
package message

import (
	"context"
	"net"
	"net/url"
	"sync"
)

// Protocol tags the transport a request arrived over.
type Protocol string

// Supported transport protocols.
const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolTCP       Protocol = "tcp"
	ProtocolUDP       Protocol = "udp"
)

// Valid reports whether p names a known protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolWebSocket, ProtocolGRPC, ProtocolTCP, ProtocolUDP:
		return true
	}
	return false
}

// Pseudo-request methods synthesized by non-HTTP adapters. They route
// through the dispatcher exactly like ordinary HTTP methods.
const (
	MethodWSOpen     = "WS_OPEN"
	MethodWSMessage  = "WS_MESSAGE"
	MethodWSClose    = "WS_CLOSE"
	MethodWSError    = "WS_ERROR"
	MethodGRPCUnary  = "GRPC"
	MethodGRPCStream = "GRPC_STREAM"
	MethodTCPMessage = "TCP_MESSAGE"
	MethodUDPPacket  = "UDP"
)

// Request is the protocol-neutral representation of one inbound
// message or frame. It is created once per inbound event and is
// immutable to handlers except for the Set/Get value store, which
// middleware may populate.
type Request struct {
	Protocol Protocol
	Method   string
	Path     string

	// Params holds path parameters bound by the router.
	Params map[string]string

	// Query holds decoded query parameters, when the transport has any.
	Query url.Values

	Header *Header
	Body   []byte

	// Peer is the remote address of the sender.
	Peer net.Addr

	// ConnectionID identifies the long-lived connection this request
	// arrived on. Empty for one-shot transports (HTTP, UDP).
	ConnectionID string

	// StreamID groups pseudo-requests belonging to one gRPC stream.
	StreamID string

	ctx context.Context

	// store is shared across WithContext copies so middleware writes
	// stay visible to the handler.
	store *valueStore
}

// valueStore is the mutable request-scoped key/value extension slot.
type valueStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRequest creates a Request with empty collections and a background
// context.
func NewRequest(protocol Protocol, method, path string) *Request {
	return &Request{
		Protocol: protocol,
		Method:   method,
		Path:     path,
		Params:   make(map[string]string),
		Query:    make(url.Values),
		Header:   NewHeader(),
		ctx:      context.Background(),
		store:    &valueStore{},
	}
}

// Context returns the request's context. It carries the per-route
// deadline set by the dispatcher.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of the request with its context
// replaced. The value store is shared with the original.
func (r *Request) WithContext(ctx context.Context) *Request {
	if ctx == nil {
		panic("nil context")
	}
	r2 := new(Request)
	*r2 = *r
	r2.ctx = ctx
	return r2
}

// Set stores a value in the request-scoped store. Middleware uses
// this to pass data to downstream middleware and the handler.
func (r *Request) Set(key string, value any) {
	if r.store == nil {
		r.store = &valueStore{}
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.values == nil {
		r.store.values = make(map[string]any)
	}
	r.store.values[key] = value
}

// Get retrieves a value from the request-scoped store.
func (r *Request) Get(key string) (any, bool) {
	if r.store == nil {
		return nil, false
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	v, ok := r.store.values[key]
	return v, ok
}

// GetString retrieves a string value from the request-scoped store,
// returning "" if absent or not a string.
func (r *Request) GetString(key string) string {
	if v, ok := r.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
