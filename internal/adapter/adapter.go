// Package adapter defines the contract shared by the protocol
// adapters. Each adapter owns one transport: it binds a socket,
// converts inbound traffic into unified requests for the dispatcher,
// and serializes the dispatcher's responses back onto the wire.
// Adapters are siblings behind one interface and are never layered on
// one another.
package adapter

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// Adapter is a protocol listener feeding the dispatcher.
type Adapter interface {
	// Protocol returns the transport this adapter serves.
	Protocol() message.Protocol

	// Start binds the transport and begins serving. It returns once
	// the socket is bound; serving continues in the background.
	Start(ctx context.Context) error

	// Addr returns the bound address. Valid only after Start.
	Addr() net.Addr

	// Drain makes the adapter reject new inbound traffic with a
	// transport-appropriate "service restarting" signal while
	// in-flight requests continue.
	Drain()

	// Resume lifts a Drain, accepting new inbound traffic again. Used
	// when a protocol switch fails and the old listener stays up.
	Resume()

	// Stop closes the transport. ctx bounds the graceful period for
	// in-flight work; exceeding it returns ErrShutdownTimeout after
	// forcing the remaining work down.
	Stop(ctx context.Context) error
}

// Config is the transport configuration common to all adapters.
type Config struct {
	Name string
	Bind string
	Port int

	// Route is the path pseudo-requests dispatch to on transports
	// that have no inherent path (TCP, UDP). Defaults to "/".
	Route string

	TLS *TLSConfig
}

// TLSConfig holds listener certificate material.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Address returns the bind address in host:port form.
func (c Config) Address() string {
	bind := c.Bind
	if bind == "" {
		bind = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", bind, c.Port)
}

// RoutePath returns the dispatch path for pathless transports.
func (c Config) RoutePath() string {
	if c.Route == "" {
		return "/"
	}
	return c.Route
}

// Tracker counts in-flight work so Stop can wait for it. The zero
// value is ready to use.
type Tracker struct {
	mu    sync.Mutex
	count int
	done  chan struct{}
}

// Add records one in-flight unit.
func (t *Tracker) Add() {
	t.mu.Lock()
	t.count++
	t.mu.Unlock()
}

// Done records completion of one in-flight unit.
func (t *Tracker) Done() {
	t.mu.Lock()
	t.count--
	if t.count <= 0 && t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()
}

// Count returns the current in-flight count.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait blocks until the in-flight count reaches zero or ctx expires,
// returning ErrShutdownTimeout in the latter case.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	if t.count <= 0 {
		t.mu.Unlock()
		return nil
	}
	if t.done == nil {
		t.done = make(chan struct{})
	}
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return util.ErrShutdownTimeout
	}
}
