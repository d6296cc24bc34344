package adapter

import (
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/switchboard-gw/switchboard/internal/message"
)

// MaxBodyBytes caps how much of an inbound HTTP body is buffered
// before dispatch.
const MaxBodyBytes = 16 << 20 // 16 MiB

// RequestFromHTTP converts an inbound HTTP request into the unified
// model. The body is fully buffered; handlers never see the wire.
func RequestFromHTTP(protocol message.Protocol, r *http.Request) (*message.Request, error) {
	req := message.NewRequest(protocol, r.Method, r.URL.Path)
	req = req.WithContext(r.Context())
	req.Query = r.URL.Query()

	for _, key := range headerKeys(r.Header) {
		for _, value := range r.Header.Values(key) {
			req.Header.Add(key, value)
		}
	}

	if addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr); err == nil {
		req.Peer = addr
	}

	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if int64(len(body)) > MaxBodyBytes {
			return nil, ErrBodyTooLarge
		}
		req.Body = body
	}

	return req, nil
}

// WriteHTTPResponse serializes a finalized unified response.
func WriteHTTPResponse(w http.ResponseWriter, resp *message.Response) error {
	for _, key := range resp.Header.Keys() {
		for _, value := range resp.Header.Values(key) {
			w.Header().Add(key, value)
		}
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			return fmt.Errorf("failed to write response body: %w", err)
		}
	}
	return nil
}

// WriteServiceRestarting answers a draining listener's refusal.
func WriteServiceRestarting(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, `{"error":"service restarting"}`)
}

// headerKeys returns the header's keys in a stable order.
func headerKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for key := range h {
		keys = append(keys, key)
	}
	return keys
}

// ErrBodyTooLarge reports a request body over MaxBodyBytes.
var ErrBodyTooLarge = fmt.Errorf("request body exceeds %d bytes", MaxBodyBytes)
