package message

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
)

// Response is the protocol-neutral result of dispatching a Request.
// It is built incrementally by middleware and the handler, then
// finalized exactly once by the adapter that serializes it.
type Response struct {
	Status int
	Header *Header
	Body   []byte

	// Upgrade signals upgrade intent for a WebSocket handshake. The
	// WebSocket adapter completes the upgrade only when the WS_OPEN
	// pseudo-request's pipeline set this without short-circuiting.
	Upgrade bool

	finalized atomic.Bool
}

// NewResponse creates an empty response.
func NewResponse() *Response {
	return &Response{Header: NewHeader()}
}

// SetStatus sets the response status code.
func (r *Response) SetStatus(status int) *Response {
	r.Status = status
	return r
}

// Write appends bytes to the response body.
func (r *Response) Write(p []byte) (int, error) {
	r.Body = append(r.Body, p...)
	return len(p), nil
}

// WriteString appends a string to the response body.
func (r *Response) WriteString(s string) {
	r.Body = append(r.Body, s...)
}

// JSON marshals v into the body and sets the content type.
func (r *Response) JSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode response body: %w", err)
	}
	r.Status = status
	r.Header.Set("Content-Type", "application/json")
	r.Body = data
	return nil
}

// Finalize marks the response complete. The second and later calls
// fail, which guards against double serialization by adapters.
func (r *Response) Finalize() error {
	if !r.finalized.CompareAndSwap(false, true) {
		return fmt.Errorf("response already finalized")
	}
	if r.Status == 0 {
		r.Status = http.StatusOK
	}
	return nil
}

// Finalized reports whether Finalize has been called.
func (r *Response) Finalized() bool {
	return r.finalized.Load()
}
