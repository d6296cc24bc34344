package util

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternError(t *testing.T) {
	t.Parallel()

	err := NewPatternError("/a/*/b", "wildcard must be the final segment")
	assert.Contains(t, err.Error(), "/a/*/b")
	assert.True(t, errors.Is(err, ErrInvalidPattern))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestRouteNotFoundError(t *testing.T) {
	t.Parallel()

	err := NewRouteNotFoundError("GET", "/missing")
	assert.Equal(t, "no route found for GET /missing", err.Error())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHandlerError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := NewHandlerError("POST", "/x", cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestHandlerTimeoutError(t *testing.T) {
	t.Parallel()

	err := NewHandlerTimeoutError("GET", "/slow", 50*time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Contains(t, err.Error(), "50ms")
}

func TestProtocolSwitchError(t *testing.T) {
	t.Parallel()

	cause := errors.New("bind refused")
	err := NewProtocolSwitchError("http", "websocket", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "http -> websocket")
}

func TestDeliveryError(t *testing.T) {
	t.Parallel()

	err := NewDeliveryError("conn-1", "room:1", errors.New("socket closed"))
	assert.True(t, errors.Is(err, ErrDeliveryFailed))
	assert.Contains(t, err.Error(), "room:1")
}

func TestConfigError(t *testing.T) {
	t.Parallel()

	err := NewConfigError("listeners[0].port", "must be between 1 and 65535")
	assert.True(t, errors.Is(err, ErrConfigInvalid))
	assert.Contains(t, err.Error(), "listeners[0].port")

	wrapped := NewConfigErrorWithCause("tls", "cannot load key pair", errors.New("no such file"))
	assert.ErrorContains(t, wrapped, "tls")
	require.NotNil(t, errors.Unwrap(wrapped))
}

func TestWrapError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WrapError(nil, "ctx"))

	base := errors.New("inner")
	wrapped := WrapError(base, "outer")
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "outer: inner", wrapped.Error())
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, IsClientError(NewRouteNotFoundError("GET", "/x")))
	assert.False(t, IsClientError(nil))
	assert.True(t, IsServerError(NewHandlerTimeoutError("GET", "/x", time.Second)))
	assert.True(t, IsServerError(ErrShutdownTimeout))
	assert.False(t, IsServerError(nil))
}
