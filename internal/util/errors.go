// Package util provides shared utility types for the gateway.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., RouteNotFoundError, DeliveryError).
//     Each type implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// All custom error types must implement:
//
//	Error() string           – human-readable message
//	Unwrap() error           – if the type wraps another error
//	Is(target error) bool    – for errors.Is() compatibility
package util

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidPattern    = errors.New("invalid route pattern")
	ErrTimeout           = errors.New("timeout")
	ErrConnectionDropped = errors.New("connection dropped")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrShutdownTimeout   = errors.New("shutdown timeout")
	ErrGatewayState      = errors.New("invalid gateway state")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// PatternError reports a route template that failed to compile.
// It is fatal to registration and surfaced synchronously to the caller.
type PatternError struct {
	Template string
	Message  string
}

// Error implements the error interface.
func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %s", e.Template, e.Message)
}

// Is checks if the error matches the target.
func (e *PatternError) Is(target error) bool {
	if target == ErrInvalidPattern {
		return true
	}
	_, ok := target.(*PatternError)
	return ok
}

// NewPatternError creates a new PatternError.
func NewPatternError(template, message string) *PatternError {
	return &PatternError{Template: template, Message: message}
}

// RouteNotFoundError reports a request that matched no registered route.
type RouteNotFoundError struct {
	Method string
	Path   string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route found for %s %s", e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// NewRouteNotFoundError creates a new RouteNotFoundError.
func NewRouteNotFoundError(method, path string) *RouteNotFoundError {
	return &RouteNotFoundError{Method: method, Path: path}
}

// HandlerError wraps an error returned (or a panic raised) by a
// user handler. It is recovered by the pipeline and never crashes
// the worker serving other connections.
type HandlerError struct {
	Method string
	Path   string
	Cause  error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed for %s %s: %v", e.Method, e.Path, e.Cause)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *HandlerError) Is(target error) bool {
	_, ok := target.(*HandlerError)
	return ok || errors.Is(e.Cause, target)
}

// NewHandlerError creates a new HandlerError.
func NewHandlerError(method, path string, cause error) *HandlerError {
	return &HandlerError{Method: method, Path: path, Cause: cause}
}

// HandlerTimeoutError reports a handler that exceeded its per-route
// deadline. The pending work is canceled via context.
type HandlerTimeoutError struct {
	Method  string
	Path    string
	Timeout time.Duration
}

// Error implements the error interface.
func (e *HandlerTimeoutError) Error() string {
	return fmt.Sprintf("handler timeout after %v for %s %s", e.Timeout, e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *HandlerTimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	_, ok := target.(*HandlerTimeoutError)
	return ok
}

// NewHandlerTimeoutError creates a new HandlerTimeoutError.
func NewHandlerTimeoutError(method, path string, timeout time.Duration) *HandlerTimeoutError {
	return &HandlerTimeoutError{Method: method, Path: path, Timeout: timeout}
}

// ProtocolSwitchError reports a failed protocol switch. The gateway
// remains in its prior Listening state when this is returned.
type ProtocolSwitchError struct {
	From  string
	To    string
	Cause error
}

// Error implements the error interface.
func (e *ProtocolSwitchError) Error() string {
	return fmt.Sprintf("protocol switch %s -> %s failed: %v", e.From, e.To, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ProtocolSwitchError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ProtocolSwitchError) Is(target error) bool {
	_, ok := target.(*ProtocolSwitchError)
	return ok || errors.Is(e.Cause, target)
}

// NewProtocolSwitchError creates a new ProtocolSwitchError.
func NewProtocolSwitchError(from, to string, cause error) *ProtocolSwitchError {
	return &ProtocolSwitchError{From: from, To: to, Cause: cause}
}

// DeliveryError reports a failed publish delivery to one subscriber.
// It is logged and isolated; it never aborts the broader publish.
type DeliveryError struct {
	ConnectionID string
	Topic        string
	Cause        error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to connection %s on topic %q failed: %v",
		e.ConnectionID, e.Topic, e.Cause)
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *DeliveryError) Is(target error) bool {
	if target == ErrDeliveryFailed {
		return true
	}
	_, ok := target.(*DeliveryError)
	return ok || errors.Is(e.Cause, target)
}

// NewDeliveryError creates a new DeliveryError.
func NewDeliveryError(connectionID, topic string, cause error) *DeliveryError {
	return &DeliveryError{ConnectionID: connectionID, Topic: topic, Cause: cause}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsClientError returns true for errors that map to a 4xx-equivalent
// response on the wire.
func IsClientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidPattern)
}

// IsServerError returns true for errors that map to a 5xx-equivalent
// response on the wire.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrDeliveryFailed) ||
		errors.Is(err, ErrShutdownTimeout)
}
