package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
)

// CircuitBreakerStateFunc is called when the breaker changes state.
// state is 0 for closed, 1 for half-open, 2 for open.
type CircuitBreakerStateFunc func(name string, state int)

// CircuitBreaker wraps gobreaker and exposes it as pipeline middleware.
type CircuitBreaker struct {
	cb            *gobreaker.CircuitBreaker
	logger        observability.Logger
	stateCallback CircuitBreakerStateFunc
}

// CircuitBreakerOption is a functional option for the circuit breaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithCircuitBreakerLogger sets the breaker logger.
func WithCircuitBreakerLogger(logger observability.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithCircuitBreakerStateCallback registers a state change callback.
func WithCircuitBreakerStateCallback(fn CircuitBreakerStateFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.stateCallback = fn
	}
}

// NewCircuitBreaker creates a circuit breaker that opens after
// threshold consecutive failures and probes again after timeout.
func NewCircuitBreaker(
	name string,
	threshold int,
	timeout time.Duration,
	opts ...CircuitBreakerOption,
) *CircuitBreaker {
	cb := &CircuitBreaker{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(cb)
	}

	if threshold <= 0 {
		threshold = 1
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.logger.Info("circuit breaker state changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if cb.stateCallback != nil {
				cb.stateCallback(name, int(to))
			}
		},
	}

	cb.cb = gobreaker.NewCircuitBreaker(settings)
	return cb
}

// State returns the underlying breaker state.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.cb.State()
}

// Middleware returns a pipeline middleware guarded by the breaker.
// When the breaker is open, requests are refused with 503 without
// reaching the downstream chain. Handler errors and 5xx responses
// count as failures.
func (cb *CircuitBreaker) Middleware() pipeline.Middleware {
	return func(req *message.Request, next pipeline.Handler) (*message.Response, error) {
		result, err := cb.cb.Execute(func() (any, error) {
			resp, err := next(req)
			if err != nil {
				return resp, err
			}
			if resp != nil && resp.Status >= http.StatusInternalServerError {
				return resp, errServerStatus
			}
			return resp, nil
		})

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			cb.logger.WithContext(req.Context()).Warn("circuit breaker rejected request",
				observability.String("path", req.Path),
			)

			resp := message.NewResponse()
			resp.SetStatus(http.StatusServiceUnavailable)
			resp.Header.Set("Content-Type", "application/json")
			resp.WriteString(`{"error":"service unavailable"}`)
			return resp, nil
		}

		resp, _ := result.(*message.Response)
		if errors.Is(err, errServerStatus) {
			// The 5xx response itself is the answer; the sentinel only
			// fed the failure counter.
			return resp, nil
		}
		return resp, err
	}
}

// errServerStatus marks a 5xx response as a breaker failure.
var errServerStatus = errors.New("upstream returned server error status")
