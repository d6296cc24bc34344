package middleware

import (
	"github.com/google/uuid"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
)

// RequestIDHeader is the header carrying the request ID.
const RequestIDHeader = "X-Request-ID"

// RequestID returns a middleware that assigns each request an ID,
// reusing one supplied by the client when present.
func RequestID() pipeline.Middleware {
	return RequestIDWithGenerator(func() string {
		return uuid.New().String()
	})
}

// RequestIDWithGenerator returns a RequestID middleware with a custom
// ID generator.
func RequestIDWithGenerator(generator func() string) pipeline.Middleware {
	return func(req *message.Request, next pipeline.Handler) (*message.Response, error) {
		requestID := req.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = generator()
		}

		ctx := observability.ContextWithRequestID(req.Context(), requestID)
		req = req.WithContext(ctx)

		resp, err := next(req)
		if resp != nil {
			resp.Header.Set(RequestIDHeader, requestID)
		}
		return resp, err
	}
}
