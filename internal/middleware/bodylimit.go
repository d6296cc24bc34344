package middleware

import (
	"net/http"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
)

// DefaultMaxBodySize is the body limit applied when the configured
// limit is zero or negative.
const DefaultMaxBodySize = 4 << 20 // 4 MiB

// BodyLimit returns a middleware that rejects requests whose body
// exceeds maxBytes with 413. Adapters buffer the body before
// dispatch, so the check is a plain length comparison.
func BodyLimit(maxBytes int64) pipeline.Middleware {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodySize
	}

	return func(req *message.Request, next pipeline.Handler) (*message.Response, error) {
		if int64(len(req.Body)) > maxBytes {
			resp := message.NewResponse()
			resp.SetStatus(http.StatusRequestEntityTooLarge)
			resp.Header.Set("Content-Type", "application/json")
			resp.WriteString(`{"error":"request body too large"}`)
			return resp, nil
		}

		return next(req)
	}
}
