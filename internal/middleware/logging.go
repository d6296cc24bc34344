package middleware

import (
	"time"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
)

// Logging returns a middleware that logs one line per dispatched
// request with protocol, status, and duration.
func Logging(logger observability.Logger) pipeline.Middleware {
	return func(req *message.Request, next pipeline.Handler) (*message.Response, error) {
		start := time.Now()

		resp, err := next(req)

		fields := []observability.Field{
			observability.String("method", req.Method),
			observability.String("path", req.Path),
			observability.String("protocol", string(req.Protocol)),
			observability.Duration("duration", time.Since(start)),
		}
		if resp != nil {
			fields = append(fields, observability.Int("status", resp.Status))
		}

		log := logger.WithContext(req.Context())
		if err != nil {
			log.Warn("request failed", append(fields, observability.Error(err))...)
		} else {
			log.Info("request completed", fields...)
		}

		return resp, err
	}
}
