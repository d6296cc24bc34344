package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
)

// Recovery returns a middleware that recovers from panics in the
// downstream chain and answers with a 500 instead of crashing the
// serving goroutine.
func Recovery(logger observability.Logger) pipeline.Middleware {
	return func(req *message.Request, next pipeline.Handler) (resp *message.Response, err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()

				logger.WithContext(req.Context()).Error("panic recovered",
					observability.String("method", req.Method),
					observability.String("path", req.Path),
					observability.String("protocol", string(req.Protocol)),
					observability.Any("error", r),
					observability.String("stack", string(stack)),
				)

				resp = message.NewResponse()
				resp.SetStatus(http.StatusInternalServerError)
				resp.Header.Set("Content-Type", "application/json")
				resp.WriteString(`{"error":"internal server error"}`)
				err = nil
			}
		}()

		return next(req)
	}
}
