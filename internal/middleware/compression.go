package middleware

import (
	"bytes"
	"compress/gzip"
	"strings"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
)

// MinCompressSize is the smallest response body worth compressing.
// Below it the gzip framing costs more than it saves.
const MinCompressSize = 1 << 10 // 1 KiB

// Compression returns a middleware that gzips response bodies for
// HTTP clients that accept it. Other transports pass through
// untouched; their framing has no content-encoding notion.
func Compression() pipeline.Middleware {
	return func(req *message.Request, next pipeline.Handler) (*message.Response, error) {
		resp, err := next(req)
		if err != nil || resp == nil {
			return resp, err
		}
		if req.Protocol != message.ProtocolHTTP {
			return resp, nil
		}
		if !strings.Contains(req.Header.Get("Accept-Encoding"), "gzip") {
			return resp, nil
		}
		if len(resp.Body) < MinCompressSize || resp.Header.Get("Content-Encoding") != "" {
			return resp, nil
		}

		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, werr := zw.Write(resp.Body); werr != nil {
			return resp, nil
		}
		if cerr := zw.Close(); cerr != nil {
			return resp, nil
		}
		if buf.Len() >= len(resp.Body) {
			// Incompressible payload; keep the original.
			return resp, nil
		}

		resp.Body = buf.Bytes()
		resp.Header.Set("Content-Encoding", "gzip")
		resp.Header.Del("Content-Length")
		return resp, nil
	}
}
