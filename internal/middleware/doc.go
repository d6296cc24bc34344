// Package middleware provides stock middleware for the gateway
// pipeline. Every function here returns a pipeline.Middleware and is
// protocol-agnostic: the same recovery, logging, or rate limiting
// applies whether the request arrived over HTTP, WebSocket, gRPC,
// TCP, or UDP.
package middleware
