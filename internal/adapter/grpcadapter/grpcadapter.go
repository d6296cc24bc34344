// Package grpcadapter serves gRPC without generated service stubs: a
// raw pass-through codec plus the unknown-service handler accept any
// method, so handlers registered on the shared router receive the
// request payload as opaque bytes. A unary call is one unified
// request; each message of a streaming call becomes a pseudo-request
// sharing the stream id.
package grpcadapter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/switchboard-gw/switchboard/internal/adapter"
	"github.com/switchboard-gw/switchboard/internal/dispatch"
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// Adapter serves the gRPC protocol.
type Adapter struct {
	config     adapter.Config
	dispatcher *dispatch.Dispatcher
	logger     observability.Logger

	server   *grpc.Server
	listener net.Listener
	draining atomic.Bool
	inflight adapter.Tracker
}

// Option is a functional option for the gRPC adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates a gRPC adapter.
func New(cfg adapter.Config, d *dispatch.Dispatcher, opts ...Option) *Adapter {
	a := &Adapter{
		config:     cfg,
		dispatcher: d,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Protocol returns the gRPC protocol tag.
func (a *Adapter) Protocol() message.Protocol {
	return message.ProtocolGRPC
}

// Addr returns the bound address.
func (a *Adapter) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start binds the socket and serves in the background.
func (a *Adapter) Start(ctx context.Context) error {
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(a.handleStream),
	}
	if a.config.TLS != nil {
		tlsCfg, err := a.config.TLS.ServerConfig()
		if err != nil {
			return util.WrapError(err, "grpc adapter tls")
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	a.server = grpc.NewServer(opts...)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.config.Address())
	if err != nil {
		return util.WrapError(err, "grpc adapter listen")
	}
	a.listener = ln

	a.logger.Info("grpc adapter started",
		observability.String("name", a.config.Name),
		observability.String("address", ln.Addr().String()),
	)

	go func() {
		if serveErr := a.server.Serve(ln); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			a.logger.Error("grpc adapter serve failed", observability.Error(serveErr))
		}
	}()
	return nil
}

// handleStream receives every call; the full method name routes it.
func (a *Adapter) handleStream(_ any, stream grpc.ServerStream) error {
	if a.draining.Load() {
		return status.Error(codes.Unavailable, "service restarting")
	}

	a.inflight.Add()
	defer a.inflight.Done()

	ctx := stream.Context()
	fullMethod, ok := grpc.Method(ctx)
	if !ok {
		return status.Error(codes.Internal, "missing method in stream context")
	}

	router := a.dispatcher.Router()
	if _, err := router.Resolve(message.MethodGRPCUnary, fullMethod); err == nil {
		return a.handleUnary(ctx, stream, fullMethod)
	}
	if _, err := router.Resolve(message.MethodGRPCStream, fullMethod); err == nil {
		return a.handleStreaming(ctx, stream, fullMethod)
	}
	return status.Errorf(codes.Unimplemented, "unknown method %s", fullMethod)
}

func (a *Adapter) handleUnary(ctx context.Context, stream grpc.ServerStream, fullMethod string) error {
	var in frame
	if err := stream.RecvMsg(&in); err != nil {
		return status.Errorf(codes.Internal, "failed to receive request: %v", err)
	}

	req := a.newRequest(ctx, message.MethodGRPCUnary, fullMethod)
	req.Body = in.payload

	resp := a.dispatcher.Dispatch(ctx, req)
	if err := statusFromResponse(resp); err != nil {
		return err
	}
	return stream.SendMsg(&frame{payload: resp.Body})
}

func (a *Adapter) handleStreaming(ctx context.Context, stream grpc.ServerStream, fullMethod string) error {
	streamID := uuid.New().String()

	for {
		var in frame
		if err := stream.RecvMsg(&in); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return status.Errorf(codes.Internal, "failed to receive message: %v", err)
		}

		req := a.newRequest(ctx, message.MethodGRPCStream, fullMethod)
		req.StreamID = streamID
		req.Body = in.payload

		resp := a.dispatcher.Dispatch(ctx, req)
		if err := statusFromResponse(resp); err != nil {
			return err
		}
		if len(resp.Body) > 0 {
			if err := stream.SendMsg(&frame{payload: resp.Body}); err != nil {
				return status.Errorf(codes.Internal, "failed to send message: %v", err)
			}
		}
	}
}

// newRequest builds the unified request from stream metadata.
func (a *Adapter) newRequest(ctx context.Context, method, fullMethod string) *message.Request {
	req := message.NewRequest(message.ProtocolGRPC, method, fullMethod)
	req = req.WithContext(ctx)

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for key, values := range md {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok {
		req.Peer = p.Addr
	}
	return req
}

// Drain refuses new calls with Unavailable while in-flight streams
// continue.
func (a *Adapter) Drain() {
	a.draining.Store(true)
}

// Resume lifts a Drain.
func (a *Adapter) Resume() {
	a.draining.Store(false)
}

// Stop drains the server gracefully within ctx, then forces the rest.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	a.draining.Store(true)

	done := make(chan struct{})
	go func() {
		a.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.server.Stop()
		return util.ErrShutdownTimeout
	}
}

// statusFromResponse maps gateway error statuses onto gRPC codes. A
// successful response returns nil.
func statusFromResponse(resp *message.Response) error {
	if resp.Status < http.StatusBadRequest {
		return nil
	}
	var code codes.Code
	switch resp.Status {
	case http.StatusNotFound:
		code = codes.Unimplemented
	case http.StatusGatewayTimeout:
		code = codes.DeadlineExceeded
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	case http.StatusTooManyRequests:
		code = codes.ResourceExhausted
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Error(code, string(resp.Body))
}
