package grpcadapter

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/switchboard-gw/switchboard/internal/adapter"
	"github.com/switchboard-gw/switchboard/internal/dispatch"
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/router"
)

func startAdapter(t *testing.T, r *router.Router) *Adapter {
	t.Helper()

	a := New(adapter.Config{Name: "test-grpc", Bind: "127.0.0.1", Port: 0}, dispatch.New(r))
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func dialAdapter(t *testing.T, a *Adapter) *grpc.ClientConn {
	t.Helper()

	conn, err := grpc.NewClient(a.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestUnaryCall(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.GRPC("/echo.Echo/Say", func(req *message.Request) (*message.Response, error) {
		resp := message.NewResponse()
		resp.Write(append([]byte("reply: "), req.Body...))
		return resp, nil
	})

	a := startAdapter(t, r)
	conn := dialAdapter(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out frame
	err := conn.Invoke(ctx, "/echo.Echo/Say", &frame{payload: []byte("ping")}, &out)
	require.NoError(t, err)
	assert.Equal(t, "reply: ping", string(out.payload))
}

func TestUnaryMetadataVisibleToHandler(t *testing.T) {
	t.Parallel()

	var gotPath, gotMethod string
	r := router.New()
	r.GRPC("/svc.S/M", func(req *message.Request) (*message.Response, error) {
		gotPath = req.Path
		gotMethod = req.Method
		return message.NewResponse(), nil
	})

	a := startAdapter(t, r)
	conn := dialAdapter(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out frame
	require.NoError(t, conn.Invoke(ctx, "/svc.S/M", &frame{payload: nil}, &out))

	assert.Equal(t, "/svc.S/M", gotPath)
	assert.Equal(t, message.MethodGRPCUnary, gotMethod)
}

func TestUnknownMethodUnimplemented(t *testing.T) {
	t.Parallel()

	a := startAdapter(t, router.New())
	conn := dialAdapter(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out frame
	err := conn.Invoke(ctx, "/no.Such/Method", &frame{payload: nil}, &out)
	require.Error(t, err)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestHandlerErrorMapsToInternal(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.GRPC("/svc.S/Fail", func(req *message.Request) (*message.Response, error) {
		return nil, errors.New("backend exploded")
	})

	a := startAdapter(t, r)
	conn := dialAdapter(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out frame
	err := conn.Invoke(ctx, "/svc.S/Fail", &frame{payload: nil}, &out)
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestStreamingCall(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.GRPCStream("/stream.S/Pump", func(req *message.Request) (*message.Response, error) {
		resp := message.NewResponse()
		resp.Write(append([]byte("ack: "), req.Body...))
		return resp, nil
	})

	a := startAdapter(t, r)
	conn := dialAdapter(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc := &grpc.StreamDesc{StreamName: "Pump", ClientStreams: true, ServerStreams: true}
	stream, err := conn.NewStream(ctx, desc, "/stream.S/Pump")
	require.NoError(t, err)

	for _, msg := range []string{"one", "two"} {
		require.NoError(t, stream.SendMsg(&frame{payload: []byte(msg)}))

		var out frame
		require.NoError(t, stream.RecvMsg(&out))
		assert.Equal(t, "ack: "+msg, string(out.payload))
	}

	require.NoError(t, stream.CloseSend())
}

func TestStreamMessagesShareStreamID(t *testing.T) {
	t.Parallel()

	ids := make(chan string, 2)
	r := router.New()
	r.GRPCStream("/stream.S/IDs", func(req *message.Request) (*message.Response, error) {
		ids <- req.StreamID
		resp := message.NewResponse()
		resp.WriteString("ok")
		return resp, nil
	})

	a := startAdapter(t, r)
	conn := dialAdapter(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	desc := &grpc.StreamDesc{StreamName: "IDs", ClientStreams: true, ServerStreams: true}
	stream, err := conn.NewStream(ctx, desc, "/stream.S/IDs")
	require.NoError(t, err)

	var out frame
	require.NoError(t, stream.SendMsg(&frame{payload: []byte("a")}))
	require.NoError(t, stream.RecvMsg(&out))
	require.NoError(t, stream.SendMsg(&frame{payload: []byte("b")}))
	require.NoError(t, stream.RecvMsg(&out))
	require.NoError(t, stream.CloseSend())

	first := <-ids
	second := <-ids
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestDrainRejectsNewCalls(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.GRPC("/svc.S/M", func(req *message.Request) (*message.Response, error) {
		return message.NewResponse(), nil
	})

	a := startAdapter(t, r)
	a.Drain()

	conn := dialAdapter(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out frame
	err := conn.Invoke(ctx, "/svc.S/M", &frame{payload: nil}, &out)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestCodecRejectsUnknownTypes(t *testing.T) {
	t.Parallel()

	c := rawCodec{}

	data, err := c.Marshal(&frame{payload: []byte("raw")})
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), data)

	_, err = c.Marshal("not a frame")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot marshal")

	var out struct{ b []byte }
	err = c.Unmarshal([]byte("raw"), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot unmarshal")
}

func TestStatusFromResponseMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		code   codes.Code
	}{
		{http.StatusNotFound, codes.Unimplemented},
		{http.StatusGatewayTimeout, codes.DeadlineExceeded},
		{http.StatusServiceUnavailable, codes.Unavailable},
		{http.StatusTooManyRequests, codes.ResourceExhausted},
		{http.StatusBadRequest, codes.InvalidArgument},
		{http.StatusInternalServerError, codes.Internal},
	}

	for _, tc := range cases {
		resp := message.NewResponse().SetStatus(tc.status)
		err := statusFromResponse(resp)
		require.Error(t, err)
		assert.Equal(t, tc.code, status.Code(err))
	}

	assert.NoError(t, statusFromResponse(message.NewResponse().SetStatus(http.StatusOK)))
}
