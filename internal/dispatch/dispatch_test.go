package dispatch

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
	"github.com/switchboard-gw/switchboard/internal/router"
)

func newRequest(method, path string) *message.Request {
	req := message.NewRequest(message.ProtocolHTTP, method, path)
	return req
}

func TestDispatchResolvedRoute(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.GET("/users/:id", func(req *message.Request) (*message.Response, error) {
		resp := message.NewResponse()
		resp.SetStatus(http.StatusOK)
		resp.WriteString(req.Params["id"])
		return resp, nil
	})

	d := New(r)
	resp := d.Dispatch(context.Background(), newRequest("GET", "/users/42"))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "42", string(resp.Body))
	assert.True(t, resp.Finalized())
}

func TestDispatchRouteNotFound(t *testing.T) {
	t.Parallel()

	d := New(router.New())
	resp := d.Dispatch(context.Background(), newRequest("GET", "/missing"))

	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.True(t, resp.Finalized())
	assert.Contains(t, string(resp.Body), "route not found")
}

func TestDispatchHandlerError(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.GET("/boom", func(req *message.Request) (*message.Response, error) {
		return nil, errors.New("backend unavailable")
	})

	d := New(r)
	resp := d.Dispatch(context.Background(), newRequest("GET", "/boom"))

	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.True(t, resp.Finalized())
}

func TestDispatchHandlerPanic(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.GET("/panic", func(req *message.Request) (*message.Response, error) {
		panic("boom")
	})

	d := New(r)
	resp := d.Dispatch(context.Background(), newRequest("GET", "/panic"))

	// The panic is confined to the request; the dispatcher answers 500.
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
}

func TestDispatchRouteTimeout(t *testing.T) {
	t.Parallel()

	r := router.New()
	id, err := r.GET("/slow", func(req *message.Request) (*message.Response, error) {
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(5 * time.Second):
			return message.NewResponse(), nil
		}
	})
	require.NoError(t, err)
	require.True(t, r.SetTimeout(id, 20*time.Millisecond))

	d := New(r)
	start := time.Now()
	resp := d.Dispatch(context.Background(), newRequest("GET", "/slow"))

	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatchDefaultTimeout(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.GET("/slow", func(req *message.Request) (*message.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	d := New(r, WithDefaultTimeout(20*time.Millisecond))
	resp := d.Dispatch(context.Background(), newRequest("GET", "/slow"))

	assert.Equal(t, http.StatusGatewayTimeout, resp.Status)
}

func TestDispatchErrorMiddlewareRecovers(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.Use(pipeline.OnError(func(err error, req *message.Request, resp *message.Response, next pipeline.ErrorNext) (*message.Response, error) {
		out := message.NewResponse()
		out.SetStatus(http.StatusBadGateway)
		out.WriteString("handled: " + err.Error())
		return out, nil
	}))
	r.GET("/boom", func(req *message.Request) (*message.Response, error) {
		return nil, errors.New("downstream failed")
	})

	d := New(r)
	resp := d.Dispatch(context.Background(), newRequest("GET", "/boom"))

	assert.Equal(t, http.StatusBadGateway, resp.Status)
	assert.Equal(t, "handled: downstream failed", string(resp.Body))
}

func TestDispatchNilHandlerResponse(t *testing.T) {
	t.Parallel()

	r := router.New()
	r.GET("/empty", func(req *message.Request) (*message.Response, error) {
		return nil, nil
	})

	d := New(r)
	resp := d.Dispatch(context.Background(), newRequest("GET", "/empty"))

	require.NotNil(t, resp)
	assert.True(t, resp.Finalized())
}

func TestDispatchDeadlineVisibleToHandler(t *testing.T) {
	t.Parallel()

	r := router.New()
	id, err := r.GET("/deadline", func(req *message.Request) (*message.Response, error) {
		_, ok := req.Context().Deadline()
		assert.True(t, ok)
		return message.NewResponse(), nil
	})
	require.NoError(t, err)
	require.True(t, r.SetTimeout(id, time.Second))

	d := New(r)
	resp := d.Dispatch(context.Background(), newRequest("GET", "/deadline"))
	assert.Equal(t, http.StatusOK, resp.Status)
}
