package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-gw/switchboard/internal/adapter"
	"github.com/switchboard-gw/switchboard/internal/broker"
	"github.com/switchboard-gw/switchboard/internal/gateway"
	"github.com/switchboard-gw/switchboard/internal/message"
)

type noopAdapter struct{ protocol message.Protocol }

func (n *noopAdapter) Protocol() message.Protocol    { return n.protocol }
func (n *noopAdapter) Addr() net.Addr                { return nil }
func (n *noopAdapter) Start(context.Context) error   { return nil }
func (n *noopAdapter) Drain()                        {}
func (n *noopAdapter) Resume()                       {}
func (n *noopAdapter) Stop(context.Context) error    { return nil }

func newGateway(t *testing.T) *gateway.Gateway {
	t.Helper()

	g := gateway.New(func(p message.Protocol) (adapter.Adapter, error) {
		return &noopAdapter{protocol: p}, nil
	}, broker.New())
	t.Cleanup(func() { _ = g.Stop(context.Background()) })
	return g
}

func TestSnapshotIdleIsUnhealthy(t *testing.T) {
	t.Parallel()

	c := NewChecker(newGateway(t))
	resp := c.Snapshot()

	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "idle", resp.State)
}

func TestSnapshotListeningIsHealthy(t *testing.T) {
	t.Parallel()

	g := newGateway(t)
	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	resp := NewChecker(g).Snapshot()
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "listening", resp.State)
	assert.Equal(t, "http", resp.Protocol)
}

func TestFailingProbeDegrades(t *testing.T) {
	t.Parallel()

	g := newGateway(t)
	require.NoError(t, g.Start(context.Background(), message.ProtocolHTTP))

	c := NewChecker(g)
	c.Register("redis", func() Check {
		return Check{Status: StatusUnhealthy, Message: "connection refused"}
	})

	resp := c.Snapshot()
	assert.Equal(t, StatusDegraded, resp.Status)
	require.Contains(t, resp.Checks, "redis")
	assert.Equal(t, "connection refused", resp.Checks["redis"].Message)
}

func TestHandlerStatusCodes(t *testing.T) {
	t.Parallel()

	g := newGateway(t)
	c := NewChecker(g)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, g.Start(context.Background(), message.ProtocolTCP))

	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tcp", resp.Protocol)
	assert.Equal(t, string(StatusHealthy), string(resp.Status))
}
