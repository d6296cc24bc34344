// Package health exposes the gateway's health view: lifecycle state,
// live connection and subscription counts, and optional named probes.
// The serving surface here is a plain http.Handler mounted on the
// operational port next to /metrics; the gateway's own protocol
// listeners are not involved.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/switchboard-gw/switchboard/internal/gateway"
)

// Status is the aggregate health verdict.
type Status string

const (
	// StatusHealthy means the gateway is serving.
	StatusHealthy Status = "healthy"

	// StatusDegraded means the gateway is serving but a probe failed
	// or a switch is in progress.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy means the gateway is not serving.
	StatusUnhealthy Status = "unhealthy"
)

// Check is one probe result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc performs one named probe.
type CheckFunc func() Check

// Response is the serialized health view.
type Response struct {
	Status        Status           `json:"status"`
	State         string           `json:"state"`
	Protocol      string           `json:"protocol,omitempty"`
	Connections   int              `json:"connections"`
	Subscriptions int              `json:"subscriptions"`
	Uptime        string           `json:"uptime"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Checker aggregates the gateway snapshot and registered probes.
type Checker struct {
	gw        *gateway.Gateway
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker creates a checker over the gateway.
func NewChecker(gw *gateway.Gateway) *Checker {
	return &Checker{
		gw:        gw,
		startTime: time.Now(),
		checks:    make(map[string]CheckFunc),
	}
}

// Register adds a named probe. Re-registering a name replaces it.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
}

// Snapshot evaluates the probes against the gateway state.
func (c *Checker) Snapshot() Response {
	snap := c.gw.Snapshot()

	resp := Response{
		State:         snap.State.String(),
		Protocol:      string(snap.Protocol),
		Connections:   snap.Connections,
		Subscriptions: snap.Subscriptions,
		Uptime:        time.Since(c.startTime).Round(time.Second).String(),
		Timestamp:     time.Now().UTC(),
	}

	switch snap.State {
	case gateway.StateListening:
		resp.Status = StatusHealthy
	case gateway.StateSwitching:
		resp.Status = StatusDegraded
	default:
		resp.Status = StatusUnhealthy
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.checks) > 0 {
		resp.Checks = make(map[string]Check, len(c.checks))
		for name, fn := range c.checks {
			check := fn()
			resp.Checks[name] = check
			if check.Status != StatusHealthy && resp.Status == StatusHealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// Handler serves the health view as JSON. Unhealthy answers 503 so
// load balancers pull the instance without parsing the body.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Snapshot()

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}
