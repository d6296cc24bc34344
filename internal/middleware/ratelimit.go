package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/pipeline"
)

const (
	// DefaultClientTTL is how long an idle per-client limiter entry is
	// kept before cleanup.
	DefaultClientTTL = 10 * time.Minute

	// cleanupInterval bounds how often the janitor scans the client map.
	cleanupInterval = time.Minute
)

// clientEntry holds a rate limiter and its last access time.
type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter limits request throughput, globally or per client.
type RateLimiter struct {
	limiter   *rate.Limiter
	perClient bool
	clients   map[string]*clientEntry
	mu        sync.Mutex
	rps       int
	burst     int
	logger    observability.Logger
	clientTTL time.Duration
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// RateLimiterOption is a functional option for configuring the rate limiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimiterLogger sets the logger for the rate limiter.
func WithRateLimiterLogger(logger observability.Logger) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.logger = logger
	}
}

// WithClientTTL sets how long idle per-client entries survive.
func WithClientTTL(ttl time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		if ttl > 0 {
			rl.clientTTL = ttl
		}
	}
}

// NewRateLimiter creates a rate limiter. With perClient set, each
// client key gets its own token bucket; otherwise one bucket is
// shared by all requests.
func NewRateLimiter(rps, burst int, perClient bool, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		perClient: perClient,
		clients:   make(map[string]*clientEntry),
		rps:       rps,
		burst:     burst,
		logger:    observability.NopLogger(),
		clientTTL: DefaultClientTTL,
		stopCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(rl)
	}

	if perClient {
		go rl.cleanupLoop()
	}

	return rl
}

// Allow reports whether a request from client is within the limit.
func (rl *RateLimiter) Allow(client string) bool {
	if !rl.perClient {
		return rl.limiter.Allow()
	}

	rl.mu.Lock()
	entry, ok := rl.clients[client]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.clients[client] = entry
	}
	entry.lastAccess = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.clientTTL)

	rl.mu.Lock()
	for client, entry := range rl.clients {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.clients, client)
		}
	}
	rl.mu.Unlock()
}

// clientKey extracts the limiter key from the request peer, dropping
// the ephemeral port so one client maps to one bucket.
func clientKey(req *message.Request) string {
	if req.Peer == nil {
		return ""
	}
	addr := req.Peer.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// Middleware returns a pipeline middleware that rejects over-limit
// requests with 429. The client key is the request's peer address.
func (rl *RateLimiter) Middleware() pipeline.Middleware {
	return func(req *message.Request, next pipeline.Handler) (*message.Response, error) {
		client := clientKey(req)
		if !rl.Allow(client) {
			rl.logger.WithContext(req.Context()).Warn("rate limit exceeded",
				observability.String("client", client),
				observability.String("path", req.Path),
			)

			resp := message.NewResponse()
			resp.SetStatus(http.StatusTooManyRequests)
			resp.Header.Set("Content-Type", "application/json")
			resp.Header.Set("Retry-After", "1")
			resp.WriteString(`{"error":"rate limit exceeded"}`)
			return resp, nil
		}

		return next(req)
	}
}
