package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute is the label value used for requests that do not
// match any registered route, ensuring bounded cardinality.
const unmatchedRoute = "unmatched"

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConnections *prometheus.GaugeVec
	subscriptions     prometheus.Gauge
	publishedTotal    *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	protocolSwitches  *prometheus.CounterVec
	gatewayState      prometheus.Gauge
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "switchboard"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of dispatched requests",
		},
		[]string{"protocol", "method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request dispatch duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"protocol", "method", "route"},
	)

	m.activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live long-lived connections",
		},
		[]string{"protocol"},
	)

	m.subscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Number of live topic subscriptions",
		},
	)

	m.publishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_messages_total",
			Help:      "Total number of publish calls per topic",
		},
		[]string{"topic"},
	)

	m.deliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Total number of failed publish deliveries",
		},
		[]string{"topic"},
	)

	m.protocolSwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_switches_total",
			Help:      "Total number of protocol switch attempts",
		},
		[]string{"from", "to", "result"},
	)

	m.gatewayState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_state",
			Help:      "Current gateway state (0=idle, 1=listening, 2=switching, 3=stopped)",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeConnections,
		m.subscriptions,
		m.publishedTotal,
		m.deliveryFailures,
		m.protocolSwitches,
		m.gatewayState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveRequest records one dispatched request.
func (m *Metrics) ObserveRequest(protocol, method, route string, status int, seconds float64) {
	if route == "" {
		route = unmatchedRoute
	}
	m.requestsTotal.WithLabelValues(protocol, method, route, statusLabel(status)).Inc()
	m.requestDuration.WithLabelValues(protocol, method, route).Observe(seconds)
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened(protocol string) {
	m.activeConnections.WithLabelValues(protocol).Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed(protocol string) {
	m.activeConnections.WithLabelValues(protocol).Dec()
}

// SetSubscriptions sets the live subscription gauge.
func (m *Metrics) SetSubscriptions(n int) {
	m.subscriptions.Set(float64(n))
}

// ObservePublish records a publish and its failed deliveries.
func (m *Metrics) ObservePublish(topic string, failures int) {
	m.publishedTotal.WithLabelValues(topic).Inc()
	if failures > 0 {
		m.deliveryFailures.WithLabelValues(topic).Add(float64(failures))
	}
}

// ObserveSwitch records a protocol switch attempt.
func (m *Metrics) ObserveSwitch(from, to string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.protocolSwitches.WithLabelValues(from, to, result).Inc()
}

// SetGatewayState sets the gateway state gauge.
func (m *Metrics) SetGatewayState(state int) {
	m.gatewayState.Set(float64(state))
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
