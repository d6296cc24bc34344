// Package config defines the gateway configuration: which protocol
// to serve first, one listener block per protocol, dispatch and
// broker tuning, and the logging setup. Files are YAML with
// ${VAR:-default} environment substitution, and a watcher drives hot
// reload of the tunable values.
package config

import (
	"fmt"
	"time"
)

// Config is the root gateway configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Logging LoggingConfig `yaml:"logging"`
}

// GatewayConfig configures serving and lifecycle behavior.
type GatewayConfig struct {
	// Protocol is the transport to serve on start: http, websocket,
	// grpc, tcp, or udp.
	Protocol string `yaml:"protocol"`

	// Listeners configures the per-protocol bind points. A protocol
	// without a listener block cannot be started or switched to.
	Listeners []ListenerConfig `yaml:"listeners"`

	// DefaultTimeout is the per-route handler timeout when a route
	// does not set its own.
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`

	// GracePeriod bounds draining on shutdown and protocol switches.
	GracePeriod time.Duration `yaml:"gracePeriod"`

	// MaxConnections bounds concurrent long-lived connections on
	// connection-oriented transports.
	MaxConnections int `yaml:"maxConnections"`

	Broker BrokerConfig `yaml:"broker"`

	// Admin configures the out-of-band HTTP endpoint serving metrics,
	// health, and the protocol switch trigger. It is never served by
	// the active protocol adapter, so it stays reachable mid-switch.
	Admin AdminConfig `yaml:"admin"`
}

// AdminConfig configures the operational HTTP endpoint.
type AdminConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// Address returns the admin bind address in host:port form.
func (a AdminConfig) Address() string {
	bind := a.Bind
	if bind == "" {
		bind = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", bind, a.Port)
}

// ListenerConfig configures one protocol's bind point.
type ListenerConfig struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"`
	Bind     string `yaml:"bind"`
	Port     int    `yaml:"port"`

	// Route is the dispatch path for pathless transports (tcp, udp).
	Route string `yaml:"route,omitempty"`

	// Compression enables gzip response bodies on the http listener.
	Compression bool `yaml:"compression,omitempty"`

	TLS *TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig holds listener certificate material.
type TLSConfig struct {
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// BrokerConfig tunes the connection registry and pub/sub fan-out.
type BrokerConfig struct {
	// DeliveryTimeout bounds one publish delivery to one subscriber.
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout"`

	// Redis enables the cross-instance publish bridge when set.
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig configures the optional Redis publish bridge.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default configuration values.
const (
	DefaultProtocol        = "http"
	DefaultPort            = 8080
	DefaultTimeout         = 30 * time.Second
	DefaultGracePeriod     = 30 * time.Second
	DefaultMaxConnections  = 10000
	DefaultDeliveryTimeout = 5 * time.Second
	DefaultRedisChannel    = "switchboard:publish"
	DefaultAdminPort       = 9090
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
)

// Default returns a configuration with every default applied: an
// HTTP listener on the default port and no TLS.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Gateway.Protocol == "" {
		c.Gateway.Protocol = DefaultProtocol
	}
	if len(c.Gateway.Listeners) == 0 {
		c.Gateway.Listeners = []ListenerConfig{{
			Name:     "default",
			Protocol: DefaultProtocol,
			Port:     DefaultPort,
		}}
	}
	if c.Gateway.DefaultTimeout <= 0 {
		c.Gateway.DefaultTimeout = DefaultTimeout
	}
	if c.Gateway.GracePeriod <= 0 {
		c.Gateway.GracePeriod = DefaultGracePeriod
	}
	if c.Gateway.MaxConnections <= 0 {
		c.Gateway.MaxConnections = DefaultMaxConnections
	}
	if c.Gateway.Admin.Port <= 0 {
		c.Gateway.Admin.Port = DefaultAdminPort
	}
	if c.Gateway.Broker.DeliveryTimeout <= 0 {
		c.Gateway.Broker.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.Gateway.Broker.Redis != nil && c.Gateway.Broker.Redis.Channel == "" {
		c.Gateway.Broker.Redis.Channel = DefaultRedisChannel
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

// Listener returns the listener block for protocol.
func (c *Config) Listener(protocol string) (ListenerConfig, bool) {
	for _, l := range c.Gateway.Listeners {
		if l.Protocol == protocol {
			return l, true
		}
	}
	return ListenerConfig{}, false
}
