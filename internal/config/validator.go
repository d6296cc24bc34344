package config

import (
	"fmt"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/util"
)

// Validate checks the configuration for contradictions. It assumes
// defaults were applied first.
func Validate(cfg *Config) error {
	if !message.Protocol(cfg.Gateway.Protocol).Valid() {
		return util.NewConfigError("gateway.protocol",
			fmt.Sprintf("unknown protocol %q", cfg.Gateway.Protocol))
	}

	if _, ok := cfg.Listener(cfg.Gateway.Protocol); !ok {
		return util.NewConfigError("gateway.listeners",
			fmt.Sprintf("no listener for start protocol %q", cfg.Gateway.Protocol))
	}

	seen := make(map[string]bool, len(cfg.Gateway.Listeners))
	ports := make(map[int]string, len(cfg.Gateway.Listeners))
	for i, l := range cfg.Gateway.Listeners {
		field := fmt.Sprintf("gateway.listeners[%d]", i)

		if !message.Protocol(l.Protocol).Valid() {
			return util.NewConfigError(field+".protocol",
				fmt.Sprintf("unknown protocol %q", l.Protocol))
		}
		if seen[l.Protocol] {
			return util.NewConfigError(field+".protocol",
				fmt.Sprintf("duplicate listener for protocol %q", l.Protocol))
		}
		seen[l.Protocol] = true

		if l.Port < 0 || l.Port > 65535 {
			return util.NewConfigError(field+".port",
				fmt.Sprintf("port %d out of range", l.Port))
		}
		if l.Port != 0 {
			if other, dup := ports[l.Port]; dup {
				return util.NewConfigError(field+".port",
					fmt.Sprintf("port %d already bound by %q listener", l.Port, other))
			}
			ports[l.Port] = l.Protocol
		}

		if l.TLS != nil {
			if l.TLS.CertFile == "" || l.TLS.KeyFile == "" {
				return util.NewConfigError(field+".tls",
					"tls requires both certFile and keyFile")
			}
			if l.Protocol == string(message.ProtocolUDP) {
				return util.NewConfigError(field+".tls",
					"tls is not supported on udp listeners")
			}
		}
	}

	if p := cfg.Gateway.Admin.Port; p < 0 || p > 65535 {
		return util.NewConfigError("gateway.admin.port",
			fmt.Sprintf("port %d out of range", p))
	}
	if other, dup := ports[cfg.Gateway.Admin.Port]; dup {
		return util.NewConfigError("gateway.admin.port",
			fmt.Sprintf("port %d already bound by %q listener", cfg.Gateway.Admin.Port, other))
	}

	if redis := cfg.Gateway.Broker.Redis; redis != nil && redis.Addr == "" {
		return util.NewConfigError("gateway.broker.redis.addr", "addr is required")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return util.NewConfigError("logging.level",
			fmt.Sprintf("unknown level %q", cfg.Logging.Level))
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return util.NewConfigError("logging.format",
			fmt.Sprintf("unknown format %q", cfg.Logging.Format))
	}

	return nil
}
