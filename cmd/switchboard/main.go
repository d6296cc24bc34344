// Package main is the entry point for the switchboard gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/switchboard-gw/switchboard/internal/adapter"
	"github.com/switchboard-gw/switchboard/internal/adapter/grpcadapter"
	"github.com/switchboard-gw/switchboard/internal/adapter/httpadapter"
	"github.com/switchboard-gw/switchboard/internal/adapter/tcpadapter"
	"github.com/switchboard-gw/switchboard/internal/adapter/udpadapter"
	"github.com/switchboard-gw/switchboard/internal/adapter/wsadapter"
	"github.com/switchboard-gw/switchboard/internal/broker"
	"github.com/switchboard-gw/switchboard/internal/config"
	"github.com/switchboard-gw/switchboard/internal/dispatch"
	"github.com/switchboard-gw/switchboard/internal/gateway"
	"github.com/switchboard-gw/switchboard/internal/health"
	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/middleware"
	"github.com/switchboard-gw/switchboard/internal/observability"
	"github.com/switchboard-gw/switchboard/internal/router"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	runGateway(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("SWITCHBOARD_CONFIG_PATH", "configs/switchboard.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("SWITCHBOARD_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("SWITCHBOARD_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("switchboard version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadConfig loads and validates the configuration.
func loadConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting switchboard",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("protocol", cfg.Gateway.Protocol),
		observability.Int("listeners", len(cfg.Gateway.Listeners)),
		observability.Duration("default_timeout", cfg.Gateway.DefaultTimeout),
		observability.Duration("grace_period", cfg.Gateway.GracePeriod),
		observability.Bool("redis_bridge", cfg.Gateway.Broker.Redis != nil),
	)

	return cfg
}

// application holds all application components.
type application struct {
	gateway       *gateway.Gateway
	dispatcher    *dispatch.Dispatcher
	registry      *broker.Registry
	bridge        *broker.RedisBridge
	redisClient   *redis.Client
	healthChecker *health.Checker
	metrics       *observability.Metrics
	config        *config.Config
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	metrics := observability.NewMetrics("switchboard")

	registry := broker.New(
		broker.WithLogger(logger),
		broker.WithMetrics(metrics),
		broker.WithDeliveryTimeout(cfg.Gateway.Broker.DeliveryTimeout),
	)

	var bridge *broker.RedisBridge
	var redisClient *redis.Client
	if rc := cfg.Gateway.Broker.Redis; rc != nil {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		bridge = broker.NewRedisBridge(redisClient, registry,
			broker.WithBridgeLogger(logger),
			broker.WithChannelPrefix(rc.Channel+":"),
		)
		registry.SetRelay(bridge)
	}

	r := router.New()
	r.Use(
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.Logging(logger),
	)
	if lc, ok := cfg.Listener(string(message.ProtocolHTTP)); ok && lc.Compression {
		r.Use(middleware.Compression())
	}

	dispatcher := dispatch.New(r,
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics),
		dispatch.WithDefaultTimeout(cfg.Gateway.DefaultTimeout),
	)

	if err := registerRoutes(r, registry); err != nil {
		logger.Fatal("failed to register routes", observability.Error(err))
	}

	factory := adapterFactory(cfg, dispatcher, registry, logger)

	gw := gateway.New(factory, registry,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithGracePeriod(cfg.Gateway.GracePeriod),
	)

	return &application{
		gateway:       gw,
		dispatcher:    dispatcher,
		registry:      registry,
		bridge:        bridge,
		redisClient:   redisClient,
		healthChecker: health.NewChecker(gw),
		metrics:       metrics,
		config:        cfg,
	}
}

// adapterFactory builds the per-protocol listener constructor the
// gateway invokes on start and on every switch.
func adapterFactory(
	cfg *config.Config,
	dispatcher *dispatch.Dispatcher,
	registry *broker.Registry,
	logger observability.Logger,
) gateway.AdapterFactory {
	return func(protocol message.Protocol) (adapter.Adapter, error) {
		lc, ok := cfg.Listener(string(protocol))
		if !ok {
			return nil, fmt.Errorf("no listener configured for protocol %q", protocol)
		}

		ac := adapter.Config{
			Name:  lc.Name,
			Bind:  lc.Bind,
			Port:  lc.Port,
			Route: lc.Route,
		}
		if lc.TLS != nil {
			ac.TLS = &adapter.TLSConfig{
				CertFile: lc.TLS.CertFile,
				KeyFile:  lc.TLS.KeyFile,
			}
		}

		switch protocol {
		case message.ProtocolHTTP:
			return httpadapter.New(ac, dispatcher,
				httpadapter.WithLogger(logger)), nil
		case message.ProtocolWebSocket:
			return wsadapter.New(ac, dispatcher, registry,
				wsadapter.WithLogger(logger)), nil
		case message.ProtocolGRPC:
			return grpcadapter.New(ac, dispatcher,
				grpcadapter.WithLogger(logger)), nil
		case message.ProtocolTCP:
			return tcpadapter.New(ac, dispatcher, registry,
				tcpadapter.WithLogger(logger),
				tcpadapter.WithMaxConnections(cfg.Gateway.MaxConnections)), nil
		case message.ProtocolUDP:
			return udpadapter.New(ac, dispatcher,
				udpadapter.WithLogger(logger)), nil
		default:
			return nil, fmt.Errorf("unknown protocol %q", protocol)
		}
	}
}

// runGateway runs the gateway and handles shutdown.
func runGateway(app *application, configPath string, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.gateway.Start(ctx, message.Protocol(app.config.Gateway.Protocol)); err != nil {
		logger.Fatal("failed to start gateway", observability.Error(err))
	}

	if app.bridge != nil {
		go func() {
			if err := app.bridge.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("redis bridge stopped", observability.Error(err))
			}
		}()
	}

	admin := startAdminServer(app, logger)
	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, admin, watcher, cancel, logger)
}

// startConfigWatcher starts the configuration watcher. Reloads touch
// only the tunables that can change while listeners are live; bind
// points and the route table need a restart.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed, applying tunables",
			observability.Duration("default_timeout", newCfg.Gateway.DefaultTimeout),
		)
		app.dispatcher.SetDefaultTimeout(newCfg.Gateway.DefaultTimeout)
	}, config.WithWatcherLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown.
func waitForShutdown(
	app *application,
	admin *adminServer,
	watcher *config.Watcher,
	cancel context.CancelFunc,
	logger observability.Logger,
) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	grace := app.config.Gateway.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grace)
	defer cancelShutdown()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.gateway.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop gateway gracefully", observability.Error(err))
	}

	cancel()

	if admin != nil {
		admin.stop(shutdownCtx)
	}
	if app.redisClient != nil {
		_ = app.redisClient.Close()
	}

	logger.Info("gateway stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
