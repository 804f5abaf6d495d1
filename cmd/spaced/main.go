package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/davidleathers/space-broker/internal/api/rest"
	"github.com/davidleathers/space-broker/internal/api/websocket"
	"github.com/davidleathers/space-broker/internal/infrastructure/bridge"
	"github.com/davidleathers/space-broker/internal/infrastructure/config"
	"github.com/davidleathers/space-broker/internal/infrastructure/telemetry"
	"github.com/davidleathers/space-broker/internal/metrics"
	"github.com/davidleathers/space-broker/internal/service/spacehub"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML configuration file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("space broker failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting space broker",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.String("node_id", cfg.NodeID),
		zap.String("transport", cfg.Bridge.Transport),
		zap.Int("port", cfg.Server.Port),
	)

	provider, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version, cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetry.ExportTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	reg := metrics.NewRegistry()
	health := rest.NewHealthService(cfg.Version, cfg.NodeID, 5*time.Second)
	connections := websocket.NewRegistry()
	deps := spacehub.Deps{Directory: connections, Recorder: reg}

	transport, err := dialTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var upstream *bridge.Bridge
	if transport != nil {
		upstream = bridge.New(bridge.Config{
			NodeID:         cfg.NodeID,
			StreamPrefix:   cfg.Bridge.StreamPrefix,
			QueueSize:      cfg.Bridge.QueueSize,
			InitialBackoff: cfg.Bridge.InitialBackoff,
			MaxBackoff:     cfg.Bridge.MaxBackoff,
			CatchUpTimeout: cfg.Bridge.CatchUpTimeout,
		}, transport, logger, reg)
		upstream.Start()
		deps.Upstream = upstream
		deps.Replicator = upstream
		health.RegisterChecker(rest.Check("upstream", upstream.Ping))
	}

	hub := spacehub.New(deps, logger)
	gateway := websocket.NewGateway(hub, connections, cfg.WebSocket, logger, reg)
	router := rest.NewRouter(rest.Handlers{
		WebSocket: gateway,
		Metrics:   reg.Handler(),
		Health:    health,
		Spaces:    hub,
	}, reg, logger)
	server := rest.NewServer(cfg.Server, router, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx, cfg.Server.ShutdownTimeout); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Warn("connections still open at shutdown", zap.Int("connections", connections.Len()), zap.Error(err))
	}
	if upstream != nil {
		if err := upstream.Close(); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("closing upstream: %w", err))
		}
	}
	return runErr
}
