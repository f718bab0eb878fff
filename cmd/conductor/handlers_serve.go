package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/gateway"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe wires the runtime, starts the gateway and blocks until a shutdown
// signal arrives.
func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, runtimeOptions{ConnectMCP: true, Sweep: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			rt.logger.Warn("shutdown error", "error", err)
		}
	}()
	slog.SetDefault(rt.logger)

	rt.logger.Info("starting conductor gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"addr", cfg.Server.Addr(),
	)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = rt.metricsHandler()
	}
	gw := cfg.Auth.Gateway
	server, err := gateway.New(gateway.Options{
		Bus:            rt.bus,
		Sessions:       rt.sessions,
		Permissions:    rt.perms,
		Auth:           auth.NewGateway(gw.JWTSecret, gw.TokenExpiry, gw.APIKeys, rt.logger),
		Metrics:        rt.metrics,
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		Path:           cfg.Server.Path,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         rt.logger,
	})
	if err != nil {
		return err
	}

	go func() {
		if err := rt.profiles.Watch(ctx); err != nil && ctx.Err() == nil {
			rt.logger.Warn("auth profile watch stopped", "error", err)
		}
	}()
	if configPath != "" {
		go watchConfig(ctx, rt, configPath)
	}

	if err := server.ListenAndServe(ctx, cfg.Server.Addr(), cfg.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	rt.logger.Info("conductor gateway stopped")
	return nil
}

// watchConfig applies reloadable settings whenever the config file changes.
func watchConfig(ctx context.Context, rt *runtime, path string) {
	err := config.Watch(ctx, path, rt.logger, func(next *config.Config, err error) {
		if err == nil {
			rt.applyConfig(ctx, next)
		}
	})
	if err != nil && ctx.Err() == nil {
		rt.logger.Warn("config watch stopped", "error", err)
	}
}
