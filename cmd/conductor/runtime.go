package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/conductor/internal/auth"
	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/mcp"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/internal/tool"
	"github.com/haasonsaas/conductor/internal/tool/builtin"
)

// runtime is the wired set of components shared by serve and run.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *observability.Metrics
	// registry backs the /metrics endpoint.
	registry *prometheus.Registry
	tracer   *observability.Tracer

	store    sessions.Store
	perms    *permission.Engine
	profiles *auth.Store
	catalog  *provider.Catalog
	clients  *provider.Registry
	tools    *tool.Registry
	runner   *tool.Runner
	sweeper  *tool.Sweeper
	mcp      *mcp.Manager
	agents   *sessions.AgentRegistry
	models   *sessions.ProviderModels
	sessions *sessions.Service

	closers []func(context.Context) error
}

type runtimeOptions struct {
	// ConnectMCP connects the configured MCP servers.
	ConnectMCP bool
	// Sweep starts the tool output retention schedule.
	Sweep bool
}

// newRuntime builds every component from cfg. Close releases them in
// reverse order.
func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOptions) (_ *runtime, err error) {
	logger := observability.NewLogger(cfg.Logging)
	rt := &runtime{cfg: cfg, logger: logger, bus: bus.New(logger)}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = observability.NewMetrics(rt.registry)

	traceCfg := cfg.Tracing
	traceCfg.ServiceVersion = version
	tracer, shutdownTracer, err := observability.NewTracer(ctx, traceCfg)
	if err != nil {
		return nil, err
	}
	rt.tracer = tracer
	rt.closers = append(rt.closers, shutdownTracer)

	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}

	rt.perms, err = permission.NewEngine(ctx, rt.bus,
		permission.WithStore(permission.NewFileStore(filepath.Join(cfg.Storage.Dir, "permission", "approved.json"))),
		permission.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("init permissions: %w", err)
	}

	if err := rt.initProviders(ctx); err != nil {
		return nil, err
	}

	if err := rt.initTools(opts.Sweep); err != nil {
		return nil, err
	}

	rt.mcp = mcp.NewManager(rt.bus, logger, mcp.WithStatusObserver(func(server string, status mcp.Status) {
		rt.metrics.MCPStatus(server, string(status.Status))
	}))
	rt.closers = append(rt.closers, func(context.Context) error {
		rt.mcp.Cleanup()
		return nil
	})
	if opts.ConnectMCP && len(cfg.MCP) > 0 {
		if err := rt.mcp.Init(ctx, cfg.MCP); err != nil {
			return nil, fmt.Errorf("connect mcp servers: %w", err)
		}
	}

	rt.agents, err = sessions.NewAgentRegistry(cfg.PermissionRules(), cfg.Agents)
	if err != nil {
		return nil, err
	}
	models := &sessions.ProviderModels{
		Catalog:  rt.catalog,
		Clients:  rt.clients,
		Profiles: rt.profiles,
		Logger:   logger,
	}
	if ref, ok := cfg.DefaultModelRef(); ok {
		models.Default = ref
	}
	if ref, ok := cfg.SmallModelRef(); ok {
		models.Small = ref
	}
	models.SetProfilePins(cfg.Auth.Locked, cfg.Auth.Preferred)
	rt.models = models

	workspace, err := rt.workspace()
	if err != nil {
		return nil, err
	}
	rt.sessions, err = sessions.NewService(sessions.Options{
		Bus:         rt.bus,
		Store:       rt.store,
		Permissions: rt.perms,
		Tools:       rt.tools,
		ExtraTools:  rt.mcp.Tools,
		Runner:      rt.runner,
		Agents:      rt.agents,
		Models:      models,
		Metrics:     rt.metrics,
		Tracer:      rt.tracer,
		Config:      cfg.Processor,
		Directory:   workspace,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error {
		rt.sessions.Close()
		return nil
	})
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	cfg := rt.cfg.Storage
	switch {
	case cfg.Driver == config.StorageMemory:
		rt.store = sessions.NewMemoryStore()
	case cfg.SQL():
		store, err := sessions.OpenSQLStore(ctx, cfg.SQLConfig(), rt.logger)
		if err != nil {
			return err
		}
		rt.store = store
		rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
	default:
		store, err := sessions.NewFileStore(cfg.Dir)
		if err != nil {
			return err
		}
		rt.store = store
	}
	rt.logger.Debug("session store ready", "driver", cfg.Driver)
	return nil
}

func (rt *runtime) initProviders(ctx context.Context) error {
	cfg := rt.cfg
	rt.catalog = provider.NewCatalog()
	rt.clients = provider.NewRegistry(rt.catalog, rt.logger)
	profiles, err := auth.Open(cfg.Auth.ProfilesPath,
		auth.WithCooldown(cfg.Auth.Cooldown, cfg.Auth.CredentialCooldown),
		auth.WithLogger(rt.logger),
		auth.WithChangeHook(rt.clients.Invalidate),
	)
	if err != nil {
		return fmt.Errorf("open auth profiles: %w", err)
	}
	for providerID, order := range cfg.Auth.Order {
		profiles.SetOrder(providerID, order)
	}
	rt.profiles = profiles

	rt.catalog.Init(provider.InitOptions{
		Providers:     cfg.Providers,
		Disabled:      cfg.DisabledProviders,
		AuthProviders: profiles.Providers(),
	})
	if cfg.BedrockDiscovery.Enabled {
		discovery := provider.NewDiscovery(cfg.BedrockDiscovery, nil, rt.logger)
		discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := discovery.Register(discoverCtx, rt.catalog); err != nil {
			rt.logger.Warn("bedrock model discovery failed", "error", err)
		}
	}
	return nil
}

func (rt *runtime) initTools(sweep bool) error {
	cfg := rt.cfg
	workspace, err := rt.workspace()
	if err != nil {
		return err
	}
	rt.tools = tool.NewRegistry(builtin.All(builtin.Config{
		Workspace:  workspace,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Disabled:   cfg.Tools.Disabled,
	})...)

	truncator := tool.NewTruncator(cfg.Truncation.Dir, rt.logger)
	truncator.MaxLines = cfg.Truncation.MaxLines
	truncator.MaxBytes = cfg.Truncation.MaxBytes
	truncator.Retention = cfg.Truncation.Retention

	runnerOpts := []tool.RunnerOption{tool.WithRunnerLogger(rt.logger)}
	if counter, err := tool.NewTokenCounter(cfg.Truncation.TokenModel); err != nil {
		rt.logger.Warn("token counting disabled", "model", cfg.Truncation.TokenModel, "error", err)
	} else {
		runnerOpts = append(runnerOpts, tool.WithTokenCounter(counter))
	}
	rt.runner = tool.NewRunner(truncator, runnerOpts...)

	if sweep {
		sweeper, err := tool.NewSweeper(truncator, cfg.Truncation.SweepSchedule)
		if err != nil {
			return err
		}
		sweeper.Start(context.Background())
		rt.sweeper = sweeper
		rt.closers = append(rt.closers, func(context.Context) error {
			sweeper.Stop()
			return nil
		})
	}
	return nil
}

func (rt *runtime) workspace() (string, error) {
	if dir := rt.cfg.Tools.Workspace; dir != "" {
		return filepath.Abs(dir)
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return dir, nil
}

// metricsHandler serves the runtime's registry.
func (rt *runtime) metricsHandler() http.Handler {
	return promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{Registry: rt.registry})
}

// applyConfig takes the parts of a reloaded configuration that can change
// at runtime: MCP servers and auth profile order and pins.
func (rt *runtime) applyConfig(ctx context.Context, cfg *config.Config) {
	for providerID, order := range cfg.Auth.Order {
		rt.profiles.SetOrder(providerID, order)
	}
	rt.models.SetProfilePins(cfg.Auth.Locked, cfg.Auth.Preferred)
	if err := rt.mcp.Init(ctx, cfg.MCP); err != nil {
		rt.logger.Warn("reconnect mcp servers failed", "error", err)
	}
}

// Close releases components in reverse construction order.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
