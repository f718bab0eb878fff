package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/tool"
)

// ToolsChanged is published when a server reports that its tool list changed.
// The manager drops that server's cached tool list, so the next Tools call
// fetches it again.
type ToolsChanged struct {
	Server string `json:"server"`
}

var EventToolsChanged = bus.Define[ToolsChanged]("mcp.tools.changed")

// StatusObserver is told about every status transition.
type StatusObserver func(server string, status Status)

// Option configures a Manager.
type Option func(*Manager)

// WithStatusObserver registers fn to receive status changes.
func WithStatusObserver(fn StatusObserver) Option {
	return func(m *Manager) { m.observe = fn }
}

// Manager owns the connections to every configured server.
type Manager struct {
	bus     *bus.Bus
	logger  *slog.Logger
	observe StatusObserver

	mu       sync.RWMutex
	config   Config
	clients  map[string]*Client
	statuses map[string]Status
	// toolDefs caches each server's tools/list answer until the server
	// reports a change or is disconnected. toolGen guards against a slow
	// listing storing a result that was invalidated meanwhile.
	toolDefs map[string][]RemoteTool
	toolGen  map[string]uint64
}

// NewManager creates an empty manager. Call Init to connect servers.
func NewManager(b *bus.Bus, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		bus:      b,
		logger:   logger.With("component", "mcp"),
		clients:  make(map[string]*Client),
		statuses: make(map[string]Status),
		toolDefs: make(map[string][]RemoteTool),
		toolGen:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init drops any existing connections and connects every server in cfg in
// parallel. A server that fails is recorded as failed and never blocks the
// others, so Init itself only fails if ctx is cancelled.
func (m *Manager) Init(ctx context.Context, cfg Config) error {
	m.Cleanup()

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, serverCfg := range cfg {
		if !serverCfg.IsEnabled() {
			m.setStatus(name, Status{Status: StatusDisabled})
			continue
		}
		g.Go(func() error {
			m.connectAndRecord(gctx, name, serverCfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Manager) connectAndRecord(ctx context.Context, name string, cfg ServerConfig) error {
	client, err := m.connect(ctx, name, cfg)
	if err != nil {
		m.logger.Warn("failed to connect to MCP server", "server", name, "error", err)
		m.setStatus(name, Status{Status: StatusFailed, Error: err.Error()})
		return err
	}
	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()
	m.setStatus(name, Status{Status: StatusConnected})
	return nil
}

func (m *Manager) connect(ctx context.Context, name string, cfg ServerConfig) (*Client, error) {
	if err := cfg.Validate(name); err != nil {
		return nil, err
	}
	client, err := NewClient(name, cfg, m.logger)
	if err != nil {
		return nil, err
	}
	client.onToolsChanged = func() {
		m.invalidateTools(name)
		if m.bus == nil {
			return
		}
		if err := bus.Publish(m.bus, EventToolsChanged, ToolsChanged{Server: name}); err != nil {
			m.logger.Warn("publish tools changed", "server", name, "error", err)
		}
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (m *Manager) setStatus(name string, status Status) {
	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
	if m.observe != nil {
		m.observe(name, status)
	}
}

// Status returns a snapshot of every server's status.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = status
	}
	return out
}

// Client returns the connected client for name.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// connected returns the live clients sorted by server name.
func (m *Manager) connected() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Tools lists the tools of every connected server as local tools. Cached
// lists are reused; the others are fetched in parallel under ctx. Servers
// that fail to answer are skipped.
func (m *Manager) Tools(ctx context.Context) []tool.Tool {
	clients := m.connected()
	lists := make([][]RemoteTool, len(clients))
	var g errgroup.Group
	for i, client := range clients {
		g.Go(func() error {
			defs, err := m.listTools(ctx, client)
			if err != nil {
				m.logger.Warn("list MCP tools", "server", client.name, "error", err)
				return nil
			}
			lists[i] = defs
			return nil
		})
	}
	_ = g.Wait()

	used := make(map[string]struct{})
	var out []tool.Tool
	for i, client := range clients {
		for _, def := range lists[i] {
			out = append(out, newTool(toolID(client.name, def.Name, used), client.name, def, client))
		}
	}
	return out
}

func (m *Manager) listTools(ctx context.Context, client *Client) ([]RemoteTool, error) {
	m.mu.RLock()
	defs, ok := m.toolDefs[client.name]
	gen := m.toolGen[client.name]
	m.mu.RUnlock()
	if ok {
		return defs, nil
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	m.mu.Lock()
	if m.toolGen[client.name] == gen && m.clients[client.name] == client {
		m.toolDefs[client.name] = defs
	}
	m.mu.Unlock()
	return defs, nil
}

func (m *Manager) invalidateTools(name string) {
	m.mu.Lock()
	m.invalidateToolsLocked(name)
	m.mu.Unlock()
}

func (m *Manager) invalidateToolsLocked(name string) {
	delete(m.toolDefs, name)
	m.toolGen[name]++
}

// Prompts lists the prompts of every connected server, named
// "<server>:<prompt>".
func (m *Manager) Prompts(ctx context.Context) []PromptInfo {
	var out []PromptInfo
	for _, client := range m.connected() {
		prompts, err := client.ListPrompts(ctx)
		if err != nil {
			m.logger.Debug("list MCP prompts", "server", client.name, "error", err)
			continue
		}
		for _, p := range prompts {
			out = append(out, PromptInfo{
				Name:        sanitizeName(client.name) + ":" + p.Name,
				Description: p.Description,
				Client:      client.name,
			})
		}
	}
	return out
}

// Resources lists the resources of every connected server.
func (m *Manager) Resources(ctx context.Context) []ResourceInfo {
	var out []ResourceInfo
	for _, client := range m.connected() {
		resources, err := client.ListResources(ctx)
		if err != nil {
			m.logger.Debug("list MCP resources", "server", client.name, "error", err)
			continue
		}
		for _, r := range resources {
			out = append(out, ResourceInfo{
				Name:        r.Name,
				URI:         r.URI,
				Description: r.Description,
				MimeType:    r.MimeType,
				Client:      client.name,
			})
		}
	}
	return out
}

// Disconnect closes one server and forgets its status. Close errors are
// logged and swallowed.
func (m *Manager) Disconnect(name string) {
	m.mu.Lock()
	client, ok := m.clients[name]
	delete(m.clients, name)
	m.invalidateToolsLocked(name)
	if ok {
		delete(m.statuses, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := client.Close(); err != nil {
		m.logger.Debug("close MCP client", "server", name, "error", err)
	}
	m.logger.Info("disconnected from MCP server", "server", name)
}

// Reconnect drops and re-establishes one server using the configuration
// given to Init. The outcome is recorded in Status.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	m.mu.RLock()
	cfg, ok := m.config[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("MCP server %q is not configured", name)
	}
	m.Disconnect(name)
	return m.connectAndRecord(ctx, name, cfg)
}

// Cleanup closes every client and clears all state. Close errors are
// swallowed.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.statuses = make(map[string]Status)
	for name := range m.toolDefs {
		m.invalidateToolsLocked(name)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for name, client := range clients {
		g.Go(func() error {
			if err := client.Close(); err != nil {
				m.logger.Debug("close MCP client", "server", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
