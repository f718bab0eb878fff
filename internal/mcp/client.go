package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const (
	protocolVersion = "2025-03-26"
	clientName      = "conductor"
	clientVersion   = "1.0.0"
)

// Client is a connection to a single server.
type Client struct {
	name      string
	config    ServerConfig
	transport Transport
	logger    *slog.Logger

	// onToolsChanged runs when the server reports a new tool list.
	onToolsChanged func()

	mu         sync.RWMutex
	serverInfo implementationInfo
	caps       serverCapabilities

	wg sync.WaitGroup
}

// NewClient creates a client for the named server. Nothing is connected
// until Connect.
func NewClient(name string, cfg ServerConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	transport, err := NewTransport(name, cfg, logger)
	if err != nil {
		return nil, err
	}
	return newClient(name, cfg, transport, logger), nil
}

func newClient(name string, cfg ServerConfig, transport Transport, logger *slog.Logger) *Client {
	return &Client{
		name:      name,
		config:    cfg,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Connect starts the transport and performs the initialize handshake.
// The transport is closed again if the handshake fails.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout())
	defer cancel()

	if err := c.transport.Start(ctx); err != nil {
		_ = c.transport.Close()
		return err
	}

	c.wg.Add(1)
	go c.serve()

	var init initializeResult
	err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"roots": map[string]any{"listChanged": true},
		},
		"clientInfo": implementationInfo{Name: clientName, Version: clientVersion},
	}, &init)
	if err != nil {
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = init.ServerInfo
	c.caps = init.Capabilities
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, methodInitialized, nil); err != nil {
		c.Close()
		return fmt.Errorf("initialized notification: %w", err)
	}
	if l, ok := c.transport.(listener); ok {
		l.Listen()
	}

	c.logger.Info("connected to MCP server",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion)
	return nil
}

// serve handles notifications and server-initiated requests until the
// transport goes away.
func (c *Client) serve() {
	defer c.wg.Done()
	for {
		select {
		case n := <-c.transport.Notifications():
			c.handleNotification(n)
		case req := <-c.transport.Requests():
			c.handleRequest(req)
		case <-c.transport.Done():
			return
		}
	}
}

func (c *Client) handleNotification(n Notification) {
	switch n.Method {
	case methodToolsListChanged:
		c.logger.Debug("tool list changed")
		if c.onToolsChanged != nil {
			c.onToolsChanged()
		}
	default:
		c.logger.Debug("ignoring notification", "method", n.Method)
	}
}

func (c *Client) handleRequest(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout())
	defer cancel()

	var (
		result any
		rpcErr *RPCError
	)
	switch req.Method {
	case "ping":
		result = struct{}{}
	case "roots/list":
		result = map[string]any{"roots": []any{}}
	default:
		rpcErr = &RPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	if err := c.transport.Respond(ctx, req.ID, result, rpcErr); err != nil {
		c.logger.Warn("failed to answer server request", "method", req.Method, "error", err)
	}
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout())
	defer cancel()
	raw, err := c.transport.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse %s result: %w", method, err)
	}
	return nil
}

func cursorParams(cursor string) any {
	if cursor == "" {
		return nil
	}
	return map[string]string{"cursor": cursor}
}

// ListTools fetches every tool the server exposes, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]RemoteTool, error) {
	var (
		tools  []RemoteTool
		cursor string
	)
	for {
		var page listToolsResult
		if err := c.call(ctx, "tools/list", cursorParams(cursor), &page); err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// ListPrompts fetches the server's prompt templates.
func (c *Client) ListPrompts(ctx context.Context) ([]RemotePrompt, error) {
	if !c.supports(func(caps serverCapabilities) bool { return caps.Prompts != nil }) {
		return nil, nil
	}
	var (
		prompts []RemotePrompt
		cursor  string
	)
	for {
		var page listPromptsResult
		if err := c.call(ctx, "prompts/list", cursorParams(cursor), &page); err != nil {
			return nil, err
		}
		prompts = append(prompts, page.Prompts...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return prompts, nil
		}
		cursor = page.NextCursor
	}
}

// ListResources fetches the server's resources.
func (c *Client) ListResources(ctx context.Context) ([]RemoteResource, error) {
	if !c.supports(func(caps serverCapabilities) bool { return caps.Resources != nil }) {
		return nil, nil
	}
	var (
		resources []RemoteResource
		cursor    string
	)
	for {
		var page listResourcesResult
		if err := c.call(ctx, "resources/list", cursorParams(cursor), &page); err != nil {
			return nil, err
		}
		resources = append(resources, page.Resources...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return resources, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) supports(check func(serverCapabilities) bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return check(c.caps)
}

// CallTool invokes a tool by its server-side name.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	params := callToolParams{Name: name, Arguments: arguments}
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage(`{}`)
	}
	var result ToolCallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReadResource reads a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContent, error) {
	var result readResourceResult
	if err := c.call(ctx, "resources/read", map[string]string{"uri": uri}, &result); err != nil {
		return nil, err
	}
	return result.Contents, nil
}

// Close tears down the transport and waits for the message loop to exit.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.wg.Wait()
	return err
}
