// Package mcp connects to external Model Context Protocol servers, discovers
// the tools they expose and adapts them to the local tool contract.
package mcp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportType selects how a server is reached.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportSSE   TransportType = "sse"
	TransportHTTP  TransportType = "http"
)

// DefaultTimeout bounds every request made to a server unless the server
// config overrides it.
const DefaultTimeout = 30 * time.Second

// Config maps server names to their configuration.
type Config map[string]ServerConfig

// ServerConfig describes one external tool server.
type ServerConfig struct {
	Type TransportType `yaml:"type" json:"type"`

	// stdio
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// sse and http
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Enabled defaults to true when unset.
	Enabled *bool         `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// IsEnabled reports whether the server should be connected.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RequestTimeout returns the configured timeout or DefaultTimeout.
func (c ServerConfig) RequestTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Validate checks that the config is usable for its transport and rejects
// commands that look like shell injection.
func (c ServerConfig) Validate(name string) error {
	switch c.Type {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("MCP server %q requires a command", name)
		}
		if err := validatePath(c.Command, "command"); err != nil {
			return fmt.Errorf("MCP server %q: %w", name, err)
		}
		for i, arg := range c.Args {
			if containsShellMetachars(arg) {
				return fmt.Errorf("MCP server %q: arg[%d] contains suspicious shell metacharacters: %q", name, i, arg)
			}
		}
	case TransportSSE, TransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("MCP server %q requires a url", name)
		}
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fmt.Errorf("MCP server %q: url must start with http:// or https://", name)
		}
	default:
		return fmt.Errorf("MCP server %q has unsupported type: %s", name, c.Type)
	}
	return nil
}

func validatePath(path, field string) error {
	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("%s contains path traversal: %q", field, path)
	}
	return nil
}

func containsShellMetachars(s string) bool {
	for _, pattern := range []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// StatusKind is the connection state of a configured server.
type StatusKind string

const (
	StatusConnected StatusKind = "connected"
	StatusDisabled  StatusKind = "disabled"
	StatusFailed    StatusKind = "failed"
)

// Status is reported per configured server. Error is set only when failed.
type Status struct {
	Status StatusKind `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// RemoteTool is a tool definition as advertised by a server.
type RemoteTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// RemoteResource is a resource advertised by a server.
type RemoteResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// RemotePrompt is a prompt template advertised by a server.
type RemotePrompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptInfo is a prompt listed across servers, named "<server>:<prompt>".
type PromptInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Client      string `json:"client"`
}

// ResourceInfo is a resource listed across servers.
type ResourceInfo struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Client      string `json:"client"`
}

// ResourceContent is one item returned by resources/read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem is a piece of tool output.
type ContentItem struct {
	Type     string           `json:"type"` // text | image | audio | resource
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// JSON-RPC 2.0 framing.

type jsonrpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (m *jsonrpcMessage) isResponse() bool {
	return len(m.ID) > 0 && m.Method == ""
}

func (m *jsonrpcMessage) isRequest() bool {
	return len(m.ID) > 0 && m.Method != ""
}

// Request is a server-initiated request awaiting a response.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Notification is a one-way message from the server.
type Notification struct {
	Method string
	Params json.RawMessage
}

// RPCError is a JSON-RPC error object returned by a server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Notification methods the client reacts to.
const (
	methodToolsListChanged = "notifications/tools/list_changed"
	methodInitialized      = "notifications/initialized"
)

type implementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type serverCapabilities struct {
	Tools *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"tools,omitempty"`
	Resources *struct {
		Subscribe   bool `json:"subscribe,omitempty"`
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"resources,omitempty"`
	Prompts *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"prompts,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      implementationInfo `json:"serverInfo"`
}

type listToolsResult struct {
	Tools      []RemoteTool `json:"tools"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

type listResourcesResult struct {
	Resources  []RemoteResource `json:"resources"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type listPromptsResult struct {
	Prompts    []RemotePrompt `json:"prompts"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

type readResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
