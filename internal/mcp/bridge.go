package mcp

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/conductor/internal/tool"
)

const maxToolNameLen = 64

// toolCaller is the part of Client a bridged tool needs.
type toolCaller interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error)
}

// ToolError is returned when a server reports a failed tool call.
type ToolError struct {
	Server string
	Tool   string
	Output string
}

func (e *ToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("MCP tool %s on %s failed", e.Tool, e.Server)
	}
	return e.Output
}

// Tool adapts a server tool to the local tool contract.
type Tool struct {
	id     string
	server string
	def    RemoteTool
	caller toolCaller
	schema json.RawMessage
}

func newTool(id, server string, def RemoteTool, caller toolCaller) *Tool {
	return &Tool{
		id:     id,
		server: server,
		def:    def,
		caller: caller,
		schema: objectSchema(def.InputSchema),
	}
}

func (t *Tool) ID() string { return t.id }

func (t *Tool) Description() string { return t.def.Description }

func (t *Tool) Parameters() json.RawMessage { return t.schema }

// Server returns the name of the server the tool lives on.
func (t *Tool) Server() string { return t.server }

// RemoteName returns the tool's name on its server.
func (t *Tool) RemoteName() string { return t.def.Name }

func (t *Tool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	result, err := t.caller.CallTool(ctx, t.def.Name, args)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", t.def.Name, t.server, err)
	}
	output := formatToolCallResult(result)
	if result.IsError {
		return nil, &ToolError{Server: t.server, Tool: t.def.Name, Output: output}
	}
	return &tool.Result{
		Title:    t.def.Name,
		Output:   output,
		Metadata: map[string]any{"server": t.server, "tool": t.def.Name},
	}, nil
}

// objectSchema forces the advertised schema into a closed object schema:
// type "object", a properties map and additionalProperties false.
func objectSchema(raw json.RawMessage) json.RawMessage {
	schema := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
			schema = map[string]any{}
		}
	}
	schema["type"] = "object"
	if _, ok := schema["properties"].(map[string]any); !ok {
		schema["properties"] = map[string]any{}
	}
	schema["additionalProperties"] = false
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
	}
	return data
}

// sanitizeName replaces everything outside [A-Za-z0-9_-] with '_'.
func sanitizeName(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// toolID builds "<server>_<tool>", shortened with a hash suffix when it
// exceeds the provider name limit or collides with an id in used.
func toolID(server, name string, used map[string]struct{}) string {
	id := sanitizeName(server) + "_" + sanitizeName(name)
	if len(id) > maxToolNameLen {
		id = truncateWithHash(id, server, name)
	}
	if _, taken := used[id]; taken {
		id = truncateWithHash(id+"_"+toolNameHash(server, name), server, name)
	}
	used[id] = struct{}{}
	return id
}

func toolNameHash(server, name string) string {
	sum := sha1.Sum([]byte(server + ":" + name))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, server, name string) string {
	if len(base) <= maxToolNameLen {
		return base
	}
	suffix := "_" + toolNameHash(server, name)
	return base[:maxToolNameLen-len(suffix)] + suffix
}

// formatToolCallResult flattens tool content into text. Non-text items are
// rendered as JSON so nothing is silently dropped.
func formatToolCallResult(result *ToolCallResult) string {
	if result == nil {
		return ""
	}
	parts := make([]string, 0, len(result.Content))
	for _, item := range result.Content {
		switch {
		case item.Type == "text":
			parts = append(parts, item.Text)
		case item.Type == "resource" && item.Resource != nil && item.Resource.Text != "":
			parts = append(parts, item.Resource.Text)
		default:
			data, err := json.Marshal(item)
			if err != nil {
				continue
			}
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}
