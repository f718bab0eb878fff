package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type fakeCaller struct {
	name   string
	args   json.RawMessage
	result *ToolCallResult
	err    error
}

func (f *fakeCaller) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	f.name = name
	f.args = arguments
	return f.result, f.err
}

func TestToolIDSanitizes(t *testing.T) {
	used := map[string]struct{}{}
	tests := []struct {
		server, tool, want string
	}{
		{"github", "search_repos", "github_search_repos"},
		{"my.server", "read/file", "my_server_read_file"},
		{"files-v2", "list dir", "files-v2_list_dir"},
	}
	for _, tt := range tests {
		if got := toolID(tt.server, tt.tool, used); got != tt.want {
			t.Errorf("toolID(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
		}
	}
}

func TestToolIDCollisionAndLength(t *testing.T) {
	used := map[string]struct{}{}
	first := toolID("a.b", "x", used)
	second := toolID("a_b", "x", used)
	if first != "a_b_x" {
		t.Fatalf("first = %q", first)
	}
	if second == first || !strings.HasPrefix(second, "a_b_x_") {
		t.Fatalf("collision not resolved: %q", second)
	}

	long := toolID(strings.Repeat("s", 40), strings.Repeat("t", 40), used)
	if len(long) != maxToolNameLen {
		t.Fatalf("len = %d, want %d", len(long), maxToolNameLen)
	}
}

func TestObjectSchemaForcesClosedObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ``},
		{"no type", `{"properties":{"q":{"type":"string"}},"required":["q"]}`},
		{"wrong type", `{"type":"string"}`},
		{"garbage", `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var schema map[string]any
			if err := json.Unmarshal(objectSchema(json.RawMessage(tt.in)), &schema); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if schema["type"] != "object" || schema["additionalProperties"] != false {
				t.Fatalf("schema = %v", schema)
			}
			if _, ok := schema["properties"].(map[string]any); !ok {
				t.Fatalf("properties missing: %v", schema)
			}
		})
	}

	var schema map[string]any
	_ = json.Unmarshal(objectSchema(json.RawMessage(`{"properties":{"q":{"type":"string"}},"required":["q"]}`)), &schema)
	if req, _ := schema["required"].([]any); len(req) != 1 {
		t.Fatalf("required lost: %v", schema)
	}
}

func TestToolExecute(t *testing.T) {
	caller := &fakeCaller{result: &ToolCallResult{Content: []ContentItem{
		{Type: "text", Text: "line one"},
		{Type: "resource", Resource: &ResourceContent{URI: "file:///a", Text: "from resource"}},
		{Type: "image", MimeType: "image/png", Data: "AAAA"},
	}}}
	tl := newTool("srv_search", "srv", RemoteTool{Name: "search", Description: "Search things"}, caller)

	if tl.ID() != "srv_search" || tl.Description() != "Search things" || tl.Server() != "srv" || tl.RemoteName() != "search" {
		t.Fatalf("unexpected identity %q %q", tl.ID(), tl.Description())
	}
	res, err := tl.Execute(context.Background(), json.RawMessage(`{"q":"go"}`), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if caller.name != "search" || string(caller.args) != `{"q":"go"}` {
		t.Fatalf("called %q with %s", caller.name, caller.args)
	}
	lines := strings.Split(res.Output, "\n")
	if len(lines) != 3 || lines[0] != "line one" || lines[1] != "from resource" || !strings.Contains(lines[2], `"mimeType":"image/png"`) {
		t.Fatalf("Output = %q", res.Output)
	}
	if res.Metadata["server"] != "srv" {
		t.Fatalf("Metadata = %v", res.Metadata)
	}
}

func TestToolExecuteErrors(t *testing.T) {
	caller := &fakeCaller{result: &ToolCallResult{IsError: true, Content: []ContentItem{{Type: "text", Text: "rate limited"}}}}
	tl := newTool("srv_x", "srv", RemoteTool{Name: "x"}, caller)

	_, err := tl.Execute(context.Background(), nil, nil)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) || toolErr.Error() != "rate limited" {
		t.Fatalf("expected ToolError, got %v", err)
	}

	boom := errors.New("connection reset")
	caller.err = boom
	if _, err := tl.Execute(context.Background(), nil, nil); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}
