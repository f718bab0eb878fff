package mcp

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{"stdio ok", ServerConfig{Type: TransportStdio, Command: "npx", Args: []string{"-y", "@modelcontextprotocol/server-everything"}}, ""},
		{"stdio missing command", ServerConfig{Type: TransportStdio}, "requires a command"},
		{"stdio traversal", ServerConfig{Type: TransportStdio, Command: "../../bin/sh"}, "path traversal"},
		{"stdio chained arg", ServerConfig{Type: TransportStdio, Command: "server", Args: []string{"ok", "x; rm -rf /"}}, "arg[1]"},
		{"stdio substitution", ServerConfig{Type: TransportStdio, Command: "server", Args: []string{"$(whoami)"}}, "shell metacharacters"},
		{"http ok", ServerConfig{Type: TransportHTTP, URL: "https://mcp.example.com/mcp"}, ""},
		{"sse ok", ServerConfig{Type: TransportSSE, URL: "http://localhost:8080/sse"}, ""},
		{"http missing url", ServerConfig{Type: TransportHTTP}, "requires a url"},
		{"sse bad scheme", ServerConfig{Type: TransportSSE, URL: "ftp://example.com"}, "http:// or https://"},
		{"unknown type", ServerConfig{Type: "grpc"}, "unsupported type: grpc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate("srv")
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestServerConfigDefaults(t *testing.T) {
	var cfg ServerConfig
	if !cfg.IsEnabled() {
		t.Error("unset enabled should mean enabled")
	}
	if cfg.RequestTimeout() != DefaultTimeout {
		t.Errorf("RequestTimeout() = %v", cfg.RequestTimeout())
	}

	off := false
	cfg.Enabled = &off
	cfg.Timeout = 5 * time.Second
	if cfg.IsEnabled() {
		t.Error("explicit false should disable")
	}
	if cfg.RequestTimeout() != 5*time.Second {
		t.Errorf("RequestTimeout() = %v", cfg.RequestTimeout())
	}
}

func TestConfigDecodesFromYAML(t *testing.T) {
	doc := `
github:
  type: http
  url: https://api.example.com/mcp
  headers:
    Authorization: Bearer token
files:
  type: stdio
  command: mcp-files
  args: ["--root", "/srv"]
  env:
    DEBUG: "1"
  enabled: false
`
	var cfg Config
	if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if cfg["github"].Type != TransportHTTP || cfg["github"].Headers["Authorization"] != "Bearer token" {
		t.Fatalf("github = %+v", cfg["github"])
	}
	files := cfg["files"]
	if files.IsEnabled() || files.Command != "mcp-files" || len(files.Args) != 2 || files.Env["DEBUG"] != "1" {
		t.Fatalf("files = %+v", files)
	}
}

func TestStatusJSON(t *testing.T) {
	data, _ := json.Marshal(Status{Status: StatusConnected})
	if string(data) != `{"status":"connected"}` {
		t.Errorf("connected = %s", data)
	}
	data, _ = json.Marshal(Status{Status: StatusFailed, Error: "refused"})
	if string(data) != `{"status":"failed","error":"refused"}` {
		t.Errorf("failed = %s", data)
	}
}

func TestRPCErrorMessage(t *testing.T) {
	err := &RPCError{Code: ErrCodeMethodNotFound, Message: "nope"}
	if err.Error() != "MCP error -32601: nope" {
		t.Errorf("Error() = %q", err.Error())
	}
}
