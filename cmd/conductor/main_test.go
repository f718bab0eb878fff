package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/sessions"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "run", "sessions", "models", "agents", "mcp", "permissions", "auth", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "", "config", "schema")
	if err != nil {
		t.Fatalf("config schema error = %v", err)
	}
	if !strings.Contains(out, "conductor configuration") {
		t.Fatalf("schema output missing title: %s", out)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := writeTestConfig(t, "")
	out, err := execute(t, "", "config", "validate", "-c", path)
	if err != nil {
		t.Fatalf("config validate error = %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Fatalf("output = %q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("server:\n  port: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := execute(t, "", "config", "validate", "-c", bad); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestAuthAddListRemove(t *testing.T) {
	path := writeTestConfig(t, "")

	if _, err := execute(t, "sk-test-key\n", "auth", "add", "openai", "--id", "openai:work", "-c", path); err != nil {
		t.Fatalf("auth add error = %v", err)
	}
	out, err := execute(t, "", "auth", "profiles", "-c", path)
	if err != nil {
		t.Fatalf("auth profiles error = %v", err)
	}
	if !strings.Contains(out, "openai:work") || !strings.Contains(out, "api_key") {
		t.Fatalf("profiles output = %q", out)
	}
	if strings.Contains(out, "sk-test-key") {
		t.Fatalf("profiles output leaks the key: %q", out)
	}

	if _, err := execute(t, "", "auth", "remove", "openai:work", "-c", path); err != nil {
		t.Fatalf("auth remove error = %v", err)
	}
	out, err = execute(t, "", "auth", "profiles", "-c", path)
	if err != nil {
		t.Fatalf("auth profiles error = %v", err)
	}
	if !strings.Contains(out, "No auth profiles") {
		t.Fatalf("profiles output after remove = %q", out)
	}
}

func TestAuthTokenRequiresSecret(t *testing.T) {
	path := writeTestConfig(t, "")
	if _, err := execute(t, "", "auth", "token", "-c", path); err == nil {
		t.Fatalf("expected error without jwt secret")
	}

	path = writeTestConfig(t, "auth:\n  gateway:\n    jwt_secret: test-secret\n")
	out, err := execute(t, "", "auth", "token", "-c", path)
	if err != nil {
		t.Fatalf("auth token error = %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Fatalf("token = %q, want a JWT", out)
	}
}

func TestSessionsListEmpty(t *testing.T) {
	path := writeTestConfig(t, "")
	out, err := execute(t, "", "sessions", "list", "-c", path)
	if err != nil {
		t.Fatalf("sessions list error = %v", err)
	}
	if !strings.Contains(out, "No sessions found.") {
		t.Fatalf("output = %q", out)
	}
}

func TestPermissionsCheck(t *testing.T) {
	path := writeTestConfig(t, "")
	out, err := execute(t, "", "permissions", "check", "--agent", "plan", "edit", "src/main.go", "-c", path)
	if err != nil {
		t.Fatalf("permissions check error = %v", err)
	}
	if !strings.HasPrefix(out, "deny") {
		t.Fatalf("output = %q, want deny", out)
	}

	if _, err := execute(t, "", "permissions", "check", "--agent", "missing", "bash", "ls", "-c", path); err == nil {
		t.Fatalf("expected unknown agent error")
	}
}

func TestReadPrompt(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "args", args: []string{"fix", "the", "bug"}, want: "fix the bug"},
		{name: "stdin", stdin: "  from a pipe\n", want: "from a pipe"},
		{name: "args win over stdin", args: []string{"hello"}, stdin: "ignored", want: "hello"},
		{name: "empty", stdin: "   \n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPrompt(strings.NewReader(tt.stdin), tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("readPrompt() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("readPrompt() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("readPrompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPermissionPrompter(t *testing.T) {
	req := permission.Request{ID: "per_1", SessionID: "ses_1", Permission: "bash", Patterns: []string{"rm -rf build"}}
	tests := []struct {
		name        string
		input       string
		interactive bool
		autoApprove bool
		want        permission.Reply
	}{
		{name: "auto approve", autoApprove: true, want: permission.ReplyOnce},
		{name: "no terminal rejects", want: permission.ReplyReject},
		{name: "once", input: "o\n", interactive: true, want: permission.ReplyOnce},
		{name: "always", input: "always\n", interactive: true, want: permission.ReplyAlways},
		{name: "asks again on unknown answer", input: "maybe\nr\n", interactive: true, want: permission.ReplyReject},
		{name: "eof rejects", input: "", interactive: true, want: permission.ReplyReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := &permissionPrompter{
				in:          bufio.NewReader(strings.NewReader(tt.input)),
				out:         &out,
				interactive: tt.interactive,
				autoApprove: tt.autoApprove,
			}
			if got := p.decide(req); got != tt.want {
				t.Fatalf("decide() = %q, want %q", got, tt.want)
			}
			if !strings.Contains(out.String(), "rm -rf build") {
				t.Fatalf("prompt output = %q", out.String())
			}
		})
	}
}

func TestStreamPartsFiltersSession(t *testing.T) {
	b := bus.New(nil)
	var out, status bytes.Buffer
	var streamed atomic.Bool
	stop := streamParts(b, "ses_a", &out, &status, &streamed)
	defer stop()

	publish := func(ev sessions.PartEvent) {
		t.Helper()
		if err := bus.Publish(b, sessions.EventPartUpdated, ev); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	publish(sessions.PartEvent{Part: sessions.Part{SessionID: "ses_a", Type: sessions.PartText}, Delta: "Hel"})
	publish(sessions.PartEvent{Part: sessions.Part{SessionID: "ses_b", Type: sessions.PartText}, Delta: "nope"})
	publish(sessions.PartEvent{Part: sessions.Part{SessionID: "ses_a", Type: sessions.PartText}, Delta: "lo"})
	publish(sessions.PartEvent{Part: sessions.Part{
		SessionID: "ses_a",
		Type:      sessions.PartTool,
		Tool:      "bash",
		State:     &sessions.ToolState{Status: sessions.ToolRunning},
	}})
	publish(sessions.PartEvent{Part: sessions.Part{
		SessionID: "ses_a",
		Type:      sessions.PartTool,
		Tool:      "bash",
		State:     &sessions.ToolState{Status: sessions.ToolCompleted, Title: "go test ./..."},
	}})

	if out.String() != "Hello" {
		t.Fatalf("streamed text = %q", out.String())
	}
	if !streamed.Load() {
		t.Fatalf("expected streamed flag")
	}
	if got := strings.TrimSpace(status.String()); got != "[bash] go test ./..." {
		t.Fatalf("status = %q", got)
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeTestConfig writes a config whose state lives in a temp dir.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	contents := "version: 1\n" +
		"logging:\n  level: error\n" +
		"storage:\n  driver: memory\n  dir: " + filepath.Join(dir, "data") + "\n" +
		"tools:\n  workspace: " + dir + "\n" + extra
	if strings.Contains(extra, "auth:") {
		contents = strings.Replace(contents, "auth:\n", "auth:\n  profiles_path: "+filepath.Join(dir, "auth.json")+"\n", 1)
	} else {
		contents += "auth:\n  profiles_path: " + filepath.Join(dir, "auth.json") + "\n"
	}
	path := filepath.Join(dir, "conductor.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
