package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/tool"
)

const (
	defaultBashTimeout = 2 * time.Minute
	maxBashTimeout     = 10 * time.Minute
	maxMetadataOutput  = 30000
)

type bashArgs struct {
	Command     string `json:"command" jsonschema:"description=Shell command to run"`
	Timeout     int    `json:"timeout,omitempty" jsonschema:"description=Timeout in milliseconds,minimum=0"`
	Description string `json:"description,omitempty" jsonschema:"description=Five to ten word summary of what the command does"`
}

// BashTool runs a shell command in the workspace.
type BashTool struct {
	workspace string
	shell     string
}

// NewBashTool creates a bash tool that runs commands in workspace.
func NewBashTool(workspace string) *BashTool {
	return &BashTool{workspace: workspace, shell: "bash"}
}

func (t *BashTool) ID() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command in the workspace and return its combined output and exit code."
}

func (t *BashTool) Parameters() json.RawMessage { return tool.SchemaFor[bashArgs]() }

// TruncateOptions keeps the end of long command output.
func (t *BashTool) TruncateOptions() tool.TruncateOptions {
	return tool.TruncateOptions{Direction: tool.Tail}
}

// Patterns checks the full command; "always" remembers the command prefix.
func (t *BashTool) Patterns(args json.RawMessage) ([]string, []string) {
	var in bashArgs
	_ = json.Unmarshal(args, &in)
	command := strings.TrimSpace(in.Command)
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return []string{command}, nil
	}
	return []string{command}, []string{fields[0] + " *"}
}

// lockedBuffer collects output written concurrently by stdout and stderr.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	on  func(string)
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	n, err := b.buf.Write(p)
	snapshot := b.buf.String()
	b.mu.Unlock()
	if b.on != nil {
		b.on(snapshot)
	}
	return n, err
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (t *BashTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var in bashArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if strings.TrimSpace(in.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	timeout := defaultBashTimeout
	if in.Timeout > 0 {
		timeout = time.Duration(in.Timeout) * time.Millisecond
	}
	if timeout > maxBashTimeout {
		timeout = maxBashTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output := &lockedBuffer{on: func(snapshot string) {
		if len(snapshot) > maxMetadataOutput {
			snapshot = snapshot[:maxMetadataOutput] + "\n\n..."
		}
		tc.Metadata(tool.MetadataUpdate{
			Title:    in.Description,
			Metadata: map[string]any{"output": snapshot, "description": in.Description},
		})
	}}

	cmd := exec.CommandContext(runCtx, t.shell, "-c", in.Command)
	cmd.Dir = t.workspace
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		exitCode = -1
	case errors.As(err, &exitErr):
		exitCode = exitErr.ExitCode()
	case err != nil:
		return nil, fmt.Errorf("run command: %w", err)
	}

	text := output.String()
	if exitCode == -1 {
		text += fmt.Sprintf("\n\n<bash_metadata>\ncommand terminated after exceeding timeout %s\n</bash_metadata>", timeout)
	}

	title := in.Description
	if title == "" {
		title = in.Command
	}
	return &tool.Result{
		Title:  title,
		Output: text,
		Metadata: map[string]any{
			"exit":        exitCode,
			"description": in.Description,
		},
	}, nil
}
