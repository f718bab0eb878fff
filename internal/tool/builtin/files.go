package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/conductor/internal/tool"
)

const (
	defaultReadLimit = 2000
	maxLineLength    = 2000
)

// Resolver turns tool paths into absolute paths relative to the workspace.
type Resolver struct {
	Root string
}

// Resolve returns the absolute path and whether it lies outside the
// workspace root.
func (r Resolver) Resolve(path string) (string, bool, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", false, fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", false, fmt.Errorf("resolve workspace root: %w", err)
	}
	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", false, fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", false, fmt.Errorf("resolve path: %w", err)
	}
	external := rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator))
	return targetAbs, external, nil
}

// resolveChecked resolves path and asks for external_directory permission
// when it leaves the workspace.
func resolveChecked(ctx context.Context, r Resolver, path string, tc *tool.Context) (string, error) {
	abs, external, err := r.Resolve(path)
	if err != nil {
		return "", err
	}
	if external {
		dir := filepath.Dir(abs)
		if err := tc.Ask(ctx, tool.AskInput{
			Permission: "external_directory",
			Patterns:   []string{filepath.Join(dir, "*")},
			Always:     []string{filepath.Join(dir, "*")},
			Metadata:   map[string]any{"filepath": abs},
		}); err != nil {
			return "", err
		}
	}
	return abs, nil
}

type readArgs struct {
	FilePath string `json:"filePath" jsonschema:"description=Path of the file to read"`
	Offset   int    `json:"offset,omitempty" jsonschema:"description=Zero-based line to start reading from,minimum=0"`
	Limit    int    `json:"limit,omitempty" jsonschema:"description=Number of lines to read (default 2000),minimum=0"`
}

// ReadTool reads a file with line numbers. It paginates with offset/limit, so
// the generic truncation layer is skipped for its results.
type ReadTool struct {
	resolver Resolver
}

// NewReadTool creates a read tool rooted at workspace.
func NewReadTool(workspace string) *ReadTool {
	return &ReadTool{resolver: Resolver{Root: workspace}}
}

func (t *ReadTool) ID() string { return "read" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace. Lines are numbered; use offset and limit to page through large files."
}

func (t *ReadTool) Parameters() json.RawMessage { return tool.SchemaFor[readArgs]() }

// Patterns checks the file path so rules like "*.env" apply.
func (t *ReadTool) Patterns(args json.RawMessage) ([]string, []string) {
	var in readArgs
	_ = json.Unmarshal(args, &in)
	abs, _, err := t.resolver.Resolve(in.FilePath)
	if err != nil {
		return []string{in.FilePath}, nil
	}
	return []string{abs}, []string{abs}
}

func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var in readArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	path, err := resolveChecked(ctx, t.resolver, in.FilePath, tc)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	limit := in.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		out  strings.Builder
		line int
		read int
		more bool
	)
	out.WriteString("<file>\n")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if line < in.Offset {
			line++
			continue
		}
		if read >= limit {
			more = true
			break
		}
		text := scanner.Text()
		if len(text) > maxLineLength {
			text = text[:maxLineLength] + "..."
		}
		fmt.Fprintf(&out, "%05d| %s\n", line+1, text)
		line++
		read++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if more {
		fmt.Fprintf(&out, "\n(File has more lines. Use 'offset' parameter to read beyond line %d)\n", in.Offset+read)
	} else {
		fmt.Fprintf(&out, "\n(End of file - total %d lines)\n", line)
	}
	out.WriteString("</file>")

	rel, err := filepath.Rel(t.resolver.Root, path)
	if err != nil {
		rel = path
	}
	return &tool.Result{
		Title:      rel,
		Output:     out.String(),
		Metadata:   map[string]any{"lines": read},
		Truncation: &tool.Truncation{Truncated: more},
	}, nil
}

type writeArgs struct {
	FilePath string `json:"filePath" jsonschema:"description=Path of the file to write"`
	Content  string `json:"content" jsonschema:"description=Full file content"`
}

// WriteTool replaces a file's content, creating parent directories.
type WriteTool struct {
	resolver Resolver
}

// NewWriteTool creates a write tool rooted at workspace.
func NewWriteTool(workspace string) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: workspace}}
}

func (t *WriteTool) ID() string { return "write" }

func (t *WriteTool) Description() string {
	return "Write a file in the workspace, replacing any existing content."
}

func (t *WriteTool) Parameters() json.RawMessage { return tool.SchemaFor[writeArgs]() }

func (t *WriteTool) Patterns(args json.RawMessage) ([]string, []string) {
	var in writeArgs
	_ = json.Unmarshal(args, &in)
	abs, _, err := t.resolver.Resolve(in.FilePath)
	if err != nil {
		return []string{in.FilePath}, nil
	}
	return []string{abs}, []string{"*"}
}

func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var in writeArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	path, err := resolveChecked(ctx, t.resolver, in.FilePath, tc)
	if err != nil {
		return nil, err
	}
	_, statErr := os.Stat(path)
	existed := statErr == nil

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	verb := "Created"
	if existed {
		verb = "Updated"
	}
	return &tool.Result{
		Title:    in.FilePath,
		Output:   fmt.Sprintf("%s %s (%d bytes)", verb, in.FilePath, len(in.Content)),
		Metadata: map[string]any{"filepath": path, "exists": existed},
	}, nil
}
