package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/conductor/internal/tool"
)

const maxGlobResults = 100

type globArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern such as **/*.go or src/**/*.ts"`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory to search (default workspace root)"`
}

// GlobTool finds files by name pattern, newest first.
type GlobTool struct {
	resolver Resolver
}

// NewGlobTool creates a glob tool rooted at workspace.
func NewGlobTool(workspace string) *GlobTool {
	return &GlobTool{resolver: Resolver{Root: workspace}}
}

func (t *GlobTool) ID() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files matching a glob pattern such as \"**/*.go\". Results are sorted by modification time, newest first."
}

func (t *GlobTool) Parameters() json.RawMessage { return tool.SchemaFor[globArgs]() }

func (t *GlobTool) Patterns(args json.RawMessage) ([]string, []string) {
	var in globArgs
	_ = json.Unmarshal(args, &in)
	return []string{in.Pattern}, []string{"*"}
}

type globFile struct {
	path    string
	modTime int64
}

var errEnoughFiles = errors.New("enough files")

func (t *GlobTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var in globArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	pattern := filepath.ToSlash(strings.TrimSpace(in.Pattern))
	if pattern == "" || !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", in.Pattern)
	}
	searchPath := in.Path
	if searchPath == "" {
		searchPath = "."
	}
	root, err := resolveChecked(ctx, t.resolver, searchPath, tc)
	if err != nil {
		return nil, err
	}

	var (
		files     []globFile
		truncated bool
	)
	walkErr := doublestar.GlobWalk(os.DirFS(root), pattern, func(path string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if len(files) >= maxGlobResults {
			truncated = true
			return errEnoughFiles
		}
		f := globFile{path: filepath.Join(root, filepath.FromSlash(path))}
		if info, err := d.Info(); err == nil {
			f.modTime = info.ModTime().UnixNano()
		}
		files = append(files, f)
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errEnoughFiles) {
		return nil, walkErr
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].modTime != files[j].modTime {
			return files[i].modTime > files[j].modTime
		}
		return files[i].path < files[j].path
	})

	title, err := filepath.Rel(t.resolver.Root, root)
	if err != nil {
		title = root
	}
	var out strings.Builder
	if len(files) == 0 {
		out.WriteString("No files found")
	}
	for i, f := range files {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString(f.path)
	}
	if truncated {
		out.WriteString("\n\n(Results are truncated. Consider using a more specific path or pattern.)")
	}
	return &tool.Result{
		Title:    title,
		Output:   out.String(),
		Metadata: map[string]any{"count": len(files), "truncated": truncated},
	}, nil
}
