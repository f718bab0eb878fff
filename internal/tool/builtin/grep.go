package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/conductor/internal/tool"
)

const maxGrepMatches = 100

type grepArgs struct {
	Pattern string `json:"pattern" jsonschema:"description=Regular expression to search for"`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory or file to search (default workspace root)"`
	Include string `json:"include,omitempty" jsonschema:"description=Glob of file names to include such as *.go"`
}

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	resolver Resolver
}

// NewGrepTool creates a grep tool rooted at workspace.
func NewGrepTool(workspace string) *GrepTool {
	return &GrepTool{resolver: Resolver{Root: workspace}}
}

func (t *GrepTool) ID() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search file contents with a regular expression. Returns matching lines grouped by file, newest files first."
}

func (t *GrepTool) Parameters() json.RawMessage { return tool.SchemaFor[grepArgs]() }

func (t *GrepTool) Patterns(args json.RawMessage) ([]string, []string) {
	var in grepArgs
	_ = json.Unmarshal(args, &in)
	return []string{in.Pattern}, []string{"*"}
}

type grepMatch struct {
	path    string
	modTime int64
	line    int
	text    string
}

var errEnoughMatches = errors.New("enough matches")

func (t *GrepTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var in grepArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	searchPath := in.Path
	if searchPath == "" {
		searchPath = "."
	}
	root, err := resolveChecked(ctx, t.resolver, searchPath, tc)
	if err != nil {
		return nil, err
	}

	var matches []grepMatch
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if in.Include != "" {
			if ok, _ := filepath.Match(in.Include, d.Name()); !ok {
				return nil
			}
		}
		found, err := grepFile(path, re)
		if err != nil || len(found) == 0 {
			return nil
		}
		info, err := d.Info()
		if err == nil {
			for i := range found {
				found[i].modTime = info.ModTime().UnixNano()
			}
		}
		matches = append(matches, found...)
		if len(matches) > maxGrepMatches*10 {
			return errEnoughMatches
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, errEnoughMatches) {
		return nil, walkErr
	}

	if len(matches) == 0 {
		return &tool.Result{Title: in.Pattern, Output: "No files found", Metadata: map[string]any{"matches": 0}}, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].modTime != matches[j].modTime {
			return matches[i].modTime > matches[j].modTime
		}
		return matches[i].path < matches[j].path
	})

	truncated := len(matches) > maxGrepMatches
	shown := matches
	if truncated {
		shown = matches[:maxGrepMatches]
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Found %d matches\n", len(shown))
	current := ""
	for _, m := range shown {
		if m.path != current {
			if current != "" {
				out.WriteString("\n")
			}
			current = m.path
			fmt.Fprintf(&out, "%s:\n", m.path)
		}
		fmt.Fprintf(&out, "  Line %d: %s\n", m.line, m.text)
	}
	if truncated {
		out.WriteString("\n(Results are truncated. Consider using a more specific path or pattern.)")
	}

	return &tool.Result{
		Title:    in.Pattern,
		Output:   out.String(),
		Metadata: map[string]any{"matches": len(shown), "truncated": truncated},
	}, nil
}

func grepFile(path string, re *regexp.Regexp) ([]grepMatch, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var found []grepMatch
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.IndexByte(text, 0) >= 0 {
			return nil, nil
		}
		if re.MatchString(text) {
			if len(text) > maxLineLength {
				text = text[:maxLineLength] + "..."
			}
			found = append(found, grepMatch{path: path, line: line, text: text})
		}
	}
	return found, scanner.Err()
}
