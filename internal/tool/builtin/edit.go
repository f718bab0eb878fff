package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/haasonsaas/conductor/internal/tool"
)

type editArgs struct {
	FilePath   string `json:"filePath" jsonschema:"description=Path of the file to modify"`
	OldString  string `json:"oldString" jsonschema:"description=The text to replace"`
	NewString  string `json:"newString" jsonschema:"description=The replacement text (must differ from oldString)"`
	ReplaceAll bool   `json:"replaceAll,omitempty" jsonschema:"description=Replace every occurrence of oldString"`
}

var (
	errEditNotFound  = errors.New("could not find oldString in the file; it must match exactly, including whitespace and indentation")
	errEditAmbiguous = errors.New("oldString matches more than once; add surrounding context to make it unique or set replaceAll")
)

// EditTool replaces text inside a file. An empty oldString writes newString
// as the whole file.
type EditTool struct {
	resolver Resolver
}

// NewEditTool creates an edit tool rooted at workspace.
func NewEditTool(workspace string) *EditTool {
	return &EditTool{resolver: Resolver{Root: workspace}}
}

func (t *EditTool) ID() string { return "edit" }

func (t *EditTool) Description() string {
	return "Replace text in a file. oldString must occur exactly once unless replaceAll is set; keep the file's indentation."
}

func (t *EditTool) Parameters() json.RawMessage { return tool.SchemaFor[editArgs]() }

func (t *EditTool) Patterns(args json.RawMessage) ([]string, []string) {
	var in editArgs
	_ = json.Unmarshal(args, &in)
	abs, _, err := t.resolver.Resolve(in.FilePath)
	if err != nil {
		return []string{in.FilePath}, nil
	}
	return []string{abs}, []string{"*"}
}

func (t *EditTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var in editArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if in.OldString == in.NewString {
		return nil, errors.New("oldString and newString must be different")
	}
	path, err := resolveChecked(ctx, t.resolver, in.FilePath, tc)
	if err != nil {
		return nil, err
	}

	var (
		updated string
		count   = 1
	)
	if in.OldString == "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
		updated = in.NewString
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("file %s not found", in.FilePath)
			}
			return nil, fmt.Errorf("read file: %w", err)
		}
		updated, count, err = replaceText(string(data), in.OldString, in.NewString, in.ReplaceAll)
		if err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}

	rel, err := filepath.Rel(t.resolver.Root, path)
	if err != nil {
		rel = path
	}
	return &tool.Result{
		Title:    rel,
		Output:   "Edit applied successfully.",
		Metadata: map[string]any{"filepath": path, "replacements": count},
	}, nil
}

// replaceText finds oldString in content, first verbatim and then with
// progressively looser line matching, and replaces it. It returns the new
// content and the number of replacements.
func replaceText(content, oldString, newString string, all bool) (string, int, error) {
	ambiguous := false
	for _, candidates := range []func(string, string) []string{
		exactMatch,
		lineMatch(strings.TrimSpace),
		lineMatch(collapseSpace),
		lineMatch(func(s string) string { return strings.TrimLeft(s, " \t") }),
	} {
		for _, search := range candidates(content, oldString) {
			n := strings.Count(content, search)
			switch {
			case n == 0:
				continue
			case all:
				return strings.ReplaceAll(content, search, newString), n, nil
			case n > 1:
				ambiguous = true
				continue
			}
			return strings.Replace(content, search, newString, 1), 1, nil
		}
	}
	if ambiguous {
		return "", 0, errEditAmbiguous
	}
	return "", 0, errEditNotFound
}

func exactMatch(_, oldString string) []string {
	return []string{oldString}
}

// lineMatch returns a matcher yielding every run of content lines that equals
// oldString's lines once both are passed through norm.
func lineMatch(norm func(string) string) func(string, string) []string {
	return func(content, oldString string) []string {
		lines := strings.Split(content, "\n")
		want := strings.Split(oldString, "\n")
		var out []string
		for i := 0; i+len(want) <= len(lines); i++ {
			ok := true
			for j, w := range want {
				if norm(lines[i+j]) != norm(w) {
					ok = false
					break
				}
			}
			if ok {
				out = append(out, strings.Join(lines[i:i+len(want)], "\n"))
			}
		}
		return out
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}
