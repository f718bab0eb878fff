// Package builtin provides the tools every agent starts with.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haasonsaas/conductor/internal/tool"
)

// InvalidToolID receives calls the processor could not route, so the model
// sees why its call failed and can retry.
const InvalidToolID = "invalid"

// Config controls the built-in tool set.
type Config struct {
	Workspace  string
	HTTPClient *http.Client
	Disabled   []string
}

// All returns the built-in tools minus any listed in cfg.Disabled.
func All(cfg Config) []tool.Tool {
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, id := range cfg.Disabled {
		disabled[id] = true
	}
	candidates := []tool.Tool{
		InvalidTool{},
		NewReadTool(cfg.Workspace),
		NewWriteTool(cfg.Workspace),
		NewEditTool(cfg.Workspace),
		NewGlobTool(cfg.Workspace),
		NewBashTool(cfg.Workspace),
		NewGrepTool(cfg.Workspace),
		NewWebFetchTool(cfg.HTTPClient),
	}
	out := make([]tool.Tool, 0, len(candidates))
	for _, t := range candidates {
		if !disabled[t.ID()] {
			out = append(out, t)
		}
	}
	return out
}

type invalidArgs struct {
	Tool  string `json:"tool"`
	Error string `json:"error"`
}

// InvalidTool reports a call that named a missing tool or carried bad input.
type InvalidTool struct{}

func (InvalidTool) ID() string { return InvalidToolID }

func (InvalidTool) Description() string { return "Do not use" }

func (InvalidTool) Parameters() json.RawMessage { return tool.SchemaFor[invalidArgs]() }

func (InvalidTool) Execute(ctx context.Context, args json.RawMessage, tc *tool.Context) (*tool.Result, error) {
	var in invalidArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	return &tool.Result{
		Title:  "Invalid Tool",
		Output: fmt.Sprintf("The arguments provided to the tool are invalid: %s", in.Error),
	}, nil
}
