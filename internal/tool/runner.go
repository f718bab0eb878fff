package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runner executes tools through the shared contract: validate the arguments,
// execute, then truncate the output unless the tool already did.
type Runner struct {
	truncator *Truncator
	tokens    *TokenCounter
	logger    *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTokenCounter records the token cost of each output in its metadata.
func WithTokenCounter(c *TokenCounter) RunnerOption {
	return func(r *Runner) {
		r.tokens = c
	}
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a runner that spills output with truncator.
func NewRunner(truncator *Truncator, opts ...RunnerOption) *Runner {
	r := &Runner{
		truncator: truncator,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "tool-runner")
	return r
}

// Run executes t with args. Invalid arguments return a *ValidationError whose
// message is meant for the model. opts overrides the tool's truncation
// settings for this call.
func (r *Runner) Run(ctx context.Context, t Tool, args json.RawMessage, tc *Context, opts TruncateOptions) (*Result, error) {
	if err := Validate(t, args); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	start := time.Now()
	result, err := t.Execute(ctx, args, tc)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			return nil, fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return nil, err
	}
	if result == nil {
		result = &Result{}
	}
	r.logger.Debug("tool executed",
		"tool", t.ID(),
		"call_id", callID(tc),
		"duration", time.Since(start))

	if result.Truncation != nil || r.truncator == nil {
		return result, nil
	}

	if cfg, ok := t.(TruncationConfigurer); ok {
		opts = opts.merge(cfg.TruncateOptions())
	}
	truncated, err := r.truncator.Output(result.Output, opts, tc != nil && tc.HasTaskTool)
	if err != nil {
		return nil, err
	}

	result.Output = truncated.Content
	result.Truncation = &Truncation{Truncated: truncated.Truncated, OutputPath: truncated.OutputPath}
	if result.Metadata == nil {
		result.Metadata = make(map[string]any)
	}
	result.Metadata["truncated"] = truncated.Truncated
	if truncated.Truncated {
		result.Metadata["outputPath"] = truncated.OutputPath
	}
	if r.tokens != nil {
		result.Metadata["outputTokens"] = r.tokens.Count(truncated.Content)
	}
	return result, nil
}

func callID(tc *Context) string {
	if tc == nil {
		return ""
	}
	return tc.CallID
}
