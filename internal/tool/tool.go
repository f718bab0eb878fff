// Package tool defines the contract every executable tool satisfies, the
// registry the session processor resolves tools from, argument validation,
// and the truncation layer that spills oversized output to disk.
package tool

import (
	"context"
	"encoding/json"
)

// Tool is a callable capability exposed to the model.
type Tool interface {
	// ID is the name the model calls the tool by.
	ID() string

	// Description tells the model when to use the tool.
	Description() string

	// Parameters is the JSON Schema of the argument object.
	Parameters() json.RawMessage

	// Execute runs the tool. ctx is the turn's abort signal: it is cancelled
	// when the session is aborted and implementations must return promptly.
	// The contract performs no retries.
	Execute(ctx context.Context, args json.RawMessage, tc *Context) (*Result, error)
}

// Patterner is implemented by tools whose permission check depends on the
// arguments, such as a shell tool checking the command line.
type Patterner interface {
	// Patterns returns the patterns to check and the patterns to remember
	// when the user answers "always".
	Patterns(args json.RawMessage) (patterns []string, always []string)
}

// TruncationConfigurer lets a tool change the default truncation limits.
type TruncationConfigurer interface {
	TruncateOptions() TruncateOptions
}

// Result is the outcome of a successful execution.
type Result struct {
	Title    string         `json:"title"`
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Truncation is set by tools that paginate or truncate their own output;
	// the generic truncation layer leaves such results untouched. The runner
	// fills it in when it truncates.
	Truncation *Truncation `json:"truncation,omitempty"`
}

// Truncation describes whether an output was cut and where the full content
// lives.
type Truncation struct {
	Truncated  bool   `json:"truncated"`
	OutputPath string `json:"outputPath,omitempty"`
}

// AskInput is a permission request raised from inside a tool.
type AskInput struct {
	Permission string
	Patterns   []string
	Always     []string
	Metadata   map[string]any
}

// MetadataUpdate streams progress for a running tool call.
type MetadataUpdate struct {
	Title    string
	Metadata map[string]any
}

// Context carries the identity of the call and callbacks into the session.
type Context struct {
	SessionID string
	MessageID string
	Agent     string
	CallID    string

	// HasTaskTool is true when the agent can delegate to a sub-agent; the
	// truncation hint points at delegation instead of Grep/Read.
	HasTaskTool bool

	AskFunc      func(ctx context.Context, in AskInput) error
	MetadataFunc func(update MetadataUpdate)
}

// Ask requests permission through the session's permission engine.
func (c *Context) Ask(ctx context.Context, in AskInput) error {
	if c == nil || c.AskFunc == nil {
		return nil
	}
	return c.AskFunc(ctx, in)
}

// Metadata publishes incremental progress for the running tool part.
func (c *Context) Metadata(update MetadataUpdate) {
	if c == nil || c.MetadataFunc == nil {
		return
	}
	c.MetadataFunc(update)
}
