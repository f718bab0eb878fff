package sessions

import (
	"encoding/json"
	"maps"
	"time"
)

// Session is a conversation with its own message history.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	ParentID  string      `json:"parentID,omitempty"`
	Directory string      `json:"directory,omitempty"`
	Time      SessionTime `json:"time"`
}

// SessionTime holds session timestamps. Compacting is set while the history
// is being summarized.
type SessionTime struct {
	Created    time.Time  `json:"created"`
	Updated    time.Time  `json:"updated"`
	Compacting *time.Time `json:"compacting,omitempty"`
}

// Role of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a user or assistant message. User messages carry the prompt;
// assistant messages own the parts generated for them.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      Role   `json:"role"`

	// User fields.
	Text   string          `json:"text,omitempty"`
	System []string        `json:"system,omitempty"`
	Tools  map[string]bool `json:"tools,omitempty"`

	// Assistant fields.
	Agent      string        `json:"agent,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	ModelID    string        `json:"modelID,omitempty"`
	ParentID   string        `json:"parentID,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *Tokens       `json:"tokens,omitempty"`
	Finish     string        `json:"finish,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
	Summary    bool          `json:"summary,omitempty"`

	Time MessageTime `json:"time"`
}

// MessageTime holds message timestamps.
type MessageTime struct {
	Created   time.Time  `json:"created"`
	Completed *time.Time `json:"completed,omitempty"`
}

// Tokens is the token usage of a step or a message.
type Tokens struct {
	Input     int         `json:"input"`
	Output    int         `json:"output"`
	Reasoning int         `json:"reasoning"`
	Cache     CacheTokens `json:"cache"`
}

// CacheTokens counts prompt cache reads and writes.
type CacheTokens struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// Add accumulates other into t.
func (t *Tokens) Add(other Tokens) {
	t.Input += other.Input
	t.Output += other.Output
	t.Reasoning += other.Reasoning
	t.Cache.Read += other.Cache.Read
	t.Cache.Write += other.Cache.Write
}

// MessageError is the user-visible failure attached to an assistant message.
type MessageError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	// Kind refines the error, e.g. context_overflow or a failover reason.
	Kind string `json:"kind,omitempty"`
}

func (e *MessageError) Error() string {
	return e.Message
}

// Error names attached to assistant messages.
const (
	ErrNameAborted          = "MessageAbortedError"
	ErrNameContextOverflow  = "ContextOverflowError"
	ErrNamePermissionDenied = "PermissionDeniedError"
	ErrNamePermission       = "PermissionRejectedError"
	ErrNameAPI              = "APIError"
	ErrNameUnknown          = "UnknownError"
)

// Context overflow kinds.
const (
	KindContextOverflow   = "context_overflow"
	KindCompactionFailure = "compaction_failure"
)

// PartType discriminates parts.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartTool       PartType = "tool"
	PartStepStart  PartType = "step-start"
	PartStepFinish PartType = "step-finish"
)

// ToolStatus is the lifecycle state of a tool part. Transitions only move
// forward: pending, running, then completed or error.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Closed reports whether the status is final.
func (s ToolStatus) Closed() bool {
	return s == ToolCompleted || s == ToolError
}

// PartTime spans a part. End is nil while the part is open.
type PartTime struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// ToolState is the state of a tool part.
type ToolState struct {
	Status   ToolStatus      `json:"status"`
	Input    json.RawMessage `json:"input"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Title    string          `json:"title,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Time     *PartTime       `json:"time,omitempty"`
}

// Part is one unit of assistant output.
type Part struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      PartType `json:"type"`

	// Text and reasoning.
	Text string    `json:"text,omitempty"`
	Time *PartTime `json:"time,omitempty"`

	// Tool.
	Tool   string     `json:"tool,omitempty"`
	CallID string     `json:"callID,omitempty"`
	State  *ToolState `json:"state,omitempty"`

	// Step finish.
	Reason string  `json:"reason,omitempty"`
	Tokens *Tokens `json:"tokens,omitempty"`
	Cost   float64 `json:"cost,omitempty"`
}

// Closed reports whether the part will not change any more.
func (p *Part) Closed() bool {
	switch p.Type {
	case PartText, PartReasoning:
		return p.Time != nil && p.Time.End != nil
	case PartTool:
		return p.State != nil && p.State.Status.Closed()
	default:
		return true
	}
}

// Clone returns a deep copy safe to hand to subscribers.
func (p *Part) Clone() Part {
	c := *p
	if p.Time != nil {
		c.Time = p.Time.clone()
	}
	if p.Tokens != nil {
		tokens := *p.Tokens
		c.Tokens = &tokens
	}
	if p.State != nil {
		state := *p.State
		state.Input = append(json.RawMessage(nil), p.State.Input...)
		state.Metadata = maps.Clone(p.State.Metadata)
		if p.State.Time != nil {
			state.Time = p.State.Time.clone()
		}
		c.State = &state
	}
	return c
}

func (t *PartTime) clone() *PartTime {
	c := *t
	if t.End != nil {
		end := *t.End
		c.End = &end
	}
	return &c
}

// Clone returns a deep copy of m.
func (m *Message) Clone() Message {
	c := *m
	c.System = append([]string(nil), m.System...)
	c.Tools = maps.Clone(m.Tools)
	if m.Tokens != nil {
		tokens := *m.Tokens
		c.Tokens = &tokens
	}
	if m.Error != nil {
		e := *m.Error
		c.Error = &e
	}
	if m.Time.Completed != nil {
		done := *m.Time.Completed
		c.Time.Completed = &done
	}
	return c
}

// WithParts is a message and its parts in creation order.
type WithParts struct {
	Info  Message `json:"info"`
	Parts []Part  `json:"parts"`
}
