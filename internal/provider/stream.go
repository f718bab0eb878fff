package provider

import (
	"context"
	"encoding/json"
	"strconv"
)

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model request to run a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult answers a ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one provider-neutral conversation turn. Assistant messages may
// carry tool calls; tool messages carry the results for the preceding
// assistant message.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolDef advertises a tool to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a streaming completion request.
type Request struct {
	System      []string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature *float64
	Thinking    ThinkingLevel
}

// EventType names a normalized stream event.
type EventType string

const (
	EventTextStart      EventType = "text-start"
	EventTextDelta      EventType = "text-delta"
	EventTextEnd        EventType = "text-end"
	EventReasoningStart EventType = "reasoning-start"
	EventReasoningDelta EventType = "reasoning-delta"
	EventReasoningEnd   EventType = "reasoning-end"
	EventToolCallStart  EventType = "tool-call-start"
	EventToolCall       EventType = "tool-call"
	EventFinishStep     EventType = "finish-step"
	EventError          EventType = "error"
)

// Usage reports token counts for one step.
type Usage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	Reasoning  int `json:"reasoning"`
	CacheRead  int `json:"cache_read"`
	CacheWrite int `json:"cache_write"`
}

// StreamEvent is one normalized event. ID groups text and reasoning
// deltas into blocks; tool events carry the call.
type StreamEvent struct {
	Type         EventType
	ID           string
	Text         string
	ToolCallID   string
	ToolName     string
	Input        json.RawMessage
	FinishReason string
	Usage        *Usage
	Err          error
}

// Finish reasons reported with EventFinishStep.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool-calls"
	FinishLength    = "length"
	FinishOther     = "other"
)

// LanguageClient streams completions from one model. The returned channel
// is closed after a finish-step or error event, or when ctx is done.
type LanguageClient interface {
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// LanguageClientFunc adapts a function to LanguageClient.
type LanguageClientFunc func(ctx context.Context, req *Request) (<-chan StreamEvent, error)

func (f LanguageClientFunc) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	return f(ctx, req)
}

// emitter writes events unless the consumer has gone away.
type emitter struct {
	ctx context.Context
	ch  chan<- StreamEvent
}

func (e emitter) send(ev StreamEvent) bool {
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e emitter) fail(err error) {
	e.send(StreamEvent{Type: EventError, Err: err})
}

// textBlocks tracks open text and reasoning blocks so adapters that only
// report deltas still produce start and end events.
type textBlocks struct {
	out       emitter
	text      string
	reasoning string
	seq       int
}

func (b *textBlocks) nextID(prefix string) string {
	b.seq++
	return prefix + "-" + strconv.Itoa(b.seq)
}

func (b *textBlocks) textDelta(delta string) bool {
	if delta == "" {
		return true
	}
	if b.reasoning != "" && !b.endReasoning() {
		return false
	}
	if b.text == "" {
		b.text = b.nextID("text")
		if !b.out.send(StreamEvent{Type: EventTextStart, ID: b.text}) {
			return false
		}
	}
	return b.out.send(StreamEvent{Type: EventTextDelta, ID: b.text, Text: delta})
}

func (b *textBlocks) reasoningDelta(delta string) bool {
	if delta == "" {
		return true
	}
	if b.text != "" && !b.endText() {
		return false
	}
	if b.reasoning == "" {
		b.reasoning = b.nextID("reasoning")
		if !b.out.send(StreamEvent{Type: EventReasoningStart, ID: b.reasoning}) {
			return false
		}
	}
	return b.out.send(StreamEvent{Type: EventReasoningDelta, ID: b.reasoning, Text: delta})
}

func (b *textBlocks) endText() bool {
	if b.text == "" {
		return true
	}
	id := b.text
	b.text = ""
	return b.out.send(StreamEvent{Type: EventTextEnd, ID: id})
}

func (b *textBlocks) endReasoning() bool {
	if b.reasoning == "" {
		return true
	}
	id := b.reasoning
	b.reasoning = ""
	return b.out.send(StreamEvent{Type: EventReasoningEnd, ID: id})
}

func (b *textBlocks) closeAll() bool {
	return b.endReasoning() && b.endText()
}

// objectInput normalizes streamed tool arguments to a JSON object.
func objectInput(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}
