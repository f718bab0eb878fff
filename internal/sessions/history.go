package sessions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/conductor/internal/provider"
)

// history is the model-facing view of a session.
type history struct {
	messages []provider.Message
	// toolParts are the session's closed tool parts, oldest first.
	toolParts []Part
}

// history loads the session from its most recent summary onward and
// converts it to provider messages.
func (s *Service) history(ctx context.Context, sessionID string) (*history, error) {
	msgs, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	h := &history{}
	for _, m := range msgs {
		for _, part := range m.Parts {
			if part.Type == PartTool && part.Closed() {
				h.toolParts = append(h.toolParts, part)
			}
		}
	}

	start := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Info.Role == RoleAssistant && msgs[i].Info.Summary && msgs[i].Info.Error == nil {
			start = i
			break
		}
	}
	for _, m := range msgs[start:] {
		h.messages = append(h.messages, toProviderMessages(m)...)
	}
	return h, nil
}

func toProviderMessages(m WithParts) []provider.Message {
	if m.Info.Role == RoleUser {
		return []provider.Message{{Role: provider.RoleUser, Content: m.Info.Text}}
	}

	var text strings.Builder
	var calls []provider.ToolCall
	var results []provider.ToolResult
	for _, part := range m.Parts {
		switch part.Type {
		case PartText:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(part.Text)
		case PartTool:
			if part.State == nil || !part.State.Status.Closed() {
				continue
			}
			calls = append(calls, provider.ToolCall{ID: part.CallID, Name: part.Tool, Input: inputOrEmpty(part.State.Input)})
			result := provider.ToolResult{CallID: part.CallID, Name: part.Tool, Output: part.State.Output}
			if part.State.Status == ToolError {
				result.Output = part.State.Error
				result.IsError = true
			}
			results = append(results, result)
		}
	}
	if text.Len() == 0 && len(calls) == 0 {
		return nil
	}
	out := []provider.Message{{Role: provider.RoleAssistant, Content: text.String(), ToolCalls: calls}}
	if len(results) > 0 {
		out = append(out, provider.Message{Role: provider.RoleTool, ToolResults: results})
	}
	return out
}

func inputOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
