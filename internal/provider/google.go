package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/conductor/internal/identifier"
)

type googleClient struct {
	client *genai.Client
	model  *Model
}

// NewGoogleClient is the Factory for the Gemini API.
func NewGoogleClient(ctx context.Context, model *Model, cred Credential) (LanguageClient, error) {
	if cred.APIKey == "" {
		return nil, ErrCredentialRequired
	}
	cfg := &genai.ClientConfig{APIKey: cred.APIKey, Backend: genai.BackendGeminiAPI}
	if cred.BaseURL != "" || len(cred.Headers) > 0 {
		headers := http.Header{}
		for k, v := range cred.Headers {
			headers.Set(k, v)
		}
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: cred.BaseURL, Headers: headers}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &googleClient{client: client, model: model}, nil
}

func (c *googleClient) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	contents := googleContents(req.Messages)
	config, err := c.config(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		out := emitter{ctx: ctx, ch: ch}
		blocks := &textBlocks{out: out}
		var usage Usage
		finish := FinishStop
		calls := 0

		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model.WireID(), contents, config) {
			if err != nil {
				blocks.closeAll()
				out.fail(c.wrapError(err))
				return
			}
			if resp == nil {
				continue
			}
			if m := resp.UsageMetadata; m != nil {
				usage.Input = int(m.PromptTokenCount)
				usage.Output = int(m.CandidatesTokenCount)
				usage.Reasoning = int(m.ThoughtsTokenCount)
				usage.CacheRead = int(m.CachedContentTokenCount)
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil {
					continue
				}
				if candidate.FinishReason != "" {
					finish = googleFinish(candidate.FinishReason)
				}
				if candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						var ok bool
						if part.Thought {
							ok = blocks.reasoningDelta(part.Text)
						} else {
							ok = blocks.textDelta(part.Text)
						}
						if !ok {
							return
						}
					}
					if fc := part.FunctionCall; fc != nil {
						if !blocks.closeAll() {
							return
						}
						id := fc.ID
						if id == "" {
							id = identifier.Ascending(identifier.Call)
						}
						args, err := json.Marshal(fc.Args)
						if err != nil || fc.Args == nil {
							args = []byte("{}")
						}
						calls++
						if !out.send(StreamEvent{Type: EventToolCallStart, ToolCallID: id, ToolName: fc.Name}) ||
							!out.send(StreamEvent{Type: EventToolCall, ToolCallID: id, ToolName: fc.Name, Input: args}) {
							return
						}
					}
				}
			}
		}
		if !blocks.closeAll() {
			return
		}
		if calls > 0 && finish == FinishStop {
			finish = FinishToolCalls
		}
		out.send(StreamEvent{Type: EventFinishStep, FinishReason: finish, Usage: &usage})
	}()
	return ch, nil
}

func (c *googleClient) config(req *Request) (*genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}
	if joined := strings.TrimSpace(strings.Join(req.System, "\n\n")); joined != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: joined}}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if c.model.Capabilities.Reasoning && req.Thinking.Enabled() {
		budget := int32(req.Thinking.BudgetTokens())
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(def.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  geminiSchema(schema),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config, nil
}

func googleContents(messages []Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == RoleAssistant {
			content.Role = genai.RoleModel
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(call.Input, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args},
			})
		}
		for _, res := range msg.ToolResults {
			response := map[string]any{"output": res.Output}
			if res.IsError {
				response = map[string]any{"error": res.Output}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{ID: res.CallID, Name: res.Name, Response: response},
			})
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

// geminiSchema converts a JSON schema map to the subset Gemini accepts.
func geminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := m["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchema(pm)
			}
		}
	}
	if required, ok := m["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		schema.Items = geminiSchema(items)
	}
	return schema
}

func googleFinish(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	default:
		return FinishOther
	}
}

// wrapError classifies Gemini errors from their text; the SDK reports the
// HTTP status only inside the message.
func (c *googleClient) wrapError(err error) error {
	wrapped := NewProviderError(c.model.ProviderID, c.model.ID, err)
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated") || strings.Contains(msg, "api key not valid"):
		wrapped = wrapped.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		wrapped = wrapped.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted") || strings.Contains(msg, "resource_exhausted"):
		wrapped = wrapped.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		wrapped = wrapped.WithStatus(http.StatusNotFound)
	case strings.Contains(msg, "503"):
		wrapped = wrapped.WithStatus(http.StatusServiceUnavailable)
	case strings.Contains(msg, "500"):
		wrapped = wrapped.WithStatus(http.StatusInternalServerError)
	}
	return wrapped
}
