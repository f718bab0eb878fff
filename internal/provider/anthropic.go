package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 8192

type anthropicClient struct {
	client anthropic.Client
	model  *Model
}

// NewAnthropicClient is the Factory for the Anthropic Messages API.
func NewAnthropicClient(_ context.Context, model *Model, cred Credential) (LanguageClient, error) {
	if cred.APIKey == "" {
		return nil, ErrCredentialRequired
	}
	opts := []option.RequestOption{option.WithAPIKey(cred.APIKey), option.WithMaxRetries(0)}
	if cred.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cred.BaseURL))
	}
	for k, v := range cred.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return &anthropicClient{client: anthropic.NewClient(opts...), model: model}, nil
}

func (c *anthropicClient) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}
	stream := c.client.Messages.NewStreaming(ctx, params)

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer stream.Close()
		out := emitter{ctx: ctx, ch: ch}
		blocks := &textBlocks{out: out}

		var usage Usage
		var finish string
		var call *StreamEvent
		var input strings.Builder

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				u := event.AsMessageStart().Message.Usage
				usage.Input = int(u.InputTokens)
				usage.CacheRead = int(u.CacheReadInputTokens)
				usage.CacheWrite = int(u.CacheCreationInputTokens)

			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					if !blocks.closeAll() {
						return
					}
					toolUse := block.AsToolUse()
					call = &StreamEvent{Type: EventToolCall, ToolCallID: toolUse.ID, ToolName: toolUse.Name}
					input.Reset()
					if !out.send(StreamEvent{Type: EventToolCallStart, ToolCallID: toolUse.ID, ToolName: toolUse.Name}) {
						return
					}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				ok := true
				switch delta.Type {
				case "text_delta":
					ok = blocks.textDelta(delta.Text)
				case "thinking_delta":
					ok = blocks.reasoningDelta(delta.Thinking)
				case "input_json_delta":
					input.WriteString(delta.PartialJSON)
				}
				if !ok {
					return
				}

			case "content_block_stop":
				if call != nil {
					call.Input = objectInput(input.String())
					if !out.send(*call) {
						return
					}
					call = nil
					continue
				}
				if !blocks.closeAll() {
					return
				}

			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					usage.Output = int(md.Usage.OutputTokens)
				}
				finish = anthropicFinish(string(md.Delta.StopReason))

			case "message_stop":
				if !blocks.closeAll() {
					return
				}
				out.send(StreamEvent{Type: EventFinishStep, FinishReason: finish, Usage: &usage})
				return
			}
		}
		if err := stream.Err(); err != nil {
			blocks.closeAll()
			out.fail(c.wrapError(err))
			return
		}
		if blocks.closeAll() {
			out.send(StreamEvent{Type: EventFinishStep, FinishReason: finish, Usage: &usage})
		}
	}()
	return ch, nil
}

func (c *anthropicClient) params(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.model.Limit.Output
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model.WireID()),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	for _, s := range req.System {
		if s != "" {
			params.System = append(params.System, anthropic.TextBlockParam{Text: s})
		}
	}
	for _, def := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool == nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		param.OfTool.Description = anthropic.String(def.Description)
		params.Tools = append(params.Tools, param)
	}
	if req.Thinking.Enabled() {
		budget := int64(req.Thinking.BudgetTokens())
		if budget < 1024 {
			budget = 10000
		}
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + int64(defaultMaxTokens)
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	} else if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params, nil
}

func anthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.CallID, res.Output, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(objectInput(string(call.Input)), &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func anthropicFinish(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	case "":
		return FinishStop
	default:
		return FinishOther
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *anthropicClient) wrapError(err error) error {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return err
	}
	wrapped := NewProviderError(c.model.ProviderID, c.model.ID, err)
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return wrapped
	}
	wrapped = wrapped.WithStatus(apiErr.StatusCode).WithRequestID(apiErr.RequestID)
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			wrapped = wrapped.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			wrapped = wrapped.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			wrapped = wrapped.WithRequestID(payload.RequestID)
		}
	}
	return wrapped
}
