package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type openaiClient struct {
	client *openai.Client
	model  *Model
}

// NewOpenAIClient is the Factory for OpenAI-compatible chat completions.
func NewOpenAIClient(_ context.Context, model *Model, cred Credential) (LanguageClient, error) {
	if cred.APIKey == "" && cred.BaseURL == "" {
		return nil, ErrCredentialRequired
	}
	cfg := openai.DefaultConfig(cred.APIKey)
	if cred.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(cred.BaseURL, "/")
	}
	if len(cred.Headers) > 0 {
		cfg.HTTPClient = &http.Client{Transport: headerTransport{headers: cred.Headers, base: http.DefaultTransport}}
	}
	return &openaiClient{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

type openaiCall struct {
	id        string
	name      string
	arguments strings.Builder
	started   bool
}

func (c *openaiClient) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	chatReq, err := c.request(req)
	if err != nil {
		return nil, err
	}
	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, c.wrapError(err)
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer stream.Close()
		out := emitter{ctx: ctx, ch: ch}
		blocks := &textBlocks{out: out}
		calls := make(map[int]*openaiCall)
		var usage Usage
		finish := FinishStop

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				blocks.closeAll()
				out.fail(c.wrapError(err))
				return
			}
			if resp.Usage != nil {
				usage.Input = resp.Usage.PromptTokens
				usage.Output = resp.Usage.CompletionTokens
				if d := resp.Usage.CompletionTokensDetails; d != nil {
					usage.Reasoning = d.ReasoningTokens
				}
				if d := resp.Usage.PromptTokensDetails; d != nil {
					usage.CacheRead = d.CachedTokens
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if !blocks.reasoningDelta(choice.Delta.ReasoningContent) || !blocks.textDelta(choice.Delta.Content) {
				return
			}
			for _, tc := range choice.Delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				call := calls[index]
				if call == nil {
					call = &openaiCall{}
					calls[index] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				call.arguments.WriteString(tc.Function.Arguments)
				if !call.started && call.id != "" && call.name != "" {
					call.started = true
					if !blocks.closeAll() || !out.send(StreamEvent{Type: EventToolCallStart, ToolCallID: call.id, ToolName: call.name}) {
						return
					}
				}
			}
			if choice.FinishReason != "" {
				finish = openaiFinish(choice.FinishReason)
			}
		}

		if !blocks.closeAll() {
			return
		}
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := calls[i]
			if call.id == "" || call.name == "" {
				continue
			}
			if !out.send(StreamEvent{Type: EventToolCall, ToolCallID: call.id, ToolName: call.name, Input: objectInput(call.arguments.String())}) {
				return
			}
		}
		if len(indexes) > 0 && finish == FinishStop {
			finish = FinishToolCalls
		}
		out.send(StreamEvent{Type: EventFinishStep, FinishReason: finish, Usage: &usage})
	}()
	return ch, nil
}

func (c *openaiClient) request(req *Request) (openai.ChatCompletionRequest, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:         c.model.WireID(),
		Messages:      openaiMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		if c.model.Capabilities.Reasoning {
			chatReq.MaxCompletionTokens = req.MaxTokens
		} else {
			chatReq.MaxTokens = req.MaxTokens
		}
	}
	if req.Thinking.Enabled() && c.model.Capabilities.Reasoning {
		chatReq.ReasoningEffort = req.Thinking.Effort()
	} else if req.Temperature != nil && !c.model.Capabilities.Reasoning {
		chatReq.Temperature = float32(*req.Temperature)
	}
	for _, def := range req.Tools {
		var schema map[string]any
		if err := json.Unmarshal(def.Parameters, &schema); err != nil {
			return openai.ChatCompletionRequest{}, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			},
		})
	}
	return chatReq, nil
}

func openaiMessages(system []string, messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if joined := strings.TrimSpace(strings.Join(system, "\n\n")); joined != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: joined})
	}
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(objectInput(string(call.Input))),
					},
				})
			}
			out = append(out, m)
		default:
			for _, res := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Output,
					ToolCallID: res.CallID,
				})
			}
			if msg.Content != "" {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
			}
		}
	}
	return out
}

func openaiFinish(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonStop:
		return FinishStop
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return FinishToolCalls
	case openai.FinishReasonLength:
		return FinishLength
	default:
		return FinishOther
	}
}

func (c *openaiClient) wrapError(err error) error {
	wrapped := NewProviderError(c.model.ProviderID, c.model.ID, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped = wrapped.WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			wrapped = wrapped.WithCode(code)
		} else if apiErr.Type != "" {
			wrapped = wrapped.WithCode(apiErr.Type)
		}
		return wrapped
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		wrapped = wrapped.WithStatus(reqErr.HTTPStatusCode)
	}
	return wrapped
}
