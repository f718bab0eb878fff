package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

const defaultBedrockRegion = "us-east-1"

type bedrockClient struct {
	client *bedrockruntime.Client
	model  *Model
}

// loadAWSConfig builds an AWS config for cred. An APIKey of the form
// "ACCESS_KEY_ID:SECRET[:SESSION_TOKEN]" selects static credentials;
// otherwise the default chain (env, shared profile, instance role) is used.
func loadAWSConfig(ctx context.Context, cred Credential) (aws.Config, error) {
	region := cred.Region
	if region == "" {
		region = defaultBedrockRegion
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if parts := strings.SplitN(cred.APIKey, ":", 3); len(parts) >= 2 {
		session := ""
		if len(parts) == 3 {
			session = parts[2]
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(parts[0], parts[1], session),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	return cfg, nil
}

// NewBedrockClient is the Factory for the Bedrock Converse API.
func NewBedrockClient(ctx context.Context, model *Model, cred Credential) (LanguageClient, error) {
	cfg, err := loadAWSConfig(ctx, cred)
	if err != nil {
		return nil, err
	}
	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		if cred.BaseURL != "" {
			o.BaseEndpoint = aws.String(cred.BaseURL)
		}
	})
	return &bedrockClient{client: client, model: model}, nil
}

func (c *bedrockClient) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	input, err := c.input(req)
	if err != nil {
		return nil, err
	}
	output, err := c.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, c.wrapError(err)
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()
		out := emitter{ctx: ctx, ch: ch}
		blocks := &textBlocks{out: out}

		var usage Usage
		finish := FinishStop
		var call *StreamEvent
		var toolInput strings.Builder

		events := stream.Events()
		for {
			var event types.ConverseStreamOutput
			var ok bool
			select {
			case <-ctx.Done():
				return
			case event, ok = <-events:
			}
			if !ok {
				break
			}
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, isTool := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); isTool {
					if !blocks.closeAll() {
						return
					}
					id, name := aws.ToString(toolUse.Value.ToolUseId), aws.ToString(toolUse.Value.Name)
					call = &StreamEvent{Type: EventToolCall, ToolCallID: id, ToolName: name}
					toolInput.Reset()
					if !out.send(StreamEvent{Type: EventToolCallStart, ToolCallID: id, ToolName: name}) {
						return
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				sent := true
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					sent = blocks.textDelta(delta.Value)
				case *types.ContentBlockDeltaMemberReasoningContent:
					if text, isText := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); isText {
						sent = blocks.reasoningDelta(text.Value)
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}
				if !sent {
					return
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if call != nil {
					call.Input = objectInput(toolInput.String())
					if !out.send(*call) {
						return
					}
					call = nil
					continue
				}
				if !blocks.closeAll() {
					return
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				finish = bedrockFinish(ev.Value.StopReason)

			case *types.ConverseStreamOutputMemberMetadata:
				if u := ev.Value.Usage; u != nil {
					usage.Input = int(aws.ToInt32(u.InputTokens))
					usage.Output = int(aws.ToInt32(u.OutputTokens))
				}
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

func (c *bedrockClient) input(req *Request) (*bedrockruntime.ConverseStreamInput, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(c.model.WireID()),
		Messages: bedrockMessages(req.Messages),
	}
	for _, s := range req.System {
		if s != "" {
			input.System = append(input.System, &types.SystemContentBlockMemberText{Value: s})
		}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		input.InferenceConfig = &types.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			// #nosec G115 -- bounded by min
			input.InferenceConfig.MaxTokens = aws.Int32(int32(min(req.MaxTokens, math.MaxInt32)))
		}
		if req.Temperature != nil && !req.Thinking.Enabled() {
			input.InferenceConfig.Temperature = aws.Float32(float32(*req.Temperature))
		}
	}
	if req.Thinking.Enabled() && c.model.Capabilities.Reasoning {
		input.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": req.Thinking.BudgetTokens()},
		})
	}
	if len(req.Tools) > 0 {
		tools := make([]types.Tool, 0, len(req.Tools))
		for _, def := range req.Tools {
			var schema any
			if err := json.Unmarshal(def.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
			}
			tools = append(tools, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(def.Name),
					Description: aws.String(def.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
				},
			})
		}
		input.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}
	return input, nil
}

func bedrockMessages(messages []Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, res := range msg.ToolResults {
			block := types.ToolResultBlock{
				ToolUseId: aws.String(res.CallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: res.Output}},
			}
			if res.IsError {
				block.Status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: block})
		}
		for _, call := range msg.ToolCalls {
			var input any
			if err := json.Unmarshal(call.Input, &input); err != nil || input == nil {
				input = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(call.Name),
					Input:     document.NewLazyDocument(input),
				},
			})
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out
}

func bedrockFinish(reason types.StopReason) string {
	switch reason {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return FinishStop
	case types.StopReasonToolUse:
		return FinishToolCalls
	case types.StopReasonMaxTokens:
		return FinishLength
	default:
		return FinishOther
	}
}

func (c *bedrockClient) wrapError(err error) error {
	return wrapAWSError(c.model.ProviderID, c.model.ID, err)
}

func wrapAWSError(providerID, modelID string, err error) error {
	wrapped := NewProviderError(providerID, modelID, err)
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		wrapped = wrapped.WithStatus(respErr.HTTPStatusCode()).WithRequestID(respErr.ServiceRequestID())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		wrapped = wrapped.WithCode(apiErr.ErrorCode()).WithMessage(apiErr.ErrorMessage())
	}
	return wrapped
}
