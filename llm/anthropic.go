package llm

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/pkg/errors"
)

// AnthropicAdapter talks to the Anthropic Messages API.
type AnthropicAdapter struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicAdapter creates an adapter. An empty apiKey makes the SDK read
// ANTHROPIC_API_KEY.
func NewAnthropicAdapter(apiKey, model string, maxTokens int) *AnthropicAdapter {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	// The SDK retries on its own; the agent loop owns retry policy.
	opts = append(opts, option.WithMaxRetries(0))
	client := anthropic.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicAdapter{client: &client, model: model, maxTokens: int64(maxTokens)}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params := a.buildParams(req)

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, ErrorFromStatusCode(apiErr.StatusCode, apiErr.Error(), a.Name(), nil)
		}
		return nil, ClassifyMessage(a.Name(), err)
	}

	var parts []ContentPart
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if text := block.AsText().Text; text != "" {
				parts = append(parts, TextPart(text))
			}
		case "tool_use":
			tu := block.AsToolUse()
			args, err := json.Marshal(tu.Input)
			if err != nil || len(args) == 0 || string(args) == "null" {
				args = []byte(`{}`)
			}
			parts = append(parts, ToolCallPart(tu.ID, tu.Name, args))
		}
	}

	finish := FinishReason{Reason: "stop", Raw: string(resp.StopReason)}
	switch resp.StopReason {
	case "tool_use":
		finish.Reason = "tool_calls"
	case "max_tokens":
		finish.Reason = "length"
	}

	return &Response{
		ID:           resp.ID,
		Model:        string(resp.Model),
		Provider:     a.Name(),
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

func (a *AnthropicAdapter) buildParams(req Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if system := req.SystemPrompt(); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}
	return params
}

// anthropicMessages converts the conversation. Consecutive tool results are
// merged into one user message, which is what the Messages API expects after
// an assistant tool_use turn.
func anthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleTool:
			for _, res := range msg.ToolResults() {
				pendingResults = append(pendingResults, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
			}
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if text := msg.TextContent(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls() {
				var input interface{}
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			if text := msg.TextContent(); text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		}
	}
	flush()
	return out
}

func anthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if props, ok := def.Parameters["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = requiredFields(def.Parameters["required"])

		tools[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tools[i].OfTool != nil && def.Description != "" {
			tools[i].OfTool.Description = anthropic.String(def.Description)
		}
	}
	return tools
}

func requiredFields(v interface{}) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
