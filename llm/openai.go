package llm

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"
)

// OpenAIAdapter talks to the OpenAI Chat Completions API.
type OpenAIAdapter struct {
	client    *openai.Client
	model     string
	maxTokens int64
}

// NewOpenAIAdapter creates an adapter. An empty apiKey makes the SDK read
// OPENAI_API_KEY; baseURL may point at any compatible endpoint.
func NewOpenAIAdapter(apiKey, baseURL, model string, maxTokens int) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIAdapter{client: &client, model: model, maxTokens: int64(maxTokens)}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.Chat.Completions.New(ctx, a.buildParams(req))
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, ErrorFromStatusCode(apiErr.StatusCode, apiErr.Error(), a.Name(), nil)
		}
		return nil, ClassifyMessage(a.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			SDKError:  SDKError{Message: "no choices returned"},
			Provider:  a.Name(),
			Retryable: true,
		}
	}

	choice := resp.Choices[0]
	var parts []ContentPart
	if choice.Message.Content != "" {
		parts = append(parts, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		parts = append(parts, ToolCallPart(tc.ID, tc.Function.Name, args))
	}

	finish := FinishReason{Reason: choice.FinishReason, Raw: choice.FinishReason}
	if finish.Reason == "" {
		finish.Reason = "stop"
	}

	return &Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Provider:     a.Name(),
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (a *OpenAIAdapter) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := a.maxTokens
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := openai.ChatCompletionNewParams{
		Messages:            openaiMessages(req.Messages),
		Model:               model,
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, def := range req.Tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  def.Parameters,
				},
			}
		}
		params.Tools = tools
	}
	return params
}

func openaiMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		text := msg.TextContent()
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(text))
		case RoleUser:
			out = append(out, openai.UserMessage(text))
		case RoleTool:
			for _, res := range msg.ToolResults() {
				out = append(out, openai.ToolMessage(res.Content, res.ToolCallID))
			}
		case RoleAssistant:
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				out = append(out, openai.AssistantMessage(text))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
			for i, tc := range calls {
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
		}
	}
	return out
}
