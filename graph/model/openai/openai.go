// Package openai adapts OpenAI's chat completions API to model.ChatModel.
package openai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/blockflow/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gpt-4o-mini"

// ChatModel implements model.ChatModel for OpenAI's API.
//
// Example usage:
//
//	m := model.WithRetry(openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o"), 3, time.Second)
//	out, err := m.Chat(ctx, model.Messages("", "What is the capital of France?"), nil)
type ChatModel struct {
	modelName string
	client    openaiClient
}

// openaiClient is the slice of the SDK the adapter uses. Tests replace it.
type openaiClient interface {
	createChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// NewChatModel creates an OpenAI ChatModel. An empty modelName selects
// DefaultModel. Pass option.WithBaseURL to target a compatible endpoint.
func NewChatModel(apiKey, modelName string, opts ...option.RequestOption) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	var client openaiClient = missingKeyClient{}
	if apiKey != "" {
		c := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
		client = &sdkClient{client: &c}
	}
	return &ChatModel{modelName: modelName, client: client}
}

// Name returns the configured model name.
func (m *ChatModel) Name() string {
	return m.modelName
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	completion, err := m.client.createChatCompletion(ctx, params)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, &model.ProviderError{Provider: "openai", Message: "no choices in response"}
	}
	return convertResponse(completion, m.modelName), nil
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertTools(tools []model.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, spec := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
		}
		if spec.Schema != nil {
			fn.Parameters = shared.FunctionParameters(spec.Schema)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func convertResponse(c *openai.ChatCompletion, fallbackModel string) model.ChatOut {
	msg := c.Choices[0].Message
	out := model.ChatOut{
		Text:  msg.Content,
		Model: fallbackModel,
		Usage: model.Usage{
			InputTokens:  int(c.Usage.PromptTokens),
			OutputTokens: int(c.Usage.CompletionTokens),
		},
	}
	if c.Model != "" {
		out.Model = c.Model
	}
	for _, call := range msg.ToolCalls {
		var input map[string]interface{}
		if call.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: call.Function.Name, Input: input})
	}
	return out
}

// translateError converts SDK errors to *model.ProviderError. Context errors
// pass through unchanged.
func translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:   "openai",
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Retryable:  model.StatusRetryable(apiErr.StatusCode),
			Cause:      err,
		}
	}
	return &model.ProviderError{Provider: "openai", Message: err.Error(), Cause: err}
}

type sdkClient struct {
	client *openai.Client
}

func (c *sdkClient) createChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

type missingKeyClient struct{}

func (missingKeyClient) createChatCompletion(context.Context, openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return nil, &model.ProviderError{Provider: "openai", StatusCode: 401, Message: "API key is required"}
}
