// Package anthropic adapts Anthropic's Claude API to model.ChatModel.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/blockflow/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "claude-3-5-sonnet-20241022"

// ChatModel implements model.ChatModel for Anthropic's Claude API.
//
// System messages are sent through Anthropic's separate system parameter.
// API failures are returned as *model.ProviderError carrying the HTTP status,
// so model.WithRetry can tell rate limits from bad requests.
//
// Example usage:
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := m.Chat(ctx, model.Messages("Be brief.", "Capital of France?"), nil)
type ChatModel struct {
	modelName string
	maxTokens int64
	client    anthropicClient
}

// anthropicClient is the slice of the SDK the adapter uses. Tests replace it.
type anthropicClient interface {
	createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// NewChatModel creates an Anthropic ChatModel. An empty modelName selects
// DefaultModel.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	var client anthropicClient = missingKeyClient{}
	if apiKey != "" {
		c := anthropic.NewClient(option.WithAPIKey(apiKey))
		client = &sdkClient{client: &c}
	}
	return &ChatModel{
		modelName: modelName,
		maxTokens: 4096,
		client:    client,
	}
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

	system, conversation := model.SplitSystem(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  convertMessages(conversation),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	msg, err := m.client.createMessage(ctx, params)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	return convertResponse(msg, m.modelName), nil
}

func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

func convertTools(tools []model.ToolSpec) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, spec := range tools {
		var props any = map[string]any{}
		if p, ok := spec.Schema["properties"]; ok {
			props = p
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: props},
			},
		})
	}
	return out
}

func convertResponse(msg *anthropic.Message, fallbackModel string) model.ChatOut {
	out := model.ChatOut{Model: fallbackModel}
	if msg == nil {
		return out
	}
	if msg.Model != "" {
		out.Model = string(msg.Model)
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "tool_use":
			var input map[string]interface{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &input)
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: block.Name, Input: input})
		}
	}
	out.Usage = model.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
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
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:   "anthropic",
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Retryable:  model.StatusRetryable(apiErr.StatusCode),
			Cause:      err,
		}
	}
	return &model.ProviderError{Provider: "anthropic", Message: err.Error(), Cause: err}
}

type sdkClient struct {
	client *anthropic.Client
}

func (c *sdkClient) createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.client.Messages.New(ctx, params)
}

type missingKeyClient struct{}

func (missingKeyClient) createMessage(context.Context, anthropic.MessageNewParams) (*anthropic.Message, error) {
	return nil, &model.ProviderError{Provider: "anthropic", StatusCode: 401, Message: "API key is required"}
}
