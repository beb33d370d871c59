// Package google adapts the Google Gemini API to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dshills/blockflow/graph/model"
)

// DefaultModel is used when NewChatModel is given an empty model name.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Google's Gemini API.
//
// Content blocked by Gemini's safety filters is reported as
// *SafetyFilterError.
//
// Example usage:
//
//	m := google.NewChatModel(os.Getenv("GOOGLE_API_KEY"), "gemini-1.5-flash")
//	out, err := m.Chat(ctx, model.Messages("", "What is the capital of France?"), nil)
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("Content blocked: %s", safetyErr.Category())
//	}
type ChatModel struct {
	modelName string
	client    googleClient
}

// request is what the adapter sends for one call.
type request struct {
	System string
	Parts  []genai.Part
	Tools  []*genai.Tool
}

// googleClient is the slice of the SDK the adapter uses. Tests replace it.
type googleClient interface {
	generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error)
}

// NewChatModel creates a Google ChatModel. An empty modelName selects
// DefaultModel.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
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
	req := request{System: system, Parts: convertMessages(conversation)}
	if len(tools) > 0 {
		req.Tools = convertTools(tools)
	}

	resp, err := m.client.generateContent(ctx, req)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	if err := blocked(resp); err != nil {
		return model.ChatOut{}, err
	}
	out := convertResponse(resp)
	out.Model = m.modelName
	return out, nil
}

// defaultClient wraps the official Gemini SDK client. A client is created
// per call so ChatModel holds no connection state.
type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) generateContent(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, &model.ProviderError{Provider: "google", StatusCode: 401, Message: "API key is required"}
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(c.modelName)
	if req.System != "" {
		genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if len(req.Tools) > 0 {
		genModel.Tools = req.Tools
	}
	return genModel.GenerateContent(ctx, req.Parts...)
}

// convertMessages flattens the conversation into text parts. Earlier
// assistant turns are labeled so the model can tell them apart.
func convertMessages(messages []model.Message) []genai.Part {
	parts := make([]genai.Part, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		if msg.Role == model.RoleAssistant {
			parts = append(parts, genai.Text("Assistant: "+msg.Content))
			continue
		}
		parts = append(parts, genai.Text(msg.Content))
	}
	return parts
}

func convertTools(tools []model.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema converts a JSON schema map to genai.Schema, recursing into
// properties and array items.
func convertSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}

	result := &genai.Schema{Type: genai.TypeObject}
	if typeStr, ok := schema["type"].(string); ok {
		result.Type = convertTypeString(typeStr)
	}
	if desc, ok := schema["description"].(string); ok {
		result.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		result.Properties = make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			if propMap, ok := val.(map[string]interface{}); ok {
				result.Properties[key] = convertSchema(propMap)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		result.Items = convertSchema(items)
	}
	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []interface{}:
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func convertTypeString(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	out := model.ChatOut{}
	if resp == nil {
		return out
	}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	var text []string
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text = append(text, string(p))
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	out.Text = strings.Join(text, "\n")
	return out
}

// blocked reports a safety filter block on the prompt or the first
// candidate.
func blocked(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return nil
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		return &SafetyFilterError{reason: fmt.Sprint(fb.BlockReason), category: blockedCategory(fb.SafetyRatings)}
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return &SafetyFilterError{reason: fmt.Sprint(genai.FinishReasonSafety), category: blockedCategory(resp.Candidates[0].SafetyRatings)}
	}
	return nil
}

func blockedCategory(ratings []*genai.SafetyRating) string {
	for _, r := range ratings {
		if r != nil && r.Blocked {
			return fmt.Sprint(r.Category)
		}
	}
	return "unknown"
}

func translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &model.ProviderError{
			Provider:   "google",
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Retryable:  model.StatusRetryable(apiErr.Code),
			Cause:      err,
		}
	}
	return &model.ProviderError{Provider: "google", Message: err.Error(), Cause: err}
}

// SafetyFilterError represents a Google safety filter block.
type SafetyFilterError struct {
	reason   string
	category string
}

// Error implements the error interface.
func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.category
}

// Category returns the safety category that triggered the block.
func (e *SafetyFilterError) Category() string {
	return e.category
}

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string {
	return e.reason
}
