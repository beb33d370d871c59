// Package model provides the chat model abstraction used by agent and router
// blocks, with adapters for Anthropic, OpenAI and Google in subpackages.
package model

import (
	"context"
	"io"
	"strings"
)

// ChatModel defines the interface for LLM chat providers.
//
// Implementations should:
//   - Convert the standard Message format to the provider's request format
//   - Parse provider responses back into ChatOut, including token usage
//   - Respect context cancellation; the executor cancels on block timeout
//
// Example usage:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "Answer in one word."},
//	    {Role: model.RoleUser, Content: "What is the capital of France?"},
//	}, nil)
type ChatModel interface {
	// Chat sends messages to the LLM and returns the response. tools is nil
	// when the block declares none.
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// StreamingChatModel is implemented by models that can stream their reply.
// Agent blocks selected for direct client output use it when available and
// fall back to Chat otherwise.
//
// The returned reader yields the reply text as it is produced. Closing it
// releases the underlying request.
type StreamingChatModel interface {
	ChatModel
	ChatStream(ctx context.Context, messages []Message) (io.ReadCloser, error)
}

// UsageReporter is implemented by reply streams that know the token usage
// of the reply. The usage is complete once the stream has been read to the
// end.
type UsageReporter interface {
	Usage() Usage
}

// StreamUsage returns the usage reported by a reply stream, if it reports
// any.
func StreamUsage(stream io.Reader) (Usage, bool) {
	if u, ok := stream.(UsageReporter); ok {
		return u.Usage(), true
	}
	return Usage{}, false
}

// replyStream serves a complete reply as a stream.
type replyStream struct {
	*strings.Reader
	usage Usage
}

func newReplyStream(out ChatOut) io.ReadCloser {
	return &replyStream{Reader: strings.NewReader(out.Text), usage: out.Usage}
}

func (s *replyStream) Close() error { return nil }

func (s *replyStream) Usage() Usage { return s.usage }

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role identifies the message sender. Use the Role* constants.
	Role string

	// Content contains the message text.
	Content string
}

// Standard role constants for LLM conversations.
const (
	// RoleSystem carries the agent block's system prompt.
	RoleSystem = "system"

	// RoleUser carries the resolved user prompt.
	RoleUser = "user"

	// RoleAssistant carries earlier model replies supplied as memory.
	RoleAssistant = "assistant"
)

// ToolSpec describes a tool that an LLM can call.
//
// The Schema field follows JSON Schema format and describes the expected
// input parameters.
type ToolSpec struct {
	// Name uniquely identifies the tool.
	Name string

	// Description explains what the tool does.
	Description string

	// Schema defines the tool's input parameters. Optional.
	Schema map[string]interface{}
}

// ChatOut represents the output from an LLM chat completion.
type ChatOut struct {
	// Text contains the generated response. May be empty if the model only
	// requested tool calls.
	Text string

	// ToolCalls contains tools the LLM wants to invoke.
	ToolCalls []ToolCall

	// Model is the model that produced the reply, as reported by the
	// provider when available.
	Model string

	// Usage reports the tokens consumed by the call.
	Usage Usage
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns the sum of input and output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ToolCall represents a request from the LLM to invoke a specific tool.
type ToolCall struct {
	// Name matches a ToolSpec.Name from the available tools.
	Name string

	// Input contains the parameters for the tool call. May be nil.
	Input map[string]interface{}
}

// Messages builds the conversation sent for an agent block: an optional
// system prompt, any earlier turns, then the user prompt. Empty prompts are
// omitted.
func Messages(systemPrompt, userPrompt string, history ...Message) []Message {
	msgs := make([]Message, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, history...)
	if userPrompt != "" {
		msgs = append(msgs, Message{Role: RoleUser, Content: userPrompt})
	}
	return msgs
}

// SplitSystem separates system messages from the conversation. Multiple
// system messages are joined with a blank line. Providers with a dedicated
// system parameter use it.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}
