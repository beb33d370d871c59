package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/graph/model"
	"github.com/dshills/blockflow/internal/logger"
)

const jsonInstruction = "Respond with a single valid JSON object and nothing else."

// agentHandler runs agent blocks: one model conversation, optionally with
// tool calls.
//
// Inputs:
//   - model: model name (falls back to Config.DefaultModel)
//   - systemPrompt: optional system prompt
//   - userPrompt (or prompt, context): the user message
//   - tools: names of tools from Config.Tools the model may call
//   - responseFormat: "json" asks for a JSON object and decodes it into
//     "data"
//
// Output: {content, model, tokens{prompt, completion, total}, cost,
// toolCalls, data?}.
//
// A block marked for streaming that has no outgoing connections, runs
// outside of any construct iteration and offers no tools returns a stream
// instead. Its final output has the same shape, with the usage the stream
// reports.
type agentHandler struct {
	cfg Config
}

func (h *agentHandler) CanHandle(block graph.Block) bool { return block.Type == graph.TypeAgent }

func (h *agentHandler) Execute(ctx context.Context, block graph.Block, in map[string]any, ectx *graph.ExecutionContext) (graph.Result, error) {
	name := stringInput(in, "model")
	if name == "" {
		name = h.cfg.DefaultModel
	}
	m, err := resolveModel(h.cfg.Models, name)
	if err != nil {
		return graph.Result{}, err
	}

	system := stringInput(in, "systemPrompt")
	prompt := stringInput(in, "userPrompt", "prompt", "context")
	if system == "" && prompt == "" {
		return graph.Result{}, errors.New("agent block needs a systemPrompt or userPrompt")
	}
	wantJSON := strings.EqualFold(stringInput(in, "responseFormat"), "json")
	if wantJSON {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}
	msgs := model.Messages(system, prompt)

	toolNames := namesInput(in, "tools")
	if len(toolNames) == 0 && streamable(ctx, block, ectx) {
		stream, err := model.Stream(ctx, m, msgs)
		if err != nil {
			return graph.Result{}, err
		}
		return graph.StreamResult(&graph.StreamingHandle{
			BlockID:  block.ID,
			Stream:   stream,
			Metadata: map[string]any{"model": name, "streamed": true},
			Finalize: func(content string) graph.Output {
				return graph.JSONOutput(h.streamedResult(block.ID, name, content, stream, wantJSON))
			},
		}), nil
	}

	var specs []model.ToolSpec
	if len(toolNames) > 0 {
		if specs, err = h.cfg.Tools.Specs(toolNames...); err != nil {
			return graph.Result{}, err
		}
	}

	log := logger.FromContext(ctx)
	var (
		out   model.ChatOut
		usage model.Usage
		calls = []any{}
	)
	for round := 0; ; round++ {
		out, err = m.Chat(ctx, msgs, specs)
		if err != nil {
			return graph.Result{}, err
		}
		usage.InputTokens += out.Usage.InputTokens
		usage.OutputTokens += out.Usage.OutputTokens

		if len(out.ToolCalls) == 0 {
			break
		}
		if round >= h.cfg.MaxToolRounds {
			log.Warn("tool rounds exhausted", "rounds", round, "pending_calls", len(out.ToolCalls))
			break
		}

		results := make([]map[string]any, 0, len(out.ToolCalls))
		for _, call := range out.ToolCalls {
			res, err := h.cfg.Tools.Invoke(ctx, call)
			if err != nil {
				return graph.Result{}, err
			}
			log.Debug("tool called", "tool", call.Name)
			calls = append(calls, map[string]any{"name": call.Name, "input": call.Input, "output": res})
			results = append(results, map[string]any{"tool": call.Name, "result": res})
		}
		msgs = append(msgs, model.Message{Role: model.RoleAssistant, Content: describeCalls(out)})
		data, err := json.Marshal(results)
		if err != nil {
			return graph.Result{}, fmt.Errorf("encode tool results: %w", err)
		}
		msgs = append(msgs, model.Message{Role: model.RoleUser, Content: "Tool results:\n" + string(data)})
	}

	modelName := out.Model
	if modelName == "" {
		modelName = name
	}
	result := map[string]any{
		"content":   out.Text,
		"model":     modelName,
		"tokens":    tokens(usage),
		"cost":      h.cost(modelName, block.ID, usage),
		"toolCalls": calls,
	}
	if wantJSON {
		data, err := decodeJSONReply(out.Text)
		if err != nil {
			return graph.Result{}, err
		}
		result["data"] = data
	}
	return graph.OutputResult(graph.JSONOutput(result)), nil
}

// streamedResult builds the output of a streamed reply in the same shape as
// a non-streamed one. Usage is known only when the stream reports it.
func (h *agentHandler) streamedResult(blockID, modelName, content string, stream io.Reader, wantJSON bool) map[string]any {
	usage, _ := model.StreamUsage(stream)
	result := map[string]any{
		"content":   content,
		"model":     modelName,
		"tokens":    tokens(usage),
		"cost":      h.cost(modelName, blockID, usage),
		"toolCalls": []any{},
	}
	if wantJSON {
		if data, err := decodeJSONReply(content); err == nil {
			result["data"] = data
		}
	}
	return result
}

func (h *agentHandler) cost(modelName, blockID string, u model.Usage) float64 {
	return recordCost(h.cfg.Costs, modelName, blockID, u)
}

func recordCost(costs *model.CostTracker, modelName, blockID string, u model.Usage) float64 {
	if costs != nil {
		return costs.Record(modelName, blockID, u)
	}
	return model.DefaultPricing()[modelName].Cost(u)
}

func resolveModel(r ModelResolver, name string) (model.ChatModel, error) {
	if r == nil {
		return nil, errors.New("no model resolver configured")
	}
	if name == "" {
		return nil, errors.New("model is required")
	}
	return r.Resolve(name)
}

// streamable reports whether a block's output may go straight to the client.
func streamable(ctx context.Context, block graph.Block, ectx *graph.ExecutionContext) bool {
	if !block.Stream {
		return false
	}
	if _, ok := graph.ScopeFromContext(ctx); ok {
		return false
	}
	return len(ectx.Workflow().Outgoing(block.ID)) == 0
}

func tokens(u model.Usage) map[string]any {
	return map[string]any{
		"prompt":     u.InputTokens,
		"completion": u.OutputTokens,
		"total":      u.Total(),
	}
}

func describeCalls(out model.ChatOut) string {
	var b strings.Builder
	if out.Text != "" {
		b.WriteString(out.Text)
		b.WriteString("\n")
	}
	for _, call := range out.ToolCalls {
		input, _ := json.Marshal(call.Input)
		fmt.Fprintf(&b, "Calling tool %s with %s\n", call.Name, input)
	}
	return strings.TrimSpace(b.String())
}

// decodeJSONReply parses a JSON reply, tolerating a surrounding markdown
// code fence.
func decodeJSONReply(text string) (any, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("model reply is not valid JSON: %w", err)
	}
	return v, nil
}
