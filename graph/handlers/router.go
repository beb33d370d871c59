package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/graph/model"
	"github.com/dshills/blockflow/internal/logger"
)

// ErrNoRouteMatched is returned when the model reply names none of the
// router's targets.
var ErrNoRouteMatched = errors.New("router reply matched no target")

// routerHandler asks a model to choose one of the blocks the router connects
// to.
//
// Inputs: model, prompt (the routing request), optional systemPrompt.
//
// Output: a decision targeting the chosen block, with data {content, model,
// tokens, cost}.
type routerHandler struct {
	cfg Config
}

func (h *routerHandler) CanHandle(block graph.Block) bool { return block.Type == graph.TypeRouter }

func (h *routerHandler) Execute(ctx context.Context, block graph.Block, in map[string]any, ectx *graph.ExecutionContext) (graph.Result, error) {
	targets := routeTargets(block.ID, ectx.Workflow())
	if len(targets) == 0 {
		return graph.Result{}, errors.New("router block has no outgoing connections")
	}

	name := stringInput(in, "model")
	if name == "" {
		name = h.cfg.DefaultModel
	}
	m, err := resolveModel(h.cfg.Models, name)
	if err != nil {
		return graph.Result{}, err
	}

	prompt := stringInput(in, "prompt", "userPrompt", "context")
	msgs := model.Messages(routingPrompt(stringInput(in, "systemPrompt"), targets), prompt)
	out, err := m.Chat(ctx, msgs, nil)
	if err != nil {
		return graph.Result{}, err
	}

	chosen, ok := matchTarget(out.Text, targets)
	if !ok {
		return graph.Result{}, fmt.Errorf("%w: %q", ErrNoRouteMatched, strings.TrimSpace(out.Text))
	}
	logger.FromContext(ctx).Debug("route selected", "target", chosen.ID)

	modelName := out.Model
	if modelName == "" {
		modelName = name
	}
	return graph.OutputResult(graph.DecisionOutput(graph.Decision{
		Target: chosen.ID,
		Data: map[string]any{
			"content": prompt,
			"model":   modelName,
			"tokens":  tokens(out.Usage),
			"cost":    recordCost(h.cfg.Costs, modelName, block.ID, out.Usage),
			"selectedBlock": map[string]any{
				"blockId":    chosen.ID,
				"blockType":  chosen.Type,
				"blockTitle": chosen.DisplayName(),
			},
		},
	})), nil
}

// routeTargets returns the distinct blocks the router connects to, in
// connection order.
func routeTargets(id string, wf *graph.Workflow) []graph.Block {
	var targets []graph.Block
	seen := make(map[string]bool)
	for _, c := range wf.Outgoing(id) {
		if seen[c.Target] {
			continue
		}
		if b, ok := wf.Block(c.Target); ok {
			seen[c.Target] = true
			targets = append(targets, b)
		}
	}
	return targets
}

func routingPrompt(system string, targets []graph.Block) string {
	var b strings.Builder
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}
	b.WriteString("You are a router. Choose the single best destination for the request from these blocks:\n")
	for _, t := range targets {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", t.ID, t.DisplayName(), t.Type)
	}
	b.WriteString("Respond with only the id of the chosen block.")
	return b.String()
}

// matchTarget maps a model reply to a target: an exact id, then a block name
// compared without case or spaces, then the first id the reply mentions.
func matchTarget(reply string, targets []graph.Block) (graph.Block, bool) {
	r := strings.Trim(strings.TrimSpace(reply), "\"'`.")
	for _, t := range targets {
		if r == t.ID {
			return t, true
		}
	}
	norm := strings.ToLower(strings.ReplaceAll(r, " ", ""))
	for _, t := range targets {
		if t.Name != "" && norm == strings.ToLower(strings.ReplaceAll(t.Name, " ", "")) {
			return t, true
		}
	}
	best, at := graph.Block{}, -1
	for _, t := range targets {
		if i := strings.Index(reply, t.ID); i >= 0 && (at < 0 || i < at || (i == at && len(t.ID) > len(best.ID))) {
			best, at = t, i
		}
	}
	return best, at >= 0
}
