package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/common/types"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/internal/logger"
)

// ErrNoConditionMatched is returned when every branch of a condition block
// evaluates to false.
var ErrNoConditionMatched = errors.New("no condition matched")

// Branch is one branch of a condition block. Value is a CEL expression; an
// empty value or "else" always matches.
type Branch struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Value string `json:"value"`
}

// conditionHandler evaluates the branches of a condition block in order and
// selects the first that is true. The selected branch id names the
// "condition-<id>" connection the engine follows.
//
// Branch expressions are read from the raw block inputs, so references are
// bound as typed values rather than substituted as text.
type conditionHandler struct {
	exprs *evaluator
}

func (h *conditionHandler) CanHandle(block graph.Block) bool { return block.Type == graph.TypeCondition }

func (h *conditionHandler) Execute(ctx context.Context, block graph.Block, in map[string]any, ectx *graph.ExecutionContext) (graph.Result, error) {
	branches, err := parseBranches(block.Inputs["conditions"])
	if err != nil {
		return graph.Result{}, err
	}

	for _, br := range branches {
		ok, err := h.match(ctx, br, in, ectx)
		if err != nil {
			return graph.Result{}, fmt.Errorf("condition %s: %w", br.ID, err)
		}
		if !ok {
			continue
		}
		logger.FromContext(ctx).Debug("condition matched", "branch", br.ID)

		data := map[string]any{"conditionResult": true}
		if br.Title != "" {
			data["conditionTitle"] = br.Title
		}
		for _, c := range ectx.Workflow().Outgoing(block.ID) {
			if c.ConditionBranch() != br.ID {
				continue
			}
			if target, ok := ectx.Workflow().Block(c.Target); ok {
				data["selectedBlock"] = map[string]any{
					"blockId":    target.ID,
					"blockType":  target.Type,
					"blockTitle": target.DisplayName(),
				}
			}
			break
		}
		return graph.OutputResult(graph.DecisionOutput(graph.Decision{Branch: br.ID, Data: data})), nil
	}
	return graph.Result{}, ErrNoConditionMatched
}

func (h *conditionHandler) match(ctx context.Context, br Branch, in map[string]any, ectx *graph.ExecutionContext) (bool, error) {
	expr := strings.TrimSpace(br.Value)
	if expr == "" || strings.EqualFold(expr, "else") {
		return true, nil
	}
	out, err := h.exprs.eval(ctx, expr, in, ectx)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("%q evaluated to %s, want bool", expr, out.Type().TypeName())
	}
	return bool(b), nil
}

// parseBranches accepts a list of branch objects or its JSON encoding.
func parseBranches(raw any) ([]Branch, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, errors.New("condition block has no conditions")
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("conditions: %w", err)
		}
	}

	var branches []Branch
	if err := json.Unmarshal(data, &branches); err != nil {
		return nil, fmt.Errorf("conditions: %w", err)
	}
	if len(branches) == 0 {
		return nil, errors.New("condition block has no conditions")
	}
	seen := make(map[string]bool, len(branches))
	for i, br := range branches {
		if br.ID == "" {
			return nil, fmt.Errorf("conditions[%d]: missing id", i)
		}
		if seen[br.ID] {
			return nil, fmt.Errorf("conditions[%d]: duplicate id %q", i, br.ID)
		}
		seen[br.ID] = true
	}
	return branches, nil
}
