package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/dshills/blockflow/graph"
)

// functionHandler evaluates the "code" of a function block as a CEL
// expression. The other inputs are resolved as usual and visible to the
// expression as "inputs". The result is returned as a dynamic output.
//
// Example:
//
//	{"code": "inputs.items.map(x, x * 2)", "items": "<api1.data.values>"}
type functionHandler struct {
	exprs *evaluator
}

func (h *functionHandler) CanHandle(block graph.Block) bool { return block.Type == graph.TypeFunction }

func (h *functionHandler) Execute(ctx context.Context, block graph.Block, in map[string]any, ectx *graph.ExecutionContext) (graph.Result, error) {
	code, _ := block.Inputs["code"].(string)
	code = strings.TrimSpace(code)
	if code == "" {
		return graph.Result{}, errors.New("function block has no code")
	}

	inputs := make(map[string]any, len(in))
	for k, v := range in {
		if k != "code" {
			inputs[k] = v
		}
	}

	out, err := h.exprs.eval(ctx, code, inputs, ectx)
	if err != nil {
		return graph.Result{}, err
	}
	v, err := nativeValue(out)
	if err != nil {
		return graph.Result{}, err
	}
	return graph.OutputResult(graph.DynamicOutput(v)), nil
}
