package handlers

import (
	"context"
	"testing"

	"github.com/dshills/blockflow/graph"
)

func mustRegistry(t *testing.T, cfg Config) *graph.Registry {
	t.Helper()
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

func runWorkflow(t *testing.T, reg *graph.Registry, wf *graph.Workflow, in graph.RunInput) (*graph.ExecutionResult, error) {
	t.Helper()
	exec, err := graph.New(reg)
	if err != nil {
		t.Fatalf("graph.New() error = %v", err)
	}
	return exec.Execute(context.Background(), wf, in)
}

// chain builds start -> blocks[0] -> blocks[1] -> ...
func chain(blocks ...graph.Block) *graph.Workflow {
	wf := &graph.Workflow{ID: "wf", Blocks: []graph.Block{{ID: "start", Type: graph.TypeStarter}}}
	prev := "start"
	for _, b := range blocks {
		wf.Blocks = append(wf.Blocks, b)
		wf.Connections = append(wf.Connections, graph.Connection{Source: prev, Target: b.ID})
		prev = b.ID
	}
	return wf
}

func blk(id, typ string, inputs map[string]any) graph.Block {
	return graph.Block{ID: id, Type: typ, Inputs: inputs}
}

func outputOf(t *testing.T, res *graph.ExecutionResult, id string) map[string]any {
	t.Helper()
	m, ok := res.Outputs[id].(map[string]any)
	if !ok {
		t.Fatalf("Outputs[%s] = %#v, want object", id, res.Outputs[id])
	}
	return m
}
