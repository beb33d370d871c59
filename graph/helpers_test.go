package graph

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// echoHandler returns its resolved inputs as JSON.
func echoHandler(blockType string) Handler {
	return BlockFunc(blockType, func(_ context.Context, _ Block, in map[string]any, _ *ExecutionContext) (Result, error) {
		return OutputResult(JSONOutput(in)), nil
	})
}

// starterHandler returns the run input.
func starterHandler() Handler {
	return BlockFunc(TypeStarter, func(_ context.Context, _ Block, _ map[string]any, ectx *ExecutionContext) (Result, error) {
		return OutputResult(JSONOutput(map[string]any{"input": ectx.Input()})), nil
	})
}

// scopedTextHandler produces "<prefix><index>" inside iterations and the
// prefix alone outside of them.
func scopedTextHandler(blockType, prefix string) Handler {
	return BlockFunc(blockType, func(ctx context.Context, _ Block, _ map[string]any, _ *ExecutionContext) (Result, error) {
		if s, ok := ScopeFromContext(ctx); ok {
			return OutputResult(TextOutput(fmt.Sprintf("%s%d", prefix, s.Index))), nil
		}
		return OutputResult(TextOutput(prefix)), nil
	})
}

// routerTo returns a router handler that always selects target.
func routerTo(target string) Handler {
	return BlockFunc(TypeRouter, func(_ context.Context, _ Block, _ map[string]any, _ *ExecutionContext) (Result, error) {
		return OutputResult(DecisionOutput(Decision{Target: target})), nil
	})
}

// conditionBranch returns a condition handler that always selects branch.
func conditionBranch(branch string) Handler {
	return BlockFunc(TypeCondition, func(_ context.Context, _ Block, _ map[string]any, _ *ExecutionContext) (Result, error) {
		return OutputResult(DecisionOutput(Decision{Branch: branch})), nil
	})
}

// callCounter counts handler invocations per block or virtual id.
type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{calls: make(map[string]int)}
}

func (c *callCounter) wrap(h Handler) Handler {
	return &countingHandler{Handler: h, counter: c}
}

func (c *callCounter) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

type countingHandler struct {
	Handler
	counter *callCounter
}

func (h *countingHandler) Execute(ctx context.Context, b Block, in map[string]any, ectx *ExecutionContext) (Result, error) {
	h.counter.mu.Lock()
	h.counter.calls[b.ID]++
	h.counter.mu.Unlock()
	return h.Handler.Execute(ctx, b, in, ectx)
}

func block(id, typ string) Block {
	return Block{ID: id, Type: typ}
}

func namedBlock(id, name, typ string) Block {
	return Block{ID: id, Name: name, Type: typ}
}

func conn(src, dst string) Connection {
	return Connection{Source: src, Target: dst}
}

func handleConn(src, dst, handle string) Connection {
	return Connection{Source: src, Target: dst, SourceHandle: handle}
}

func mustExecutor(t *testing.T, reg *Registry, opts ...Option) *Executor {
	t.Helper()
	exec, err := New(reg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return exec
}

// parallelWorkflow builds start -> p1 -> [members] -> final, where p1
// distributes over dist.
func parallelWorkflow(dist Distribution, members ...Block) *Workflow {
	wf := &Workflow{
		ID: "wf-parallel",
		Blocks: []Block{
			block("start", TypeStarter),
			block("p1", TypeParallel),
		},
		Connections: []Connection{
			conn("start", "p1"),
			handleConn("p1", "final", HandleParallelEnd),
		},
		Parallels: map[string]Parallel{},
	}
	var ids []string
	for _, m := range members {
		wf.Blocks = append(wf.Blocks, m)
		ids = append(ids, m.ID)
	}
	if len(members) > 0 {
		wf.Connections = append(wf.Connections, handleConn("p1", members[0].ID, HandleParallelStart))
	}
	wf.Blocks = append(wf.Blocks, Block{ID: "final", Type: TypeFunction, Inputs: map[string]any{"results": "<p1.results>"}})
	wf.Parallels["p1"] = Parallel{ID: "p1", Nodes: ids, Distribution: dist}
	return wf
}
