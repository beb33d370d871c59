package graph

import (
	"context"
	"fmt"
)

// ParallelManager owns the lifecycle of parallel constructs: every iteration
// of the distribution is activated at once and executed as virtual instances
// of the member blocks.
//
// Example:
//
//	pm := graph.NewParallelManager(wf, graph.NewPathTracker(wf))
//	dist, err := ectx.Resolver().ResolveDistribution(ctx, wf.Parallels["p1"].Distribution, ectx)
//	if err != nil {
//	    return err
//	}
//	if _, err := pm.Setup(ctx, "p1", dist, ectx); err != nil {
//	    return err
//	}
//	for _, k := range pm.PendingWork(ectx) {
//	    // run k.BlockID with pm.Scope(k, ectx), then
//	    pm.RecordIteration(k, blockType, out, ectx)
//	}
//	done, _ := pm.CheckCompletion(ectx)
//	// for each id in done:
//	agg, err := pm.Aggregate(ctx, "p1", ectx)
type ParallelManager struct {
	constructManager
}

// NewParallelManager creates a manager for the parallel constructs of wf.
func NewParallelManager(wf *Workflow, tracker *PathTracker) *ParallelManager {
	return &ParallelManager{constructManager{
		kind:    ConstructParallel,
		wf:      wf,
		tracker: tracker,
	}}
}

// Initialize computes the state of a parallel construct from its
// distribution. The count is the sequence length or mapping size; without a
// distribution it is the construct's explicit count, defaulting to one.
// The distribution must already be resolved: expressions are rejected by
// Setup, not evaluated here.
func (m *ParallelManager) Initialize(constructID string, dist Distribution) *ConstructState {
	count := dist.Len()
	if dist.Kind == DistributionNone {
		count = 1
		if p, ok := m.wf.Parallels[constructID]; ok && p.Count > 0 {
			count = p.Count
		}
	}
	return m.newState(constructID, dist, count)
}

// Setup initializes a parallel construct on its first encounter, stores the
// distribution under {constructId}_items and activates the members reachable
// from the start handle.
func (m *ParallelManager) Setup(ctx context.Context, constructID string, dist Distribution, ectx *ExecutionContext) (Output, error) {
	if dist.Kind == DistributionExpression {
		return Output{}, fmt.Errorf("parallel %s: distribution expression %q was not resolved", constructID, dist.Expr)
	}
	return m.setup(ctx, m.Initialize(constructID, dist), ectx)
}

// parallelHandler is the engine-owned handler for parallel blocks.
type parallelHandler struct {
	manager  *ParallelManager
	resolver *Resolver
}

func (h *parallelHandler) CanHandle(block Block) bool { return block.Type == TypeParallel }

// Execute runs on the first encounter (setup) and once more after every
// iteration has settled (aggregation). When an aggregate already exists it
// only re-activates the end connections.
func (h *parallelHandler) Execute(ctx context.Context, block Block, _ map[string]any, ectx *ExecutionContext) (Result, error) {
	if out, ok := h.manager.Resume(block.ID, ectx); ok {
		return OutputResult(out), nil
	}

	st, ok := ectx.ParallelState(block.ID)
	if !ok {
		def := ectx.Workflow().Parallels[block.ID]
		dist, err := h.resolver.ResolveDistribution(ctx, def.Distribution, ectx)
		if err != nil {
			return Result{}, fmt.Errorf("resolve distribution of parallel %s: %w", block.ID, err)
		}
		out, err := h.manager.Setup(ctx, block.ID, dist, ectx)
		if err != nil {
			return Result{}, err
		}
		return OutputResult(out), nil
	}

	if st.Phase != PhaseAllIterationsDone {
		return Result{}, &EngineError{
			Message: fmt.Sprintf("parallel %s re-entered in phase %s", block.ID, st.Phase),
			Code:    CodeInvalidTransition,
		}
	}
	out, err := h.manager.Aggregate(ctx, block.ID, ectx)
	if err != nil {
		return Result{}, err
	}
	return OutputResult(out), nil
}
