package graph

import (
	"context"
	"fmt"
)

// DefaultMaxLoopIterations caps the iteration count of a single loop.
const DefaultMaxLoopIterations = 1000

// LoopManager owns the lifecycle of loop constructs. Loops share the parallel
// lifecycle but run a single iteration at a time: the next iteration is
// activated only once every member of the current one has settled.
//
// Example:
//
//	lm := graph.NewLoopManager(wf, tracker, 50)
//	// a for loop repeats wf.Loops["l1"].Iterations times
//	out, err := lm.Setup(ctx, "l1", graph.Distribution{}, ectx)
//
// Setup fails when the iteration count exceeds the manager's limit.
type LoopManager struct {
	constructManager
	maxIterations int
}

// NewLoopManager creates a manager for the loop constructs of wf.
// maxIterations bounds any single loop; zero uses DefaultMaxLoopIterations.
func NewLoopManager(wf *Workflow, tracker *PathTracker, maxIterations int) *LoopManager {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxLoopIterations
	}
	return &LoopManager{
		constructManager: constructManager{
			kind:       ConstructLoop,
			sequential: true,
			wf:         wf,
			tracker:    tracker,
		},
		maxIterations: maxIterations,
	}
}

// Initialize computes the state of a loop. forEach loops iterate over the
// resolved items; for loops repeat Iterations times.
func (m *LoopManager) Initialize(constructID string, dist Distribution) *ConstructState {
	count := dist.Len()
	if dist.Kind == DistributionNone {
		if l, ok := m.wf.Loops[constructID]; ok {
			count = l.Iterations
		}
	}
	return m.newState(constructID, dist, count)
}

// Setup initializes a loop on its first encounter and activates its first
// iteration.
func (m *LoopManager) Setup(ctx context.Context, constructID string, dist Distribution, ectx *ExecutionContext) (Output, error) {
	if dist.Kind == DistributionExpression {
		return Output{}, fmt.Errorf("loop %s: items expression %q was not resolved", constructID, dist.Expr)
	}
	st := m.Initialize(constructID, dist)
	if st.ParallelCount > m.maxIterations {
		return Output{}, fmt.Errorf("loop %s: %d iterations exceeds the limit of %d", constructID, st.ParallelCount, m.maxIterations)
	}
	return m.setup(ctx, st, ectx)
}

// loopHandler is the engine-owned handler for loop blocks.
type loopHandler struct {
	manager  *LoopManager
	resolver *Resolver
}

func (h *loopHandler) CanHandle(block Block) bool { return block.Type == TypeLoop }

func (h *loopHandler) Execute(ctx context.Context, block Block, _ map[string]any, ectx *ExecutionContext) (Result, error) {
	if out, ok := h.manager.Resume(block.ID, ectx); ok {
		return OutputResult(out), nil
	}

	st, ok := ectx.LoopState(block.ID)
	if !ok {
		def := ectx.Workflow().Loops[block.ID]
		var dist Distribution
		switch def.LoopType {
		case LoopForEach:
			resolved, err := h.resolver.ResolveDistribution(ctx, def.ForEachItems, ectx)
			if err != nil {
				return Result{}, fmt.Errorf("resolve items of loop %s: %w", block.ID, err)
			}
			dist = resolved
		case LoopFor, "":
			dist = Distribution{Kind: DistributionCount, Count: def.Iterations}
		default:
			return Result{}, &EngineError{
				Message: fmt.Sprintf("loop %s has unsupported loop type %q", block.ID, def.LoopType),
				Code:    CodeInvalidWorkflow,
				Cause:   ErrInvalidWorkflow,
			}
		}
		out, err := h.manager.Setup(ctx, block.ID, dist, ectx)
		if err != nil {
			return Result{}, err
		}
		return OutputResult(out), nil
	}

	if st.Phase != PhaseAllIterationsDone {
		return Result{}, &EngineError{
			Message: fmt.Sprintf("loop %s re-entered in phase %s", block.ID, st.Phase),
			Code:    CodeInvalidTransition,
		}
	}
	out, err := h.manager.Aggregate(ctx, block.ID, ectx)
	if err != nil {
		return Result{}, err
	}
	return OutputResult(out), nil
}
