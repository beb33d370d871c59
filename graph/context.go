package graph

import (
	"sort"
	"sync"
	"time"
)

// Decisions records which branch each routing block selected, keyed by the
// block id (or the virtual id for routing blocks inside a construct).
type Decisions struct {
	Router    map[string]string
	Condition map[string]string
}

// ExecutionContext is the mutable state of one run.
//
// It is created by the Executor when a run starts, owned by that run alone
// and discarded when the run ends. Every method is safe for concurrent use;
// all mutations are serialized behind a single mutex.
type ExecutionContext struct {
	mu sync.RWMutex

	runID    string
	workflow *Workflow
	input    any
	env      map[string]string

	blockStates     map[string]Output
	executed        map[string]bool
	virtualExecuted map[VirtualKey]bool
	activePath      map[string]bool
	decisions       Decisions

	loopIterations map[string]int
	loopItems      map[string]any
	completedLoops map[string]bool

	parallelExecutions map[string]*ConstructState
	loopExecutions     map[string]*ConstructState

	blockLogs []BlockLog
	last      string
	startedAt time.Time

	resolverOnce sync.Once
	resolver     *Resolver
}

// NewExecutionContext builds an empty context for a run of wf.
func NewExecutionContext(runID string, wf *Workflow, input any, env map[string]string) *ExecutionContext {
	if env == nil {
		env = map[string]string{}
	}
	return &ExecutionContext{
		runID:              runID,
		workflow:           wf,
		input:              input,
		env:                env,
		blockStates:        make(map[string]Output),
		executed:           make(map[string]bool),
		virtualExecuted:    make(map[VirtualKey]bool),
		activePath:         make(map[string]bool),
		decisions:          Decisions{Router: map[string]string{}, Condition: map[string]string{}},
		loopIterations:     make(map[string]int),
		loopItems:          make(map[string]any),
		completedLoops:     make(map[string]bool),
		parallelExecutions: make(map[string]*ConstructState),
		loopExecutions:     make(map[string]*ConstructState),
		startedAt:          time.Now(),
	}
}

// RunID returns the id of the run that owns this context.
func (c *ExecutionContext) RunID() string { return c.runID }

// Workflow returns the workflow being executed.
func (c *ExecutionContext) Workflow() *Workflow { return c.workflow }

// Resolver returns the reference resolver of the run's workflow. It is built
// on first use and shared by every caller.
func (c *ExecutionContext) Resolver() *Resolver {
	c.resolverOnce.Do(func() {
		wf := c.workflow
		if wf == nil {
			wf = &Workflow{}
		}
		c.resolver = NewResolver(wf)
	})
	return c.resolver
}

// Input returns the initial input payload of the run.
func (c *ExecutionContext) Input() any { return c.input }

// Env returns an environment variable and whether it was set.
func (c *ExecutionContext) Env(key string) (string, bool) {
	v, ok := c.env[key]
	return v, ok
}

// EnvMap returns a copy of the run environment.
func (c *ExecutionContext) EnvMap() map[string]string {
	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}

// BlockState returns the last output of a real block.
func (c *ExecutionContext) BlockState(id string) (Output, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.blockStates[id]
	return out, ok
}

// SetBlockState stores the output of a real block, replacing any earlier one.
func (c *ExecutionContext) SetBlockState(id string, out Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setBlockState(id, out)
}

func (c *ExecutionContext) setBlockState(id string, out Output) {
	c.blockStates[id] = out
	c.last = id
}

// BlockStates returns a copy of every real block output.
func (c *ExecutionContext) BlockStates() map[string]Output {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Output, len(c.blockStates))
	for k, v := range c.blockStates {
		out[k] = v
	}
	return out
}

// IsExecuted reports whether a real block executed in this pass sequence.
func (c *ExecutionContext) IsExecuted(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.executed[id]
}

// MarkExecuted records a real block as executed.
func (c *ExecutionContext) MarkExecuted(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed[id] = true
}

// IsVirtualExecuted reports whether a virtual instance executed.
func (c *ExecutionContext) IsVirtualExecuted(k VirtualKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.virtualExecuted[k]
}

// ExecutedIDs returns every executed id, real and virtual, in sorted order.
// Virtual instances appear in their serialized form.
func (c *ExecutionContext) ExecutedIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.executed)+len(c.virtualExecuted))
	for id := range c.executed {
		ids = append(ids, id)
	}
	for k := range c.virtualExecuted {
		ids = append(ids, k.String())
	}
	sort.Strings(ids)
	return ids
}

// IsActive reports whether a block is on the active execution path.
func (c *ExecutionContext) IsActive(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activePath[id]
}

// Activate adds blocks to the active execution path.
func (c *ExecutionContext) Activate(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.activePath[id] = true
	}
}

// ActivePath returns the active execution path in sorted order.
func (c *ExecutionContext) ActivePath() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.activePath))
	for id := range c.activePath {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RouterDecision returns the target selected by a router block.
func (c *ExecutionContext) RouterDecision(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.decisions.Router[id]
	return v, ok
}

// ConditionDecision returns the branch selected by a condition block.
func (c *ExecutionContext) ConditionDecision(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.decisions.Condition[id]
	return v, ok
}

func (c *ExecutionContext) recordDecision(id string, blockType string, d *Decision) {
	if d == nil {
		return
	}
	switch blockType {
	case TypeRouter:
		c.decisions.Router[id] = d.Target
	case TypeCondition:
		c.decisions.Condition[id] = d.Branch
	}
}

// commit merges the output of a real block: it stores the output, marks the
// block executed and records any routing decision.
func (c *ExecutionContext) commit(block Block, out Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setBlockState(block.ID, out)
	c.executed[block.ID] = true
	if out.Kind == KindDecision {
		c.recordDecision(block.ID, block.Type, out.Decision)
	}
}

// bindVirtual publishes the iteration index and item of a virtual instance
// under its serialized id.
func (c *ExecutionContext) bindVirtual(k VirtualKey, item any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := k.String()
	c.loopIterations[id] = k.Iteration
	if item != nil {
		c.loopItems[id] = item
	}
}

// LoopItems returns the value stored under key: a construct's items
// ({constructId}_items), the current item of a construct, or the item bound
// to a virtual instance.
func (c *ExecutionContext) LoopItems(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.loopItems[key]
	return v, ok
}

// LoopIteration returns the current iteration index of a construct or the
// iteration bound to a virtual instance.
func (c *ExecutionContext) LoopIteration(key string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.loopIterations[key]
	return v, ok
}

// IsLoopCompleted reports whether a construct's fan-out has fully resolved.
func (c *ExecutionContext) IsLoopCompleted(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.completedLoops[id]
}

// CompletedLoops returns the completed construct ids in sorted order.
func (c *ExecutionContext) CompletedLoops() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.completedLoops))
	for id := range c.completedLoops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParallelState returns a snapshot of a parallel construct's state.
func (c *ExecutionContext) ParallelState(id string) (*ConstructState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.parallelExecutions[id]
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

// LoopState returns a snapshot of a loop construct's state.
func (c *ExecutionContext) LoopState(id string) (*ConstructState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.loopExecutions[id]
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

// constructs returns the state map for a construct kind. The caller must
// hold the mutex.
func (c *ExecutionContext) constructs(kind ConstructKind) map[string]*ConstructState {
	if kind == ConstructLoop {
		return c.loopExecutions
	}
	return c.parallelExecutions
}

// iterationOutput returns the output of a member block recorded for one
// iteration.
func (c *ExecutionContext) iterationOutput(k VirtualKey) (Output, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.constructs(k.Kind)[k.ConstructID]
	if !ok {
		return Output{}, false
	}
	out, ok := st.ExecutionResults[IterationKey(k.Iteration)][k.BlockID]
	return out, ok
}

// AppendLog records a block log entry.
func (c *ExecutionContext) AppendLog(l BlockLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockLogs = append(c.blockLogs, l)
}

// Logs returns the block logs in the order they were recorded.
func (c *ExecutionContext) Logs() []BlockLog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]BlockLog(nil), c.blockLogs...)
}

// discardConstructs drops every construct that has not completed. Used on
// cancellation so partial aggregates are never returned.
func (c *ExecutionContext) discardConstructs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, states := range []map[string]*ConstructState{c.parallelExecutions, c.loopExecutions} {
		for id, st := range states {
			if st.Phase != PhaseCompleted {
				delete(states, id)
				if out, ok := c.blockStates[id]; ok && out.Kind != KindSequence {
					delete(c.blockStates, id)
				}
			}
		}
	}
}

// lastOutput returns the value of the most recently written real block.
func (c *ExecutionContext) lastOutput() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if out, ok := c.blockStates[c.last]; ok {
		return out.Value()
	}
	return nil
}
