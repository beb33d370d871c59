package graph

import (
	"context"
	"fmt"
	"sort"
)

// constructManager implements the fan-out lifecycle shared by parallel and
// loop constructs. Parallel constructs activate every iteration at once;
// sequential (loop) constructs run one iteration at a time.
type constructManager struct {
	kind       ConstructKind
	sequential bool
	wf         *Workflow
	tracker    *PathTracker
}

// IterationItem returns the item bound to iteration i: the i-th sequence
// element, the i-th [key, value] pair of a mapping, or nil for pure
// repetition.
func (m *constructManager) IterationItem(st *ConstructState, i int) any {
	if st == nil {
		return nil
	}
	return st.DistributionItems.Item(i)
}

func (m *constructManager) newState(constructID string, dist Distribution, count int) *ConstructState {
	return newConstructState(constructID, m.kind, m.wf.Members(constructID), dist, count)
}

// setup registers a freshly initialized construct in the context, activates
// its first iteration(s) and its members, and returns the start output.
// Setup is performed on the first encounter of the construct block only.
func (m *constructManager) setup(ctx context.Context, st *ConstructState, ectx *ExecutionContext) (Output, error) {
	id := st.ConstructID

	ectx.mu.Lock()
	states := ectx.constructs(m.kind)
	if _, exists := states[id]; exists {
		ectx.mu.Unlock()
		return Output{}, &EngineError{
			Message: fmt.Sprintf("%s %s is already initialized", m.kind, id),
			Code:    CodeInvalidTransition,
		}
	}
	states[id] = st
	if st.DistributionItems.HasItems() {
		ectx.loopItems[id+"_items"] = st.DistributionItems.Value()
	}
	if st.ParallelCount > 0 {
		if m.sequential {
			st.ActiveIterations[0] = struct{}{}
			m.bindCurrentLocked(st, 0, ectx)
		} else {
			for i := 0; i < st.ParallelCount; i++ {
				st.ActiveIterations[i] = struct{}{}
			}
		}
	}
	ectx.mu.Unlock()

	if !m.tracker.Reachable(ctx, id, ectx) {
		ectx.mu.Lock()
		delete(states, id)
		delete(ectx.loopItems, id+"_items")
		ectx.mu.Unlock()
		return JSONOutput(map[string]any{
			m.idKey(): id,
			"started": false,
			"message": fmt.Sprintf("%s %s is not on the active path", m.kind, id),
		}), nil
	}

	reachable := m.startReachableMembers(id)
	ectx.mu.Lock()
	for _, member := range st.members {
		if reachable[member] {
			ectx.activePath[member] = true
			continue
		}
		for i := 0; i < st.ParallelCount; i++ {
			k := st.Key(member, i)
			st.settled[k] = true
			st.skipped[k] = true
		}
	}
	ectx.mu.Unlock()

	return JSONOutput(map[string]any{
		m.idKey():          id,
		m.countKey():       st.ParallelCount,
		"distributionType": st.DistributionType,
		"started":          true,
		"message":          fmt.Sprintf("Initialized %d %s iterations", st.ParallelCount, m.kind),
	}), nil
}

func (m *constructManager) idKey() string {
	return string(m.kind) + "Id"
}

func (m *constructManager) countKey() string {
	if m.kind == ConstructLoop {
		return "maxIterations"
	}
	return "parallelCount"
}

// startReachableMembers returns the members reachable from the construct's
// start handle through member-to-member connections.
func (m *constructManager) startReachableMembers(constructID string) map[string]bool {
	members := make(map[string]bool)
	for _, id := range m.wf.Members(constructID) {
		members[id] = true
	}

	start := startHandle(m.kind)
	reached := make(map[string]bool)
	var queue []string
	for _, conn := range m.wf.Outgoing(constructID) {
		if conn.SourceHandle == start && members[conn.Target] && !reached[conn.Target] {
			reached[conn.Target] = true
			queue = append(queue, conn.Target)
		}
	}
	// Members without any incoming connection start every iteration.
	for _, id := range m.wf.Members(constructID) {
		if !reached[id] && len(m.wf.Incoming(id)) == 0 {
			reached[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, conn := range m.wf.Outgoing(cur) {
			if members[conn.Target] && !reached[conn.Target] {
				reached[conn.Target] = true
				queue = append(queue, conn.Target)
			}
		}
	}
	return reached
}

// bindCurrentLocked publishes the current iteration index and item of a
// sequential construct. The caller must hold the context mutex.
func (m *constructManager) bindCurrentLocked(st *ConstructState, i int, ectx *ExecutionContext) {
	ectx.loopIterations[st.ConstructID] = i
	if st.DistributionItems.HasItems() {
		ectx.loopItems[st.ConstructID] = st.DistributionItems.Item(i)
	}
}

// PendingWork returns the virtual instances that are ready to execute: the
// member is on the active path, has not settled in its iteration, and at
// least one of its incoming connections is satisfied within the iteration.
func (m *constructManager) PendingWork(ectx *ExecutionContext) []VirtualKey {
	ectx.mu.RLock()
	defer ectx.mu.RUnlock()

	states := ectx.constructs(m.kind)
	var work []VirtualKey
	for _, id := range sortedKeys(states) {
		st := states[id]
		if st.Phase != PhasePending {
			continue
		}
		for _, i := range st.Iterations() {
			for _, member := range st.members {
				k := st.Key(member, i)
				if st.settled[k] || !ectx.activePath[member] {
					continue
				}
				if m.instanceReadyLocked(st, k, ectx) {
					work = append(work, k)
				}
			}
		}
	}
	return work
}

// Scope builds the iteration scope for a virtual instance.
func (m *constructManager) Scope(k VirtualKey, ectx *ExecutionContext) (IterationScope, bool) {
	ectx.mu.RLock()
	st, ok := ectx.constructs(m.kind)[k.ConstructID]
	ectx.mu.RUnlock()
	if !ok {
		return IterationScope{}, false
	}
	name := k.ConstructID
	if b, ok := m.wf.Block(k.ConstructID); ok {
		name = b.DisplayName()
	}
	return IterationScope{
		ConstructID:   k.ConstructID,
		ConstructName: name,
		Kind:          m.kind,
		Index:         k.Iteration,
		Item:          st.DistributionItems.Item(k.Iteration),
		Items:         st.DistributionItems.Value(),
	}, true
}

// connStatus reports whether an incoming connection of a virtual instance has
// settled and whether it selects the instance. The caller must hold the
// context mutex.
func (m *constructManager) connStatusLocked(st *ConstructState, conn Connection, i int, ectx *ExecutionContext) (settled, satisfied bool) {
	if conn.Source == st.ConstructID {
		return true, conn.SourceHandle == startHandle(m.kind)
	}

	src, ok := m.wf.Block(conn.Source)
	if !ok {
		return true, false
	}

	isMember := false
	for _, member := range st.members {
		if member == conn.Source {
			isMember = true
			break
		}
	}

	var decisionKey string
	if isMember {
		k := st.Key(conn.Source, i)
		if !st.settled[k] {
			return false, false
		}
		if st.skipped[k] {
			return true, false
		}
		decisionKey = k.String()
	} else {
		if !ectx.executed[conn.Source] {
			return true, false
		}
		decisionKey = conn.Source
	}

	switch src.Type {
	case TypeRouter:
		return true, ectx.decisions.Router[decisionKey] == conn.Target
	case TypeCondition:
		return true, ectx.decisions.Condition[decisionKey] == conn.ConditionBranch()
	}
	return true, !ShouldSkipConnection(conn.SourceHandle)
}

func (m *constructManager) instanceReadyLocked(st *ConstructState, k VirtualKey, ectx *ExecutionContext) bool {
	incoming := m.wf.Incoming(k.BlockID)
	if len(incoming) == 0 {
		return true
	}
	for _, conn := range incoming {
		if _, ok := m.connStatusLocked(st, conn, k.Iteration, ectx); ok {
			return true
		}
	}
	return false
}

// instanceDeadLocked reports whether every incoming connection has settled
// without selecting the instance, so it can never run in this iteration.
func (m *constructManager) instanceDeadLocked(st *ConstructState, k VirtualKey, ectx *ExecutionContext) bool {
	if !ectx.activePath[k.BlockID] {
		return true
	}
	incoming := m.wf.Incoming(k.BlockID)
	if len(incoming) == 0 {
		return false
	}
	for _, conn := range incoming {
		settled, satisfied := m.connStatusLocked(st, conn, k.Iteration, ectx)
		if !settled || satisfied {
			return false
		}
	}
	return true
}

// RecordIteration stores the output of a virtual instance in the
// construct's result map and marks the instance executed.
func (m *constructManager) RecordIteration(k VirtualKey, blockType string, out Output, ectx *ExecutionContext) error {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()

	st, ok := ectx.constructs(m.kind)[k.ConstructID]
	if !ok {
		return &AggregationError{ConstructID: k.ConstructID, Iteration: k.Iteration, Reason: "construct is not initialized"}
	}
	key := IterationKey(k.Iteration)
	if st.ExecutionResults[key] == nil {
		st.ExecutionResults[key] = make(map[string]Output)
	}
	st.ExecutionResults[key][k.BlockID] = out
	st.settled[k] = true
	ectx.virtualExecuted[k] = true
	if out.Kind == KindDecision {
		ectx.recordDecision(k.String(), blockType, out.Decision)
	}
	return nil
}

// RecordFailure settles a virtual instance that failed. No result is stored,
// so the construct fails aggregation if it is ever aggregated.
func (m *constructManager) RecordFailure(k VirtualKey, ectx *ExecutionContext) {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()
	if st, ok := ectx.constructs(m.kind)[k.ConstructID]; ok {
		st.settled[k] = true
	}
}

// CheckCompletion runs after every pass. It settles instances ruled out by
// routing decisions, retires finished iterations (advancing sequential
// constructs), and moves every construct whose instances have all settled
// from Pending to AllIterationsDone. Such constructs are removed from the
// executed set and put back on the active path, and their members are taken
// off the active path, so the next pass runs the construct handler once more
// to aggregate. The ids of the constructs that transitioned are returned.
func (m *constructManager) CheckCompletion(ectx *ExecutionContext) ([]string, error) {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()

	states := ectx.constructs(m.kind)
	var done []string
	for _, id := range sortedKeys(states) {
		st := states[id]
		if st.Phase != PhasePending || !ectx.executed[id] {
			continue
		}

		for {
			m.settleDeadLocked(st, ectx)
			retired := false
			for _, i := range st.Iterations() {
				if !st.iterationSettled(i) {
					continue
				}
				delete(st.ActiveIterations, i)
				st.CompletedExecutions++
				retired = true
				if m.sequential && i+1 < st.ParallelCount {
					st.ActiveIterations[i+1] = struct{}{}
					st.CurrentIteration++
					m.bindCurrentLocked(st, i+1, ectx)
				}
			}
			if !retired {
				break
			}
		}

		if !st.allSettled() {
			continue
		}
		if err := st.transition(PhaseAllIterationsDone); err != nil {
			return done, err
		}
		delete(ectx.executed, id)
		ectx.activePath[id] = true
		for _, member := range st.members {
			delete(ectx.activePath, member)
		}
		done = append(done, id)
	}
	return done, nil
}

// settleDeadLocked marks instances of active iterations that can no longer
// run as skipped. Skipping one instance may rule out its successors, so the
// scan repeats until nothing changes.
func (m *constructManager) settleDeadLocked(st *ConstructState, ectx *ExecutionContext) {
	for changed := true; changed; {
		changed = false
		for _, i := range st.Iterations() {
			for _, member := range st.members {
				k := st.Key(member, i)
				if st.settled[k] {
					continue
				}
				if m.instanceDeadLocked(st, k, ectx) {
					st.settled[k] = true
					st.skipped[k] = true
					changed = true
				}
			}
		}
	}
}

// Aggregate builds the ordered aggregate of a construct whose iterations
// have all settled, stores it as the construct's block state, marks the
// construct completed and activates its end connections. It is the only
// path by which blocks downstream of a construct become active.
func (m *constructManager) Aggregate(ctx context.Context, constructID string, ectx *ExecutionContext) (Output, error) {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()

	st, ok := ectx.constructs(m.kind)[constructID]
	if !ok {
		return Output{}, &AggregationError{ConstructID: constructID, Iteration: -1, Reason: "construct is not initialized"}
	}
	if err := st.transition(PhaseAggregating); err != nil {
		return Output{}, err
	}

	terminals := m.terminalMembers(constructID)
	items := make([]Output, st.ParallelCount)
	for i := 0; i < st.ParallelCount; i++ {
		item, err := iterationResult(st, i, terminals)
		if err != nil {
			return Output{}, err
		}
		items[i] = item
	}

	out := SequenceOutput(items)
	ectx.setBlockState(constructID, out)
	ectx.completedLoops[constructID] = true
	if err := st.transition(PhaseCompleted); err != nil {
		return Output{}, err
	}
	m.activateEndLocked(constructID, ectx)
	return out, nil
}

// Resume handles a construct whose aggregate is already stored: it marks the
// construct completed and re-activates the end connections without running
// any member. It reports false when no aggregate exists.
//
// Example:
//
//	if out, ok := pm.Resume("p1", ectx); ok {
//	    return graph.OutputResult(out), nil
//	}
func (m *constructManager) Resume(constructID string, ectx *ExecutionContext) (Output, bool) {
	ectx.mu.Lock()
	defer ectx.mu.Unlock()

	out, ok := ectx.blockStates[constructID]
	if !ok || out.Kind != KindSequence {
		return Output{}, false
	}
	ectx.completedLoops[constructID] = true
	if st, ok := ectx.constructs(m.kind)[constructID]; ok {
		st.Phase = PhaseCompleted
		st.ActiveIterations = make(map[int]struct{})
		for _, member := range st.members {
			delete(ectx.activePath, member)
		}
	}
	m.activateEndLocked(constructID, ectx)
	return out, true
}

func (m *constructManager) activateEndLocked(constructID string, ectx *ExecutionContext) {
	end := endHandle(m.kind)
	for _, conn := range m.wf.Outgoing(constructID) {
		if conn.SourceHandle == end {
			ectx.activePath[conn.Target] = true
		}
	}
}

// EndTargets returns the blocks connected to the construct's end handle.
func (m *constructManager) EndTargets(constructID string) []string {
	end := endHandle(m.kind)
	var out []string
	for _, conn := range m.wf.Outgoing(constructID) {
		if conn.SourceHandle == end {
			out = append(out, conn.Target)
		}
	}
	return out
}

// terminalMembers returns the members with no connection to another member,
// in member order. Their outputs make up each iteration's result.
func (m *constructManager) terminalMembers(constructID string) []string {
	members := m.wf.Members(constructID)
	inConstruct := make(map[string]bool, len(members))
	for _, id := range members {
		inConstruct[id] = true
	}
	var terminals []string
	for _, id := range members {
		terminal := true
		for _, conn := range m.wf.Outgoing(id) {
			if inConstruct[conn.Target] {
				terminal = false
				break
			}
		}
		if terminal {
			terminals = append(terminals, id)
		}
	}
	return terminals
}

// iterationResult selects the result of iteration i: the output of the single
// terminal member that produced one, or a map of terminal outputs by block id
// when several did.
func iterationResult(st *ConstructState, i int, terminals []string) (Output, error) {
	results := st.ExecutionResults[IterationKey(i)]
	if len(results) == 0 {
		return Output{}, &AggregationError{ConstructID: st.ConstructID, Iteration: i, Reason: "no result recorded"}
	}

	var produced []string
	for _, id := range terminals {
		if _, ok := results[id]; ok {
			produced = append(produced, id)
		}
	}
	switch len(produced) {
	case 0:
		// Every terminal was skipped; fall back to whatever members ran.
		ids := make([]string, 0, len(results))
		for id := range results {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		if len(ids) == 1 {
			return results[ids[0]], nil
		}
		produced = ids
	case 1:
		return results[produced[0]], nil
	}

	m := make(map[string]any, len(produced))
	for _, id := range produced {
		m[id] = results[id].Value()
	}
	return JSONOutput(m), nil
}
