package graph

import (
	"context"
	"fmt"

	"github.com/dshills/blockflow/internal/logger"
)

// PathTracker decides which blocks are reachable given the routing decisions
// recorded so far.
type PathTracker struct {
	wf *Workflow
}

// NewPathTracker creates a tracker for wf.
func NewPathTracker(wf *Workflow) *PathTracker {
	return &PathTracker{wf: wf}
}

// IsInActivePath reports whether blockID is reachable: it is the entry block,
// or at least one upstream connection comes from an executed source whose
// handle was not filtered and, for routing sources, whose recorded decision
// selected this block.
func (t *PathTracker) IsInActivePath(blockID string, ectx *ExecutionContext) (bool, error) {
	if _, ok := t.wf.Block(blockID); !ok {
		return false, fmt.Errorf("path tracker: unknown block %q", blockID)
	}
	if entry, ok := t.wf.EntryBlock(); ok && entry.ID == blockID {
		return true, nil
	}

	for _, conn := range t.wf.Incoming(blockID) {
		src, ok := t.wf.Block(conn.Source)
		if !ok {
			return false, fmt.Errorf("path tracker: connection from unknown block %q", conn.Source)
		}
		if t.connectionLive(src, conn, ectx) {
			return true, nil
		}
	}
	return false, nil
}

// connectionLive reports whether a connection from an executed source
// currently carries the active path.
func (t *PathTracker) connectionLive(src Block, conn Connection, ectx *ExecutionContext) bool {
	switch conn.SourceHandle {
	case HandleParallelStart, HandleLoopStart:
		return ectx.IsExecuted(src.ID) && !ectx.IsLoopCompleted(src.ID)
	case HandleParallelEnd, HandleLoopEnd:
		return ectx.IsLoopCompleted(src.ID)
	}
	if !ectx.IsExecuted(src.ID) {
		return false
	}

	switch src.Type {
	case TypeRouter:
		target, ok := ectx.RouterDecision(src.ID)
		return ok && target == conn.Target
	case TypeCondition:
		branch, ok := ectx.ConditionDecision(src.ID)
		return ok && conn.ConditionBranch() == branch
	}
	return !ShouldSkipConnection(conn.SourceHandle)
}

// Reachable is the fail-open form of IsInActivePath used by the flow-control
// managers: a tracker error is logged and treated as reachable so an internal
// fault cannot stall a run.
func (t *PathTracker) Reachable(ctx context.Context, blockID string, ectx *ExecutionContext) (reachable bool) {
	log := logger.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Warn("path tracker panicked, defaulting to active", "block_id", blockID, "panic", r)
			reachable = true
		}
	}()

	ok, err := t.IsInActivePath(blockID, ectx)
	if err != nil {
		log.Warn("path tracker failed, defaulting to active", "block_id", blockID, "error", err)
		return true
	}
	return ok
}

// UpdateExecutionPaths activates the downstream blocks of the given newly
// executed real blocks.
//
// Router decisions activate only the selected target. Condition decisions
// activate only the connections carrying the selected branch handle.
// Flow-control blocks are skipped; their managers activate downstream blocks
// themselves. Construct members are never activated here.
func (t *PathTracker) UpdateExecutionPaths(executed []string, ectx *ExecutionContext) {
	for _, id := range executed {
		b, ok := t.wf.Block(id)
		if !ok || SkipInSelectiveActivation(b.Type) {
			continue
		}

		var targets []string
		switch b.Type {
		case TypeRouter:
			if target, ok := ectx.RouterDecision(id); ok {
				for _, conn := range t.wf.Outgoing(id) {
					if conn.Target == target {
						targets = append(targets, target)
						break
					}
				}
			}
		case TypeCondition:
			if branch, ok := ectx.ConditionDecision(id); ok {
				for _, conn := range t.wf.Outgoing(id) {
					if conn.ConditionBranch() == branch {
						targets = append(targets, conn.Target)
					}
				}
			}
		default:
			for _, conn := range t.wf.Outgoing(id) {
				if ShouldSkipConnection(conn.SourceHandle) {
					continue
				}
				targets = append(targets, conn.Target)
			}
		}

		for _, target := range targets {
			if _, _, member := t.wf.ConstructOf(target); member {
				continue
			}
			ectx.Activate(target)
		}
	}
}
