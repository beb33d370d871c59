package graph

import "strings"

// BlockCategory is the routing behavior class of a block type.
type BlockCategory int

const (
	// CategoryRegular blocks activate every downstream neighbor.
	CategoryRegular BlockCategory = iota
	// CategoryRouting blocks (router, condition) create a new active path by
	// selecting one branch.
	CategoryRouting
	// CategoryFlowControl blocks (parallel, loop) manage their own fan-out
	// and activate downstream blocks only through their manager.
	CategoryFlowControl
)

func (c BlockCategory) String() string {
	switch c {
	case CategoryRouting:
		return "routing"
	case CategoryFlowControl:
		return "flow_control"
	default:
		return "regular"
	}
}

// Categorize classifies a block type. Unknown types are regular.
func Categorize(blockType string) BlockCategory {
	switch blockType {
	case TypeRouter, TypeCondition:
		return CategoryRouting
	case TypeParallel, TypeLoop:
		return CategoryFlowControl
	default:
		return CategoryRegular
	}
}

// ShouldActivateDownstream reports whether generic propagation may activate
// the block's downstream neighbors after it executes.
func ShouldActivateDownstream(blockType string) bool {
	return Categorize(blockType) != CategoryFlowControl
}

// RequiresActivePathCheck reports whether the block must be confirmed on the
// active path before running. Routing blocks are the source of truth for the
// path and never require the check.
func RequiresActivePathCheck(blockType string) bool {
	return Categorize(blockType) == CategoryFlowControl
}

// SkipInSelectiveActivation reports whether a blanket activation pass must
// leave the block's children alone.
func SkipInSelectiveActivation(blockType string) bool {
	return Categorize(blockType) == CategoryFlowControl
}

// ShouldSkipConnection reports whether generic downstream activation must
// ignore a connection with the given source handle. Flow-control handles are
// honored only by their managers, condition handles only by the condition
// block's branch selection.
func ShouldSkipConnection(handle string) bool {
	switch handle {
	case HandleParallelStart, HandleParallelEnd, HandleLoopStart, HandleLoopEnd:
		return true
	}
	return strings.HasPrefix(handle, HandleConditionPrefix)
}

// startHandle and endHandle return the handles owned by a construct kind.
func startHandle(kind ConstructKind) string {
	if kind == ConstructLoop {
		return HandleLoopStart
	}
	return HandleParallelStart
}

func endHandle(kind ConstructKind) string {
	if kind == ConstructLoop {
		return HandleLoopEnd
	}
	return HandleParallelEnd
}
