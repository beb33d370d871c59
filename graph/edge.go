package graph

import "strings"

// Handle tags owned by the flow-control managers. Connections carrying one of
// these tags are never followed by generic downstream activation.
const (
	HandleParallelStart = "parallel-start-source"
	HandleParallelEnd   = "parallel-end-source"
	HandleLoopStart     = "loop-start-source"
	HandleLoopEnd       = "loop-end-source"

	// HandleConditionPrefix prefixes the branch handles of condition blocks.
	// The full handle is "condition-" followed by the branch id.
	HandleConditionPrefix = "condition-"
)

// Connection represents a directed edge between two blocks in a workflow.
//
// The optional SourceHandle disambiguates multiple logical outputs of one
// block: the start and end edges of a parallel or loop construct, or the
// individual branches of a condition block.
type Connection struct {
	// Source is the id of the upstream block.
	Source string `json:"source" yaml:"source"`

	// Target is the id of the downstream block.
	Target string `json:"target" yaml:"target"`

	// SourceHandle tags which logical output of Source this edge leaves from.
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`

	// TargetHandle tags which logical input of Target this edge arrives at.
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// IsConditionHandle reports whether the connection leaves a condition branch.
func (c Connection) IsConditionHandle() bool {
	return strings.HasPrefix(c.SourceHandle, HandleConditionPrefix)
}

// ConditionBranch returns the branch id encoded in a condition handle, or the
// empty string when the connection is not a condition branch.
func (c Connection) ConditionBranch() string {
	if !c.IsConditionHandle() {
		return ""
	}
	return strings.TrimPrefix(c.SourceHandle, HandleConditionPrefix)
}

// ConditionHandle returns the source handle used for a condition branch id.
func ConditionHandle(branchID string) string {
	return HandleConditionPrefix + branchID
}
