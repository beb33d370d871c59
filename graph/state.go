package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ConstructKind distinguishes parallel constructs from loops.
type ConstructKind string

const (
	ConstructParallel ConstructKind = "parallel"
	ConstructLoop     ConstructKind = "loop"
)

// Distribution types reported in construct state and start outputs.
const (
	DistributionTypeDistributed = "distributed"
	DistributionTypeCount       = "count"
)

// VirtualKey identifies one iteration instance of a construct member block.
//
// Virtual instances are tracked independently of the real block id: their
// outputs live in the construct state, never in the block-state map.
type VirtualKey struct {
	BlockID     string
	ConstructID string
	Kind        ConstructKind
	Iteration   int
}

// String returns the serialized form {block}_{kind}_{construct}_iteration_{i},
// for example agent-1_parallel_parallel-1_iteration_0.
func (k VirtualKey) String() string {
	kind := k.Kind
	if kind == "" {
		kind = ConstructParallel
	}
	return k.BlockID + "_" + string(kind) + "_" + k.ConstructID + "_iteration_" + strconv.Itoa(k.Iteration)
}

// ParseVirtualID parses the serialized form produced by VirtualKey.String.
// Block and construct ids may themselves contain underscores; the last kind
// marker before the iteration suffix wins.
func ParseVirtualID(s string) (VirtualKey, bool) {
	i := strings.LastIndex(s, "_iteration_")
	if i < 0 {
		return VirtualKey{}, false
	}
	n, err := strconv.Atoi(s[i+len("_iteration_"):])
	if err != nil || n < 0 {
		return VirtualKey{}, false
	}
	head := s[:i]

	for _, kind := range []ConstructKind{ConstructParallel, ConstructLoop} {
		marker := "_" + string(kind) + "_"
		j := strings.LastIndex(head, marker)
		if j <= 0 || j+len(marker) >= len(head) {
			continue
		}
		return VirtualKey{
			BlockID:     head[:j],
			ConstructID: head[j+len(marker):],
			Kind:        kind,
			Iteration:   n,
		}, true
	}
	return VirtualKey{}, false
}

// ConstructPhase is the lifecycle phase of a parallel or loop construct.
//
// Pending: iterations are in flight.
// AllIterationsDone: every member x iteration instance has settled and the
// construct block is scheduled for its aggregating execution.
// Aggregating: the construct handler is building the aggregate.
// Completed: the aggregate is stored and end connections are active.
type ConstructPhase int

const (
	PhasePending ConstructPhase = iota
	PhaseAllIterationsDone
	PhaseAggregating
	PhaseCompleted
)

func (p ConstructPhase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseAllIterationsDone:
		return "all_iterations_done"
	case PhaseAggregating:
		return "aggregating"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ConstructState is the per-run bookkeeping of one parallel or loop
// construct. It is created on first encounter and discarded with the
// execution context.
type ConstructState struct {
	ConstructID string
	Kind        ConstructKind

	// ParallelCount is the number of iterations.
	ParallelCount int

	// DistributionType is "distributed" when items are bound to iterations
	// and "count" for pure repetition.
	DistributionType  string
	DistributionItems Distribution

	// CompletedExecutions counts iterations whose members have all settled.
	CompletedExecutions int

	// ExecutionResults maps "iteration_{i}" to member block id to output.
	ExecutionResults map[string]map[string]Output

	// ActiveIterations holds the iteration indexes currently in flight.
	ActiveIterations map[int]struct{}

	// CurrentIteration is 0 before initialization and 1 or more once the
	// construct has been activated. Loops advance it per iteration.
	CurrentIteration int

	Phase ConstructPhase

	members []string

	// settled holds every member x iteration instance that has executed or
	// has been ruled out by a routing decision inside its iteration.
	settled map[VirtualKey]bool

	// skipped holds the settled instances that never executed.
	skipped map[VirtualKey]bool
}

func newConstructState(id string, kind ConstructKind, members []string, dist Distribution, count int) *ConstructState {
	st := &ConstructState{
		ConstructID:       id,
		Kind:              kind,
		ParallelCount:     count,
		DistributionType:  DistributionTypeCount,
		DistributionItems: dist,
		ExecutionResults:  make(map[string]map[string]Output),
		ActiveIterations:  make(map[int]struct{}),
		CurrentIteration:  1,
		Phase:             PhasePending,
		members:           append([]string(nil), members...),
		settled:           make(map[VirtualKey]bool),
		skipped:           make(map[VirtualKey]bool),
	}
	if dist.HasItems() {
		st.DistributionType = DistributionTypeDistributed
	}
	return st
}

// IterationKey returns the ExecutionResults key for iteration i.
func IterationKey(i int) string {
	return "iteration_" + strconv.Itoa(i)
}

// Key returns the virtual key of a member block in iteration i.
func (s *ConstructState) Key(blockID string, i int) VirtualKey {
	return VirtualKey{BlockID: blockID, ConstructID: s.ConstructID, Kind: s.Kind, Iteration: i}
}

// Members returns the construct's member block ids.
func (s *ConstructState) Members() []string {
	return append([]string(nil), s.members...)
}

// Iterations returns the active iteration indexes in ascending order.
func (s *ConstructState) Iterations() []int {
	out := make([]int, 0, len(s.ActiveIterations))
	for i := range s.ActiveIterations {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// IsSettled reports whether a virtual instance executed or was skipped.
func (s *ConstructState) IsSettled(k VirtualKey) bool {
	return s.settled[k]
}

// IsSkipped reports whether a virtual instance was ruled out.
func (s *ConstructState) IsSkipped(k VirtualKey) bool {
	return s.skipped[k]
}

// iterationSettled reports whether every member of iteration i has settled.
func (s *ConstructState) iterationSettled(i int) bool {
	for _, m := range s.members {
		if !s.settled[s.Key(m, i)] {
			return false
		}
	}
	return true
}

// allSettled reports whether every member x iteration instance has settled.
func (s *ConstructState) allSettled() bool {
	for i := 0; i < s.ParallelCount; i++ {
		if !s.iterationSettled(i) {
			return false
		}
	}
	return true
}

// transition moves the construct to the next phase. Only forward moves along
// Pending -> AllIterationsDone -> Aggregating -> Completed are accepted.
func (s *ConstructState) transition(to ConstructPhase) error {
	if to != s.Phase+1 {
		return &EngineError{
			Message: fmt.Sprintf("construct %s cannot move from %s to %s", s.ConstructID, s.Phase, to),
			Code:    CodeInvalidTransition,
		}
	}
	s.Phase = to
	return nil
}

// clone returns a copy that shares no maps with s.
func (s *ConstructState) clone() *ConstructState {
	c := *s
	c.members = append([]string(nil), s.members...)
	c.ExecutionResults = make(map[string]map[string]Output, len(s.ExecutionResults))
	for k, v := range s.ExecutionResults {
		inner := make(map[string]Output, len(v))
		for bk, bv := range v {
			inner[bk] = bv
		}
		c.ExecutionResults[k] = inner
	}
	c.ActiveIterations = make(map[int]struct{}, len(s.ActiveIterations))
	for k := range s.ActiveIterations {
		c.ActiveIterations[k] = struct{}{}
	}
	c.settled = make(map[VirtualKey]bool, len(s.settled))
	for k, v := range s.settled {
		c.settled[k] = v
	}
	c.skipped = make(map[VirtualKey]bool, len(s.skipped))
	for k, v := range s.skipped {
		c.skipped[k] = v
	}
	return &c
}
