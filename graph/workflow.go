package graph

import "sort"

// Built-in block type tags. The engine only depends on the flow-control and
// routing tags; every other type is dispatched through the Registry.
const (
	TypeStarter   = "starter"
	TypeAgent     = "agent"
	TypeAPI       = "api"
	TypeCondition = "condition"
	TypeRouter    = "router"
	TypeFunction  = "function"
	TypeResponse  = "response"
	TypeParallel  = "parallel"
	TypeLoop      = "loop"
)

// Workflow is the serialized block graph a run executes.
//
// A Workflow is built once per run by an external serializer and is never
// mutated by the executor. Blocks keep their serialized order, which is also
// the order in which ready blocks execute within a pass.
type Workflow struct {
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name,omitempty" yaml:"name,omitempty"`
	Blocks      []Block             `json:"blocks" yaml:"blocks"`
	Connections []Connection        `json:"connections" yaml:"connections"`
	Loops       map[string]Loop     `json:"loops,omitempty" yaml:"loops,omitempty"`
	Parallels   map[string]Parallel `json:"parallels,omitempty" yaml:"parallels,omitempty"`
}

// Block is a typed unit of work in the workflow graph.
type Block struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	Type string `json:"type" yaml:"type"`

	// Inputs holds the raw declared inputs, possibly containing unresolved
	// references such as <agent1.content> or {{API_KEY}}.
	Inputs map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Enabled defaults to true when unset.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Stream selects the block for direct client output. Only blocks with no
	// outgoing connections are streamed.
	Stream bool `json:"stream,omitempty" yaml:"stream,omitempty"`
}

// IsEnabled reports whether the block participates in runs.
func (b Block) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// DisplayName returns the block name, falling back to the id.
func (b Block) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.ID
}

// Parallel defines a construct that runs its member blocks once per
// distribution item, with all iterations active at the same time.
type Parallel struct {
	ID    string   `json:"id" yaml:"id"`
	Nodes []string `json:"nodes" yaml:"nodes"`

	// Distribution is the sequence, mapping or expression to fan out over.
	Distribution Distribution `json:"distribution,omitempty" yaml:"distribution,omitempty"`

	// Count is used when no distribution is given. Zero means one iteration.
	Count int `json:"count,omitempty" yaml:"count,omitempty"`
}

// Loop types.
const (
	LoopFor     = "for"
	LoopForEach = "forEach"
)

// Loop defines a construct that runs its member blocks once per iteration,
// one iteration at a time.
type Loop struct {
	ID    string   `json:"id" yaml:"id"`
	Nodes []string `json:"nodes" yaml:"nodes"`

	// LoopType is "for" (Iterations times) or "forEach" (over ForEachItems).
	// Empty means "for"; any other value fails validation.
	LoopType string `json:"loopType,omitempty" yaml:"loopType,omitempty"`

	Iterations   int          `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	ForEachItems Distribution `json:"forEachItems,omitempty" yaml:"forEachItems,omitempty"`
}

// Block returns the block with the given id.
func (w *Workflow) Block(id string) (Block, bool) {
	for _, b := range w.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return Block{}, false
}

// Outgoing returns the connections leaving a block, in serialized order.
func (w *Workflow) Outgoing(id string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.Source == id {
			out = append(out, c)
		}
	}
	return out
}

// Incoming returns the connections arriving at a block, in serialized order.
func (w *Workflow) Incoming(id string) []Connection {
	var in []Connection
	for _, c := range w.Connections {
		if c.Target == id {
			in = append(in, c)
		}
	}
	return in
}

// EntryBlock returns the starter block, or else the first enabled block with
// no incoming connections.
func (w *Workflow) EntryBlock() (Block, bool) {
	for _, b := range w.Blocks {
		if b.Type == TypeStarter && b.IsEnabled() {
			return b, true
		}
	}
	for _, b := range w.Blocks {
		if b.IsEnabled() && len(w.Incoming(b.ID)) == 0 {
			return b, true
		}
	}
	return Block{}, false
}

// ConstructOf returns the id and kind of the construct that lists blockID as
// a member.
func (w *Workflow) ConstructOf(blockID string) (string, ConstructKind, bool) {
	for id, p := range w.Parallels {
		for _, n := range p.Nodes {
			if n == blockID {
				return id, ConstructParallel, true
			}
		}
	}
	for id, l := range w.Loops {
		for _, n := range l.Nodes {
			if n == blockID {
				return id, ConstructLoop, true
			}
		}
	}
	return "", "", false
}

// Members returns the member block ids of a construct.
func (w *Workflow) Members(constructID string) []string {
	if p, ok := w.Parallels[constructID]; ok {
		return p.Nodes
	}
	if l, ok := w.Loops[constructID]; ok {
		return l.Nodes
	}
	return nil
}

// Validate checks the workflow for configuration errors before any block
// runs. The registry is used to reject unknown block types and may be nil,
// in which case only the structure is checked.
//
// Validate reports the first problem found as an *EngineError wrapping
// ErrInvalidWorkflow.
func (w *Workflow) Validate(reg *Registry) error {
	if len(w.Blocks) == 0 {
		return configError(CodeInvalidWorkflow, "workflow %q has no blocks", w.ID)
	}

	ids := make(map[string]bool, len(w.Blocks))
	for _, b := range w.Blocks {
		if b.ID == "" {
			return configError(CodeInvalidWorkflow, "block with empty id")
		}
		if ids[b.ID] {
			return configError(CodeDuplicateBlock, "duplicate block id %q", b.ID)
		}
		ids[b.ID] = true

		if b.Type == "" {
			return configError(CodeUnknownBlockType, "block %q has no type", b.ID)
		}
		if reg != nil && !isFlowControlType(b.Type) {
			if _, err := reg.Lookup(b); err != nil {
				return configError(CodeUnknownBlockType, "block %q has unknown type %q", b.ID, b.Type)
			}
		}
	}

	for _, c := range w.Connections {
		if !ids[c.Source] || !ids[c.Target] {
			return configError(CodeDanglingConnection, "connection %s -> %s references a missing block", c.Source, c.Target)
		}
	}

	if err := w.validateConstructs(ids); err != nil {
		return err
	}

	if _, ok := w.EntryBlock(); !ok {
		return configError(CodeNoEntry, "workflow %q has no entry block", w.ID)
	}
	return nil
}

func (w *Workflow) validateConstructs(ids map[string]bool) error {
	parent := make(map[string]string)

	check := func(id string, kind ConstructKind, nodes []string) error {
		b, ok := w.Block(id)
		if !ok {
			return configError(CodeMissingMember, "%s construct %q has no matching block", kind, id)
		}
		if b.Type != string(kind) {
			return configError(CodeInvalidWorkflow, "%s construct %q is backed by a %q block", kind, id, b.Type)
		}
		for _, n := range nodes {
			if !ids[n] {
				return configError(CodeMissingMember, "%s construct %q references missing member %q", kind, id, n)
			}
			if prev, dup := parent[n]; dup && prev != id {
				return configError(CodeDuplicateMember, "block %q is a member of both %q and %q", n, prev, id)
			}
			parent[n] = id
		}
		return nil
	}

	for _, id := range sortedKeys(w.Parallels) {
		if err := check(id, ConstructParallel, w.Parallels[id].Nodes); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(w.Loops) {
		l := w.Loops[id]
		if err := check(id, ConstructLoop, l.Nodes); err != nil {
			return err
		}
		switch l.LoopType {
		case "", LoopFor, LoopForEach:
		default:
			return configError(CodeInvalidWorkflow, "loop %q has unsupported loop type %q (want %q or %q)", id, l.LoopType, LoopFor, LoopForEach)
		}
		if l.Iterations < 0 {
			return configError(CodeInvalidWorkflow, "loop %q has negative iterations %d", id, l.Iterations)
		}
	}

	// Walk every construct up its parent chain. A revisit means the nesting
	// is cyclic; any non-empty chain means the construct is nested.
	children := sortedKeys(parent)
	for _, child := range children {
		if _, isConstruct := w.constructKind(child); !isConstruct {
			continue
		}
		if chain := constructChain(child, parent); chain.cyclic {
			return configError(CodeConstructCycle, "construct %q is nested inside itself via %v", child, chain.path)
		}
	}
	for _, child := range children {
		if _, isConstruct := w.constructKind(child); isConstruct {
			return configError(CodeNestedConstruct, "construct %q is nested inside %q; nested constructs are not supported", child, parent[child])
		}
	}
	return nil
}

func (w *Workflow) constructKind(id string) (ConstructKind, bool) {
	if _, ok := w.Parallels[id]; ok {
		return ConstructParallel, true
	}
	if _, ok := w.Loops[id]; ok {
		return ConstructLoop, true
	}
	return "", false
}

type nestingChain struct {
	path   []string
	cyclic bool
}

// constructChain follows parent links from start until it reaches a root or
// revisits a node. The visited set bounds the walk on cyclic input.
func constructChain(start string, parent map[string]string) nestingChain {
	visited := map[string]bool{start: true}
	chain := nestingChain{path: []string{start}}
	cur := start
	for {
		next, ok := parent[cur]
		if !ok {
			return chain
		}
		chain.path = append(chain.path, next)
		if visited[next] {
			chain.cyclic = true
			return chain
		}
		visited[next] = true
		cur = next
	}
}

func isFlowControlType(t string) bool {
	return t == TypeParallel || t == TypeLoop
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
