package graph

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// OutputKind tags which variant of Output is populated.
type OutputKind string

const (
	KindEmpty    OutputKind = "empty"
	KindText     OutputKind = "text"
	KindJSON     OutputKind = "json"
	KindSequence OutputKind = "sequence"
	KindDecision OutputKind = "decision"
	KindStream   OutputKind = "stream"
	KindDynamic  OutputKind = "dynamic"
)

// Decision is the output variant produced by routing blocks.
//
// Router blocks set Target to the selected downstream block id. Condition
// blocks set Branch to the id of the branch that evaluated true; the
// downstream block is whichever connection carries that branch's handle.
type Decision struct {
	Target string
	Branch string
	Data   map[string]any
}

// Output is the result of a block execution.
//
// Exactly one variant is populated, selected by Kind. Dynamic is reserved for
// user-defined function blocks whose shape is only known at run time; every
// built-in block type produces one of the typed variants.
type Output struct {
	Kind     OutputKind
	Text     string
	JSON     map[string]any
	Sequence []Output
	Decision *Decision
	Dynamic  any
}

// TextOutput returns a plain-text output.
func TextOutput(s string) Output {
	return Output{Kind: KindText, Text: s}
}

// JSONOutput returns a structured output. A nil map is stored as empty.
func JSONOutput(m map[string]any) Output {
	if m == nil {
		m = map[string]any{}
	}
	return Output{Kind: KindJSON, JSON: m}
}

// SequenceOutput returns an ordered aggregate, as produced by parallel and
// loop constructs.
func SequenceOutput(items []Output) Output {
	if items == nil {
		items = []Output{}
	}
	return Output{Kind: KindSequence, Sequence: items}
}

// DecisionOutput returns a routing decision.
func DecisionOutput(d Decision) Output {
	return Output{Kind: KindDecision, Decision: &d}
}

// StreamOutput returns the finalized content of a streamed block.
func StreamOutput(content string) Output {
	return Output{Kind: KindStream, Text: content}
}

// DynamicOutput wraps an arbitrary value produced by a function block.
func DynamicOutput(v any) Output {
	return Output{Kind: KindDynamic, Dynamic: v}
}

// IsZero reports whether the output carries no value.
func (o Output) IsZero() bool {
	return o.Kind == "" || o.Kind == KindEmpty
}

// Value returns the plain Go value of the output, as seen by references from
// other blocks and by the run result.
func (o Output) Value() any {
	switch o.Kind {
	case KindText:
		return o.Text
	case KindJSON:
		return o.JSON
	case KindSequence:
		items := make([]any, len(o.Sequence))
		for i, item := range o.Sequence {
			items[i] = item.Value()
		}
		return items
	case KindDecision:
		if o.Decision == nil {
			return nil
		}
		m := make(map[string]any, len(o.Decision.Data)+2)
		for k, v := range o.Decision.Data {
			m[k] = v
		}
		if o.Decision.Target != "" {
			m["selectedPath"] = map[string]any{"blockId": o.Decision.Target}
		}
		if o.Decision.Branch != "" {
			m["selectedConditionId"] = o.Decision.Branch
		}
		return m
	case KindStream:
		return map[string]any{"content": o.Text}
	case KindDynamic:
		return o.Dynamic
	default:
		return nil
	}
}

// Lookup resolves a dotted path against the output value, for example
// "content", "data.items.0.name" or "results". An empty path returns the
// whole value.
//
// The path is first walked on the native value, so numbers keep their Go
// type and keys containing dots or wildcards resolve literally. Paths the
// walk cannot follow, such as gjson queries ("items.#.name",
// "items.#(id==2)"), are evaluated with gjson, with integers decoded
// exactly.
//
// Sequence outputs accept a leading "results" segment so that references
// such as <parallel1.results> and <parallel1.results.0> resolve against the
// aggregate itself.
func (o Output) Lookup(path string) (any, bool) {
	if path == "" {
		return o.Value(), true
	}
	switch o.Kind {
	case KindText:
		if path == "content" || path == "text" {
			return o.Text, true
		}
		return nil, false
	case KindSequence:
		if path == "results" {
			return o.Value(), true
		}
		path = strings.TrimPrefix(path, "results.")
	}

	v := o.Value()
	if got, ok := walkPath(v, strings.Split(path, ".")); ok {
		return cloneValue(got), true
	}
	return gjsonLookup(v, path)
}

// walkPath follows segs through maps and slices. At each map level the
// longest run of segments that names a key wins, so {"a.b": 1} answers
// "a.b".
func walkPath(v any, segs []string) (any, bool) {
	if len(segs) == 0 {
		return v, true
	}
	switch t := v.(type) {
	case map[string]any:
		for n := len(segs); n > 0; n-- {
			next, ok := t[strings.Join(segs[:n], ".")]
			if !ok {
				continue
			}
			if got, ok := walkPath(next, segs[n:]); ok {
				return got, true
			}
		}
	case []any:
		i, err := strconv.Atoi(segs[0])
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}
		return walkPath(t[i], segs[1:])
	}
	return nil, false
}

// cloneValue copies maps and slices so that callers cannot mutate stored
// block state.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// gjsonLookup evaluates path with gjson against the JSON encoding of v.
// Whole numbers come back as int64 when they fit, other numbers as float64.
func gjsonLookup(v any, path string) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(data, path)
	if !res.Exists() {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(res.Raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	return exactNumbers(out), true
}

func exactNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = exactNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = exactNumbers(val)
		}
		return t
	default:
		return v
	}
}

// MarshalJSON encodes the plain value of the output.
func (o Output) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Value())
}
