package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func resolverFixture() (*Workflow, *ExecutionContext) {
	wf := &Workflow{
		ID: "resolve",
		Blocks: []Block{
			namedBlock("start", "Start", TypeStarter),
			namedBlock("agent1", "Research Agent", TypeAgent),
			namedBlock("pa", "parallelA", TypeParallel),
			namedBlock("pb", "parallelB", TypeParallel),
			namedBlock("dup1", "Twin", TypeFunction),
			namedBlock("dup2", "twin", TypeFunction),
			namedBlock("later", "Later", TypeFunction),
		},
	}
	ectx := NewExecutionContext("run", wf, nil, map[string]string{"API_KEY": "secret"})
	ectx.SetBlockState("agent1", JSONOutput(map[string]any{"content": "findings", "tokens": 12}))
	ectx.SetBlockState("pa", SequenceOutput([]Output{TextOutput("a0"), TextOutput("a1")}))
	ectx.SetBlockState("pb", SequenceOutput([]Output{TextOutput("b0")}))
	return wf, ectx
}

func TestResolver_ResolveValue(t *testing.T) {
	wf, ectx := resolverFixture()
	r := NewResolver(wf)
	ctx := context.Background()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"by id keeps type", "<agent1.tokens>", 12},
		{"by name", "<researchagent.content>", "findings"},
		{"embedded", "Summary: <agent1.content>!", "Summary: findings!"},
		{"whole output", "<agent1>", map[string]any{"content": "findings", "tokens": 12}},
		{"sibling A results", "<parallelA.results>", []any{"a0", "a1"}},
		{"sibling B results", "<parallelB.results>", []any{"b0"}},
		{"sibling index", "<parallelB.results.0>", "b0"},
		{"env", "Bearer {{API_KEY}}", "Bearer secret"},
		{"unset env untouched", "{{MISSING}}", "{{MISSING}}"},
		{"unknown head untouched", "a <b> c", "a <b> c"},
		{"not executed is nil", "<later.value>", nil},
		{"not executed embedded", "x<later>y", "xy"},
		{"nested map", map[string]any{"q": []any{"<agent1.content>", 3}}, map[string]any{"q": []any{"findings", 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveValue(ctx, tt.in, ectx)
			if err != nil {
				t.Fatalf("ResolveValue() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ResolveValue(%v) = %#v, want %#v", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolver_Errors(t *testing.T) {
	wf, ectx := resolverFixture()
	r := NewResolver(wf)

	tests := []struct {
		name string
		in   string
	}{
		{"ambiguous name", "<twin.value>"},
		{"scope keyword outside iteration", "<parallel.currentItem>"},
		{"loop keyword outside iteration", "<loop.index>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.ResolveValue(context.Background(), tt.in, ectx)
			var re *ResolveError
			if !errors.As(err, &re) {
				t.Fatalf("ResolveValue(%q) error = %v, want ResolveError", tt.in, err)
			}
		})
	}
}

func TestResolver_IterationScope(t *testing.T) {
	wf := parallelWorkflow(Distribution{Kind: DistributionSequence, Items: []any{"x", "y"}},
		block("first", TypeAgent), block("second", TypeAgent))
	wf.Blocks[1].Name = "Fan Out"
	wf.Connections = append(wf.Connections, conn("first", "second"))
	ectx := NewExecutionContext("run", wf, nil, nil)
	r := NewResolver(wf)

	ectx.mu.Lock()
	st := newConstructState("p1", ConstructParallel, []string{"first", "second"}, Distribution{Kind: DistributionSequence, Items: []any{"x", "y"}}, 2)
	st.ExecutionResults[IterationKey(0)] = map[string]Output{"first": TextOutput("first-0")}
	st.ExecutionResults[IterationKey(1)] = map[string]Output{"first": TextOutput("first-1")}
	ectx.parallelExecutions["p1"] = st
	ectx.mu.Unlock()

	scope := IterationScope{ConstructID: "p1", ConstructName: "Fan Out", Kind: ConstructParallel, Index: 1, Item: "y", Items: []any{"x", "y"}}
	ctx := WithScope(context.Background(), scope)

	tests := []struct {
		in   string
		want any
	}{
		{"<parallel.currentItem>", "y"},
		{"<parallel.index>", 1},
		{"<parallel.items>", []any{"x", "y"}},
		{"<p1.currentItem>", "y"},
		{"<fanout.index>", 1},
		{"item <parallel.currentItem> of <parallel.items>", `item y of ["x","y"]`},
		{"<first.content>", "first-1"},
	}
	for _, tt := range tests {
		got, err := r.ResolveValue(ctx, tt.in, ectx)
		if err != nil {
			t.Fatalf("ResolveValue(%q) error = %v", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ResolveValue(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestResolver_MappingItemFields(t *testing.T) {
	wf := &Workflow{Blocks: []Block{block("l1", TypeLoop)}}
	r := NewResolver(wf)
	ectx := NewExecutionContext("run", wf, nil, nil)
	ctx := WithScope(context.Background(), IterationScope{
		ConstructID: "l1", Kind: ConstructLoop, Index: 0,
		Item: map[string]any{"name": "alpha"},
	})

	got, err := r.ResolveValue(ctx, "<loop.currentItem.name>", ectx)
	if err != nil {
		t.Fatal(err)
	}
	if got != "alpha" {
		t.Errorf("got %v, want alpha", got)
	}
}

func TestResolver_ResolveDistribution(t *testing.T) {
	wf, ectx := resolverFixture()
	ectx.SetBlockState("start", JSONOutput(map[string]any{"items": []any{"u", "v", "w"}}))
	r := NewResolver(wf)

	d, err := r.ResolveDistribution(context.Background(), Distribution{Kind: DistributionExpression, Expr: "<start.items>"}, ectx)
	if err != nil {
		t.Fatalf("ResolveDistribution() error = %v", err)
	}
	if d.Kind != DistributionSequence || d.Len() != 3 {
		t.Errorf("got %v with %d items, want sequence of 3", d.Kind, d.Len())
	}

	if _, err := r.ResolveDistribution(context.Background(), Distribution{Kind: DistributionExpression, Expr: "not a reference"}, ectx); err == nil {
		t.Error("unresolvable expression should fail")
	}

	_, err = r.ResolveDistribution(context.Background(), Distribution{Kind: DistributionExpression, Expr: "<later.items>"}, ectx)
	var re *ResolveError
	if !errors.As(err, &re) {
		t.Fatalf("reference without output: error = %v, want ResolveError", err)
	}
	if re.Reference != "<later.items>" {
		t.Errorf("Reference = %q", re.Reference)
	}
}

func TestResolver_PendingReferences(t *testing.T) {
	wf, ectx := resolverFixture()
	r := NewResolver(wf)
	expr := "<parallelA.results> <later.x> <agent1.content> <nobody.x> <later.y>"

	if got, want := r.PendingReferences(expr, ectx), []string{"pa", "later"}; !reflect.DeepEqual(got, want) {
		t.Errorf("PendingReferences() = %v, want %v", got, want)
	}

	ectx.mu.Lock()
	ectx.completedLoops["pa"] = true
	ectx.mu.Unlock()
	if got, want := r.PendingReferences(expr, ectx), []string{"later"}; !reflect.DeepEqual(got, want) {
		t.Errorf("after completion PendingReferences() = %v, want %v", got, want)
	}
	if ectx.Resolver() != ectx.Resolver() {
		t.Error("context resolver is rebuilt per call")
	}
}

func TestResolver_ResolveInputs(t *testing.T) {
	wf, ectx := resolverFixture()
	r := NewResolver(wf)
	b := Block{ID: "x", Type: TypeFunction, Inputs: map[string]any{"text": "<agent1.content>", "n": 2}}

	got, err := r.ResolveInputs(context.Background(), b, ectx)
	if err != nil {
		t.Fatal(err)
	}
	if got["text"] != "findings" || got["n"] != 2 {
		t.Errorf("ResolveInputs() = %v", got)
	}
	if b.Inputs["text"] != "<agent1.content>" {
		t.Error("ResolveInputs must not mutate the block")
	}
}

func TestResolver_BindReferences(t *testing.T) {
	wf, ectx := resolverFixture()
	r := NewResolver(wf)

	var bound []any
	got, err := r.BindReferences(context.Background(), `<agent1.tokens> > 10 && <b> == "{{API_KEY}}" && <later> == null`, ectx,
		func(n int, v any) string {
			bound = append(bound, v)
			return fmt.Sprintf("refs[%d]", n)
		})
	if err != nil {
		t.Fatalf("BindReferences() error = %v", err)
	}
	want := `refs[0] > 10 && <b> == "secret" && refs[1] == null`
	if got != want {
		t.Errorf("expr = %q, want %q", got, want)
	}
	if !reflect.DeepEqual(bound, []any{12, nil}) {
		t.Errorf("bound = %v", bound)
	}

	if _, err := r.BindReferences(context.Background(), "<twin.x>", ectx, func(int, any) string { return "" }); err == nil {
		t.Error("ambiguous name should fail")
	}
}
