package graph

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/blockflow/graph/emit"
	"github.com/dshills/blockflow/graph/store"
)

func parallelRegistry() *Registry {
	return NewRegistry(
		starterHandler(),
		scopedTextHandler(TypeAgent, "r"),
		echoHandler(TypeFunction),
	)
}

func TestExecutor_ParallelWithItems(t *testing.T) {
	items := []any{"a", "b", "c"}
	wf := parallelWorkflow(Distribution{Kind: DistributionSequence, Items: items}, block("m", TypeAgent))
	exec := mustExecutor(t, parallelRegistry())

	res, ectx, err := exec.ExecuteContext(context.Background(), wf, RunInput{RunID: "run-1"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, error %q", res.Error)
	}

	want := []any{"r0", "r1", "r2"}
	if got := res.Outputs["p1"]; !reflect.DeepEqual(got, want) {
		t.Errorf("Outputs[p1] = %v, want %v", got, want)
	}
	if got := res.Output; !reflect.DeepEqual(got, map[string]any{"results": want}) {
		t.Errorf("Output = %v, want final block output", got)
	}

	st, ok := ectx.ParallelState("p1")
	if !ok {
		t.Fatal("p1 state missing")
	}
	if st.ParallelCount != 3 || st.DistributionType != DistributionTypeDistributed || st.Phase != PhaseCompleted {
		t.Errorf("state = count %d, type %s, phase %s", st.ParallelCount, st.DistributionType, st.Phase)
	}
	if got, _ := ectx.LoopItems("p1_items"); !reflect.DeepEqual(got, items) {
		t.Errorf("p1_items = %v", got)
	}
	if got, _ := ectx.LoopItems("m_parallel_p1_iteration_2"); got != "c" {
		t.Errorf("item bound to iteration 2 = %v, want c", got)
	}
	if !ectx.IsLoopCompleted("p1") {
		t.Error("p1 should be completed")
	}
	if res.Metadata.RunID != "run-1" || res.Metadata.Passes != 5 {
		t.Errorf("metadata = %+v", res.Metadata)
	}

	var virtual int
	for _, l := range res.Logs {
		if l.VirtualID != "" {
			virtual++
			if l.BlockID != "m" {
				t.Errorf("virtual log attributed to %s, want m", l.BlockID)
			}
		}
	}
	if virtual != 3 {
		t.Errorf("virtual logs = %d, want 3", virtual)
	}
}

func TestExecutor_ParallelDistributions(t *testing.T) {
	itemHandler := BlockFunc("item", func(ctx context.Context, _ Block, _ map[string]any, _ *ExecutionContext) (Result, error) {
		s, _ := ScopeFromContext(ctx)
		return OutputResult(DynamicOutput(s.Item)), nil
	})

	var mapping Distribution
	if err := mapping.UnmarshalJSON([]byte(`{"k2":"v2","k1":"v1"}`)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		dist Distribution
		want []any
	}{
		{"mapping keeps order", mapping, []any{[]any{"k2", "v2"}, []any{"k1", "v1"}}},
		{"count has no items", Distribution{Kind: DistributionCount, Count: 2}, []any{nil, nil}},
		{"default is one iteration", Distribution{}, []any{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := parallelWorkflow(tt.dist, block("m", "item"))
			exec := mustExecutor(t, NewRegistry(starterHandler(), itemHandler, echoHandler(TypeFunction)))

			res, err := exec.Execute(context.Background(), wf, RunInput{})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got := res.Outputs["p1"]; !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Outputs[p1] = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestExecutor_MappingItemsKeepOrder(t *testing.T) {
	var mapping Distribution
	if err := mapping.UnmarshalJSON([]byte(`{"zeta":1,"alpha":2}`)); err != nil {
		t.Fatal(err)
	}
	wf := parallelWorkflow(mapping, block("m", TypeAgent))
	exec := mustExecutor(t, parallelRegistry())

	_, ectx, err := exec.ExecuteContext(context.Background(), wf, RunInput{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := []any{[]any{"zeta", float64(1)}, []any{"alpha", float64(2)}}
	if got, _ := ectx.LoopItems("p1_items"); !reflect.DeepEqual(got, want) {
		t.Errorf("p1_items = %#v, want %#v", got, want)
	}
}

func TestExecutor_ParallelExpressionDistribution(t *testing.T) {
	wf := parallelWorkflow(Distribution{Kind: DistributionExpression, Expr: "<start.input.urls>"}, block("m", TypeAgent))
	exec := mustExecutor(t, parallelRegistry())

	res, err := exec.Execute(context.Background(), wf, RunInput{
		Input: map[string]any{"urls": []any{"u1", "u2"}},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := res.Outputs["p1"]; !reflect.DeepEqual(got, []any{"r0", "r1"}) {
		t.Errorf("Outputs[p1] = %v", got)
	}
}

func TestExecutor_MemberChainWithinIteration(t *testing.T) {
	wf := parallelWorkflow(Distribution{Kind: DistributionSequence, Items: []any{"x", "y"}},
		block("first", TypeAgent),
		Block{ID: "second", Type: TypeFunction, Inputs: map[string]any{
			"prev": "<first.content>",
			"item": "<parallel.currentItem>",
			"idx":  "<p1.index>",
		}},
	)
	wf.Connections = append(wf.Connections, conn("first", "second"))
	exec := mustExecutor(t, parallelRegistry())

	res, err := exec.Execute(context.Background(), wf, RunInput{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := []any{
		map[string]any{"prev": "r0", "item": "x", "idx": 0},
		map[string]any{"prev": "r1", "item": "y", "idx": 1},
	}
	if got := res.Outputs["p1"]; !reflect.DeepEqual(got, want) {
		t.Errorf("Outputs[p1] = %#v, want %#v", got, want)
	}
}

func TestExecutor_SiblingParallelsByName(t *testing.T) {
	wf := &Workflow{
		ID: "siblings",
		Blocks: []Block{
			block("start", TypeStarter),
			namedBlock("pA", "parallelA", TypeParallel),
			block("a", TypeAgent),
			namedBlock("pB", "parallelB", TypeParallel),
			block("b", "worker"),
			{ID: "final", Type: TypeFunction, Inputs: map[string]any{
				"a": "<parallelA.results>",
				"b": "<parallelB.results>",
			}},
		},
		Connections: []Connection{
			conn("start", "pA"),
			handleConn("pA", "a", HandleParallelStart),
			handleConn("pA", "pB", HandleParallelEnd),
			handleConn("pB", "b", HandleParallelStart),
			handleConn("pB", "final", HandleParallelEnd),
		},
		Parallels: map[string]Parallel{
			"pA": {ID: "pA", Nodes: []string{"a"}, Distribution: Distribution{Kind: DistributionSequence, Items: []any{1, 2}}},
			"pB": {ID: "pB", Nodes: []string{"b"}, Distribution: Distribution{Kind: DistributionSequence, Items: []any{1, 2, 3}}},
		},
	}
	reg := NewRegistry(starterHandler(), scopedTextHandler(TypeAgent, "a"), scopedTextHandler("worker", "b"), echoHandler(TypeFunction))
	exec := mustExecutor(t, reg)

	res, err := exec.Execute(context.Background(), wf, RunInput{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	want := map[string]any{
		"a": []any{"a0", "a1"},
		"b": []any{"b0", "b1", "b2"},
	}
	if !reflect.DeepEqual(res.Output, want) {
		t.Errorf("Output = %v, want %v", res.Output, want)
	}
}

func TestExecutor_DistributionFromConstructResults(t *testing.T) {
	chained := func(connections ...Connection) *Workflow {
		return &Workflow{
			ID: "chained",
			Blocks: []Block{
				block("start", TypeStarter),
				namedBlock("pA", "parallelA", TypeParallel),
				block("a", TypeAgent),
				namedBlock("pB", "parallelB", TypeParallel),
				block("b", "worker"),
				{ID: "final", Type: TypeFunction, Inputs: map[string]any{"b": "<parallelB.results>"}},
			},
			Connections: append([]Connection{
				handleConn("pA", "a", HandleParallelStart),
				handleConn("pB", "b", HandleParallelStart),
				handleConn("pB", "final", HandleParallelEnd),
			}, connections...),
			Parallels: map[string]Parallel{
				"pA": {ID: "pA", Nodes: []string{"a"}, Distribution: Distribution{Kind: DistributionSequence, Items: []any{1, 2, 3}}},
				"pB": {ID: "pB", Nodes: []string{"b"}, Distribution: Distribution{Kind: DistributionExpression, Expr: "<parallelA.results>"}},
			},
		}
	}
	tests := []struct {
		name string
		wf   *Workflow
	}{
		{"downstream of end handle", chained(conn("start", "pA"), handleConn("pA", "pB", HandleParallelEnd))},
		{"siblings", chained(conn("start", "pA"), conn("start", "pB"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(starterHandler(), scopedTextHandler(TypeAgent, "a"), scopedTextHandler("worker", "b"), echoHandler(TypeFunction))
			exec := mustExecutor(t, reg)

			res, ectx, err := exec.ExecuteContext(context.Background(), tt.wf, RunInput{})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			want := map[string]any{"b": []any{"b0", "b1", "b2"}}
			if !reflect.DeepEqual(res.Output, want) {
				t.Errorf("Output = %v, want %v", res.Output, want)
			}
			if got, _ := ectx.LoopItems("pB_items"); !reflect.DeepEqual(got, []any{"a0", "a1", "a2"}) {
				t.Errorf("pB items = %v, want parallelA results", got)
			}
		})
	}
}

func TestExecutor_DistributionWithoutOutputFails(t *testing.T) {
	wf := parallelWorkflow(Distribution{Kind: DistributionExpression, Expr: "<ghost.results>"}, block("a", TypeAgent))
	wf.Blocks = append(wf.Blocks, block("ghost", TypeFunction))
	calls := newCallCounter()
	exec := mustExecutor(t, NewRegistry(starterHandler(), calls.wrap(scopedTextHandler(TypeAgent, "a")), echoHandler(TypeFunction)))

	res, err := exec.Execute(context.Background(), wf, RunInput{})
	var re *ResolveError
	if !errors.As(err, &re) {
		t.Fatalf("Execute() error = %v, want ResolveError", err)
	}
	if res == nil || res.Success {
		t.Errorf("result = %+v, want failure", res)
	}
	if n := calls.count("a"); n != 0 {
		t.Errorf("member ran %d times, want 0", n)
	}
}

func TestExecutor_UnsupportedLoopType(t *testing.T) {
	wf := loopWorkflow(Distribution{}, block("a", TypeAgent))
	l := wf.Loops["l1"]
	l.LoopType = "while"
	l.Iterations = 2
	wf.Loops["l1"] = l
	exec := mustExecutor(t, parallelRegistry())

	res, err := exec.Execute(context.Background(), wf, RunInput{})
	if !errors.Is(err, ErrInvalidWorkflow) {
		t.Fatalf("Execute() error = %v, want ErrInvalidWorkflow", err)
	}
	if res == nil || res.Success {
		t.Errorf("result = %+v, want failure", res)
	}
}

func TestRun_ReadyWorkPathChecks(t *testing.T) {
	wf := &Workflow{
		ID: "ready",
		Blocks: []Block{
			block("start", TypeStarter),
			block("router", TypeRouter),
			block("a", TypeAgent),
			block("p1", TypeParallel),
			block("m", TypeAgent),
		},
		Connections: []Connection{
			conn("start", "router"),
			conn("router", "a"),
			conn("router", "p1"),
			handleConn("p1", "m", HandleParallelStart),
		},
		Parallels: map[string]Parallel{"p1": {ID: "p1", Nodes: []string{"m"}}},
	}
	r := mustExecutor(t, parallelRegistry()).newRun(wf, "run", RunInput{})
	r.ectx.commit(block("start", TypeStarter), JSONOutput(nil))
	r.ectx.Activate("a", "p1")

	var got []string
	for _, w := range r.readyWork(context.Background()) {
		got = append(got, w.block.ID)
	}
	// Regular blocks are scheduled on activation alone. Flow-control blocks
	// also need a reachable source.
	if want := []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("readyWork = %v, want %v", got, want)
	}
	if r.resolver != r.ectx.Resolver() {
		t.Error("run and context resolvers differ")
	}
}

func TestExecutor_LoopForEach(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	body := BlockFunc(TypeAgent, func(ctx context.Context, _ Block, _ map[string]any, _ *ExecutionContext) (Result, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		if n > maxInFlight.Load() {
			maxInFlight.Store(n)
		}
		s, _ := ScopeFromContext(ctx)
		return OutputResult(TextOutput(s.Item.(string) + "!")), nil
	})
	wf := loopWorkflow(Distribution{Kind: DistributionSequence, Items: []any{"u", "v", "w"}}, block("a", TypeAgent))
	exec := mustExecutor(t, NewRegistry(starterHandler(), body, echoHandler(TypeFunction)), WithMaxConcurrent(4))

	res, ectx, err := exec.ExecuteContext(context.Background(), wf, RunInput{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := res.Output; !reflect.DeepEqual(got, map[string]any{"results": []any{"u!", "v!", "w!"}}) {
		t.Errorf("Output = %v", got)
	}
	if maxInFlight.Load() != 1 {
		t.Errorf("loop iterations overlapped: max in flight %d", maxInFlight.Load())
	}
	if st, _ := ectx.LoopState("l1"); st.CompletedExecutions != 3 {
		t.Errorf("CompletedExecutions = %d, want 3", st.CompletedExecutions)
	}
}

func TestExecutor_LoopFor(t *testing.T) {
	wf := loopWorkflow(Distribution{}, block("a", TypeAgent))
	l := wf.Loops["l1"]
	l.LoopType = LoopFor
	l.Iterations = 2
	wf.Loops["l1"] = l
	exec := mustExecutor(t, parallelRegistry())

	res, err := exec.Execute(context.Background(), wf, RunInput{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := res.Outputs["l1"]; !reflect.DeepEqual(got, []any{"r0", "r1"}) {
		t.Errorf("Outputs[l1] = %v", got)
	}
}

func TestExecutor_LoopIterationLimit(t *testing.T) {
	wf := loopWorkflow(Distribution{Kind: DistributionSequence, Items: []any{1, 2, 3}}, block("a", TypeAgent))
	exec := mustExecutor(t, parallelRegistry(), WithMaxLoopIterations(2))

	_, err := exec.Execute(context.Background(), wf, RunInput{})
	var be *BlockError
	if !errors.As(err, &be) || be.BlockID != "l1" {
		t.Fatalf("Execute() error = %v, want BlockError on l1", err)
	}
}

func TestExecutor_RouterJoinRunsOnce(t *testing.T) {
	wf := &Workflow{
		ID: "join",
		Blocks: []Block{
			block("start", TypeStarter),
			block("router", TypeRouter),
			block("a", TypeAgent),
			block("b", TypeAgent),
			block("join", TypeFunction),
		},
		Connections: []Connection{
			conn("start", "router"),
			conn("router", "a"),
			conn("router", "b"),
			conn("a", "join"),
			conn("b", "join"),
		},
	}
	calls := newCallCounter()
	reg := NewRegistry(starterHandler(), routerTo("a"), calls.wrap(echoHandler(TypeAgent)), calls.wrap(echoHandler(TypeFunction)))
	exec := mustExecutor(t, reg)

	res, err := exec.Execute(context.Background(), wf, RunInput{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls.count("join") != 1 {
		t.Errorf("join ran %d times, want 1", calls.count("join"))
	}
	if calls.count("b") != 0 {
		t.Error("unselected branch b ran")
	}
	if _, ok := res.Outputs["b"]; ok {
		t.Error("b must not have an output")
	}
	if got, ok := res.Outputs["router"].(map[string]any); !ok || !reflect.DeepEqual(got["selectedPath"], map[string]any{"blockId": "a"}) {
		t.Errorf("router output = %v", res.Outputs["router"])
	}
}

func TestExecutor_ConditionBranch(t *testing.T) {
	tests := []struct {
		branch  string
		ran     string
		skipped string
	}{
		{"y", "yes", "no"},
		{"n", "no", "yes"},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			reg := NewRegistry(starterHandler(), routerTo("a"), conditionBranch(tt.branch),
				echoHandler(TypeAgent), echoHandler(TypeFunction))
			exec := mustExecutor(t, reg)

			res, err := exec.Execute(context.Background(), routingWorkflow(), RunInput{})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if _, ok := res.Outputs[tt.ran]; !ok {
				t.Errorf("%s should have run", tt.ran)
			}
			if _, ok := res.Outputs[tt.skipped]; ok {
				t.Errorf("%s should not have run", tt.skipped)
			}
		})
	}
}

func TestExecutor_ConcurrentResultsKeepOrder(t *testing.T) {
	slow := BlockFunc(TypeAgent, func(ctx context.Context, _ Block, _ map[string]any, _ *ExecutionContext) (Result, error) {
		s, _ := ScopeFromContext(ctx)
		// Earlier iterations finish last.
		time.Sleep(time.Duration(5-s.Index) * 5 * time.Millisecond)
		return OutputResult(TextOutput(s.Item.(string))), nil
	})
	items := []any{"i0", "i1", "i2", "i3", "i4"}
	wf := parallelWorkflow(Distribution{Kind: DistributionSequence, Items: items}, block("m", TypeAgent))

	for _, n := range []int{1, 4} {
		exec := mustExecutor(t, NewRegistry(starterHandler(), slow, echoHandler(TypeFunction)), WithMaxConcurrent(n))
		res, err := exec.Execute(context.Background(), wf, RunInput{})
		if err != nil {
			t.Fatalf("MaxConcurrent %d: Execute() error = %v", n, err)
		}
		if got := res.Outputs["p1"]; !reflect.DeepEqual(got, items) {
			t.Errorf("MaxConcurrent %d: Outputs[p1] = %v, want %v", n, got, items)
		}
	}
}

func TestExecutor_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	member := BlockFunc(TypeAgent, func(_ context.Context, _ Block, _ map[string]any, _ *ExecutionContext) (Result, error) {
		cancel()
		return OutputResult(TextOutput("partial")), nil
	})
	wf := parallelWorkflow(Distribution{Kind: DistributionCount, Count: 3}, block("m", TypeAgent))
	exec := mustExecutor(t, NewRegistry(starterHandler(), member, echoHandler(TypeFunction)))

	res, ectx, err := exec.ExecuteContext(ctx, wf, RunInput{})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Execute() error = %v, want ErrCanceled", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != CodeCanceled {
		t.Errorf("error = %v, want CANCELED", err)
	}
	if res.Success {
		t.Error("canceled run must not succeed")
	}
	if _, ok := ectx.ParallelState("p1"); ok {
		t.Error("partial construct should be discarded")
	}
	if _, ok := res.Outputs["p1"]; ok {
		t.Error("partial aggregate must not be returned")
	}
	if _, ok := res.Outputs["final"]; ok {
		t.Error("final must not run after cancellation")
	}
}

func TestExecutor_BlockTimeout(t *testing.T) {
	stuck := BlockFunc(TypeAgent, func(ctx context.Context, _ Block, _ map[string]any, _ *ExecutionContext) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	wf := &Workflow{
		ID:          "timeout",
		Blocks:      []Block{block("start", TypeStarter), block("a", TypeAgent)},
		Connections: []Connection{conn("start", "a")},
	}
	exec := mustExecutor(t, NewRegistry(starterHandler(), stuck), WithBlockTimeout(20*time.Millisecond))

	res, err := exec.Execute(context.Background(), wf, RunInput{})
	var be *BlockError
	if !errors.As(err, &be) || be.Code != CodeBlockTimeout || be.BlockID != "a" {
		t.Fatalf("Execute() error = %v, want BLOCK_TIMEOUT on a", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("timeout should wrap context.DeadlineExceeded")
	}
	last := res.Logs[len(res.Logs)-1]
	if last.Success || last.BlockID != "a" {
		t.Errorf("last log = %+v", last)
	}
}

func TestExecutor_Streaming(t *testing.T) {
	streamer := BlockFunc(TypeAgent, func(_ context.Context, _ Block, _ map[string]any, _ *ExecutionContext) (Result, error) {
		return StreamResult(&StreamingHandle{
			Stream:   io.NopCloser(strings.NewReader("hello world")),
			Metadata: map[string]any{"model": "mock"},
		}), nil
	})
	wf := &Workflow{
		ID:          "stream",
		Blocks:      []Block{block("start", TypeStarter), {ID: "a", Type: TypeAgent, Stream: true}},
		Connections: []Connection{conn("start", "a")},
	}

	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{"no timeout", 0},
		{"with timeout", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			var sinkBlock string
			sink := func(_ context.Context, h *StreamingHandle) error {
				sinkBlock = h.BlockID
				buf := make([]byte, 5)
				n, err := io.ReadFull(h.Stream, buf)
				seen = string(buf[:n])
				return err
			}
			exec := mustExecutor(t, NewRegistry(starterHandler(), streamer), WithBlockTimeout(tt.timeout))

			res, err := exec.Execute(context.Background(), wf, RunInput{StreamSink: sink})
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if sinkBlock != "a" || seen != "hello" {
				t.Errorf("sink saw block %q content %q", sinkBlock, seen)
			}
			if got := res.Outputs["a"]; !reflect.DeepEqual(got, map[string]any{"content": "hello world"}) {
				t.Errorf("Outputs[a] = %v", got)
			}
			last := res.Logs[len(res.Logs)-1]
			if last.Metadata["model"] != "mock" {
				t.Errorf("log metadata = %v", last.Metadata)
			}
		})
	}
}

func TestExecutor_StreamSinkError(t *testing.T) {
	streamer := BlockFunc(TypeAgent, func(_ context.Context, _ Block, _ map[string]any, _ *ExecutionContext) (Result, error) {
		return StreamResult(&StreamingHandle{Stream: io.NopCloser(strings.NewReader("x"))}), nil
	})
	wf := &Workflow{
		ID:          "stream",
		Blocks:      []Block{block("start", TypeStarter), block("a", TypeAgent)},
		Connections: []Connection{conn("start", "a")},
	}
	exec := mustExecutor(t, NewRegistry(starterHandler(), streamer))
	sinkErr := errors.New("client went away")

	_, err := exec.Execute(context.Background(), wf, RunInput{StreamSink: func(context.Context, *StreamingHandle) error {
		return sinkErr
	}})
	if !errors.Is(err, sinkErr) {
		t.Errorf("Execute() error = %v, want sink error", err)
	}
}

func TestExecutor_HandlerErrors(t *testing.T) {
	boom := errors.New("boom")
	failing := BlockFunc(TypeAgent, func(context.Context, Block, map[string]any, *ExecutionContext) (Result, error) {
		return Result{}, boom
	})
	panicking := BlockFunc(TypeAgent, func(context.Context, Block, map[string]any, *ExecutionContext) (Result, error) {
		panic("kaboom")
	})
	linear := &Workflow{
		ID:          "linear",
		Blocks:      []Block{block("start", TypeStarter), block("a", TypeAgent), block("after", TypeFunction)},
		Connections: []Connection{conn("start", "a"), conn("a", "after")},
	}

	tests := []struct {
		name       string
		handler    Handler
		wf         *Workflow
		wantVID    string
		wantCause  error
		wantSubstr string
	}{
		{"real block", failing, linear, "", boom, "boom"},
		{"panic", panicking, linear, "", nil, "panicked"},
		{"virtual instance", failing, parallelWorkflow(Distribution{Kind: DistributionCount, Count: 1}, block("a", TypeAgent)),
			"a_parallel_p1_iteration_0", boom, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := mustExecutor(t, NewRegistry(starterHandler(), tt.handler, echoHandler(TypeFunction)))
			res, err := exec.Execute(context.Background(), tt.wf, RunInput{})

			var be *BlockError
			if !errors.As(err, &be) {
				t.Fatalf("Execute() error = %v, want BlockError", err)
			}
			if be.BlockID != "a" || be.VirtualID != tt.wantVID || be.Code != CodeHandlerFailed {
				t.Errorf("BlockError = %+v", be)
			}
			if tt.wantCause != nil && !errors.Is(err, tt.wantCause) {
				t.Errorf("error does not wrap %v", tt.wantCause)
			}
			if !strings.Contains(err.Error(), tt.wantSubstr) {
				t.Errorf("error %q does not mention %q", err, tt.wantSubstr)
			}
			if res.Success || res.Error == "" {
				t.Error("failed run should report the error")
			}
			for _, id := range []string{"after", "final"} {
				if _, ok := res.Outputs[id]; ok {
					t.Errorf("%s ran after a failure", id)
				}
			}
		})
	}
}

func TestExecutor_UnresolvableReference(t *testing.T) {
	wf := &Workflow{
		ID: "ambiguous",
		Blocks: []Block{
			block("start", TypeStarter),
			namedBlock("x1", "Same", TypeAgent),
			namedBlock("x2", "same", TypeAgent),
			{ID: "f", Type: TypeFunction, Inputs: map[string]any{"v": "<same.content>"}},
		},
		Connections: []Connection{conn("start", "f")},
	}
	exec := mustExecutor(t, testRegistry())

	_, err := exec.Execute(context.Background(), wf, RunInput{})
	var be *BlockError
	if !errors.As(err, &be) || be.Code != CodeResolveFailed || be.BlockID != "f" {
		t.Errorf("Execute() error = %v, want RESOLVE_FAILED on f", err)
	}
}

func TestExecutor_AggregationFailure(t *testing.T) {
	wf := parallelWorkflow(Distribution{Kind: DistributionCount, Count: 1}, block("m", TypeAgent))
	wf.Blocks = append(wf.Blocks, block("orphan", TypeAgent))
	for i, c := range wf.Connections {
		if c.Target == "m" {
			wf.Connections[i] = conn("orphan", "m")
		}
	}
	exec := mustExecutor(t, parallelRegistry())

	_, err := exec.Execute(context.Background(), wf, RunInput{})
	var be *BlockError
	if !errors.As(err, &be) || be.Code != CodeAggregationFailed || be.BlockID != "p1" {
		t.Fatalf("Execute() error = %v, want AGGREGATION_FAILED on p1", err)
	}
	var ae *AggregationError
	if !errors.As(err, &ae) || ae.ConstructID != "p1" {
		t.Errorf("error does not wrap the aggregation error: %v", err)
	}
}

func TestExecutor_MaxPasses(t *testing.T) {
	wf := parallelWorkflow(Distribution{Kind: DistributionCount, Count: 1}, block("m", TypeAgent))
	exec := mustExecutor(t, parallelRegistry(), WithMaxPasses(2))

	res, err := exec.Execute(context.Background(), wf, RunInput{})
	if !errors.Is(err, ErrMaxPassesExceeded) {
		t.Fatalf("Execute() error = %v, want ErrMaxPassesExceeded", err)
	}
	if res.Metadata.Passes != 3 {
		t.Errorf("Passes = %d, want 3", res.Metadata.Passes)
	}
}

func TestExecutor_InvalidWorkflow(t *testing.T) {
	exec := mustExecutor(t, testRegistry())

	for name, wf := range map[string]*Workflow{
		"nil":          nil,
		"unknown type": {ID: "bad", Blocks: []Block{block("x", "teleport")}},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := exec.Execute(context.Background(), wf, RunInput{})
			if !errors.Is(err, ErrInvalidWorkflow) {
				t.Fatalf("Execute() error = %v, want ErrInvalidWorkflow", err)
			}
			if res == nil || res.Success || len(res.Logs) != 0 {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestExecutor_DisabledBlockIsSkipped(t *testing.T) {
	off := false
	wf := &Workflow{
		ID: "disabled",
		Blocks: []Block{
			block("start", TypeStarter),
			{ID: "a", Type: TypeAgent, Enabled: &off},
			block("b", TypeAgent),
		},
		Connections: []Connection{conn("start", "a"), conn("start", "b")},
	}
	exec := mustExecutor(t, testRegistry())

	res, err := exec.Execute(context.Background(), wf, RunInput{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Outputs["a"]; ok {
		t.Error("disabled block ran")
	}
	if _, ok := res.Outputs["b"]; !ok {
		t.Error("b should run")
	}
}

func TestExecutor_EnvAndInput(t *testing.T) {
	wf := &Workflow{
		ID: "env",
		Blocks: []Block{
			block("start", TypeStarter),
			{ID: "call", Type: TypeAgent, Inputs: map[string]any{
				"auth":  "Bearer {{TOKEN}}",
				"topic": "<start.input.topic>",
			}},
		},
		Connections: []Connection{conn("start", "call")},
	}
	exec := mustExecutor(t, testRegistry())

	res, err := exec.Execute(context.Background(), wf, RunInput{
		Input: map[string]any{"topic": "go"},
		Env:   map[string]string{"TOKEN": "t0k"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"auth": "Bearer t0k", "topic": "go"}
	if !reflect.DeepEqual(res.Output, want) {
		t.Errorf("Output = %v, want %v", res.Output, want)
	}
}

func TestExecutor_Events(t *testing.T) {
	wf := parallelWorkflow(Distribution{Kind: DistributionCount, Count: 3}, block("m", TypeAgent))
	events := emit.NewBufferedEmitter()
	exec := mustExecutor(t, parallelRegistry(), WithEmitter(events))

	if _, err := exec.Execute(context.Background(), wf, RunInput{RunID: "evt"}); err != nil {
		t.Fatal(err)
	}

	want := map[string]int{
		emit.MsgRunStart:          1,
		emit.MsgRunComplete:       1,
		emit.MsgPassStart:         5,
		emit.MsgBlockStart:        7,
		emit.MsgBlockEnd:          7,
		emit.MsgBlockError:        0,
		emit.MsgConstructStart:    1,
		emit.MsgConstructReady:    1,
		emit.MsgConstructComplete: 1,
	}
	for msg, n := range want {
		if got := events.Count("evt", msg); got != n {
			t.Errorf("Count(%s) = %d, want %d", msg, got, n)
		}
	}

	virtual := events.GetHistoryWithFilter("evt", emit.HistoryFilter{Msg: emit.MsgBlockEnd, Virtual: true})
	if len(virtual) != 3 {
		t.Errorf("virtual block_end events = %d, want 3", len(virtual))
	}
	for _, ev := range virtual {
		if ev.BlockID != "m" || ev.Pass != 3 {
			t.Errorf("virtual event = %+v", ev)
		}
	}
}

func TestExecutor_PersistsRuns(t *testing.T) {
	runs := store.NewMemStore()
	exec := mustExecutor(t, parallelRegistry(), WithStore(runs))
	wf := parallelWorkflow(Distribution{Kind: DistributionCount, Count: 2}, block("m", TypeAgent))

	if _, err := exec.Execute(context.Background(), wf, RunInput{RunID: "saved"}); err != nil {
		t.Fatal(err)
	}

	rec, err := runs.LoadRun(context.Background(), "saved")
	if err != nil {
		t.Fatalf("LoadRun() error = %v", err)
	}
	if !rec.Success || rec.WorkflowID != wf.ID || rec.Passes != 5 {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(string(rec.Output), `"results":["r0","r1"]`) {
		t.Errorf("record output = %s", rec.Output)
	}
}

func TestExecutor_ConcurrentRuns(t *testing.T) {
	exec := mustExecutor(t, parallelRegistry(), WithMaxConcurrent(2))
	wf := parallelWorkflow(Distribution{Kind: DistributionCount, Count: 4}, block("m", TypeAgent))

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			res, err := exec.Execute(context.Background(), wf, RunInput{})
			if err == nil && len(res.Outputs["p1"].([]any)) != 4 {
				err = errors.New("incomplete aggregate")
			}
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Errorf("run %d: %v", i, err)
		}
	}
}
