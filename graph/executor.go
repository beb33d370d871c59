package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/blockflow/graph/emit"
	"github.com/dshills/blockflow/graph/store"
	"github.com/dshills/blockflow/internal/logger"
)

// Executor runs workflows.
//
// An Executor holds no per-run state and may run any number of workflows
// concurrently. Each call to Execute builds its own ExecutionContext, path
// tracker and flow-control managers, which are discarded when it returns.
type Executor struct {
	registry *Registry
	opts     Options
}

// RunInput carries the per-run inputs of Execute.
type RunInput struct {
	// RunID identifies the run. A random id is generated when empty.
	RunID string

	// Input is the initial payload, available to the starter block.
	Input any

	// Env holds the variables substituted for {{NAME}} references.
	Env map[string]string

	// StreamSink receives streaming handles as blocks start streaming. When
	// nil, streams are drained and only their final content is kept.
	StreamSink StreamSink
}

// New creates an Executor that dispatches blocks through registry. Parallel
// and loop blocks are handled by the engine itself and need no registration.
func New(registry *Registry, opts ...Option) (*Executor, error) {
	if registry == nil {
		registry = NewRegistry()
	}
	var o Options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	o.applyDefaults()
	return &Executor{registry: registry, opts: o}, nil
}

// Registry returns the handler registry used by the executor.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs wf to completion.
//
// The run proceeds in passes. Each pass collects every ready block (on the
// active path, not yet executed, with at least one satisfied incoming
// connection) plus every ready iteration instance of an active parallel or
// loop construct, executes them, merges their outputs into the execution
// context and advances the active path. The run ends when a pass finds
// nothing ready.
//
// The returned result is never nil. On failure it carries the logs and
// outputs recorded so far and err describes the failure: an *EngineError for
// configuration problems, pass limits and cancellation (wrapping
// ErrInvalidWorkflow, ErrMaxPassesExceeded or ErrCanceled), or a
// *BlockError for the first handler that failed.
func (e *Executor) Execute(ctx context.Context, wf *Workflow, in RunInput) (*ExecutionResult, error) {
	res, _, err := e.execute(ctx, wf, in)
	return res, err
}

// ExecuteContext is Execute but also returns the execution context of the
// run for inspection. The context is nil when the workflow failed
// validation.
func (e *Executor) ExecuteContext(ctx context.Context, wf *Workflow, in RunInput) (*ExecutionResult, *ExecutionContext, error) {
	return e.execute(ctx, wf, in)
}

func (e *Executor) execute(ctx context.Context, wf *Workflow, in RunInput) (*ExecutionResult, *ExecutionContext, error) {
	started := time.Now()
	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	if wf == nil {
		err := &EngineError{Message: "workflow is nil", Code: CodeInvalidWorkflow, Cause: ErrInvalidWorkflow}
		return failedResult(runID, "", started, err), nil, err
	}
	if err := wf.Validate(e.registry); err != nil {
		return failedResult(runID, wf.ID, started, err), nil, err
	}

	base, ok := logger.Lookup(ctx)
	if !ok {
		base = e.opts.Logger
	}
	log := base.With("run_id", runID, "workflow_id", wf.ID)
	ctx = logger.ContextWithLogger(ctx, log)

	r := e.newRun(wf, runID, in)
	e.opts.Metrics.RunStarted()
	r.emit(emit.Event{Msg: emit.MsgRunStart, Meta: map[string]any{"workflow_id": wf.ID}})
	log.Info("run started", "blocks", len(wf.Blocks))

	err := r.loop(ctx)

	res := r.result(started, err)
	e.opts.Metrics.RunFinished(r.pass, res.Success)
	if err != nil {
		log.Error("run failed", "error", err, "passes", r.pass)
		r.emit(emit.Event{Msg: emit.MsgRunError, Meta: map[string]any{"error": err.Error(), "passes": r.pass}})
	} else {
		log.Info("run completed", "passes", r.pass, "duration_ms", res.Metadata.DurationMs)
		r.emit(emit.Event{Msg: emit.MsgRunComplete, Meta: map[string]any{"passes": r.pass, "duration_ms": res.Metadata.DurationMs}})
	}
	e.save(ctx, res)
	return res, r.ectx, err
}

// save persists a finished run. Store failures are logged and never fail the
// run.
func (e *Executor) save(ctx context.Context, res *ExecutionResult) {
	if e.opts.Store == nil {
		return
	}
	rec, err := runRecord(res)
	if err == nil {
		err = e.opts.Store.SaveRun(context.WithoutCancel(ctx), rec)
	}
	if err != nil {
		logger.FromContext(ctx).Warn("failed to persist run", "error", err)
	}
}

func runRecord(res *ExecutionResult) (store.RunRecord, error) {
	output, err := json.Marshal(res.Output)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("encode output: %w", err)
	}
	logs, err := json.Marshal(res.Logs)
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("encode logs: %w", err)
	}
	return store.RunRecord{
		RunID:      res.Metadata.RunID,
		WorkflowID: res.Metadata.WorkflowID,
		Success:    res.Success,
		Error:      res.Error,
		Output:     output,
		Logs:       logs,
		Passes:     res.Metadata.Passes,
		StartedAt:  res.Metadata.StartTime,
		EndedAt:    res.Metadata.EndTime,
	}, nil
}

func failedResult(runID, workflowID string, started time.Time, err error) *ExecutionResult {
	ended := time.Now()
	return &ExecutionResult{
		Success: false,
		Error:   err.Error(),
		Logs:    []BlockLog{},
		Metadata: RunMetadata{
			RunID:      runID,
			WorkflowID: workflowID,
			StartTime:  started,
			EndTime:    ended,
			DurationMs: ended.Sub(started).Milliseconds(),
		},
	}
}

// run is the state of one Execute call.
type run struct {
	exec      *Executor
	wf        *Workflow
	ectx      *ExecutionContext
	resolver  *Resolver
	tracker   *PathTracker
	parallels *ParallelManager
	loops     *LoopManager
	engine    []Handler
	sink      StreamSink
	pass      int
}

func (e *Executor) newRun(wf *Workflow, runID string, in RunInput) *run {
	tracker := NewPathTracker(wf)
	ectx := NewExecutionContext(runID, wf, in.Input, in.Env)
	resolver := ectx.Resolver()
	r := &run{
		exec:      e,
		wf:        wf,
		ectx:      ectx,
		resolver:  resolver,
		tracker:   tracker,
		parallels: NewParallelManager(wf, tracker),
		loops:     NewLoopManager(wf, tracker, e.opts.MaxLoopIterations),
		sink:      in.StreamSink,
	}
	r.engine = []Handler{
		&parallelHandler{manager: r.parallels, resolver: resolver},
		&loopHandler{manager: r.loops, resolver: resolver},
	}
	return r
}

// workItem is one unit of work in a pass: a real block or an iteration
// instance of a construct member.
type workItem struct {
	block   Block
	virtual *VirtualKey
}

// outcome is the result of executing one work item.
type outcome struct {
	item     workItem
	out      Output
	err      error
	canceled bool
}

func (r *run) emit(ev emit.Event) {
	ev.RunID = r.ectx.RunID()
	ev.Pass = r.pass
	ev.Time = time.Now()
	r.exec.opts.Emitter.Emit(ev)
}

func (r *run) loop(ctx context.Context) error {
	entry, _ := r.wf.EntryBlock()
	r.ectx.Activate(entry.ID)

	for {
		if ctx.Err() != nil {
			return r.canceled()
		}

		work := r.readyWork(ctx)
		if len(work) == 0 {
			return nil
		}

		r.pass++
		if r.pass > r.exec.opts.MaxPasses {
			return &EngineError{
				Message: fmt.Sprintf("run exceeded %d passes", r.exec.opts.MaxPasses),
				Code:    CodeMaxPassesExceeded,
				Cause:   ErrMaxPassesExceeded,
			}
		}
		r.emit(emit.Event{Msg: emit.MsgPassStart, Meta: map[string]any{"ready": len(work)}})

		if err := r.runPass(ctx, work); err != nil {
			return err
		}
	}
}

// readyWork collects the work of the next pass: ready real blocks in
// serialized order, followed by ready iteration instances in construct and
// iteration order.
//
// A construct whose distribution names blocks that have not produced output
// is held back while other work remains. Once nothing else can run it is
// released, and its distribution fails to resolve.
func (r *run) readyWork(ctx context.Context) []workItem {
	var work, held []workItem
	for _, b := range r.wf.Blocks {
		if !b.IsEnabled() || r.ectx.IsExecuted(b.ID) || !r.ectx.IsActive(b.ID) {
			continue
		}
		if _, _, member := r.wf.ConstructOf(b.ID); member {
			continue
		}
		if RequiresActivePathCheck(b.Type) && len(r.wf.Incoming(b.ID)) > 0 && !r.tracker.Reachable(ctx, b.ID, r.ectx) {
			continue
		}
		if pending := r.awaitedReferences(b); len(pending) > 0 {
			logger.FromContext(ctx).Debug("construct waits for referenced output", "block_id", b.ID, "pending", pending)
			held = append(held, workItem{block: b})
			continue
		}
		work = append(work, workItem{block: b})
	}

	for _, keys := range [][]VirtualKey{r.parallels.PendingWork(r.ectx), r.loops.PendingWork(r.ectx)} {
		for _, k := range keys {
			b, ok := r.wf.Block(k.BlockID)
			if !ok || !b.IsEnabled() {
				continue
			}
			work = append(work, workItem{block: b, virtual: &k})
		}
	}
	if len(work) == 0 {
		return held
	}
	return work
}

// awaitedReferences returns the blocks that the distribution expression of
// a construct not yet set up refers to and that have not produced output.
func (r *run) awaitedReferences(b Block) []string {
	var d Distribution
	switch b.Type {
	case TypeParallel:
		if _, started := r.ectx.ParallelState(b.ID); started {
			return nil
		}
		d = r.wf.Parallels[b.ID].Distribution
	case TypeLoop:
		if _, started := r.ectx.LoopState(b.ID); started {
			return nil
		}
		l := r.wf.Loops[b.ID]
		if l.LoopType != LoopForEach {
			return nil
		}
		d = l.ForEachItems
	default:
		return nil
	}
	if d.Kind != DistributionExpression {
		return nil
	}
	return r.resolver.PendingReferences(d.Expr, r.ectx)
}

// runPass executes one pass. Flow-control blocks run first and one at a
// time, since they mutate construct state directly; the remaining items run
// with up to MaxConcurrent at once. Outcomes are merged in work order.
func (r *run) runPass(ctx context.Context, work []workItem) error {
	var flow, rest []workItem
	for _, w := range work {
		if w.virtual == nil && Categorize(w.block.Type) == CategoryFlowControl {
			flow = append(flow, w)
		} else {
			rest = append(rest, w)
		}
	}

	outcomes := make([]outcome, 0, len(work))
	for _, w := range flow {
		outcomes = append(outcomes, r.execute(ctx, w))
	}
	outcomes = append(outcomes, r.executeAll(ctx, rest)...)

	var (
		firstErr error
		executed []string
	)
	for _, oc := range outcomes {
		if oc.canceled {
			continue
		}
		if oc.err != nil {
			if oc.item.virtual != nil {
				r.manager(oc.item.virtual.Kind).RecordFailure(*oc.item.virtual, r.ectx)
			}
			if firstErr == nil {
				firstErr = oc.err
			}
			continue
		}
		if oc.item.virtual != nil {
			if err := r.manager(oc.item.virtual.Kind).RecordIteration(*oc.item.virtual, oc.item.block.Type, oc.out, r.ectx); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.ectx.commit(oc.item.block, oc.out)
		if ShouldActivateDownstream(oc.item.block.Type) {
			executed = append(executed, oc.item.block.ID)
		}
	}

	if ctx.Err() != nil {
		return r.canceled()
	}
	if firstErr != nil {
		return firstErr
	}

	r.tracker.UpdateExecutionPaths(executed, r.ectx)

	for _, m := range []*constructManager{&r.parallels.constructManager, &r.loops.constructManager} {
		done, err := m.CheckCompletion(r.ectx)
		if err != nil {
			return err
		}
		for _, id := range done {
			logger.FromContext(ctx).Debug("construct iterations settled", "construct_id", id, "kind", m.kind)
			r.emit(emit.Event{BlockID: id, BlockType: string(m.kind), Msg: emit.MsgConstructReady})
		}
	}
	return nil
}

// executeAll runs items with bounded concurrency and returns their outcomes
// in item order.
func (r *run) executeAll(ctx context.Context, items []workItem) []outcome {
	outcomes := make([]outcome, len(items))
	limit := r.exec.opts.MaxConcurrent
	if limit <= 1 || len(items) <= 1 {
		for i, w := range items {
			outcomes[i] = r.execute(ctx, w)
		}
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, w := range items {
		g.Go(func() error {
			outcomes[i] = r.execute(ctx, w)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *run) manager(kind ConstructKind) *constructManager {
	if kind == ConstructLoop {
		return &r.loops.constructManager
	}
	return &r.parallels.constructManager
}

func (r *run) lookup(block Block) (Handler, error) {
	for _, h := range r.engine {
		if h.CanHandle(block) {
			return h, nil
		}
	}
	return r.exec.registry.Lookup(block)
}

// execute runs one work item: resolve inputs, invoke the handler under the
// block timeout, consume a returned stream, and record the block log.
func (r *run) execute(ctx context.Context, w workItem) (oc outcome) {
	oc.item = w
	if ctx.Err() != nil {
		oc.canceled = true
		return oc
	}

	block := w.block
	log := logger.FromContext(ctx).With("block_id", block.ID, "block_type", block.Type)
	ev := emit.Event{BlockID: block.ID, BlockType: block.Type}
	var virtualID string
	if w.virtual != nil {
		virtualID = w.virtual.String()
		ev.VirtualID = virtualID
		log = log.With("virtual_id", virtualID)
		scope, ok := r.manager(w.virtual.Kind).Scope(*w.virtual, r.ectx)
		if ok {
			ctx = WithScope(ctx, scope)
			r.ectx.bindVirtual(*w.virtual, scope.Item)
		}
	}
	ctx = logger.ContextWithLogger(ctx, log)

	entry := BlockLog{
		BlockID:   block.ID,
		BlockName: block.Name,
		BlockType: block.Type,
		VirtualID: virtualID,
		StartedAt: time.Now(),
	}

	start := ev
	start.Msg = emit.MsgBlockStart
	r.emit(start)

	out, meta, err := r.invoke(ctx, block, virtualID)

	entry.EndedAt = time.Now()
	entry.DurationMs = entry.EndedAt.Sub(entry.StartedAt).Milliseconds()
	entry.Metadata = meta

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		oc.canceled = true
		return oc
	}

	end := ev
	end.Meta = map[string]any{"duration_ms": entry.DurationMs}
	status := "success"
	if err != nil {
		err = blockError(block, virtualID, err)
		entry.Error = err.Error()
		end.Msg = emit.MsgBlockError
		end.Meta["error"] = err.Error()
		status = "error"
		var be *BlockError
		if errors.As(err, &be) && be.Code == CodeBlockTimeout {
			status = "timeout"
		}
		log.Error("block failed", "error", err)
	} else {
		entry.Success = true
		entry.Output = out.Value()
		end.Msg = emit.MsgBlockEnd
		log.Debug("block completed", "duration_ms", entry.DurationMs)
	}

	r.ectx.AppendLog(entry)
	r.exec.opts.Metrics.RecordBlock(block.Type, entry.EndedAt.Sub(entry.StartedAt), status)
	r.emit(end)
	if err == nil && w.virtual == nil && Categorize(block.Type) == CategoryFlowControl {
		r.constructEvents(block, out)
	}

	oc.out, oc.err = out, err
	return oc
}

// invoke resolves inputs and calls the handler, converting panics into
// errors.
func (r *run) invoke(ctx context.Context, block Block, virtualID string) (out Output, meta map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &BlockError{
				Message:   fmt.Sprintf("handler panicked: %v", p),
				Code:      CodeHandlerFailed,
				BlockID:   block.ID,
				BlockType: block.Type,
				VirtualID: virtualID,
			}
		}
	}()

	h, err := r.lookup(block)
	if err != nil {
		return Output{}, nil, err
	}
	inputs, err := r.resolver.ResolveInputs(ctx, block, r.ectx)
	if err != nil {
		return Output{}, nil, err
	}
	res, err := runWithTimeout(ctx, h, block, inputs, r.ectx, r.exec.opts.BlockTimeout)
	if err != nil {
		return Output{}, nil, err
	}
	if res.Stream != nil {
		return r.consumeStream(ctx, block, res.Stream)
	}
	return res.Output, nil, nil
}

// consumeStream hands a streaming result to the run's sink and finalizes the
// block output from everything read from the stream, whether by the sink or
// by the drain that follows it.
func (r *run) consumeStream(ctx context.Context, block Block, h *StreamingHandle) (Output, map[string]any, error) {
	if h.Stream == nil {
		return finalizeStream(h, ""), h.Metadata, nil
	}
	if h.BlockID == "" {
		h.BlockID = block.ID
	}

	var content bytes.Buffer
	ts := &teeStream{src: h.Stream}
	ts.r = io.TeeReader(h.Stream, &content)
	forwarded := &StreamingHandle{BlockID: h.BlockID, Stream: ts, Metadata: h.Metadata, Finalize: h.Finalize}

	r.emit(emit.Event{BlockID: block.ID, BlockType: block.Type, Msg: emit.MsgStreamStart})
	if r.sink != nil {
		if err := r.sink(ctx, forwarded); err != nil {
			_ = ts.Close()
			return Output{}, h.Metadata, fmt.Errorf("stream sink: %w", err)
		}
	}

	if !ts.isClosed() {
		_, err := io.Copy(io.Discard, ts)
		closeErr := ts.Close()
		if err != nil {
			return Output{}, h.Metadata, fmt.Errorf("read stream: %w", err)
		}
		if closeErr != nil {
			return Output{}, h.Metadata, fmt.Errorf("close stream: %w", closeErr)
		}
	}
	return finalizeStream(h, content.String()), h.Metadata, nil
}

func finalizeStream(h *StreamingHandle, content string) Output {
	if h.Finalize != nil {
		return h.Finalize(content)
	}
	return StreamOutput(content)
}

// teeStream copies everything read into a buffer and remembers whether the
// consumer closed it.
type teeStream struct {
	r   io.Reader
	src io.ReadCloser

	mu     sync.Mutex
	closed bool
}

func (t *teeStream) Read(p []byte) (int, error) {
	return t.r.Read(p)
}

func (t *teeStream) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.src.Close()
}

func (t *teeStream) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// constructEvents reports construct setup and aggregation.
func (r *run) constructEvents(block Block, out Output) {
	kind := ConstructKind(block.Type)
	switch out.Kind {
	case KindSequence:
		r.emit(emit.Event{BlockID: block.ID, BlockType: block.Type, Msg: emit.MsgConstructComplete,
			Meta: map[string]any{"iterations": len(out.Sequence)}})
	case KindJSON:
		if started, _ := out.JSON["started"].(bool); !started {
			return
		}
		var st *ConstructState
		var ok bool
		if kind == ConstructLoop {
			st, ok = r.ectx.LoopState(block.ID)
		} else {
			st, ok = r.ectx.ParallelState(block.ID)
		}
		if !ok {
			return
		}
		r.exec.opts.Metrics.AddConstructIterations(kind, st.ParallelCount)
		r.emit(emit.Event{BlockID: block.ID, BlockType: block.Type, Msg: emit.MsgConstructStart,
			Meta: map[string]any{"iterations": st.ParallelCount, "distribution_type": st.DistributionType}})
	}
}

// blockError attributes err to the block that raised it.
func blockError(block Block, virtualID string, err error) error {
	var be *BlockError
	if errors.As(err, &be) {
		if be.VirtualID == "" {
			be.VirtualID = virtualID
		}
		return be
	}
	code := CodeHandlerFailed
	var agg *AggregationError
	var re *ResolveError
	switch {
	case errors.As(err, &agg):
		code = CodeAggregationFailed
	case errors.As(err, &re):
		code = CodeResolveFailed
	}
	return &BlockError{
		Message:   err.Error(),
		Code:      code,
		BlockID:   block.ID,
		BlockType: block.Type,
		VirtualID: virtualID,
		Cause:     err,
	}
}

// canceled discards partial constructs and reports the cancellation.
func (r *run) canceled() error {
	r.ectx.discardConstructs()
	return &EngineError{Message: "run canceled", Code: CodeCanceled, Cause: ErrCanceled}
}

// result builds the ExecutionResult of a finished run.
func (r *run) result(started time.Time, err error) *ExecutionResult {
	ended := time.Now()
	states := r.ectx.BlockStates()
	outputs := make(map[string]any, len(states))
	for id, out := range states {
		outputs[id] = out.Value()
	}
	res := &ExecutionResult{
		Success: err == nil,
		Output:  r.ectx.lastOutput(),
		Outputs: outputs,
		Logs:    r.ectx.Logs(),
		Metadata: RunMetadata{
			RunID:      r.ectx.RunID(),
			WorkflowID: r.wf.ID,
			StartTime:  started,
			EndTime:    ended,
			DurationMs: ended.Sub(started).Milliseconds(),
			Passes:     r.pass,
		},
	}
	if res.Logs == nil {
		res.Logs = []BlockLog{}
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
