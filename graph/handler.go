package graph

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Handler executes one block type.
//
// Handlers are opaque to the executor: they receive the block, its inputs
// with every reference resolved, and the execution context for read access.
// A handler must not assume anything about the executor beyond the
// ExecutionContext methods.
type Handler interface {
	// CanHandle reports whether the handler accepts the block, typically by
	// comparing the block type.
	CanHandle(block Block) bool

	// Execute runs the block. The context is canceled when the run is
	// canceled or the block timeout expires.
	Execute(ctx context.Context, block Block, inputs map[string]any, ectx *ExecutionContext) (Result, error)
}

// Result is what a handler returns: either a plain Output or a streaming
// handle. When Stream is non-nil, Output is ignored.
type Result struct {
	Output Output
	Stream *StreamingHandle
}

// OutputResult wraps an Output.
func OutputResult(out Output) Result {
	return Result{Output: out}
}

// StreamResult wraps a streaming handle.
func StreamResult(h *StreamingHandle) Result {
	return Result{Stream: h}
}

// StreamingHandle pairs a token stream with a best-effort snapshot of the
// block's execution metadata. The executor hands it to the run's stream sink
// and finalizes the block log from Metadata once the stream is closed.
//
// Finalize, when set, builds the block output from the complete streamed
// content once the stream has been drained. Without it the output is a
// StreamOutput of the content.
type StreamingHandle struct {
	BlockID  string
	Stream   io.ReadCloser
	Metadata map[string]any
	Finalize func(content string) Output
}

// StreamSink receives streaming handles as soon as a streaming block starts
// producing output. The sink is called synchronously; whatever it leaves
// unread is drained by the executor when it returns.
type StreamSink func(ctx context.Context, h *StreamingHandle) error

// BlockFunc adapts a plain function into a Handler for one block type.
//
// Example:
//
//	reg.Register(graph.BlockFunc("echo", func(ctx context.Context, b graph.Block, in map[string]any, ectx *graph.ExecutionContext) (graph.Result, error) {
//	    return graph.OutputResult(graph.JSONOutput(in)), nil
//	}))
func BlockFunc(blockType string, fn func(ctx context.Context, block Block, inputs map[string]any, ectx *ExecutionContext) (Result, error)) Handler {
	return &funcHandler{blockType: blockType, fn: fn}
}

type funcHandler struct {
	blockType string
	fn        func(ctx context.Context, block Block, inputs map[string]any, ectx *ExecutionContext) (Result, error)
}

func (h *funcHandler) CanHandle(block Block) bool { return block.Type == h.blockType }

func (h *funcHandler) Execute(ctx context.Context, block Block, inputs map[string]any, ectx *ExecutionContext) (Result, error) {
	return h.fn(ctx, block, inputs, ectx)
}

// Registry holds the handlers available to an Executor. It is populated by
// the caller and passed to the executor explicitly; there is no process-wide
// registry, so independent runs may use different handler sets.
//
// Example:
//
//	reg := graph.NewRegistry(
//	    graph.BlockFunc(graph.TypeStarter, starter),
//	    graph.BlockFunc("echo", echo),
//	)
//	if err := wf.Validate(reg); err != nil {
//	    return err
//	}
//	exec, err := graph.New(reg, graph.WithMaxConcurrent(4))
//
// Parallel and loop blocks are handled by the executor itself and need no
// registration.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewRegistry creates a registry holding the given handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{}
	for _, h := range handlers {
		if h != nil {
			r.handlers = append(r.handlers, h)
		}
	}
	return r
}

// Register adds a handler. Handlers registered earlier take precedence when
// more than one accepts a block.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return &EngineError{Message: "handler cannot be nil"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	return nil
}

// Lookup returns the first handler that accepts block.
func (r *Registry) Lookup(block Block) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.CanHandle(block) {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (type %q)", ErrNoHandler, block.ID, block.Type)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// IterationScope describes the construct iteration a virtual instance runs
// in. Handlers read it with ScopeFromContext.
type IterationScope struct {
	ConstructID   string
	ConstructName string
	Kind          ConstructKind
	Index         int
	Item          any
	Items         any
}

type scopeKey struct{}

// WithScope returns a copy of ctx carrying an iteration scope.
func WithScope(ctx context.Context, s IterationScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the iteration scope of the current block
// execution, if it is a virtual instance.
func ScopeFromContext(ctx context.Context) (IterationScope, bool) {
	s, ok := ctx.Value(scopeKey{}).(IterationScope)
	return s, ok
}
