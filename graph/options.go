package graph

import (
	"time"

	"github.com/dshills/blockflow/graph/emit"
	"github.com/dshills/blockflow/graph/store"
	"github.com/dshills/blockflow/internal/logger"
)

// DefaultMaxPasses bounds the orchestrator loop when no limit is configured.
const DefaultMaxPasses = 1000

// Options configures an Executor.
type Options struct {
	// MaxPasses limits the number of orchestrator passes per run.
	//
	// Default: DefaultMaxPasses. When exceeded, Execute fails with an
	// EngineError coded MAX_PASSES_EXCEEDED wrapping ErrMaxPassesExceeded.
	MaxPasses int

	// MaxConcurrent is the number of ready blocks executed at the same time
	// within one pass.
	//
	// Default: 1 (sequential). Flow-control blocks always run sequentially
	// before the rest of the pass. Outputs are merged in pass order
	// regardless of completion order, so results are identical for every
	// setting.
	MaxConcurrent int

	// BlockTimeout bounds a single handler invocation. Zero disables the
	// limit; the run context still applies.
	BlockTimeout time.Duration

	// MaxLoopIterations caps the iteration count of any loop construct.
	//
	// Default: DefaultMaxLoopIterations.
	MaxLoopIterations int

	// Emitter receives run and block events. Default: NullEmitter.
	Emitter emit.Emitter

	// Metrics records Prometheus metrics when non-nil.
	Metrics *PrometheusMetrics

	// Store persists every finished run when non-nil.
	Store store.RunStore

	// Logger is used when the run context carries no logger.
	Logger logger.Logger
}

// Option is a functional option for configuring an Executor.
//
// Example:
//
//	exec, err := graph.New(reg,
//	    graph.WithMaxConcurrent(8),
//	    graph.WithBlockTimeout(30*time.Second),
//	    graph.WithEmitter(emit.NewLogEmitter(os.Stderr, false)),
//	)
type Option func(*Options) error

// WithOptions replaces the whole option set. Later options still apply on
// top of it.
func WithOptions(opts Options) Option {
	return func(o *Options) error {
		*o = opts
		return nil
	}
}

// WithMaxPasses limits the number of orchestrator passes per run.
func WithMaxPasses(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return &EngineError{Message: "max passes must not be negative", Code: "INVALID_OPTION"}
		}
		o.MaxPasses = n
		return nil
	}
}

// WithMaxConcurrent sets how many ready blocks execute at once within a pass.
//
// Tuning guidance:
//   - CPU-bound function blocks: runtime.NumCPU().
//   - Agent and API blocks: bounded by provider rate limits, typically 4-16.
func WithMaxConcurrent(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return &EngineError{Message: "max concurrent must not be negative", Code: "INVALID_OPTION"}
		}
		o.MaxConcurrent = n
		return nil
	}
}

// WithBlockTimeout bounds every handler invocation. A handler that exceeds it
// fails with a BlockError coded BLOCK_TIMEOUT.
func WithBlockTimeout(d time.Duration) Option {
	return func(o *Options) error {
		if d < 0 {
			return &EngineError{Message: "block timeout must not be negative", Code: "INVALID_OPTION"}
		}
		o.BlockTimeout = d
		return nil
	}
}

// WithMaxLoopIterations caps the iteration count of loop constructs.
func WithMaxLoopIterations(n int) Option {
	return func(o *Options) error {
		if n < 0 {
			return &EngineError{Message: "max loop iterations must not be negative", Code: "INVALID_OPTION"}
		}
		o.MaxLoopIterations = n
		return nil
	}
}

// WithEmitter sets the event emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) error {
		o.Emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	exec, _ := graph.New(reg, graph.WithMetrics(graph.NewPrometheusMetrics(registry)))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
func WithMetrics(m *PrometheusMetrics) Option {
	return func(o *Options) error {
		o.Metrics = m
		return nil
	}
}

// WithStore persists finished runs.
func WithStore(s store.RunStore) Option {
	return func(o *Options) error {
		o.Store = s
		return nil
	}
}

// WithLogger sets the fallback logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Options) error {
		o.Logger = l
		return nil
	}
}

func (o *Options) applyDefaults() {
	if o.MaxPasses == 0 {
		o.MaxPasses = DefaultMaxPasses
	}
	if o.MaxConcurrent == 0 {
		o.MaxConcurrent = 1
	}
	if o.MaxLoopIterations == 0 {
		o.MaxLoopIterations = DefaultMaxLoopIterations
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
}
