// Package handlers provides the built-in block handlers: starter, agent, api,
// condition, router, function and response.
//
// Handlers are registered explicitly on a graph.Registry:
//
//	reg := graph.NewRegistry()
//	err := handlers.Register(reg, handlers.Config{
//	    Models: &handlers.Providers{OpenAIKey: key},
//	    Tools:  tool.NewSet(tool.NewHTTPTool(10 * time.Second)),
//	})
//
// Parallel and loop blocks are handled by the engine and are not part of
// this package.
package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/graph/model"
	"github.com/dshills/blockflow/graph/tool"
)

// DefaultMaxToolRounds bounds the tool-call rounds of one agent block.
const DefaultMaxToolRounds = 3

// Config wires the dependencies of the built-in handlers.
type Config struct {
	// Models resolves the model named by agent and router blocks. Agent and
	// router blocks fail when it is nil.
	Models ModelResolver

	// DefaultModel is used when a block names no model.
	DefaultModel string

	// Tools are offered to agent blocks that list them by name.
	Tools *tool.Set

	// HTTP executes API blocks. Default: tool.NewHTTPTool(30s).
	HTTP *tool.HTTPTool

	// Costs records token usage when non-nil. Costs are always reported in
	// block outputs, priced with the default table when Costs is nil.
	Costs *model.CostTracker

	// APIRetry controls retries of API blocks. Default: DefaultRetryPolicy.
	APIRetry RetryPolicy

	// MaxToolRounds bounds tool-call rounds. Default: DefaultMaxToolRounds.
	MaxToolRounds int

	// ExprCacheSize is the number of compiled expressions kept by condition
	// and function blocks. Default: DefaultExprCacheSize.
	ExprCacheSize int
}

func (c *Config) applyDefaults() {
	if c.HTTP == nil {
		c.HTTP = tool.NewHTTPTool(30 * time.Second)
	}
	if c.APIRetry.MaxAttempts == 0 {
		c.APIRetry = DefaultRetryPolicy()
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.ExprCacheSize <= 0 {
		c.ExprCacheSize = DefaultExprCacheSize
	}
}

// Register adds every built-in handler to reg.
func Register(reg *graph.Registry, cfg Config) error {
	cfg.applyDefaults()
	if err := cfg.APIRetry.Validate(); err != nil {
		return err
	}
	exprs, err := newEvaluator(cfg.ExprCacheSize)
	if err != nil {
		return err
	}

	for _, h := range []graph.Handler{
		NewStarter(),
		&agentHandler{cfg: cfg},
		&apiHandler{http: cfg.HTTP, policy: cfg.APIRetry},
		&conditionHandler{exprs: exprs},
		&routerHandler{cfg: cfg},
		&functionHandler{exprs: exprs},
		NewResponse(),
	} {
		if err := reg.Register(h); err != nil {
			return fmt.Errorf("register handlers: %w", err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding every built-in handler.
func NewRegistry(cfg Config) (*graph.Registry, error) {
	reg := graph.NewRegistry()
	if err := Register(reg, cfg); err != nil {
		return nil, err
	}
	return reg, nil
}

// NewStarter returns the starter block handler. Its output exposes the run
// input as "input".
func NewStarter() graph.Handler {
	return graph.BlockFunc(graph.TypeStarter, func(_ context.Context, _ graph.Block, _ map[string]any, ectx *graph.ExecutionContext) (graph.Result, error) {
		return graph.OutputResult(graph.JSONOutput(map[string]any{"input": ectx.Input()})), nil
	})
}
