package main

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/graph/emit"
	"github.com/dshills/blockflow/graph/handlers"
	"github.com/dshills/blockflow/graph/model"
	"github.com/dshills/blockflow/graph/store"
	"github.com/dshills/blockflow/internal/config"
	"github.com/dshills/blockflow/internal/logger"
)

// engine bundles an executor with the resources it owns.
type engine struct {
	registry *graph.Registry
	exec     *graph.Executor
	store    store.RunStore
	costs    *model.CostTracker
}

func (e *engine) Close() error {
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// engineOptions adds per-command wiring on top of the configuration.
type engineOptions struct {
	metrics  prometheus.Registerer
	emitters []emit.Emitter
	events   io.Writer
}

func newEngine(cfg *config.Config, log logger.Logger, opts engineOptions) (*engine, error) {
	costs := model.NewCostTracker()
	reg, err := handlers.NewRegistry(handlers.Config{
		Models:       cfg.ModelProviders(),
		DefaultModel: cfg.Providers.DefaultModel,
		Costs:        costs,
		APIRetry:     cfg.RetryPolicy(),
	})
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	emitters := opts.emitters
	if cfg.Log.Events && opts.events != nil {
		emitters = append(emitters, emit.NewLogEmitter(opts.events, cfg.Log.JSON))
	}

	graphOpts := append(cfg.GraphOptions(), graph.WithStore(st), graph.WithLogger(log))
	if len(emitters) > 0 {
		graphOpts = append(graphOpts, graph.WithEmitter(emit.MultiEmitter(emitters)))
	}
	if opts.metrics != nil {
		graphOpts = append(graphOpts, graph.WithMetrics(graph.NewPrometheusMetrics(opts.metrics)))
	}

	exec, err := graph.New(reg, graphOpts...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &engine{registry: reg, exec: exec, store: st, costs: costs}, nil
}

// openStore opens the configured run store.
func openStore(cfg config.StoreConfig) (store.RunStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.DSN)
	case "mysql":
		return store.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
