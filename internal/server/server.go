// Package server exposes deployed workflows over HTTP.
//
// Routes:
//
//	POST   /api/workflows/:id/execute   run a deployed workflow (?stream=true for NDJSON)
//	GET    /api/workflows/:id/status    deployment status
//	POST   /api/workflows/:id/deploy    (re)deploy from the workflows directory
//	POST   /api/workflows/:id/validate  validate the file, or a definition in the body
//	GET    /api/runs                    list persisted runs (?workflowId=&limit=)
//	GET    /api/runs/:runId             one persisted run
//	DELETE /api/runs/:runId             delete a persisted run
//	GET    /metrics                     Prometheus metrics
//	GET    /healthz                     liveness
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/graph/store"
	"github.com/dshills/blockflow/internal/logger"
	"github.com/dshills/blockflow/internal/workflows"
)

// DefaultRunTimeout bounds a run when Config.RunTimeout is zero.
const DefaultRunTimeout = 5 * time.Minute

// Config wires a Server.
type Config struct {
	Executor *graph.Executor
	Catalog  *workflows.Catalog

	// Store backs the runs endpoints. When nil they answer 501.
	Store store.RunStore

	// Gatherer backs /metrics. When nil the route is not registered.
	Gatherer prometheus.Gatherer

	Logger logger.Logger

	// APIKey, when set, must be sent in the X-API-Key header.
	APIKey string

	RunTimeout time.Duration

	// Env is substituted into {{VAR}} references of every run.
	Env map[string]string
}

// Server is the HTTP surface over a workflow catalog.
type Server struct {
	exec       *graph.Executor
	catalog    *workflows.Catalog
	store      store.RunStore
	log        logger.Logger
	runTimeout time.Duration
	env        map[string]string
	engine     *gin.Engine
}

// New builds the server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, errors.New("server: executor is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("server: catalog is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}

	s := &Server{
		exec:       cfg.Executor,
		catalog:    cfg.Catalog,
		store:      cfg.Store,
		log:        cfg.Logger,
		runTimeout: cfg.RunTimeout,
		env:        cfg.Env,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(s.log), CORSMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api", APIKeyMiddleware(cfg.APIKey))
	api.POST("/workflows/:id/execute", s.handleExecute)
	api.GET("/workflows/:id/status", s.handleStatus)
	api.POST("/workflows/:id/deploy", s.handleDeploy)
	api.POST("/workflows/:id/validate", s.handleValidate)
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:runId", s.handleGetRun)
	api.DELETE("/runs/:runId", s.handleDeleteRun)

	s.engine = r
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	s.log.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
