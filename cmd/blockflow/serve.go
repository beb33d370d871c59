package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dshills/blockflow/internal/server"
	"github.com/dshills/blockflow/internal/workflows"
)

func serveCmd(a *app) *cobra.Command {
	var (
		addr string
		dir  string
		env  []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflows of a directory over HTTP",
		Long: "Deploy every workflow file of the workflows directory and serve the\n" +
			"execution API until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			if dir != "" {
				a.cfg.Server.WorkflowsDir = dir
			}
			envMap, err := envFlags(env)
			if err != nil {
				return err
			}

			promReg := prometheus.NewRegistry()
			promReg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			eng, err := newEngine(a.cfg, a.log, engineOptions{metrics: promReg, events: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer eng.Close()

			catalog := workflows.NewCatalog(a.cfg.Server.WorkflowsDir, eng.registry)
			deployed, err := catalog.DeployAll()
			if err != nil {
				a.log.Warn("some workflows were not deployed", "dir", a.cfg.Server.WorkflowsDir, "error", err)
			}
			a.log.Info("workflows deployed", "count", len(deployed), "ids", deployed)

			srv, err := server.New(server.Config{
				Executor:   eng.exec,
				Catalog:    catalog,
				Store:      eng.store,
				Gatherer:   promReg,
				Logger:     a.log,
				APIKey:     a.cfg.Server.APIKey,
				RunTimeout: a.cfg.Server.RunTimeout,
				Env:        envMap,
			})
			if err != nil {
				return err
			}
			return srv.ListenAndServe(cmd.Context(), a.cfg.Server.Addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&dir, "dir", "", "workflows directory (overrides server.workflows_dir)")
	cmd.Flags().StringSliceVarP(&env, "env", "e", nil, "environment variable for {{VAR}} references, KEY=VALUE (repeatable)")
	return cmd
}
