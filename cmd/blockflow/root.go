package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/blockflow/internal/config"
	"github.com/dshills/blockflow/internal/logger"
)

// app carries what PersistentPreRunE prepared for the subcommands.
type app struct {
	cfg *config.Config
	log logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var configPath, logLevel string

	root := &cobra.Command{
		Use:           "blockflow",
		Short:         "Run block-graph workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
				if err := config.Validate(cfg); err != nil {
					return err
				}
			}
			lc := cfg.LoggerConfig()
			lc.Output = cmd.ErrOrStderr()
			a.cfg = cfg
			a.log = logger.New(lc)
			cmd.SetContext(logger.ContextWithLogger(cmd.Context(), a.log))
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	root.AddCommand(
		runCmd(a),
		validateCmd(a),
		serveCmd(a),
		runsCmd(a),
		remoteCmd(),
	)
	return root
}
