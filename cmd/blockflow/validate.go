package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/blockflow/graph/handlers"
	"github.com/dshills/blockflow/internal/workflows"
)

func validateCmd(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-file>...",
		Short: "Check workflow files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := handlers.NewRegistry(handlers.Config{})
			if err != nil {
				return err
			}
			var failed []error
			for _, path := range args {
				wf, err := workflows.Load(path)
				if err == nil {
					err = wf.Validate(reg)
				}
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					failed = append(failed, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s, %d blocks)\n", path, wf.ID, len(wf.Blocks))
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d workflows invalid: %w", len(failed), len(args), errors.Join(failed...))
			}
			return nil
		},
	}
}
