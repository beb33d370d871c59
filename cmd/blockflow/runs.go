package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func runsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs persisted in the configured store",
	}

	var (
		workflowID string
		limit      int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(a.cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), workflowID, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tWORKFLOW\tSUCCESS\tPASSES\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\t%s\n",
					r.RunID, r.WorkflowID, r.Success, r.Passes,
					r.StartedAt.Format(time.RFC3339), r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVarP(&workflowID, "workflow", "w", "", "only runs of this workflow")
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs (0 for all)")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print one run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(a.cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.LoadRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	del := &cobra.Command{
		Use:   "delete <run-id>...",
		Short: "Delete runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(a.cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, id := range args {
				if err := st.DeleteRun(cmd.Context(), id); err != nil {
					return fmt.Errorf("run %s: %w", id, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "deleted", id)
			}
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}
