package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/blockflow/client"
)

func remoteCmd() *cobra.Command {
	var (
		baseURL string
		apiKey  string
	)
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Call a running blockflow server",
	}
	cmd.PersistentFlags().StringVar(&baseURL, "url", envOr("BLOCKFLOW_URL", client.DefaultBaseURL), "server URL")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("BLOCKFLOW_API_KEY"), "API key sent as X-API-Key")

	var (
		in      inputFlags
		timeout time.Duration
	)
	execute := &cobra.Command{
		Use:   "execute <workflow-id>",
		Short: "Execute a deployed workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := in.parse()
			if err != nil {
				return err
			}
			c := client.New(apiKey, baseURL)
			res, err := c.ExecuteWorkflow(cmd.Context(), args[0], input, timeout)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("workflow %s failed: %s", args[0], res.Error)
			}
			return nil
		},
	}
	execute.Flags().StringVarP(&in.inline, "input", "i", "", "run input as JSON")
	execute.Flags().StringVarP(&in.file, "input-file", "f", "", "read the run input from a JSON or YAML file")
	execute.Flags().StringSliceVar(&in.set, "set", nil, "set one input field, key=value (repeatable)")
	execute.Flags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "request timeout")

	status := &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show the deployment status of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.New(apiKey, baseURL, client.WithRetries(2, 200*time.Millisecond, 2*time.Second)).
				GetWorkflowStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}

	cmd.AddCommand(execute, status)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
