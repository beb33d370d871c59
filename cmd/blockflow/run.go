package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/graph/emit"
	"github.com/dshills/blockflow/internal/workflows"
)

// runReport is the document printed by the run command.
type runReport struct {
	*graph.ExecutionResult
	TotalDuration int64       `json:"totalDuration"`
	Cost          float64     `json:"cost"`
	TraceSpans    []traceSpan `json:"traceSpans,omitempty"`
}

type traceSpan struct {
	Name       string         `json:"name"`
	SpanID     string         `json:"spanId"`
	ParentID   string         `json:"parentId,omitempty"`
	StartTime  time.Time      `json:"startTime"`
	EndTime    time.Time      `json:"endTime"`
	DurationMs int64          `json:"durationMs"`
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func runCmd(a *app) *cobra.Command {
	var (
		in      inputFlags
		env     []string
		stream  bool
		trace   bool
		compact bool
		query   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow file once",
		Long: "Execute a workflow definition (YAML or JSON) and print the result as JSON.\n" +
			"The command fails when the run fails.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflows.Load(args[0])
			if err != nil {
				return err
			}
			input, err := in.parse()
			if err != nil {
				return err
			}
			envMap, err := envFlags(env)
			if err != nil {
				return err
			}

			opts := engineOptions{events: cmd.ErrOrStderr()}
			var exporter *tracetest.InMemoryExporter
			if trace {
				exporter = tracetest.NewInMemoryExporter()
				tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
				defer func() { _ = tp.Shutdown(context.WithoutCancel(cmd.Context())) }()
				opts.emitters = append(opts.emitters, emit.NewOTelEmitter(tp.Tracer("blockflow")))
			}

			eng, err := newEngine(a.cfg, a.log, opts)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			runIn := graph.RunInput{Input: input, Env: envMap}
			if stream {
				runIn.StreamSink = func(_ context.Context, h *graph.StreamingHandle) error {
					_, err := io.Copy(cmd.ErrOrStderr(), h.Stream)
					fmt.Fprintln(cmd.ErrOrStderr())
					return err
				}
			}

			res, runErr := eng.exec.Execute(ctx, wf, runIn)
			report := runReport{
				ExecutionResult: res,
				TotalDuration:   res.Metadata.DurationMs,
				Cost:            eng.costs.Total(),
			}
			if exporter != nil {
				report.TraceSpans = traceSpans(exporter.GetSpans())
			}
			if err := printReport(cmd.OutOrStdout(), report, query, !compact); err != nil {
				return err
			}
			if runErr != nil {
				return fmt.Errorf("workflow %s failed: %w", wf.ID, runErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&in.inline, "input", "i", "", "run input as JSON")
	cmd.Flags().StringVarP(&in.file, "input-file", "f", "", "read the run input from a JSON or YAML file")
	cmd.Flags().StringSliceVar(&in.set, "set", nil, "set one input field, key=value (repeatable)")
	cmd.Flags().StringSliceVarP(&env, "env", "e", nil, "environment variable for {{VAR}} references, KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&stream, "stream", false, "write streamed block output to stderr as it arrives")
	cmd.Flags().BoolVar(&trace, "trace", false, "record OpenTelemetry spans and include them in the result")
	cmd.Flags().BoolVar(&compact, "compact", false, "print compact JSON")
	cmd.Flags().StringVarP(&query, "query", "q", "", "print only the value at this gjson path of the result")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the run after this duration")
	return cmd
}

func printReport(w io.Writer, report runReport, query string, indent bool) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if query != "" {
		v := gjson.GetBytes(data, query)
		if !v.Exists() {
			return fmt.Errorf("query %q matched nothing", query)
		}
		if v.Type == gjson.String {
			_, err = fmt.Fprintln(w, v.String())
			return err
		}
		data = []byte(v.Raw)
	}
	if indent {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			data, _ = json.MarshalIndent(v, "", "  ")
		}
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func traceSpans(stubs tracetest.SpanStubs) []traceSpan {
	out := make([]traceSpan, 0, len(stubs))
	for _, s := range stubs {
		ts := traceSpan{
			Name:       s.Name,
			SpanID:     s.SpanContext.SpanID().String(),
			StartTime:  s.StartTime,
			EndTime:    s.EndTime,
			DurationMs: s.EndTime.Sub(s.StartTime).Milliseconds(),
			Status:     s.Status.Code.String(),
		}
		if s.Parent.IsValid() {
			ts.ParentID = s.Parent.SpanID().String()
		}
		if len(s.Attributes) > 0 {
			ts.Attributes = make(map[string]any, len(s.Attributes))
			for _, kv := range s.Attributes {
				ts.Attributes[string(kv.Key)] = kv.Value.AsInterface()
			}
		}
		out = append(out, ts)
	}
	return out
}
