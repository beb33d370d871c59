package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/dshills/blockflow/graph"
)

// NewResponse returns the response block handler. It shapes the final
// answer of a run.
//
// Inputs:
//   - data: the response body, any value
//   - status: HTTP status to report (default 200)
//   - headers: response headers
//   - template: optional Go template rendered into data. The template sees
//     .data, .input, .env and .blocks (executed block values by id) and has
//     the sprig functions available.
//
// Output: {data, status, headers}.
func NewResponse() graph.Handler {
	return graph.BlockFunc(graph.TypeResponse, executeResponse)
}

func executeResponse(_ context.Context, block graph.Block, in map[string]any, ectx *graph.ExecutionContext) (graph.Result, error) {
	status, err := intInput(in, "status", http.StatusOK)
	if err != nil {
		return graph.Result{}, err
	}
	if status < 100 || status > 599 {
		return graph.Result{}, fmt.Errorf("status: %d is not a valid HTTP status", status)
	}
	headers, err := mapInput(in, "headers")
	if err != nil {
		return graph.Result{}, err
	}
	if headers == nil {
		headers = map[string]any{}
	}

	data := in["data"]
	if tpl := stringInput(in, "template"); tpl != "" {
		if data, err = render(block.ID, tpl, data, ectx); err != nil {
			return graph.Result{}, err
		}
	}

	return graph.OutputResult(graph.JSONOutput(map[string]any{
		"data":    data,
		"status":  status,
		"headers": headers,
	})), nil
}

func render(name, tpl string, data any, ectx *graph.ExecutionContext) (string, error) {
	t, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=zero").Parse(tpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	blocks := make(map[string]any)
	for id, out := range ectx.BlockStates() {
		blocks[id] = out.Value()
	}
	var buf bytes.Buffer
	err = t.Execute(&buf, map[string]any{
		"data":   data,
		"input":  ectx.Input(),
		"env":    ectx.EnvMap(),
		"blocks": blocks,
	})
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}
