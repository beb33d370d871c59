package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/sethvargo/go-retry"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/graph/model"
	"github.com/dshills/blockflow/graph/tool"
	"github.com/dshills/blockflow/internal/logger"
)

// apiHandler runs api blocks through the HTTP tool.
//
// Inputs: url, method, headers, params, body. Headers and params may be
// objects, JSON strings or {key, value} rows.
//
// Output: {data, status, headers}. Transport errors, 429 and 5xx responses
// are retried per the retry policy; a status of 400 or above after the last
// attempt fails the block.
type apiHandler struct {
	http   *tool.HTTPTool
	policy RetryPolicy
}

// StatusError reports an API block response with a failing status.
type StatusError struct {
	Status int
	Data   any
}

func (e *StatusError) Error() string {
	if s, ok := e.Data.(string); ok && s != "" {
		if len(s) > 200 {
			s = s[:200] + "..."
		}
		return fmt.Sprintf("request failed with status %d: %s", e.Status, s)
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

func (h *apiHandler) CanHandle(block graph.Block) bool { return block.Type == graph.TypeAPI }

func (h *apiHandler) Execute(ctx context.Context, _ graph.Block, in map[string]any, _ *graph.ExecutionContext) (graph.Result, error) {
	url := stringInput(in, "url")
	if url == "" {
		return graph.Result{}, errors.New("api block needs a url")
	}
	req := map[string]any{"url": url, "method": stringInput(in, "method")}
	for _, key := range []string{"headers", "params"} {
		m, err := mapInput(in, key)
		if err != nil {
			return graph.Result{}, err
		}
		if m != nil {
			req[key] = m
		}
	}
	if body, ok := in["body"]; ok {
		req["body"] = body
	}

	log := logger.FromContext(ctx)
	attempt := 0
	var res map[string]any
	err := retry.Do(ctx, h.policy.backoff(), func(ctx context.Context) error {
		attempt++
		var err error
		res, err = h.http.Call(ctx, req)
		if err != nil {
			if ctx.Err() == nil && model.IsTransient(err) {
				log.Debug("api request failed, retrying", "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		if status, _ := res["status"].(int); model.StatusRetryable(status) {
			log.Debug("api request returned retryable status", "attempt", attempt, "status", status)
			return retry.RetryableError(&StatusError{Status: status, Data: res["data"]})
		}
		return nil
	})

	var se *StatusError
	switch {
	case errors.As(err, &se):
		return graph.Result{}, se
	case err != nil:
		return graph.Result{}, err
	}

	status, _ := res["status"].(int)
	if status >= 400 {
		return graph.Result{}, &StatusError{Status: status, Data: res["data"]}
	}
	return graph.OutputResult(graph.JSONOutput(map[string]any{
		"data":    res["data"],
		"status":  status,
		"headers": res["headers"],
	})), nil
}
