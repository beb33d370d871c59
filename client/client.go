// Package client is a Go client for the blockflow HTTP API.
//
//	c := client.New(os.Getenv("BLOCKFLOW_API_KEY"), "http://localhost:8080")
//	res, err := c.ExecuteWorkflow(ctx, "support-triage", map[string]any{"ticket": "..."}, 0)
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/dshills/blockflow/graph"
)

const (
	// DefaultBaseURL is used when New gets an empty base URL.
	DefaultBaseURL = "http://localhost:8080"

	// DefaultTimeout bounds ExecuteWorkflow when no timeout is given.
	DefaultTimeout = 30 * time.Second

	apiKeyHeader = "X-API-Key"
)

// Error codes set by the client itself. Errors answered by the server keep
// the server's code, such as UNAUTHORIZED or INVALID_JSON.
const (
	CodeTimeout        = "TIMEOUT"
	CodeExecutionError = "EXECUTION_ERROR"
	CodeStatusError    = "STATUS_ERROR"
)

// Error is returned by every failing client call.
type Error struct {
	Code    string
	Status  int // HTTP status, zero when no response was received
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// ExecutionResult is the result of a workflow run.
type ExecutionResult struct {
	Success       bool              `json:"success"`
	Output        any               `json:"output"`
	Error         string            `json:"error,omitempty"`
	Logs          []graph.BlockLog  `json:"logs"`
	Metadata      graph.RunMetadata `json:"metadata"`
	TotalDuration int64             `json:"totalDuration"`
}

// WorkflowStatus is the deployment status of a workflow.
type WorkflowStatus struct {
	IsDeployed        bool       `json:"isDeployed"`
	DeployedAt        *time.Time `json:"deployedAt"`
	IsPublished       bool       `json:"isPublished"`
	NeedsRedeployment bool       `json:"needsRedeployment"`
}

// Client calls a blockflow server. It is safe for concurrent use.
type Client struct {
	http *resty.Client

	mu      sync.RWMutex
	apiKey  string
	baseURL string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sends requests through hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = resty.NewWithClient(hc)
	}
}

// WithRetries retries idempotent requests on network errors, 429 and 5xx
// answers. Executions are never retried.
func WithRetries(count int, wait, maxWait time.Duration) Option {
	return func(c *Client) {
		c.http.SetRetryCount(count).
			SetRetryWaitTime(wait).
			SetRetryMaxWaitTime(maxWait)
	}
}

// New creates a client. An empty baseURL uses DefaultBaseURL.
func New(apiKey, baseURL string, opts ...Option) *Client {
	c := &Client{http: resty.New()}
	for _, opt := range opts {
		opt(c)
	}
	c.http.
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(retryCondition)
	c.SetAPIKey(apiKey)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c.SetBaseURL(baseURL)
	return c
}

// SetAPIKey replaces the API key sent with every request.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// SetBaseURL replaces the server URL. Trailing slashes are dropped.
func (c *Client) SetBaseURL(u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(u, "/")
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// ExecuteWorkflow runs a deployed workflow with input, which defaults to an
// empty object. A zero timeout uses DefaultTimeout.
//
// A run that fails inside the workflow is not an error: it is reported by
// ExecutionResult.Success and ExecutionResult.Error.
func (c *Client) ExecuteWorkflow(ctx context.Context, workflowID string, input any, timeout time.Duration) (*ExecutionResult, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if input == nil {
		input = map[string]any{}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out ExecutionResult
	resp, err := c.request(ctx).
		SetBody(input).
		SetResult(&out).
		Post(c.endpoint(workflowID, "execute"))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Code: CodeTimeout, Message: fmt.Sprintf("Workflow execution timed out after %s", timeout), Cause: err}
		}
		return nil, &Error{Code: CodeExecutionError, Message: fmt.Sprintf("Failed to execute workflow: %v", err), Cause: err}
	}
	if resp.IsError() {
		return nil, responseError(resp, CodeExecutionError)
	}
	return &out, nil
}

// ExecuteWorkflowSync is ExecuteWorkflow. The server always answers once
// the run finished.
func (c *Client) ExecuteWorkflowSync(ctx context.Context, workflowID string, input any, timeout time.Duration) (*ExecutionResult, error) {
	return c.ExecuteWorkflow(ctx, workflowID, input, timeout)
}

// GetWorkflowStatus returns the deployment status of a workflow.
func (c *Client) GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	var out WorkflowStatus
	resp, err := c.request(ctx).
		SetResult(&out).
		Get(c.endpoint(workflowID, "status"))
	if err != nil {
		return nil, &Error{Code: CodeStatusError, Message: fmt.Sprintf("Failed to get workflow status: %v", err), Cause: err}
	}
	if resp.IsError() {
		return nil, responseError(resp, CodeStatusError)
	}
	return &out, nil
}

// ValidateWorkflow reports whether a workflow is deployed and ready to run.
// Any failure reports false.
func (c *Client) ValidateWorkflow(ctx context.Context, workflowID string) bool {
	st, err := c.GetWorkflowStatus(ctx, workflowID)
	return err == nil && st.IsDeployed
}

func (c *Client) request(ctx context.Context) *resty.Request {
	c.mu.RLock()
	key := c.apiKey
	c.mu.RUnlock()
	req := c.http.R().SetContext(ctx)
	if key != "" {
		req.SetHeader(apiKeyHeader, key)
	}
	return req
}

func (c *Client) endpoint(workflowID, action string) string {
	return fmt.Sprintf("%s/api/workflows/%s/%s", c.BaseURL(), url.PathEscape(workflowID), action)
}

// responseError builds an Error from an error answer, preferring the
// server's error and code fields.
func responseError(resp *resty.Response, fallbackCode string) *Error {
	body := resp.Body()
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), http.StatusText(resp.StatusCode()))
	}
	code := gjson.GetBytes(body, "code").String()
	if code == "" {
		code = fallbackCode
	}
	return &Error{Code: code, Status: resp.StatusCode(), Message: msg}
}

// retryCondition retries idempotent requests only.
func retryCondition(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests
}
