package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dshills/blockflow/graph/model"
)

// HTTPTool makes HTTP requests. API blocks run through it, and agent blocks
// may offer it to their model.
//
// Input Parameters:
//   - url: Target URL (required)
//   - method: GET, POST, PUT, PATCH, DELETE or HEAD (defaults to GET)
//   - headers: Optional map of HTTP headers
//   - params: Optional map of query parameters
//   - body: Optional request body; strings are sent as-is, anything else
//     as JSON
//
// Output:
//   - status: HTTP status code
//   - headers: Response headers (single values flattened)
//   - data: Response body, decoded when it is JSON
//
// Non-2xx responses are returned as output, not as errors; callers decide
// whether a status is a failure.
//
// Example usage:
//
//	t := tool.NewHTTPTool(10 * time.Second)
//	result, err := t.Call(ctx, map[string]interface{}{
//	    "method": "POST",
//	    "url":    "https://api.example.com/items",
//	    "body":   map[string]interface{}{"name": "widget"},
//	})
type HTTPTool struct {
	client *resty.Client
}

var supportedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// NewHTTPTool creates an HTTP tool. A zero timeout leaves request deadlines
// to the caller's context.
func NewHTTPTool(timeout time.Duration) *HTTPTool {
	client := resty.New().SetHeader("User-Agent", "blockflow")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &HTTPTool{client: client}
}

// Name returns the tool identifier.
func (h *HTTPTool) Name() string {
	return "http_request"
}

// Spec describes the tool to a model.
func (h *HTTPTool) Spec() model.ToolSpec {
	return model.ToolSpec{
		Name:        h.Name(),
		Description: "Make an HTTP request and return the status, headers and response body",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url":    map[string]interface{}{"type": "string", "description": "Target URL"},
				"method": map[string]interface{}{"type": "string", "description": "HTTP method"},
				"body":   map[string]interface{}{"type": "string", "description": "Request body"},
			},
			"required": []string{"url"},
		},
	}
}

// Call executes an HTTP request with the provided parameters.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, fmt.Errorf("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !supportedMethods[method] {
		return nil, fmt.Errorf("unsupported HTTP method: %s", method)
	}

	req := h.client.R().SetContext(ctx)
	if headers, ok := input["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			req.SetHeader(key, fmt.Sprint(value))
		}
	}
	if params, ok := input["params"].(map[string]interface{}); ok {
		for key, value := range params {
			req.SetQueryParam(key, fmt.Sprint(value))
		}
	}
	switch body := input["body"].(type) {
	case nil:
	case string:
		if body != "" {
			req.SetBody(body)
		}
	default:
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(body)
	}

	resp, err := req.Execute(method, urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	respHeaders := make(map[string]interface{}, len(resp.Header()))
	for key, values := range resp.Header() {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	return map[string]interface{}{
		"status":  resp.StatusCode(),
		"headers": respHeaders,
		"data":    decodeBody(resp.Body(), resp.Header().Get("Content-Type")),
	}, nil
}

// decodeBody returns JSON bodies as decoded values and everything else as
// a string.
func decodeBody(body []byte, contentType string) interface{} {
	if len(body) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(body))
	looksJSON := strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
	if strings.Contains(contentType, "json") || looksJSON {
		var v interface{}
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}
