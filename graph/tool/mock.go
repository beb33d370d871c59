package tool

import (
	"context"
	"sync"

	"github.com/dshills/blockflow/graph/model"
)

// MockTool is a test implementation of Tool.
//
// Example usage:
//
//	mock := &MockTool{
//	    ToolName: "search_web",
//	    Responses: []map[string]interface{}{
//	        {"results": []string{"result1", "result2"}},
//	    },
//	}
//	output, err := mock.Call(ctx, map[string]interface{}{"query": "test"})
type MockTool struct {
	// ToolName is the identifier returned by Name().
	ToolName string

	// Description is reported through Spec.
	Description string

	// Responses contains the sequence of outputs to return. Once all are
	// consumed, the last response repeats.
	Responses []map[string]interface{}

	// Respond, if set, computes the output from the input. It takes
	// precedence over Responses.
	Respond func(input map[string]interface{}) (map[string]interface{}, error)

	// Err, if set, is returned instead of a response.
	Err error

	// Calls tracks the history of all invocations.
	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records a single invocation of Call().
type MockToolCall struct {
	Input map[string]interface{}
}

// Name implements the Tool interface.
func (m *MockTool) Name() string {
	return m.ToolName
}

// Spec implements Describer.
func (m *MockTool) Spec() model.ToolSpec {
	return model.ToolSpec{Name: m.ToolName, Description: m.Description}
}

// Call implements the Tool interface. Every call is recorded, including
// failed ones; calls with a canceled context are not.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}
	if m.Respond != nil {
		return m.Respond(input)
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and resets the response index.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of times Call() has been called.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}
