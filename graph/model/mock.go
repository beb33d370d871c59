package model

import (
	"context"
	"io"
	"sync"
)

// MockChatModel is a test implementation of ChatModel and
// StreamingChatModel.
//
// Use MockChatModel in tests to run agent and router blocks without making
// API calls. It provides:
//   - Configurable responses
//   - Call history tracking
//   - Error injection
//
// Example usage:
//
//	mock := &MockChatModel{
//	    Responses: []ChatOut{
//	        {Text: "First response"},
//	        {Text: "Second response"},
//	    },
//	}
//	out, err := mock.Chat(ctx, messages, nil)
//	// Returns "First response", then "Second response" on subsequent calls
type MockChatModel struct {
	// Responses contains the sequence of responses to return. Once all are
	// consumed, the last response repeats.
	Responses []ChatOut

	// Err, if set, is returned instead of a response.
	Err error

	// Respond, if set, computes the response from the messages. It takes
	// precedence over Responses.
	Respond func(messages []Message) (ChatOut, error)

	// ChunkSize is the number of bytes per Read from ChatStream. Zero means
	// the whole reply in one read.
	ChunkSize int

	// Calls tracks the history of all invocations.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall records a single invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
	Stream   bool
}

// Chat implements the ChatModel interface.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	return m.next(ctx, MockChatCall{Messages: messages, Tools: tools})
}

// ChatStream implements StreamingChatModel by returning the next response
// text in ChunkSize pieces.
func (m *MockChatModel) ChatStream(ctx context.Context, messages []Message) (io.ReadCloser, error) {
	out, err := m.next(ctx, MockChatCall{Messages: messages, Stream: true})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	size := m.ChunkSize
	m.mu.Unlock()
	return &chunkReader{data: []byte(out.Text), size: size, usage: out.Usage}, nil
}

func (m *MockChatModel) next(ctx context.Context, call MockChatCall) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, call)

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if m.Respond != nil {
		return m.Respond(call.Messages)
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
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
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of invocations so far.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Calls)
}

// LastCall returns the most recent invocation.
func (m *MockChatModel) LastCall() (MockChatCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Calls) == 0 {
		return MockChatCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

type chunkReader struct {
	data   []byte
	size   int
	usage  Usage
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := len(r.data)
	if r.size > 0 && n > r.size {
		n = r.size
	}
	n = copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func (r *chunkReader) Usage() Usage { return r.usage }

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}
