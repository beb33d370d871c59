// Package tool defines executable tools used by API blocks and by agent
// blocks whose model requests tool calls.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/blockflow/graph/model"
)

// Tool defines the interface for executable tools.
//
// Implementations should:
//   - Validate input parameters
//   - Respect context cancellation; the executor cancels on block timeout
//   - Return structured output as map[string]interface{}
//
// Example implementation:
//
//	type WeatherTool struct{}
//
//	func (w *WeatherTool) Name() string { return "get_weather" }
//
//	func (w *WeatherTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
//	    location, ok := input["location"].(string)
//	    if !ok {
//	        return nil, errors.New("location parameter required")
//	    }
//	    return map[string]interface{}{"location": location, "temperature": 21.5}, nil
//	}
type Tool interface {
	// Name returns the unique identifier for this tool. It must match the
	// ToolSpec name the model sees.
	Name() string

	// Call executes the tool. input may be nil for parameterless tools.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Describer is implemented by tools that can describe themselves to a
// model. Tools without it are offered by name only.
type Describer interface {
	Spec() model.ToolSpec
}

// SpecOf returns the model-facing description of t.
func SpecOf(t Tool) model.ToolSpec {
	if d, ok := t.(Describer); ok {
		spec := d.Spec()
		if spec.Name == "" {
			spec.Name = t.Name()
		}
		return spec
	}
	return model.ToolSpec{Name: t.Name()}
}

// Set is a named collection of tools, safe for concurrent use.
type Set struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewSet creates a set holding tools. Later tools replace earlier ones with
// the same name.
func NewSet(tools ...Tool) *Set {
	s := &Set{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		s.Add(t)
	}
	return s
}

// Add registers t under its name.
func (s *Set) Add(t Tool) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name()] = t
}

// Get returns the tool named name.
func (s *Set) Get(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// Specs returns the specs of the named tools, or of every tool when names
// is empty, sorted by name. Unknown names are reported as an error.
func (s *Set) Specs(names ...string) ([]model.ToolSpec, error) {
	if s == nil {
		if len(names) > 0 {
			return nil, fmt.Errorf("unknown tool %q", names[0])
		}
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(names) == 0 {
		for name := range s.tools {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	specs := make([]model.ToolSpec, 0, len(names))
	for _, name := range names {
		t, ok := s.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		specs = append(specs, SpecOf(t))
	}
	return specs, nil
}

// Invoke runs the tool named by call.
func (s *Set) Invoke(ctx context.Context, call model.ToolCall) (map[string]interface{}, error) {
	t, ok := s.Get(call.Name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}
	out, err := t.Call(ctx, call.Input)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", call.Name, err)
	}
	return out, nil
}
