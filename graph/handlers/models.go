package handlers

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dshills/blockflow/graph/model"
	"github.com/dshills/blockflow/graph/model/anthropic"
	"github.com/dshills/blockflow/graph/model/google"
	"github.com/dshills/blockflow/graph/model/openai"
)

// ErrUnknownModel is returned when no provider serves a model name.
var ErrUnknownModel = errors.New("unknown model")

// ModelResolver returns the chat model for a model name.
type ModelResolver interface {
	Resolve(name string) (model.ChatModel, error)
}

// StaticModels resolves names from a fixed map. The "" entry, when present,
// serves every name that is not listed.
type StaticModels map[string]model.ChatModel

// Resolve implements ModelResolver.
func (s StaticModels) Resolve(name string) (model.ChatModel, error) {
	if m, ok := s[name]; ok {
		return m, nil
	}
	if m, ok := s[""]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
}

// Providers builds provider adapters from the model name prefix:
// claude-* is served by Anthropic, gpt-*, o1*, o3* and o4* by OpenAI and
// gemini-* by Google. Adapters are created once per name.
type Providers struct {
	AnthropicKey string
	OpenAIKey    string
	GoogleKey    string

	// MaxRetries wraps every adapter in model.WithRetry when positive.
	MaxRetries uint64
	RetryDelay time.Duration

	mu    sync.Mutex
	cache map[string]model.ChatModel
}

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// ProviderFor returns the provider serving a model name, or "".
func ProviderFor(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "claude"):
		return ProviderAnthropic
	case strings.HasPrefix(n, "gpt"), strings.HasPrefix(n, "o1"), strings.HasPrefix(n, "o3"), strings.HasPrefix(n, "o4"):
		return ProviderOpenAI
	case strings.HasPrefix(n, "gemini"):
		return ProviderGoogle
	default:
		return ""
	}
}

// Resolve implements ModelResolver.
func (p *Providers) Resolve(name string) (model.ChatModel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, ok := p.cache[name]; ok {
		return m, nil
	}

	var m model.ChatModel
	switch ProviderFor(name) {
	case ProviderAnthropic:
		m = anthropic.NewChatModel(p.AnthropicKey, name)
	case ProviderOpenAI:
		m = openai.NewChatModel(p.OpenAIKey, name)
	case ProviderGoogle:
		m = google.NewChatModel(p.GoogleKey, name)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	if p.MaxRetries > 0 {
		m = model.WithRetry(m, p.MaxRetries, p.RetryDelay)
	}

	if p.cache == nil {
		p.cache = make(map[string]model.ChatModel)
	}
	p.cache[name] = m
	return m, nil
}
