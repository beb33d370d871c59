// Package config loads blockflow configuration from defaults, an optional
// YAML file and BLOCKFLOW_* environment variables, in increasing order of
// precedence.
package config

import (
	"time"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/graph/handlers"
	"github.com/dshills/blockflow/internal/logger"
)

// Config is the complete blockflow configuration.
type Config struct {
	Engine    EngineConfig    `koanf:"engine"`
	Log       LogConfig       `koanf:"log"`
	Store     StoreConfig     `koanf:"store"`
	Server    ServerConfig    `koanf:"server"`
	Providers ProvidersConfig `koanf:"providers"`
}

// EngineConfig maps onto graph.Options and the handler retry policy.
type EngineConfig struct {
	MaxPasses         int           `koanf:"max_passes" validate:"min=1"`
	MaxConcurrent     int           `koanf:"max_concurrent" validate:"min=1,max=256"`
	BlockTimeout      time.Duration `koanf:"block_timeout" validate:"min=0"`
	MaxLoopIterations int           `koanf:"max_loop_iterations" validate:"min=1"`

	// APIAttempts is the total number of attempts of an API block request.
	APIAttempts  int           `koanf:"api_attempts" validate:"min=1,max=10"`
	APIBaseDelay time.Duration `koanf:"api_base_delay" validate:"gt=0"`
	APIMaxDelay  time.Duration `koanf:"api_max_delay" validate:"gtefield=APIBaseDelay"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`

	// Events writes every executor event to stderr.
	Events bool `koanf:"events"`
}

// StoreConfig selects the run store.
type StoreConfig struct {
	// Driver is memory, sqlite or mysql.
	Driver string `koanf:"driver" validate:"oneof=memory sqlite mysql"`

	// DSN is the SQLite path or MySQL data source name.
	DSN string `koanf:"dsn" validate:"required_unless=Driver memory"`
}

// ServerConfig configures the HTTP execution surface.
type ServerConfig struct {
	Addr string `koanf:"addr" validate:"required"`

	// APIKey, when set, is required in the X-API-Key header of every API
	// request.
	APIKey string `koanf:"api_key"`

	RunTimeout   time.Duration `koanf:"run_timeout" validate:"gt=0"`
	WorkflowsDir string        `koanf:"workflows_dir" validate:"required"`
}

// ProvidersConfig holds model provider credentials.
type ProvidersConfig struct {
	AnthropicAPIKey string        `koanf:"anthropic_api_key"`
	OpenAIAPIKey    string        `koanf:"openai_api_key"`
	GoogleAPIKey    string        `koanf:"google_api_key"`
	DefaultModel    string        `koanf:"default_model"`
	MaxRetries      int           `koanf:"max_retries" validate:"min=0,max=10"`
	RetryDelay      time.Duration `koanf:"retry_delay" validate:"min=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxPasses:         graph.DefaultMaxPasses,
			MaxConcurrent:     1,
			MaxLoopIterations: graph.DefaultMaxLoopIterations,
			APIAttempts:       3,
			APIBaseDelay:      200 * time.Millisecond,
			APIMaxDelay:       2 * time.Second,
		},
		Log: LogConfig{
			Level: string(logger.InfoLevel),
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Server: ServerConfig{
			Addr:         ":8080",
			RunTimeout:   5 * time.Minute,
			WorkflowsDir: "workflows",
		},
		Providers: ProvidersConfig{
			DefaultModel: "gpt-4o-mini",
			MaxRetries:   2,
			RetryDelay:   500 * time.Millisecond,
		},
	}
}

// GraphOptions returns the executor options of the engine section.
func (c *Config) GraphOptions() []graph.Option {
	return []graph.Option{
		graph.WithMaxPasses(c.Engine.MaxPasses),
		graph.WithMaxConcurrent(c.Engine.MaxConcurrent),
		graph.WithBlockTimeout(c.Engine.BlockTimeout),
		graph.WithMaxLoopIterations(c.Engine.MaxLoopIterations),
	}
}

// RetryPolicy returns the API block retry policy.
func (c *Config) RetryPolicy() handlers.RetryPolicy {
	return handlers.RetryPolicy{
		MaxAttempts: c.Engine.APIAttempts,
		BaseDelay:   c.Engine.APIBaseDelay,
		MaxDelay:    c.Engine.APIMaxDelay,
	}
}

// ModelProviders returns the model resolver for the configured credentials.
func (c *Config) ModelProviders() *handlers.Providers {
	return &handlers.Providers{
		AnthropicKey: c.Providers.AnthropicAPIKey,
		OpenAIKey:    c.Providers.OpenAIAPIKey,
		GoogleKey:    c.Providers.GoogleAPIKey,
		MaxRetries:   uint64(c.Providers.MaxRetries),
		RetryDelay:   c.Providers.RetryDelay,
	}
}

// LoggerConfig returns the logger configuration of the log section.
func (c *Config) LoggerConfig() *logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = logger.LogLevel(c.Log.Level)
	lc.JSON = c.Log.JSON
	return lc
}
