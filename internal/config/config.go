package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main taskpilot configuration
type Config struct {
	// Backends available to plans, keyed by kind
	Backends []BackendConfig `json:"backends" mapstructure:"backends"`

	// Planner
	Planner PlannerConfig `json:"planner" mapstructure:"planner"`

	// Engine limits
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Session persistence
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// External tool servers
	MCP MCPConfig `json:"mcp" mapstructure:"mcp"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Gateway
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
}

// BackendConfig binds a backend kind to a provider.
type BackendConfig struct {
	Kind            string `json:"kind" mapstructure:"kind"`
	Provider        string `json:"provider" mapstructure:"provider"` // anthropic, openai, ollama
	APIKey          string `json:"api_key" mapstructure:"api_key"`
	Model           string `json:"model" mapstructure:"model"`
	BaseURL         string `json:"base_url" mapstructure:"base_url"`
	MaxTokens       int    `json:"max_tokens" mapstructure:"max_tokens"`
	Description     string `json:"description" mapstructure:"description"`
	AcceptsFiles    bool   `json:"accepts_files" mapstructure:"accepts_files"`
	ModelSelectable bool   `json:"model_selectable" mapstructure:"model_selectable"`
	InlineTools     bool   `json:"inline_tools" mapstructure:"inline_tools"`
}

// PlannerConfig selects the backend that decomposes tasks.
type PlannerConfig struct {
	Backend      string `json:"backend" mapstructure:"backend"`
	DefaultAgent string `json:"default_agent" mapstructure:"default_agent"`
}

// EngineConfig holds resolution loop and retry bounds.
type EngineConfig struct {
	MaxToolIterations           int               `json:"max_tool_iterations" mapstructure:"max_tool_iterations"`
	MaxDepth                    int               `json:"max_depth" mapstructure:"max_depth"`
	ToolOutputLimit             int               `json:"tool_output_limit" mapstructure:"tool_output_limit"`
	MaxRetries                  int               `json:"max_retries" mapstructure:"max_retries"`
	DefaultRateLimitWaitSeconds int               `json:"default_rate_limit_wait_seconds" mapstructure:"default_rate_limit_wait_seconds"`
	Aliases                     map[string]string `json:"aliases" mapstructure:"aliases"` // tool name -> backend kind
}

// SessionsConfig selects the session store.
type SessionsConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // file, sqlite
	Dir    string `json:"dir" mapstructure:"dir"`
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

// MCPConfig lists the tool servers to start.
type MCPConfig struct {
	Servers        []MCPServerConfig `json:"servers" mapstructure:"servers"`
	TimeoutSeconds int               `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// MCPServerConfig describes a stdio tool server.
type MCPServerConfig struct {
	ID      string   `json:"id" mapstructure:"id"`
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`

	// Per-client API limits, 0 takes the gateway default
	SubmitPerMinute int `json:"submit_per_minute" mapstructure:"submit_per_minute"`
	ReadPerMinute   int `json:"read_per_minute" mapstructure:"read_per_minute"`
	MaxInFlight     int `json:"max_in_flight" mapstructure:"max_in_flight"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Backends: []BackendConfig{
			{
				Kind:            "manager",
				Provider:        "anthropic",
				Model:           "claude-sonnet-4-5",
				Description:     "Plans tasks and coordinates other agents.",
				AcceptsFiles:    true,
				ModelSelectable: true,
			},
			{
				Kind:            "reasoning",
				Provider:        "anthropic",
				Model:           "claude-sonnet-4-5",
				Description:     "Deep analysis, writing and code.",
				AcceptsFiles:    true,
				ModelSelectable: true,
			},
		},
		Planner: PlannerConfig{
			Backend:      "manager",
			DefaultAgent: "reasoning",
		},
		Engine: EngineConfig{
			MaxToolIterations:           20,
			MaxDepth:                    3,
			ToolOutputLimit:             10000,
			MaxRetries:                  3,
			DefaultRateLimitWaitSeconds: 60,
			Aliases:                     map[string]string{},
		},
		Sessions: SessionsConfig{
			Driver: "file",
		},
		MCP: MCPConfig{
			TimeoutSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
			Redaction:  true,
		},
		Tracing: TracingConfig{
			ServiceName: "taskpilot",
			SampleRatio: 1.0,
		},
		Gateway: GatewayConfig{
			Port: 18789,
			Host: "127.0.0.1",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Backend returns the backend configured for kind.
func (c *Config) Backend(kind string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Kind == kind {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// Secrets returns the configured credentials so log output can mask them
// even when they match no known key format.
func (c *Config) Secrets() []string {
	var out []string
	for _, b := range c.Backends {
		if b.APIKey != "" {
			out = append(out, b.APIKey)
		}
	}
	if c.Gateway.SharedSecret != "" {
		out = append(out, c.Gateway.SharedSecret)
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends configured: at least one backend is required")
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Kind == "" {
			return fmt.Errorf("backend %d: kind is required", i)
		}
		if seen[b.Kind] {
			return fmt.Errorf("backend %s: configured twice", b.Kind)
		}
		seen[b.Kind] = true

		switch b.Provider {
		case "anthropic", "openai":
			if b.APIKey == "" {
				return fmt.Errorf("backend %s: api_key is required", b.Kind)
			}
		case "ollama":
		case "":
			return fmt.Errorf("backend %s: provider is required", b.Kind)
		default:
			return fmt.Errorf("backend %s: invalid provider %s (must be: anthropic, openai, ollama)", b.Kind, b.Provider)
		}
		if b.Model == "" {
			return fmt.Errorf("backend %s: model is required", b.Kind)
		}
	}

	if c.Planner.Backend != "" && !seen[c.Planner.Backend] {
		return fmt.Errorf("planner backend %s is not configured", c.Planner.Backend)
	}
	if c.Planner.DefaultAgent != "" && !seen[c.Planner.DefaultAgent] {
		return fmt.Errorf("planner default_agent %s is not configured", c.Planner.DefaultAgent)
	}

	for alias, kind := range c.Engine.Aliases {
		if !seen[kind] {
			return fmt.Errorf("tool alias %s: backend %s is not configured", alias, kind)
		}
	}

	switch c.Sessions.Driver {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("invalid sessions driver: %s (must be: file, sqlite)", c.Sessions.Driver)
	}

	ids := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.ID == "" {
			return fmt.Errorf("mcp server %d: id is required", i)
		}
		if ids[s.ID] {
			return fmt.Errorf("mcp server %s: configured twice", s.ID)
		}
		ids[s.ID] = true
		if s.Command == "" {
			return fmt.Errorf("mcp server %s: command is required", s.ID)
		}
	}

	return nil
}
