package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/taskpilot/pkg/mcp"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == "ollama" {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateBaseURL validates an optional provider endpoint.
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid base_url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid base_url %q: host is required", raw)
	}
	return nil
}

// ValidateKind validates a backend kind. Kinds become tool names, so they
// must not collide with the external tool prefix.
func (v *Validator) ValidateKind(kind string) error {
	if kind == "" {
		return fmt.Errorf("backend kind cannot be empty")
	}
	if strings.HasPrefix(kind, mcp.ToolPrefix) {
		return fmt.Errorf("backend kind %s must not start with %s", kind, mcp.ToolPrefix)
	}
	for _, r := range kind {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("backend kind %s: only lowercase letters, digits, '-' and '_' are allowed", kind)
		}
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, b := range cfg.Backends {
		if err := v.ValidateKind(b.Kind); err != nil {
			errors = append(errors, fmt.Errorf("backend %d: %w", i, err))
		}
		if b.Provider != "" {
			if err := v.ValidateAPIKey(b.APIKey, b.Provider); err != nil {
				errors = append(errors, fmt.Errorf("backend %d (%s): %w", i, b.Kind, err))
			}
		}
		if err := v.ValidateBaseURL(b.BaseURL); err != nil {
			errors = append(errors, fmt.Errorf("backend %d (%s): %w", i, b.Kind, err))
		}
		if err := v.ValidateMaxTokens(b.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("backend %d (%s): %w", i, b.Kind, err))
		}
	}

	for alias := range cfg.Engine.Aliases {
		if strings.HasPrefix(alias, mcp.ToolPrefix) {
			errors = append(errors, fmt.Errorf("tool alias %s must not start with %s", alias, mcp.ToolPrefix))
		}
	}

	if cfg.Engine.MaxToolIterations < 0 {
		errors = append(errors, fmt.Errorf("engine.max_tool_iterations must be >= 0"))
	}
	if cfg.Engine.MaxDepth < 0 {
		errors = append(errors, fmt.Errorf("engine.max_depth must be >= 0"))
	}
	if cfg.Engine.ToolOutputLimit < 0 {
		errors = append(errors, fmt.Errorf("engine.tool_output_limit must be >= 0"))
	}
	if cfg.Engine.MaxRetries < 0 {
		errors = append(errors, fmt.Errorf("engine.max_retries must be >= 0"))
	}
	if cfg.Engine.DefaultRateLimitWaitSeconds < 0 {
		errors = append(errors, fmt.Errorf("engine.default_rate_limit_wait_seconds must be >= 0"))
	}

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errors = append(errors, fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.SubmitPerMinute < 0 || cfg.Gateway.ReadPerMinute < 0 || cfg.Gateway.MaxInFlight < 0 {
		errors = append(errors, fmt.Errorf("gateway limits must be >= 0"))
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
