package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir         = ".taskpilot"
	configFileName = "taskpilot.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the
// defaults; environment variables prefixed TASKPILOT_ override scalar keys
// either way.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix("TASKPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	// Configured backends replace the defaults instead of merging into them.
	if v.IsSet("backends") {
		cfg.Backends = nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "taskpilot.log")
	}

	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.Sessions.DSN == "" {
		cfg.Sessions.DSN = filepath.Join(cfg.DataDir, "sessions.db")
	}

	return cfg, nil
}

// bindEnv registers the scalar keys that can be overridden without a file.
// AutomaticEnv alone only applies to keys viper already knows about.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"data_dir",
		"planner.backend",
		"planner.default_agent",
		"engine.max_tool_iterations",
		"engine.max_depth",
		"engine.tool_output_limit",
		"engine.max_retries",
		"engine.default_rate_limit_wait_seconds",
		"sessions.driver",
		"sessions.dir",
		"sessions.dsn",
		"logging.level",
		"logging.file",
		"logging.pretty",
		"gateway.host",
		"gateway.port",
		"gateway.shared_secret",
		"tracing.enabled",
	} {
		_ = v.BindEnv(key)
	}
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("backends", cfg.Backends)
	v.Set("planner", cfg.Planner)
	v.Set("engine", cfg.Engine)
	v.Set("sessions", cfg.Sessions)
	v.Set("mcp", cfg.MCP)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)
	v.Set("gateway", cfg.Gateway)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDir, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
