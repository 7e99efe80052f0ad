package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "manager", cfg.Planner.Backend)
		assert.Len(t, cfg.Backends, 2)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"backends": [
				{"kind": "manager", "provider": "anthropic", "api_key": "sk-ant-x", "model": "claude-sonnet-4-5"},
				{"kind": "search", "provider": "openai", "api_key": "sk-x", "model": "gpt-4o", "accepts_files": true},
				{"kind": "local", "provider": "ollama", "model": "llama3", "inline_tools": true}
			],
			"planner": {"backend": "manager", "default_agent": "search"},
			"engine": {"max_tool_iterations": 5, "aliases": {"invoke_other": "search"}},
			"mcp": {"servers": [{"id": "fs", "command": "mcp-fs", "args": ["--root", "/tmp"]}]}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		require.Len(t, cfg.Backends, 3)
		assert.Equal(t, "openai", cfg.Backends[1].Provider)
		assert.True(t, cfg.Backends[1].AcceptsFiles)
		assert.True(t, cfg.Backends[2].InlineTools)
		assert.Equal(t, "search", cfg.Planner.DefaultAgent)
		assert.Equal(t, 5, cfg.Engine.MaxToolIterations)
		assert.Equal(t, 3, cfg.Engine.MaxDepth)
		assert.Equal(t, "search", cfg.Engine.Aliases["invoke_other"])
		require.Len(t, cfg.MCP.Servers, 1)
		assert.Equal(t, []string{"--root", "/tmp"}, cfg.MCP.Servers[0].Args)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("set default paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`"}`), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "taskpilot.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(tmpDir, "sessions"), cfg.Sessions.Dir)
		assert.Equal(t, filepath.Join(tmpDir, "sessions.db"), cfg.Sessions.DSN)
	})

	t.Run("environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		t.Setenv("TASKPILOT_SESSIONS_DRIVER", "sqlite")
		t.Setenv("TASKPILOT_LOGGING_LEVEL", "debug")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Sessions.Driver)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("invalid json", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{invalid"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Backends[0].APIKey = "sk-ant-saved"
	cfg.Engine.MaxDepth = 5

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-saved", loaded.Backends[0].APIKey)
	assert.Equal(t, 5, loaded.Engine.MaxDepth)
}

func TestGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		assert.Equal(t, "/custom/path.json", NewLoader("/custom/path.json").GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		path := NewLoader("").GetConfigPath()
		assert.Contains(t, path, ".taskpilot")
		assert.Contains(t, path, "taskpilot.json")
	})
}
