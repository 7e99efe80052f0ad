package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readLines decodes every JSON line written to path.
func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line), scanner.Text())
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func newFileLogger(t *testing.T, cfg Config) (*Logger, string) {
	t.Helper()
	cfg.File = filepath.Join(t.TempDir(), "logs", "taskpilot.log")
	l, err := New(cfg)
	require.NoError(t, err)
	return l, cfg.File
}

func TestNew(t *testing.T) {
	t.Run("should filter below the configured level", func(t *testing.T) {
		l, path := newFileLogger(t, Config{Level: "warn"})

		l.Info().Str("step", "1").Msg("Step started")
		l.Warn().Msg("Execution aborted")
		require.NoError(t, l.Close())

		lines := readLines(t, path)
		require.Len(t, lines, 1)
		assert.Equal(t, "Execution aborted", lines[0]["message"])
		assert.Equal(t, "warn", lines[0]["level"])
		assert.Contains(t, lines[0], "time")
	})

	t.Run("should fall back to info for an unknown level", func(t *testing.T) {
		l, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
		assert.Nil(t, l.Redactor())
	})

	t.Run("should install itself as the global logger", func(t *testing.T) {
		prev := log.Logger
		t.Cleanup(func() { log.Logger = prev })

		l, path := newFileLogger(t, Config{Level: "debug"})
		log.Debug().Msg("Session saved")
		require.NoError(t, l.Close())

		lines := readLines(t, path)
		require.Len(t, lines, 1)
		assert.Equal(t, "Session saved", lines[0]["message"])
	})

	t.Run("should mask configured secrets and provider keys", func(t *testing.T) {
		l, path := newFileLogger(t, Config{
			Level:     "info",
			Redaction: true,
			Secrets:   []string{"gateway-shared-secret"},
		})
		require.NotNil(t, l.Redactor())

		l.Info().
			Str("kind", "reasoning").
			Str("api_key", "plain-looking-value").
			Msg("Backend registered")
		l.Error().
			Str("error", `POST "https://api.anthropic.com/v1/messages": 401 invalid x-api-key sk-ant-REDACTED`).
			Msg("Step finished")
		l.Warn().Msg("rejected token gateway-shared-secret")
		require.NoError(t, l.Close())

		lines := readLines(t, path)
		require.Len(t, lines, 3)
		assert.Equal(t, "reasoning", lines[0]["kind"])
		assert.Equal(t, Mask, lines[0]["api_key"])
		assert.NotContains(t, lines[1]["error"], "abcdefghijklmnop")
		assert.Contains(t, lines[1]["error"], "api.anthropic.com")
		assert.Equal(t, "rejected token "+Mask, lines[2]["message"])
	})

	t.Run("should keep secrets when redaction is off", func(t *testing.T) {
		l, path := newFileLogger(t, Config{Level: "info", Secrets: []string{"gateway-shared-secret"}})
		l.Info().Str("api_key", "plain-looking-value").Msg("Backend registered")
		require.NoError(t, l.Close())

		assert.Equal(t, "plain-looking-value", readLines(t, path)[0]["api_key"])
	})
}

func TestLoggerComponent(t *testing.T) {
	l, path := newFileLogger(t, Config{Level: "info"})

	gl := l.Component("gateway")
	gl.Info().Msg("Gateway started")
	sl := l.With().Str("session_id", "abc").Logger()
	sl.Info().Msg("Execution started")
	require.NoError(t, l.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "gateway", lines[0]["component"])
	assert.Equal(t, "abc", lines[1]["session_id"])
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.Equal(t, 5, cfg.MaxBackups)
	assert.True(t, cfg.Compress)
}
