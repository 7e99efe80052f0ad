package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolNames(t *testing.T) {
	assert.Equal(t, "mcp__fs__read_file", ToolName("fs", "read_file"))

	tests := []struct {
		name   string
		server string
		tool   string
		ok     bool
	}{
		{"mcp__fs__read_file", "fs", "read_file", true},
		{"mcp__web__search__deep", "web", "search__deep", true},
		{"mcp__fs__", "", "", false},
		{"mcp____x", "", "", false},
		{"invoke_search", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, tool, ok := ParseToolName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.server, server)
			assert.Equal(t, tt.tool, tool)
		})
	}
}

func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()
	client, _ := setupTestClient(t)
	reg := NewRegistry()
	require.NoError(t, reg.Add(client))
	require.NoError(t, reg.Refresh(context.Background()))
	return reg
}

func TestRegistry_Add(t *testing.T) {
	reg := NewRegistry()
	client, _ := setupTestClient(t)

	require.NoError(t, reg.Add(client))
	assert.Error(t, reg.Add(client), "duplicate server id")
	assert.Error(t, reg.Add(nil))
	assert.Error(t, reg.Add(NewClient("bad__id", "true", nil)))
}

func TestRegistry_Tools(t *testing.T) {
	reg := setupTestRegistry(t)

	tools := reg.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "mcp__fs__ping", tools[0].ExposedName())
	assert.Equal(t, "mcp__fs__read_file", tools[1].ExposedName())
}

func TestRegistry_Call(t *testing.T) {
	reg := setupTestRegistry(t)
	ctx := context.Background()

	t.Run("should call through to the server", func(t *testing.T) {
		res, err := reg.Call(ctx, "mcp__fs__read_file", map[string]interface{}{"path": "/tmp/a"})
		require.NoError(t, err)
		assert.Equal(t, "called read_file", res.Text())
	})

	t.Run("should validate arguments against the schema", func(t *testing.T) {
		_, err := reg.Call(ctx, "mcp__fs__read_file", map[string]interface{}{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid arguments")
	})

	t.Run("should reject unknown servers", func(t *testing.T) {
		_, err := reg.Call(ctx, "mcp__other__x", nil)
		assert.Error(t, err)
	})

	t.Run("should reject names without the prefix", func(t *testing.T) {
		_, err := reg.Call(ctx, "read_file", nil)
		assert.Error(t, err)
	})
}
