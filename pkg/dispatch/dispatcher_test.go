package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/backend/backendtest"
	"github.com/harun/taskpilot/pkg/cancel"
	"github.com/harun/taskpilot/pkg/mcp"
)

type MockInvoker struct {
	mock.Mock
}

func (m *MockInvoker) Invoke(ctx context.Context, kind backend.Kind, task, model string) (string, error) {
	args := m.Called(ctx, kind, task, model)
	return args.String(0), args.Error(1)
}

type fakeTools struct {
	tools  []mcp.ServerTool
	result *mcp.CallResult
	err    error
	calls  []string
}

func (f *fakeTools) Tools() []mcp.ServerTool { return f.tools }

func (f *fakeTools) Call(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallResult, error) {
	f.calls = append(f.calls, name)
	return f.result, f.err
}

func setupTestDispatcher(t *testing.T, tools ToolSource) (*Dispatcher, *MockInvoker) {
	t.Helper()

	reg := backend.NewRegistry()
	require.NoError(t, reg.Register(backend.Entry{
		Kind:        backend.KindReasoning,
		Description: "Deep analysis.",
		Adapter:     backendtest.NewScripted("reasoning"),
		Capabilities: backend.Capabilities{
			AcceptsFiles:    true,
			ModelSelectable: true,
		},
	}))
	require.NoError(t, reg.Register(backend.Entry{
		Kind:    backend.KindSearch,
		Adapter: backendtest.NewScripted("search"),
	}))

	d, err := New(Config{
		Backends: reg,
		MCP:      tools,
		Aliases:  map[string]backend.Kind{"invoke_other": backend.KindSearch},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	inv := &MockInvoker{}
	d.SetInvoker(inv)
	return d, inv
}

func TestNew(t *testing.T) {
	t.Run("should require a backend registry", func(t *testing.T) {
		_, err := New(Config{})
		assert.Error(t, err)
	})

	t.Run("should reject aliases in the MCP namespace", func(t *testing.T) {
		_, err := New(Config{
			Backends: backend.NewRegistry(),
			Aliases:  map[string]backend.Kind{"mcp__x__y": backend.KindSearch},
		})
		assert.Error(t, err)
	})
}

func TestRoute(t *testing.T) {
	d, _ := setupTestDispatcher(t, nil)

	tests := []struct {
		name   string
		family Family
		kind   backend.Kind
	}{
		{"invoke_search", FamilyAgent, backend.KindSearch},
		{"invoke_reasoning", FamilyAgent, backend.KindReasoning},
		{"invoke_other", FamilyAgent, backend.KindSearch},
		{"invoke_local", FamilyUnknown, ""},
		{"mcp__fs__read", FamilyMCP, ""},
		{"web_search", FamilyUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			family, kind := d.Route(tt.name)
			assert.Equal(t, tt.family, family)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestSpecs(t *testing.T) {
	tools := &fakeTools{tools: []mcp.ServerTool{
		{ServerID: "fs", Tool: mcp.Tool{Name: "read", Description: "Read a file"}},
	}}
	d, _ := setupTestDispatcher(t, tools)

	t.Run("should list agents, aliases and MCP tools", func(t *testing.T) {
		specs := d.Specs("")
		names := []string{}
		for _, s := range specs {
			names = append(names, s.Name)
		}
		assert.Equal(t, []string{"invoke_reasoning", "invoke_search", "invoke_other", "mcp__fs__read"}, names)
		assert.Contains(t, specs[0].Description, "Deep analysis.")
		assert.Equal(t, "object", specs[3].InputSchema["type"])
	})

	t.Run("should not offer a backend its own tools", func(t *testing.T) {
		for _, s := range d.Specs(backend.KindSearch) {
			assert.NotEqual(t, "invoke_search", s.Name)
			assert.NotEqual(t, "invoke_other", s.Name)
		}
	})

	t.Run("should expose model only for selectable backends", func(t *testing.T) {
		specs := d.Specs("")
		props := specs[0].InputSchema["properties"].(map[string]interface{})
		assert.Contains(t, props, "model")
		props = specs[1].InputSchema["properties"].(map[string]interface{})
		assert.NotContains(t, props, "model")
	})
}

func TestDispatch_Agent(t *testing.T) {
	ctx := context.Background()

	t.Run("should invoke the target backend", func(t *testing.T) {
		d, inv := setupTestDispatcher(t, nil)
		inv.On("Invoke", mock.Anything, backend.KindSearch, "find x", "").Return("found x", nil).Once()

		res, err := d.Dispatch(ctx, backend.ToolCall{ID: "1", Name: "invoke_other", Input: map[string]interface{}{"task": "find x"}})
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Equal(t, "found x", res.Output)
		inv.AssertExpectations(t)
	})

	t.Run("should pass the model through", func(t *testing.T) {
		d, inv := setupTestDispatcher(t, nil)
		inv.On("Invoke", mock.Anything, backend.KindReasoning, "think", "big").Return("ok", nil).Once()

		_, err := d.Dispatch(ctx, backend.ToolCall{ID: "1", Name: "invoke_reasoning", Input: map[string]interface{}{"task": "think", "model": "big"}})
		require.NoError(t, err)
		inv.AssertExpectations(t)
	})

	t.Run("should report a missing task as an error result", func(t *testing.T) {
		d, inv := setupTestDispatcher(t, nil)

		res, err := d.Dispatch(ctx, backend.ToolCall{ID: "1", Name: "invoke_search", Input: map[string]interface{}{}})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should turn nested failures into error results", func(t *testing.T) {
		d, inv := setupTestDispatcher(t, nil)
		inv.On("Invoke", mock.Anything, backend.KindSearch, "x", "").Return("", errors.New("backend down")).Once()

		res, err := d.Dispatch(ctx, backend.ToolCall{ID: "1", Name: "invoke_search", Input: map[string]interface{}{"task": "x"}})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Output, "backend down")
	})

	t.Run("should propagate cancellation", func(t *testing.T) {
		d, inv := setupTestDispatcher(t, nil)
		inv.On("Invoke", mock.Anything, backend.KindSearch, "x", "").Return("", cancel.ErrCancelled).Once()

		_, err := d.Dispatch(ctx, backend.ToolCall{ID: "1", Name: "invoke_search", Input: map[string]interface{}{"task": "x"}})
		assert.ErrorIs(t, err, cancel.ErrCancelled)
	})
}

func TestDispatch_MCP(t *testing.T) {
	ctx := context.Background()

	t.Run("should route to the tool source", func(t *testing.T) {
		tools := &fakeTools{result: &mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: "file body"}}}}
		d, _ := setupTestDispatcher(t, tools)

		res, err := d.Dispatch(ctx, backend.ToolCall{ID: "1", Name: "mcp__fs__read", Input: map[string]interface{}{"path": "a"}})
		require.NoError(t, err)
		assert.Equal(t, "file body", res.Output)
		assert.False(t, res.IsError)
		assert.Equal(t, []string{"mcp__fs__read"}, tools.calls)
	})

	t.Run("should keep tool-level errors", func(t *testing.T) {
		tools := &fakeTools{result: &mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: "denied"}}, IsError: true}}
		d, _ := setupTestDispatcher(t, tools)

		res, err := d.Dispatch(ctx, backend.ToolCall{ID: "1", Name: "mcp__fs__read"})
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("should turn transport errors into error results", func(t *testing.T) {
		tools := &fakeTools{err: errors.New("server gone")}
		d, _ := setupTestDispatcher(t, tools)

		res, err := d.Dispatch(ctx, backend.ToolCall{ID: "1", Name: "mcp__fs__read"})
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "server gone", res.Output)
	})

	t.Run("should treat MCP names as unknown without a source", func(t *testing.T) {
		d, _ := setupTestDispatcher(t, nil)

		res, err := d.Dispatch(ctx, backend.ToolCall{ID: "1", Name: "mcp__fs__read"})
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})
}

func TestDispatch_Unknown(t *testing.T) {
	d, _ := setupTestDispatcher(t, nil)

	res, err := d.Dispatch(context.Background(), backend.ToolCall{ID: "1", Name: "web_search"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "unknown tool: web_search", res.Output)
}

func TestDispatch_CancelledContext(t *testing.T) {
	d, inv := setupTestDispatcher(t, nil)

	tok := cancel.New()
	ctx, release := tok.Bind(context.Background())
	defer release()
	tok.Cancel()

	_, err := d.Dispatch(ctx, backend.ToolCall{ID: "1", Name: "invoke_search", Input: map[string]interface{}{"task": "x"}})
	assert.ErrorIs(t, err, cancel.ErrCancelled)
	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
