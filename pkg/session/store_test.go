package session

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/plan"
)

func setupStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	fileStore, err := NewFileStore(filepath.Join(dir, "files"))
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		fileStore.Close()
		sqliteStore.Close()
	})

	return map[string]Store{"file": fileStore, "sqlite": sqliteStore}
}

func sampleSession() *ExecutionSession {
	s := New("compare two reports", []string{"a.pdf"})
	s.Plan = &plan.Plan{
		Goal:                "compare",
		EstimatedComplexity: plan.ComplexityMedium,
		Steps: []plan.Step{
			{Step: 1, Description: "read", Agent: backend.KindSearch},
			{Step: 2, Description: "compare", Agent: backend.KindReasoning},
		},
	}
	s.StepExecutions = append(s.StepExecutions, StepExecution{
		StepNumber:  1,
		Agent:       string(backend.KindSearch),
		Description: "read",
		Query:       "read",
		Response:    "contents",
		ToolCalls: []ToolCallRecord{
			{ID: "c1", Name: "mcp__fs__read", Input: map[string]interface{}{"path": "a.pdf"}, Result: "ok"},
		},
		Status:    StepCompleted,
		StartedAt: time.Now().UTC(),
	})
	return s
}

func TestStore_SaveLoad(t *testing.T) {
	for name, store := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := sampleSession()

			require.NoError(t, store.Save(ctx, s))

			loaded, err := store.Load(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, s.ID, loaded.ID)
			assert.Equal(t, s.Task, loaded.Task)
			require.NotNil(t, loaded.Plan)
			assert.Len(t, loaded.Plan.Steps, 2)
			require.Len(t, loaded.StepExecutions, 1)
			assert.Equal(t, StepCompleted, loaded.StepExecutions[0].Status)
			assert.Equal(t, "mcp__fs__read", loaded.StepExecutions[0].ToolCalls[0].Name)
			assert.Equal(t, []string{"a.pdf"}, loaded.Messages[0].Files)
		})
	}
}

func TestStore_SaveOverwrites(t *testing.T) {
	for name, store := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := sampleSession()
			require.NoError(t, store.Save(ctx, s))

			s.Outcome = OutcomeCompleted
			s.Result = "done"
			require.NoError(t, store.Save(ctx, s))

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, OutcomeCompleted, list[0].Outcome)

			loaded, err := store.Load(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, "done", loaded.Result)
		})
	}
}

func TestStore_UpdatedAtMonotonic(t *testing.T) {
	for name, store := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := sampleSession()

			// A clock that appears to step backward must not move updatedAt back.
			future := time.Now().UTC().Add(time.Hour)
			s.UpdatedAt = future

			var previous time.Time
			for i := 0; i < 5; i++ {
				require.NoError(t, store.Save(ctx, s))
				loaded, err := store.Load(ctx, s.ID)
				require.NoError(t, err)
				assert.False(t, loaded.UpdatedAt.Before(previous), "save %d moved updatedAt backward", i)
				assert.False(t, loaded.UpdatedAt.Before(future))
				previous = loaded.UpdatedAt
			}
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, store := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Load(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListNewestFirst(t *testing.T) {
	for name, store := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older := New("older", nil)
			older.CreatedAt = time.Now().UTC().Add(-time.Hour)
			newer := New("newer", nil)

			require.NoError(t, store.Save(ctx, older))
			require.NoError(t, store.Save(ctx, newer))

			list, err := store.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "newer", list[0].Task)
			assert.Equal(t, "older", list[1].Task)
		})
	}
}

func TestStore_RejectsUnsafeIDs(t *testing.T) {
	for name, store := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"", "../escape", "a/b", "a\\b", "a\x00b"} {
				s := New("x", nil)
				s.ID = id
				assert.Error(t, store.Save(context.Background(), s), "id %q", id)
			}
		})
	}
}

func TestFileStore_WritesOneDocumentPerID(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	s := sampleSession()
	require.NoError(t, store.Save(context.Background(), s))
	require.NoError(t, store.Save(context.Background(), s))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, s.ID+".json", entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "task", "createdAt", "updatedAt", "messages", "plan", "stepExecutions"} {
		assert.Contains(t, raw, key)
	}
}

func TestFileStore_ListSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0600))
	require.NoError(t, store.Save(context.Background(), sampleSession()))

	list, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFileStore_SaveLogsSessionOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	s := sampleSession()

	t.Run("should take the session id from the context", func(t *testing.T) {
		buf.Reset()
		ctx := tracing.WithSessionID(context.Background(), s.ID)
		require.NoError(t, store.Save(ctx, s))
		assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"session_id"`)))
		assert.Contains(t, buf.String(), s.ID)
	})

	t.Run("should fall back to the saved session id", func(t *testing.T) {
		buf.Reset()
		require.NoError(t, store.Save(context.Background(), s))
		assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"session_id"`)))
		assert.Contains(t, buf.String(), s.ID)
	})
}

func TestStepStatus_Terminal(t *testing.T) {
	assert.False(t, StepExecuting.Terminal())
	assert.True(t, StepCompleted.Terminal())
	assert.True(t, StepError.Terminal())
	assert.True(t, StepAborted.Terminal())
}
