package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/harun/taskpilot/pkg/engine"
	"github.com/harun/taskpilot/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func seedSession(t *testing.T, dir string) *session.ExecutionSession {
	t.Helper()
	store, err := session.NewFileStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	defer store.Close()

	sess := session.New("summarize the report", []string{"report.pdf"})
	sess.Outcome = session.OutcomeCompleted
	sess.StepExecutions = append(sess.StepExecutions, session.StepExecution{
		StepNumber:  1,
		Agent:       "reasoning",
		Description: "read the report",
		Response:    "it is short",
		Status:      session.StepCompleted,
	})
	require.NoError(t, store.Save(context.Background(), sess))
	return sess
}

func TestSessionsCommand(t *testing.T) {
	t.Run("should list saved sessions", func(t *testing.T) {
		path, dir := writeTestConfig(t, nil)
		sess := seedSession(t, dir)

		out, err := execute(t, "sessions", "list", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, sess.ID)
		assert.Contains(t, out, "summarize the report")
		assert.Contains(t, out, "completed")
	})

	t.Run("should say when there are no sessions", func(t *testing.T) {
		path, _ := writeTestConfig(t, nil)

		out, err := execute(t, "sessions", "list", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "No sessions.")
	})

	t.Run("should show a session as yaml", func(t *testing.T) {
		path, dir := writeTestConfig(t, nil)
		sess := seedSession(t, dir)

		out, err := execute(t, "sessions", "show", sess.ID, "--config", path, "--format", "yaml")
		require.NoError(t, err)

		var decoded map[string]interface{}
		require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
		assert.Equal(t, sess.ID, decoded["id"])
		assert.Equal(t, "completed", decoded["outcome"])
	})

	t.Run("should fail for an unknown id", func(t *testing.T) {
		path, _ := writeTestConfig(t, nil)

		_, err := execute(t, "sessions", "show", "missing", "--config", path, "--format", "text")
		assert.ErrorIs(t, err, session.ErrNotFound)
	})
}

func TestWriteSession(t *testing.T) {
	sess := session.New("task", nil)
	sess.StepExecutions = []session.StepExecution{{
		StepNumber: 1, Agent: "search", Description: "look it up", Status: session.StepError, Error: "quota",
	}}

	tests := []struct {
		format string
		check  func(t *testing.T, out string)
	}{
		{"text", func(t *testing.T, out string) {
			assert.Contains(t, out, "[1] search (error)")
			assert.Contains(t, out, "error: quota")
		}},
		{"json", func(t *testing.T, out string) {
			var decoded session.ExecutionSession
			require.NoError(t, json.Unmarshal([]byte(out), &decoded))
			assert.Equal(t, sess.ID, decoded.ID)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, writeSession(&buf, sess, tt.format))
			tt.check(t, buf.String())
		})
	}

	t.Run("unknown format", func(t *testing.T) {
		assert.Error(t, writeSession(&bytes.Buffer{}, sess, "xml"))
	})
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	printResult(&buf, &engine.Result{
		SessionID: "abc",
		Outcome:   session.OutcomeCompleted,
		Summary:   "Completed 1 of 1 steps.",
		Response:  "the answer",
	})

	out := buf.String()
	assert.Contains(t, out, "the answer")
	assert.Contains(t, out, "Completed 1 of 1 steps.")
	assert.Contains(t, out, "Session: abc (completed)")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcd", 2))
}
