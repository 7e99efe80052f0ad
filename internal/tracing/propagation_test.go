package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToSubAgent(t *testing.T) {
	parentCtx := context.Background()
	parentCtx = WithTraceID(parentCtx, "trace-123")
	parentCtx = WithRunID(parentCtx, "run-parent")
	parentCtx = WithAgentID(parentCtx, "reasoning")
	parentCtx = WithSessionID(parentCtx, "session-abc")
	parentCtx = WithStep(parentCtx, 2)

	childCtx := PropagateToSubAgent(parentCtx, "search")

	if GetTraceID(childCtx) != "trace-123" {
		t.Error("Trace ID not propagated")
	}
	if GetRunID(childCtx) == "run-parent" || GetRunID(childCtx) == "" {
		t.Error("Run ID should be regenerated for the nested loop")
	}
	if GetAgentID(childCtx) != "search" {
		t.Error("Agent ID not updated")
	}
	if GetSessionID(childCtx) != "session-abc" {
		t.Error("Session id not propagated")
	}
	if GetStep(childCtx) != 2 {
		t.Error("Step not propagated")
	}
}

func TestPropagateToSubAgentNoTraceID(t *testing.T) {
	childCtx := PropagateToSubAgent(context.Background(), "local")

	if GetTraceID(childCtx) == "" {
		t.Error("Trace ID not generated when missing")
	}
	if GetRunID(childCtx) == "" {
		t.Error("Run ID not generated")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionID(WithTraceID(context.Background(), "trace-1"), "sess-9")
	ctx = WithStep(WithAgentID(ctx, "search"), 4)

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-1"`, `"session_id":"sess-9"`, `"agent":"search"`, `"step":4`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %s missing %s", out, want)
		}
	}
}

func TestLoggerFromContextEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggerFromContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("plain")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected tracing fields: %s", buf.String())
	}
}
