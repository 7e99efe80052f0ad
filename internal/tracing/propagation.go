package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToSubAgent derives the context for a nested resolution loop.
// It keeps the trace and session but generates a new run ID.
func PropagateToSubAgent(ctx context.Context, subAgentID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	newCtx = WithRunID(newCtx, NewRunID())
	newCtx = WithAgentID(newCtx, subAgentID)

	return newCtx
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent", tc.AgentID)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.Step > 0 {
		lc = lc.Int("step", tc.Step)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}
