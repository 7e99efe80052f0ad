package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the id of one resolution loop
	RunIDKey ContextKey = "run_id"
	// AgentIDKey is the context key for the backend kind being driven
	AgentIDKey ContextKey = "agent_id"
	// SessionIDKey is the context key for the execution session id
	SessionIDKey ContextKey = "session_id"
	// StepKey is the context key for the plan step number
	StepKey ContextKey = "step"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	RunID     string
	AgentID   string
	SessionID string
	Step      int
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithSessionID adds an execution session id to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithStep adds the plan step number to the context
func WithStep(ctx context.Context, step int) context.Context {
	return context.WithValue(ctx, StepKey, step)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// GetSessionID retrieves the execution session id from the context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// GetStep retrieves the plan step number, 0 when unset
func GetStep(ctx context.Context) int {
	if step, ok := ctx.Value(StepKey).(int); ok {
		return step
	}
	return 0
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		AgentID:   GetAgentID(ctx),
		SessionID: GetSessionID(ctx),
		Step:      GetStep(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.AgentID != "" {
		ctx = WithAgentID(ctx, tc.AgentID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.Step > 0 {
		ctx = WithStep(ctx, tc.Step)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewAgentRunContext creates a new context for a resolution loop with a new run ID
func NewAgentRunContext(ctx context.Context, agentID string) context.Context {
	ctx = WithRunID(ctx, NewRunID())
	ctx = WithAgentID(ctx, agentID)
	return ctx
}
