package backend

import (
	"context"
	"encoding/json"
)

// Kind identifies a backend family a plan step can be assigned to.
type Kind string

const (
	KindReasoning Kind = "reasoning"
	KindSearch    Kind = "search"
	KindLocal     Kind = "local"
	KindManager   Kind = "manager"
)

// Role is the author of a history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a normalized tool request, independent of how the provider
// encoded it.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult is fed back to the backend after a tool round. Output has
// already been truncated.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Output     string `json:"output"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolSpec describes a tool a backend may call.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Message is one turn of the history handed to an adapter.
//
// Assistant turns keep RawContent when the provider returned one; adapters
// must replay it verbatim. Tool turns carry every result of a round.
type Message struct {
	Role        Role            `json:"role"`
	Content     string          `json:"content,omitempty"`
	Files       []string        `json:"files,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	RawContent  json.RawMessage `json:"raw_content,omitempty"`
	ToolResults []ToolResult    `json:"tool_results,omitempty"`
}

// Request is the input of a single backend invocation.
type Request struct {
	History []Message
	Tools   []ToolSpec
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is what an adapter returns for one invocation.
type Response struct {
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	RawContent json.RawMessage `json:"raw_content,omitempty"`
	Usage      *TokenUsage     `json:"usage,omitempty"`
}

// Adapter turns a history into text and optionally tool calls. Wire-format
// translation lives entirely behind this interface.
type Adapter interface {
	// Name returns the provider name, used for metrics and logs.
	Name() string

	// Execute performs one backend call.
	Execute(ctx context.Context, req Request) (*Response, error)

	// WithModel returns an adapter configured for the given model variant.
	// The receiver is left unchanged.
	WithModel(model string) Adapter
}
