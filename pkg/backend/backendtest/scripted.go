// Package backendtest provides deterministic adapters for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/taskpilot/pkg/backend"
)

// Turn configures one scripted model turn. Func, when set, computes the turn
// from the request instead of Response/Err.
type Turn struct {
	Response *backend.Response
	Err      error
	Func     func(ctx context.Context, req backend.Request) (*backend.Response, error)
}

// Text is a turn answering with plain text.
func Text(content string) Turn {
	return Turn{Response: &backend.Response{Content: content, StopReason: "end_turn"}}
}

// Calls is a turn requesting the given tool calls.
func Calls(calls ...backend.ToolCall) Turn {
	return Turn{Response: &backend.Response{ToolCalls: calls, StopReason: "tool_use"}}
}

// Fail is a turn returning err.
func Fail(err error) Turn {
	return Turn{Err: err}
}

// Block is a turn that waits for the context to end.
func Block() Turn {
	return Turn{Func: func(ctx context.Context, _ backend.Request) (*backend.Response, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}}
}

// Scripted replays turns in order and records every request it received.
type Scripted struct {
	name string

	mu       sync.Mutex
	index    int
	turns    []Turn
	requests []backend.Request
	models   []string
	model    string
	parent   *Scripted
}

var _ backend.Adapter = (*Scripted)(nil)

// NewScripted creates a scripted adapter.
func NewScripted(name string, turns ...Turn) *Scripted {
	cloned := make([]Turn, len(turns))
	copy(cloned, turns)
	return &Scripted{name: name, turns: cloned}
}

// Name returns the adapter name.
func (s *Scripted) Name() string {
	return s.name
}

// WithModel returns a view sharing the same script that records model.
func (s *Scripted) WithModel(model string) backend.Adapter {
	root := s.root()
	return &Scripted{name: root.name, model: model, parent: root}
}

func (s *Scripted) root() *Scripted {
	if s.parent != nil {
		return s.parent
	}
	return s
}

// Push appends more turns to the script.
func (s *Scripted) Push(turns ...Turn) {
	root := s.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.turns = append(root.turns, turns...)
}

// Execute returns the next scripted turn.
func (s *Scripted) Execute(ctx context.Context, req backend.Request) (*backend.Response, error) {
	root := s.root()

	root.mu.Lock()
	snapshot := backend.Request{
		History: append([]backend.Message(nil), req.History...),
		Tools:   append([]backend.ToolSpec(nil), req.Tools...),
	}
	root.requests = append(root.requests, snapshot)
	root.models = append(root.models, s.model)

	if root.index >= len(root.turns) {
		n := root.index + 1
		root.mu.Unlock()
		return nil, fmt.Errorf("script exhausted at call %d", n)
	}
	turn := root.turns[root.index]
	root.index++
	root.mu.Unlock()

	if turn.Func != nil {
		return turn.Func(ctx, req)
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	resp := *turn.Response
	return &resp, nil
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []backend.Request {
	root := s.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return append([]backend.Request(nil), root.requests...)
}

// Models returns the model recorded with each request. Empty means the
// default model.
func (s *Scripted) Models() []string {
	root := s.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return append([]string(nil), root.models...)
}

// Calls returns how many times Execute was invoked.
func (s *Scripted) Calls() int {
	root := s.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	return len(root.requests)
}
