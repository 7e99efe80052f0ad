package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/dispatch"
	"github.com/harun/taskpilot/pkg/session"
)

const (
	DefaultMaxToolIterations = 20
	DefaultMaxDepth          = 3
	DefaultToolOutputLimit   = 10000
)

// ErrDepthExceeded is returned when a cross-agent call would nest deeper than
// the configured bound.
var ErrDepthExceeded = errors.New("maximum agent nesting depth exceeded")

// MaxIterationsError is returned when a loop is still requesting tools after
// Limit backend calls.
type MaxIterationsError struct {
	Limit int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("exceeded maximum tool iterations (%d)", e.Limit)
}

// Invocation is the input of one resolution loop.
type Invocation struct {
	Agent       backend.Kind
	Model       string
	Instruction string
	Files       []string
}

// Resolution is the outcome of a loop. On error it still holds the calls
// made so far.
type Resolution struct {
	Response   string                   `json:"response"`
	Calls      []session.ToolCallRecord `json:"toolCalls"`
	Iterations int                      `json:"iterations"`
}

// ToolDispatcher executes tool calls and publishes the catalogue offered to a
// backend. *dispatch.Dispatcher implements it.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call backend.ToolCall) (dispatch.Result, error)
	Specs(caller backend.Kind) []backend.ToolSpec
}

type depthKey struct{}

// Depth returns how many resolution loops are active on ctx.
func Depth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

func withDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}
