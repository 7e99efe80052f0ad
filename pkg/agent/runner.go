package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/cancel"
	"github.com/harun/taskpilot/pkg/retry"
	"github.com/harun/taskpilot/pkg/session"
)

// Runner drives tool-call resolution loops
type Runner struct {
	backends   *backend.Registry
	dispatcher ToolDispatcher
	retry      *retry.Controller
	logger     zerolog.Logger

	maxIterations int
	maxDepth      int
	outputLimit   int
}

// Config holds runner configuration
type Config struct {
	Backends   *backend.Registry
	Dispatcher ToolDispatcher
	Retry      *retry.Controller
	Logger     zerolog.Logger

	MaxToolIterations int
	MaxDepth          int
	ToolOutputLimit   int
}

// NewRunner creates a new runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Backends == nil {
		return nil, fmt.Errorf("backend registry is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}

	r := &Runner{
		backends:      cfg.Backends,
		dispatcher:    cfg.Dispatcher,
		retry:         cfg.Retry,
		logger:        cfg.Logger,
		maxIterations: cfg.MaxToolIterations,
		maxDepth:      cfg.MaxDepth,
		outputLimit:   cfg.ToolOutputLimit,
	}
	if r.retry == nil {
		r.retry = retry.New(retry.Config{Logger: cfg.Logger})
	}
	if r.maxIterations <= 0 {
		r.maxIterations = DefaultMaxToolIterations
	}
	if r.maxDepth <= 0 {
		r.maxDepth = DefaultMaxDepth
	}
	if r.outputLimit <= 0 {
		r.outputLimit = DefaultToolOutputLimit
	}
	return r, nil
}

// Resolve runs the loop for inv until the backend stops requesting tools.
// The returned Resolution is never nil and carries the partial trace on
// error.
func (r *Runner) Resolve(ctx context.Context, inv Invocation) (*Resolution, error) {
	res := &Resolution{}

	entry, err := r.backends.Get(inv.Agent)
	if err != nil {
		return res, err
	}

	depth := Depth(ctx) + 1
	ctx = withDepth(ctx, depth)
	ctx = tracing.WithAgentID(ctx, string(inv.Agent))
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerAgent,
		"agent.resolve",
		attribute.String("agent", string(inv.Agent)),
		attribute.String("model", inv.Model),
		attribute.Int("depth", depth),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger).With().
		Str("agent", string(inv.Agent)).
		Int("depth", depth).
		Logger()

	fail := func(err error) (*Resolution, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	adapter := entry.ForModel(inv.Model)
	tools := r.dispatcher.Specs(inv.Agent)
	history := []backend.Message{{
		Role:    backend.RoleUser,
		Content: inv.Instruction,
		Files:   inv.Files,
	}}

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		if err := cancel.Check(ctx); err != nil {
			return fail(err)
		}

		resp, err := r.execute(ctx, inv.Agent, adapter, backend.Request{History: history, Tools: tools})
		res.Iterations = iteration
		if err != nil {
			return fail(err)
		}

		if len(resp.ToolCalls) == 0 {
			res.Response = resp.Content
			logger.Debug().Int("iterations", iteration).Msg("Resolution finished")
			return res, nil
		}

		calls := make([]backend.ToolCall, len(resp.ToolCalls))
		for i, call := range resp.ToolCalls {
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			if call.Input == nil {
				call.Input = map[string]interface{}{}
			}
			calls[i] = call
		}

		logger.Debug().Int("iteration", iteration).Int("tool_calls", len(calls)).Msg("Dispatching tool calls")

		results := make([]backend.ToolResult, 0, len(calls))
		for _, call := range calls {
			out, err := r.dispatcher.Dispatch(ctx, call)
			if err != nil {
				res.Calls = append(res.Calls, session.ToolCallRecord{
					ID:      call.ID,
					Name:    call.Name,
					Input:   call.Input,
					Result:  err.Error(),
					IsError: true,
				})
				return fail(err)
			}

			text := Truncate(stringify(out.Output), r.outputLimit)
			res.Calls = append(res.Calls, session.ToolCallRecord{
				ID:      call.ID,
				Name:    call.Name,
				Input:   call.Input,
				Result:  text,
				IsError: out.IsError,
			})
			results = append(results, backend.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Output:     text,
				IsError:    out.IsError,
			})
		}

		history = append(history,
			backend.Message{
				Role:       backend.RoleAssistant,
				Content:    resp.Content,
				ToolCalls:  calls,
				RawContent: resp.RawContent,
			},
			backend.Message{
				Role:        backend.RoleTool,
				ToolResults: results,
			},
		)
	}

	err = &MaxIterationsError{Limit: r.maxIterations}
	logger.Warn().Err(err).Msg("Resolution did not converge")
	return fail(err)
}

// Invoke runs a nested loop for a cross-agent tool call and returns its final
// text. It implements dispatch.Invoker.
func (r *Runner) Invoke(ctx context.Context, kind backend.Kind, task, model string) (string, error) {
	if Depth(ctx) >= r.maxDepth {
		return "", fmt.Errorf("%w (%d)", ErrDepthExceeded, r.maxDepth)
	}

	ctx = tracing.PropagateToSubAgent(ctx, string(kind))
	res, err := r.Resolve(ctx, Invocation{Agent: kind, Model: model, Instruction: task})
	if err != nil {
		return "", err
	}
	return res.Response, nil
}

// execute performs one backend call through the retry controller.
func (r *Runner) execute(ctx context.Context, kind backend.Kind, adapter backend.Adapter, req backend.Request) (*backend.Response, error) {
	ctx = retry.WithWaitFunc(ctx, func(_ context.Context, wait time.Duration, _, _ int) {
		observability.RecordRateLimitWait(string(kind), wait)
	})

	return r.retry.Do(ctx, func(ctx context.Context) (*backend.Response, error) {
		ctx, span := tracing.StartSpan(
			ctx,
			tracing.TracerAgent,
			"backend.execute",
			attribute.String("agent", string(kind)),
			attribute.String("provider", adapter.Name()),
		)
		defer span.End()

		start := time.Now()
		resp, err := adapter.Execute(ctx, req)
		if err == nil && resp == nil {
			err = fmt.Errorf("backend %s returned no response", kind)
		}
		observability.RecordBackendCall(string(kind), time.Since(start), err == nil)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		return resp, nil
	})
}
