package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/cancel"
	"github.com/harun/taskpilot/pkg/mcp"
)

// AgentToolPrefix is the default prefix of cross-agent tool names.
const AgentToolPrefix = "invoke_"

// Family groups tool names by how they are routed.
type Family string

const (
	FamilyAgent   Family = "agent"
	FamilyMCP     Family = "mcp"
	FamilyUnknown Family = "unknown"
)

// Result is the outcome of one tool call. Failures of the tool itself are
// reported with IsError and never as a Go error.
type Result struct {
	Output  interface{} `json:"output"`
	IsError bool        `json:"isError"`
}

// Invoker runs a sub-task on another backend and returns its final text.
type Invoker interface {
	Invoke(ctx context.Context, kind backend.Kind, task, model string) (string, error)
}

// ToolSource provides external protocol tools. *mcp.Registry implements it.
type ToolSource interface {
	Tools() []mcp.ServerTool
	Call(ctx context.Context, exposedName string, args map[string]interface{}) (*mcp.CallResult, error)
}

// Config holds dispatcher configuration
type Config struct {
	Backends *backend.Registry
	MCP      ToolSource

	// Aliases maps extra tool names to backend kinds, next to the default
	// invoke_<kind> names.
	Aliases map[string]backend.Kind

	Logger zerolog.Logger
}

// Dispatcher routes tool calls to cross-agent invocations or external
// protocol tools.
type Dispatcher struct {
	backends *backend.Registry
	mcp      ToolSource
	aliases  map[string]backend.Kind
	logger   zerolog.Logger

	mu      sync.RWMutex
	invoker Invoker
}

// New creates a dispatcher
func New(cfg Config) (*Dispatcher, error) {
	observability.EnsureRegistered()

	if cfg.Backends == nil {
		return nil, fmt.Errorf("backend registry is required")
	}

	aliases := make(map[string]backend.Kind, len(cfg.Aliases))
	for name, kind := range cfg.Aliases {
		if name == "" || kind == "" {
			return nil, fmt.Errorf("invalid tool alias %q -> %q", name, kind)
		}
		if strings.HasPrefix(name, mcp.ToolPrefix) {
			return nil, fmt.Errorf("tool alias %q collides with the MCP prefix", name)
		}
		aliases[name] = kind
	}

	return &Dispatcher{
		backends: cfg.Backends,
		mcp:      cfg.MCP,
		aliases:  aliases,
		logger:   cfg.Logger,
	}, nil
}

// SetInvoker wires the cross-agent target. The agent runner depends on the
// dispatcher, so it is set after construction.
func (d *Dispatcher) SetInvoker(inv Invoker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invoker = inv
}

func (d *Dispatcher) getInvoker() Invoker {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.invoker
}

// Specs returns the tool catalogue offered to caller. A backend is never
// offered a tool that invokes itself.
func (d *Dispatcher) Specs(caller backend.Kind) []backend.ToolSpec {
	specs := []backend.ToolSpec{}

	for _, entry := range d.backends.Entries() {
		if entry.Kind == caller {
			continue
		}
		specs = append(specs, agentSpec(AgentToolPrefix+string(entry.Kind), entry))
	}

	aliasNames := make([]string, 0, len(d.aliases))
	for name := range d.aliases {
		aliasNames = append(aliasNames, name)
	}
	sort.Strings(aliasNames)
	for _, name := range aliasNames {
		kind := d.aliases[name]
		if kind == caller {
			continue
		}
		entry, err := d.backends.Get(kind)
		if err != nil {
			continue
		}
		specs = append(specs, agentSpec(name, *entry))
	}

	if d.mcp != nil {
		for _, t := range d.mcp.Tools() {
			schema := t.Tool.InputSchema
			if len(schema) == 0 {
				schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			specs = append(specs, backend.ToolSpec{
				Name:        t.ExposedName(),
				Description: t.Tool.Description,
				InputSchema: schema,
			})
		}
	}

	return specs
}

func agentSpec(name string, entry backend.Entry) backend.ToolSpec {
	desc := fmt.Sprintf("Delegate a self-contained sub-task to the %s backend.", entry.Kind)
	if entry.Description != "" {
		desc = fmt.Sprintf("%s %s", desc, entry.Description)
	}

	props := map[string]interface{}{
		"task": map[string]interface{}{
			"type":        "string",
			"description": "Complete instruction for the sub-task",
		},
	}
	if entry.Capabilities.ModelSelectable {
		props["model"] = map[string]interface{}{
			"type":        "string",
			"description": "Optional model variant",
		}
	}

	return backend.ToolSpec{
		Name:        name,
		Description: desc,
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": props,
			"required":   []string{"task"},
		},
	}
}

// Route reports the family of a tool name and, for cross-agent tools, the
// target backend.
func (d *Dispatcher) Route(name string) (Family, backend.Kind) {
	if kind, ok := d.aliases[name]; ok {
		return FamilyAgent, kind
	}
	if strings.HasPrefix(name, AgentToolPrefix) {
		kind := backend.Kind(strings.TrimPrefix(name, AgentToolPrefix))
		if d.backends.Has(kind) {
			return FamilyAgent, kind
		}
	}
	if strings.HasPrefix(name, mcp.ToolPrefix) {
		return FamilyMCP, ""
	}
	return FamilyUnknown, ""
}

// Dispatch executes one tool call. The returned error is only ever the
// cancellation condition; everything else is an IsError result.
func (d *Dispatcher) Dispatch(ctx context.Context, call backend.ToolCall) (Result, error) {
	if err := cancel.Check(ctx); err != nil {
		return Result{}, err
	}

	family, kind := d.Route(call.Name)

	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerDispatch,
		"dispatch.tool",
		attribute.String("tool", call.Name),
		attribute.String("family", string(family)),
		attribute.String("tool_call_id", call.ID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, d.logger).With().
		Str("tool", call.Name).
		Str("tool_call_id", call.ID).
		Logger()

	start := time.Now()
	var (
		result Result
		err    error
	)
	switch family {
	case FamilyAgent:
		result, err = d.dispatchAgent(ctx, kind, call)
	case FamilyMCP:
		result, err = d.dispatchMCP(ctx, call)
	default:
		result = Result{Output: fmt.Sprintf("unknown tool: %s", call.Name), IsError: true}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Msg("Tool dispatch cancelled")
		return Result{}, err
	}

	status := "success"
	if result.IsError {
		status = "error"
		span.SetStatus(codes.Error, "tool returned an error")
		logger.Warn().Interface("output", result.Output).Msg("Tool call failed")
	} else {
		logger.Debug().Msg("Tool call completed")
	}

	observability.RecordToolDispatch(string(family), time.Since(start), !result.IsError)
	observability.RecordToolAudit(ctx, call.Name, tracing.GetAgentID(ctx), status, map[string]interface{}{
		"family":       string(family),
		"tool_call_id": call.ID,
		"duration_ms":  time.Since(start).Milliseconds(),
	})

	return result, nil
}

func (d *Dispatcher) dispatchAgent(ctx context.Context, kind backend.Kind, call backend.ToolCall) (Result, error) {
	task, _ := call.Input["task"].(string)
	if strings.TrimSpace(task) == "" {
		return Result{Output: "missing required argument: task", IsError: true}, nil
	}
	model, _ := call.Input["model"].(string)

	inv := d.getInvoker()
	if inv == nil {
		return Result{Output: "cross-agent invocation is not available", IsError: true}, nil
	}

	out, err := inv.Invoke(ctx, kind, task, model)
	if err != nil {
		if isCancellation(ctx, err) {
			return Result{}, cancelErr(ctx, err)
		}
		return Result{Output: fmt.Sprintf("%s failed: %v", kind, err), IsError: true}, nil
	}
	return Result{Output: out}, nil
}

func (d *Dispatcher) dispatchMCP(ctx context.Context, call backend.ToolCall) (Result, error) {
	if d.mcp == nil {
		return Result{Output: fmt.Sprintf("unknown tool: %s", call.Name), IsError: true}, nil
	}

	res, err := d.mcp.Call(ctx, call.Name, call.Input)
	if err != nil {
		if isCancellation(ctx, err) {
			return Result{}, cancelErr(ctx, err)
		}
		return Result{Output: err.Error(), IsError: true}, nil
	}
	return Result{Output: res.Text(), IsError: res.IsError}, nil
}

func isCancellation(ctx context.Context, err error) bool {
	return cancel.IsCancelled(err) || ctx.Err() != nil
}

func cancelErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return cancel.Cause(ctx)
	}
	return err
}
