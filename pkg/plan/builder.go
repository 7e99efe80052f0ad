package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/cancel"
	"github.com/harun/taskpilot/pkg/retry"
)

// Builder asks a planning backend to split a task into steps.
type Builder struct {
	backends     *backend.Registry
	planner      backend.Kind
	defaultAgent backend.Kind
	retry        *retry.Controller
	logger       zerolog.Logger
}

// Config holds builder configuration
type Config struct {
	Backends *backend.Registry

	// Planner is the backend kind asked for the plan.
	Planner backend.Kind

	// DefaultAgent runs the fallback plan.
	DefaultAgent backend.Kind

	Retry  *retry.Controller
	Logger zerolog.Logger
}

// NewBuilder creates a plan builder
func NewBuilder(cfg Config) (*Builder, error) {
	observability.EnsureRegistered()

	if cfg.Backends == nil {
		return nil, fmt.Errorf("backend registry is required")
	}

	b := &Builder{
		backends:     cfg.Backends,
		planner:      cfg.Planner,
		defaultAgent: cfg.DefaultAgent,
		retry:        cfg.Retry,
		logger:       cfg.Logger,
	}
	if b.planner == "" {
		b.planner = backend.KindManager
	}
	if b.defaultAgent == "" {
		b.defaultAgent = backend.KindReasoning
	}
	if b.retry == nil {
		b.retry = retry.New(retry.Config{Logger: cfg.Logger})
	}
	return b, nil
}

// CreatePlan returns the plan for task. Planning failures of any kind yield
// the single-step fallback plan; the only error returned is cancellation.
func (b *Builder) CreatePlan(ctx context.Context, task string, files []string) (*Plan, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerPlan,
		"plan.create",
		attribute.String("planner", string(b.planner)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, b.logger).With().Str("planner", string(b.planner)).Logger()

	if err := cancel.Check(ctx); err != nil {
		return nil, err
	}

	fallback := func(reason error) (*Plan, error) {
		logger.Warn().Err(reason).Msg("Planning failed, using single-step plan")
		span.RecordError(reason)
		span.SetAttributes(attribute.Bool("fallback", true))
		observability.RecordPlanFallback()

		p := Fallback(task, b.defaultAgent, reason.Error())
		if len(files) > 0 {
			p.Steps[0].RequiredFiles = append([]string(nil), files...)
		}
		return p, nil
	}

	entry, err := b.backends.Get(b.planner)
	if err != nil {
		return fallback(err)
	}

	req := backend.Request{History: []backend.Message{{
		Role:    backend.RoleUser,
		Content: b.Prompt(task, files),
	}}}

	resp, err := b.retry.Do(ctx, func(ctx context.Context) (*backend.Response, error) {
		start := time.Now()
		resp, err := entry.Adapter.Execute(ctx, req)
		observability.RecordBackendCall(string(b.planner), time.Since(start), err == nil)
		return resp, err
	})
	if err != nil {
		if cancel.IsCancelled(err) || ctx.Err() != nil {
			span.SetStatus(codes.Error, "cancelled")
			if ctx.Err() != nil {
				return nil, cancel.Cause(ctx)
			}
			return nil, err
		}
		return fallback(fmt.Errorf("planning backend failed: %w", err))
	}
	if resp == nil {
		return fallback(fmt.Errorf("%w: empty response", ErrPlanParse))
	}

	p, err := Extract(resp.Content, b.backends.Has)
	if err != nil {
		return fallback(err)
	}
	if p.Goal == "" {
		p.Goal = task
	}

	span.SetAttributes(attribute.Int("steps", len(p.Steps)))
	logger.Info().Int("steps", len(p.Steps)).Str("complexity", string(p.EstimatedComplexity)).Msg("Plan created")
	return p, nil
}

// Prompt renders the planning instruction with the catalogue of registered
// backends.
func (b *Builder) Prompt(task string, files []string) string {
	var sb strings.Builder

	sb.WriteString("You plan work for a task execution engine. Split the task into a short sequence of steps ")
	sb.WriteString("and assign each step to one of the available agents. Steps run one after another and each ")
	sb.WriteString("step sees the results of the previous ones.\n\n")

	sb.WriteString("Available agents:\n")
	for _, e := range b.backends.Entries() {
		fmt.Fprintf(&sb, "- %s", e.Kind)
		if e.Description != "" {
			fmt.Fprintf(&sb, ": %s", e.Description)
		}
		var caps []string
		if e.Capabilities.AcceptsFiles {
			caps = append(caps, "accepts files")
		}
		if e.Capabilities.ModelSelectable {
			caps = append(caps, "model selectable")
		}
		if len(caps) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(caps, ", "))
		}
		sb.WriteString("\n")
	}

	if len(files) > 0 {
		fmt.Fprintf(&sb, "\nAttached files: %s\n", strings.Join(files, ", "))
		sb.WriteString("List the files a step needs in its requiredFiles.\n")
	}

	sb.WriteString("\nAnswer with a single JSON object and nothing else:\n")
	sb.WriteString(`{"goal": "<one sentence>", "steps": [{"step": 1, "description": "<instruction for the agent>", "agent": "<agent>", "reasoning": "<why this agent>", "requiredFiles": []}], "estimatedComplexity": "low|medium|high"}`)
	sb.WriteString("\n\nTask:\n")
	sb.WriteString(task)

	return sb.String()
}
