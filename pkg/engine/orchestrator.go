package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/taskpilot/internal/observability"
	"github.com/harun/taskpilot/internal/tracing"
	"github.com/harun/taskpilot/pkg/agent"
	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/cancel"
	"github.com/harun/taskpilot/pkg/plan"
	"github.com/harun/taskpilot/pkg/retry"
	"github.com/harun/taskpilot/pkg/session"
)

// ErrBusy is returned by Run while another run is in progress.
var ErrBusy = errors.New("an execution is already running")

// Planner produces the plan for a task.
type Planner interface {
	CreatePlan(ctx context.Context, task string, files []string) (*plan.Plan, error)
}

// Resolver runs the tool-call loop for one step.
type Resolver interface {
	Resolve(ctx context.Context, inv agent.Invocation) (*agent.Resolution, error)
}

// ToolCatalogue lists the tools offered to a backend.
type ToolCatalogue interface {
	Specs(caller backend.Kind) []backend.ToolSpec
}

// Config holds orchestrator configuration
type Config struct {
	Backends *backend.Registry
	Planner  Planner
	Resolver Resolver
	Tools    ToolCatalogue
	Store    session.Store
	Observer Observer
	Logger   zerolog.Logger
}

// Result is the outcome of a run.
type Result struct {
	SessionID string                  `json:"sessionId"`
	Outcome   session.Outcome         `json:"outcome"`
	Summary   string                  `json:"summary"`
	Response  string                  `json:"response,omitempty"`
	Plan      *plan.Plan              `json:"plan,omitempty"`
	Steps     []session.StepExecution `json:"steps"`
}

// Orchestrator executes plans step by step. It runs one task at a time and
// owns the cancellation token for that run.
type Orchestrator struct {
	backends *backend.Registry
	planner  Planner
	resolver Resolver
	tools    ToolCatalogue
	store    session.Store
	observer Observer
	logger   zerolog.Logger

	token *cancel.Token
	runMu sync.Mutex

	activeMu sync.RWMutex
	activeID string
}

// New creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	observability.EnsureRegistered()

	if cfg.Backends == nil {
		return nil, fmt.Errorf("backend registry is required")
	}
	if cfg.Planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	observer := cfg.Observer
	if observer == nil {
		observer = LogObserver{Logger: cfg.Logger}
	}

	return &Orchestrator{
		backends: cfg.Backends,
		planner:  cfg.Planner,
		resolver: cfg.Resolver,
		tools:    cfg.Tools,
		store:    cfg.Store,
		observer: observer,
		logger:   cfg.Logger,
		token:    cancel.New(),
	}, nil
}

// Abort requests cancellation of the active run. In-flight backend calls and
// backoff sleeps are interrupted; the current step ends as aborted.
func (o *Orchestrator) Abort() {
	id := o.ActiveSession()
	o.logger.Info().Str("session_id", id).Msg("Abort requested")
	o.token.Cancel()
}

// ActiveSession returns the id of the running session, or "".
func (o *Orchestrator) ActiveSession() string {
	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	return o.activeID
}

func (o *Orchestrator) setActive(id string) {
	o.activeMu.Lock()
	o.activeID = id
	o.activeMu.Unlock()
}

// Run plans and executes task. The Result is returned for every outcome;
// err is nil on completion, cancel.ErrCancelled when aborted and the step
// error when the run failed.
func (o *Orchestrator) Run(ctx context.Context, task string, files []string) (*Result, error) {
	sess, err := o.begin(task, files)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, sess, files)
}

// Start begins a run in the background and returns its session id once the
// run slot is held. The channel receives the Result when the run ends.
func (o *Orchestrator) Start(ctx context.Context, task string, files []string) (string, <-chan *Result, error) {
	sess, err := o.begin(task, files)
	if err != nil {
		return "", nil, err
	}

	done := make(chan *Result, 1)
	go func() {
		defer close(done)
		res, _ := o.execute(ctx, sess, files)
		done <- res
	}()
	return sess.ID, done, nil
}

// begin takes the run slot. The caller must hand sess to execute, which
// releases it.
func (o *Orchestrator) begin(task string, files []string) (*session.ExecutionSession, error) {
	if !o.runMu.TryLock() {
		return nil, ErrBusy
	}
	o.token.Reset()

	sess := session.New(task, files)
	o.setActive(sess.ID)
	return sess, nil
}

func (o *Orchestrator) execute(ctx context.Context, sess *session.ExecutionSession, files []string) (*Result, error) {
	defer o.runMu.Unlock()
	defer o.setActive("")

	ctx, release := o.token.Bind(ctx)
	defer release()

	task := sess.Task
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionID(ctx, sess.ID)
	ctx = tracing.WithRunID(ctx, sess.ID)
	ctx = retry.WithWaitFunc(ctx, func(_ context.Context, wait time.Duration, attempt, maxRetries int) {
		o.emit(Event{
			Type:      EventRateLimitWait,
			SessionID: sess.ID,
			Wait:      &WaitInfo{Seconds: wait.Seconds(), Attempt: attempt, MaxRetries: maxRetries},
		})
	})

	ctx, span := tracing.StartSpan(ctx, tracing.TracerEngine, "engine.run", attribute.String("session_id", sess.ID))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, o.logger)
	logger.Info().Str("task", task).Int("files", len(files)).Msg("Execution started")

	observability.RecordRunStart()
	observability.RecordRunAudit(ctx, "run:start", sess.ID, "started", map[string]interface{}{"files": len(files)})
	o.save(ctx, sess)

	p, err := o.planner.CreatePlan(ctx, task, files)
	if err == nil && p == nil {
		err = errors.New("planner returned no plan")
	}
	if err != nil {
		return o.finish(ctx, sess, 0, err)
	}
	sess.Plan = p
	sess.AddMessage("assistant", planMessage(p))
	o.save(ctx, sess)
	o.emit(Event{Type: EventPlanCreated, SessionID: sess.ID, Plan: p.Clone()})

	for i, step := range p.Steps {
		if o.token.Requested() {
			return o.finish(ctx, sess, len(p.Steps), cancel.ErrCancelled)
		}
		if err := cancel.Check(ctx); err != nil {
			return o.finish(ctx, sess, len(p.Steps), err)
		}

		if err := o.runStep(ctx, sess, i, step); err != nil {
			return o.finish(ctx, sess, len(p.Steps), err)
		}
	}

	return o.finish(ctx, sess, len(p.Steps), nil)
}

// runStep executes one plan step and records its StepExecution.
func (o *Orchestrator) runStep(ctx context.Context, sess *session.ExecutionSession, index int, step plan.Step) error {
	ctx = tracing.WithStep(ctx, step.Step)
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerEngine,
		"engine.step",
		attribute.Int("step", step.Step),
		attribute.Int("index", index),
		attribute.String("agent", string(step.Agent)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, o.logger).With().Str("agent", string(step.Agent)).Logger()

	var (
		caps    backend.Capabilities
		lookErr error
	)
	if entry, err := o.backends.Get(step.Agent); err != nil {
		lookErr = err
	} else {
		caps = entry.Capabilities
	}

	excerpt := ""
	if caps.InlineToolSchema && o.tools != nil {
		excerpt = backend.ToolSchemaExcerpt(o.tools.Specs(step.Agent))
	}

	prior := completedSteps(sess.StepExecutions)
	files := stepFiles(caps, step.RequiredFiles)
	if len(step.RequiredFiles) > 0 && files == nil {
		logger.Debug().Strs("files", step.RequiredFiles).Msg("Backend does not accept files, dropping them")
	}

	model := ""
	if caps.ModelSelectable {
		model = step.ModelName()
	}

	var modelPtr *string
	if step.Model != nil {
		m := *step.Model
		modelPtr = &m
	}

	sess.StepExecutions = append(sess.StepExecutions, session.StepExecution{
		StepNumber:  step.Step,
		Agent:       string(step.Agent),
		Model:       modelPtr,
		Description: step.Description,
		Query:       buildQuery(step.Description, excerpt, prior),
		ToolCalls:   []session.ToolCallRecord{},
		Status:      session.StepExecuting,
		StartedAt:   time.Now().UTC(),
	})
	rec := &sess.StepExecutions[len(sess.StepExecutions)-1]

	o.save(ctx, sess)
	o.emit(Event{Type: EventStepStarted, SessionID: sess.ID, Step: copyStep(rec)})
	logger.Info().Str("description", step.Description).Msg("Step started")

	start := time.Now()
	var (
		res *agent.Resolution
		err error
	)
	if lookErr != nil {
		err = lookErr
	} else {
		res, err = o.resolver.Resolve(ctx, agent.Invocation{
			Agent:       step.Agent,
			Model:       model,
			Instruction: rec.Query,
			Files:       files,
		})
	}
	if res == nil {
		res = &agent.Resolution{}
	}

	completed := time.Now().UTC()
	rec.CompletedAt = &completed
	if res.Calls != nil {
		rec.ToolCalls = res.Calls
	}

	switch {
	case err == nil:
		rec.Status = session.StepCompleted
		rec.Response = res.Response
	case cancel.IsCancelled(err):
		rec.Status = session.StepAborted
		rec.Response = res.Response
		rec.Error = err.Error()
	default:
		rec.Status = session.StepError
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	observability.RecordStep(string(step.Agent), string(rec.Status), time.Since(start))
	sess.AddMessage("assistant", stepMessage(rec))
	o.save(ctx, sess)
	o.emit(Event{Type: EventStepCompleted, SessionID: sess.ID, Step: copyStep(rec)})

	logger.Info().
		Str("status", string(rec.Status)).
		Int("tool_calls", len(rec.ToolCalls)).
		Dur("duration", time.Since(start)).
		Msg("Step finished")

	return err
}

// finish records the outcome and performs the final save. It runs even when
// ctx was cancelled.
func (o *Orchestrator) finish(ctx context.Context, sess *session.ExecutionSession, total int, runErr error) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	logger := tracing.LoggerFromContext(ctx, o.logger)

	outcome := session.OutcomeCompleted
	switch {
	case runErr == nil:
	case cancel.IsCancelled(runErr):
		outcome = session.OutcomeAborted
		sess.AddMessage("system", interruptedMessage)
	default:
		outcome = session.OutcomeFailed
	}

	summary := summarize(outcome, total, sess.StepExecutions, runErr)
	sess.Outcome = outcome
	sess.Result = summary
	sess.AddMessage("assistant", summary)
	o.save(ctx, sess)

	observability.RecordRunEnd(string(outcome))
	observability.RecordRunAudit(ctx, "run:end", sess.ID, string(outcome), map[string]interface{}{
		"steps": len(sess.StepExecutions),
	})

	event := Event{SessionID: sess.ID, Outcome: outcome, Result: summary}
	switch outcome {
	case session.OutcomeAborted:
		event.Type = EventExecutionAborted
		logger.Warn().Msg("Execution aborted")
	case session.OutcomeFailed:
		event.Type = EventExecutionError
		event.Error = runErr.Error()
		logger.Error().Err(runErr).Msg("Execution failed")
	default:
		event.Type = EventExecutionCompleted
		logger.Info().Int("steps", len(sess.StepExecutions)).Msg("Execution completed")
	}
	o.emit(event)

	result := &Result{
		SessionID: sess.ID,
		Outcome:   outcome,
		Summary:   summary,
		Plan:      sess.Plan,
		Steps:     append([]session.StepExecution(nil), sess.StepExecutions...),
	}
	if done := completedSteps(sess.StepExecutions); outcome == session.OutcomeCompleted && len(done) > 0 {
		result.Response = done[len(done)-1].Response
	}
	return result, runErr
}

// save persists sess. Durability is best effort: failures are logged and the
// run continues.
func (o *Orchestrator) save(ctx context.Context, sess *session.ExecutionSession) {
	if err := o.store.Save(context.WithoutCancel(ctx), sess); err != nil {
		logger := tracing.LoggerFromContext(ctx, o.logger)
		logger.Error().Err(err).Msg("Failed to save execution session")
	}
}

// emit delivers e to the observer. A panicking observer does not affect the
// run.
func (o *Orchestrator) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("Observer panicked")
		}
	}()
	o.observer.OnEvent(e)
}

func copyStep(s *session.StepExecution) *session.StepExecution {
	c := *s
	c.ToolCalls = append([]session.ToolCallRecord(nil), s.ToolCalls...)
	return &c
}
