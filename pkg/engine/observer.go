package engine

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/taskpilot/pkg/plan"
	"github.com/harun/taskpilot/pkg/session"
)

// EventType names an execution event.
type EventType string

const (
	EventPlanCreated        EventType = "plan_created"
	EventStepStarted        EventType = "step_started"
	EventStepCompleted      EventType = "step_completed"
	EventRateLimitWait      EventType = "rate_limit_wait"
	EventExecutionAborted   EventType = "execution_aborted"
	EventExecutionError     EventType = "execution_error"
	EventExecutionCompleted EventType = "execution_completed"
)

// WaitInfo describes a rate-limit backoff.
type WaitInfo struct {
	Seconds    float64 `json:"seconds"`
	Attempt    int     `json:"attempt"`
	MaxRetries int     `json:"max"`
}

// Event is emitted to observers as execution progresses.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"sessionId"`
	Timestamp time.Time              `json:"timestamp"`
	Plan      *plan.Plan             `json:"plan,omitempty"`
	Step      *session.StepExecution `json:"step,omitempty"`
	Wait      *WaitInfo              `json:"wait,omitempty"`
	Outcome   session.Outcome        `json:"outcome,omitempty"`
	Result    string                 `json:"result,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Observer receives execution events. Implementations must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}

// MultiObserver fans events out in order.
type MultiObserver []Observer

// OnEvent forwards e to every observer.
func (m MultiObserver) OnEvent(e Event) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(e)
		}
	}
}

// LogObserver writes events to a zerolog logger.
type LogObserver struct {
	Logger zerolog.Logger
}

// OnEvent logs e.
func (l LogObserver) OnEvent(e Event) {
	var ev *zerolog.Event
	switch e.Type {
	case EventExecutionError:
		ev = l.Logger.Error()
	case EventRateLimitWait, EventExecutionAborted:
		ev = l.Logger.Warn()
	default:
		ev = l.Logger.Info()
	}

	ev = ev.Str("event", string(e.Type)).Str("session_id", e.SessionID)
	if e.Plan != nil {
		ev = ev.Int("steps", len(e.Plan.Steps)).Str("complexity", string(e.Plan.EstimatedComplexity))
	}
	if e.Step != nil {
		ev = ev.Int("step", e.Step.StepNumber).Str("agent", e.Step.Agent).Str("status", string(e.Step.Status))
	}
	if e.Wait != nil {
		ev = ev.Float64("wait_seconds", e.Wait.Seconds).Int("attempt", e.Wait.Attempt).Int("max_retries", e.Wait.MaxRetries)
	}
	if e.Outcome != "" {
		ev = ev.Str("outcome", string(e.Outcome))
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}
	ev.Msg("Execution event")
}
