package plan

import (
	"fmt"

	"github.com/harun/taskpilot/pkg/backend"
)

// Complexity is an advisory estimate with no effect on execution.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Plan is an ordered list of steps produced once per task. Step order is
// fixed at creation time.
type Plan struct {
	Goal                string     `json:"goal"`
	Steps               []Step     `json:"steps"`
	EstimatedComplexity Complexity `json:"estimatedComplexity"`
}

// Step is one unit of a Plan, bound to a backend kind.
type Step struct {
	Step          int          `json:"step"`
	Description   string       `json:"description"`
	Agent         backend.Kind `json:"agent"`
	Model         *string      `json:"model,omitempty"`
	Reasoning     string       `json:"reasoning"`
	RequiredFiles []string     `json:"requiredFiles,omitempty"`
}

// ModelName returns the selected model or "".
func (s Step) ModelName() string {
	if s.Model == nil {
		return ""
	}
	return *s.Model
}

// Validate checks the structural invariants of a plan. Step numbers may have
// gaps; execution goes by position.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan must have at least one step")
	}
	seen := make(map[int]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Agent == "" {
			return fmt.Errorf("step %d: agent is required", i+1)
		}
		if s.Description == "" {
			return fmt.Errorf("step %d: description is required", i+1)
		}
		if seen[s.Step] {
			return fmt.Errorf("duplicate step number: %d", s.Step)
		}
		seen[s.Step] = true
	}
	return nil
}

// Clone returns a deep copy so callers can mutate step descriptions without
// touching the plan they were given.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		if s.Model != nil {
			m := *s.Model
			s.Model = &m
		}
		s.RequiredFiles = append([]string(nil), s.RequiredFiles...)
		out.Steps[i] = s
	}
	return &out
}

// Fallback builds the single-step plan used when planning fails.
func Fallback(task string, agent backend.Kind, reason string) *Plan {
	reasoning := "Planning failed; running the whole task as a single step."
	if reason != "" {
		reasoning = fmt.Sprintf("Planning failed (%s); running the whole task as a single step.", reason)
	}
	return &Plan{
		Goal: task,
		Steps: []Step{{
			Step:        1,
			Description: task,
			Agent:       agent,
			Reasoning:   reasoning,
		}},
		EstimatedComplexity: ComplexityLow,
	}
}
