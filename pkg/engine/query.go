package engine

import (
	"fmt"
	"strings"

	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/plan"
	"github.com/harun/taskpilot/pkg/session"
)

const interruptedMessage = "Execution interrupted by user request"

// buildQuery renders the instruction sent for a step: the optional inline
// tool excerpt, the step description and the results of earlier steps.
func buildQuery(description, toolExcerpt string, prior []session.StepExecution) string {
	var b strings.Builder
	if toolExcerpt != "" {
		b.WriteString(toolExcerpt)
		b.WriteString("\n\n")
	}
	b.WriteString(description)

	if len(prior) > 0 {
		b.WriteString("\n\n--- Context from previous steps ---\n")
		for _, s := range prior {
			fmt.Fprintf(&b, "Step %d (%s): %s\nResult: %s\n\n", s.StepNumber, s.Agent, s.Description, s.Response)
		}
		b.WriteString("--- End of context ---")
	}
	return b.String()
}

// stepFiles returns the files to attach for a backend. File-incapable
// backends get none.
func stepFiles(caps backend.Capabilities, files []string) []string {
	if !caps.AcceptsFiles || len(files) == 0 {
		return nil
	}
	return append([]string(nil), files...)
}

// summarize renders the outcome text. It always names the outcome and lists
// the results of completed steps.
// planMessage renders the transcript entry recorded once a plan exists.
func planMessage(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan (%s complexity): %s", p.EstimatedComplexity, p.Goal)
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "\n%d. [%s] %s", s.Step, s.Agent, s.Description)
	}
	return b.String()
}

// stepMessage renders the transcript entry for a step in a terminal status.
func stepMessage(rec *session.StepExecution) string {
	head := fmt.Sprintf("Step %d (%s) %s", rec.StepNumber, rec.Agent, rec.Status)
	switch {
	case rec.Error != "":
		return head + ": " + rec.Error
	case rec.Response != "":
		return head + ":\n" + rec.Response
	}
	return head
}

func summarize(outcome session.Outcome, total int, steps []session.StepExecution, failure error) string {
	completed := completedSteps(steps)

	var b strings.Builder
	switch outcome {
	case session.OutcomeCompleted:
		fmt.Fprintf(&b, "Execution completed: %d of %d steps finished.", len(completed), total)
		if len(completed) > 0 {
			b.WriteString("\n\n")
			b.WriteString(completed[len(completed)-1].Response)
		}
		return b.String()
	case session.OutcomeAborted:
		fmt.Fprintf(&b, "Execution aborted by request after %d of %d steps.", len(completed), total)
	default:
		step := 0
		if n := len(steps); n > 0 && steps[n-1].Status == session.StepError {
			step = steps[n-1].StepNumber
		}
		if step > 0 {
			fmt.Fprintf(&b, "Execution failed with error at step %d: %v", step, failure)
		} else {
			fmt.Fprintf(&b, "Execution failed with error: %v", failure)
		}
	}

	if len(completed) > 0 {
		b.WriteString("\n\nPartial results:")
		for _, s := range completed {
			fmt.Fprintf(&b, "\nStep %d (%s): %s", s.StepNumber, s.Agent, s.Response)
		}
	} else {
		b.WriteString("\n\nNo steps completed.")
	}
	return b.String()
}

func completedSteps(steps []session.StepExecution) []session.StepExecution {
	out := make([]session.StepExecution, 0, len(steps))
	for _, s := range steps {
		if s.Status == session.StepCompleted {
			out = append(out, s)
		}
	}
	return out
}
