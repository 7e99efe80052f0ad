// Package engine runs a task end to end: it asks the planner for a plan,
// executes the steps in order through the resolution loop and records every
// transition in the execution session.
//
// Invariants:
//   - One run at a time per Orchestrator; a concurrent Run returns ErrBusy.
//   - Abort is checked before each step; an aborted step is never started.
//   - A StepExecution is saved when it starts and again when it reaches a
//     terminal status.
//   - The first failing step ends the run.
//
// Usage:
//
//	o, _ := engine.New(engine.Config{Backends: reg, Planner: builder, Resolver: runner, Store: store})
//	res, err := o.Run(ctx, "compare the two reports", []string{"a.pdf", "b.pdf"})
//	_, _ = res, err
package engine
