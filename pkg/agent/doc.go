// Package agent resolves one instruction against one backend: it calls the
// backend, dispatches the tool calls it asks for, feeds the results back and
// repeats until the backend answers without tool calls.
//
// Invariants:
//   - Tool calls of a round are dispatched sequentially in emitted order.
//   - The assistant turn is replayed verbatim, followed by one tool turn with
//     every result of the round.
//   - Each loop has its own iteration budget; nesting depth is bounded.
//   - Every backend call goes through the retry controller.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{Backends: reg, Dispatcher: d, Retry: ctrl})
//	d.SetInvoker(runner)
//	res, err := runner.Resolve(ctx, agent.Invocation{Agent: backend.KindSearch, Instruction: "find x"})
//	_, _ = res, err
package agent
