// Package cancel provides the cooperative cancellation token used by a run.
//
// Invariants:
// - A Token is owned by one orchestrator; there is no package-level flag.
// - Cancel is safe to call from any goroutine at any time, any number of times.
// - Contexts bound to a token end with cause ErrCancelled when the token is cancelled.
//
// Usage:
//
//	tok := cancel.New()
//	ctx, release := tok.Bind(context.Background())
//	defer release()
//	go func() { <-stop; tok.Cancel() }()
//	if err := cancel.Check(ctx); err != nil {
//		return err // errors.Is(err, cancel.ErrCancelled)
//	}
package cancel
