package cancel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCancelled is the cooperative-cancellation condition. It is not a failure:
// callers map it to an aborted outcome.
var ErrCancelled = errors.New("execution cancelled by request")

// Token is a settable abort flag that also cancels every context bound to it,
// so in-flight backend calls are interrupted as soon as an abort is requested.
type Token struct {
	requested atomic.Bool

	mu      sync.Mutex
	nextID  uint64
	cancels map[uint64]context.CancelCauseFunc
}

// New creates a cleared token.
func New() *Token {
	return &Token{cancels: make(map[uint64]context.CancelCauseFunc)}
}

// Cancel requests cancellation.
func (t *Token) Cancel() {
	t.requested.Store(true)

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cancel := range t.cancels {
		cancel(ErrCancelled)
		delete(t.cancels, id)
	}
}

// Reset clears a previous request. The engine calls it at the start of each run.
func (t *Token) Reset() {
	t.requested.Store(false)
}

// Requested reports whether cancellation has been requested.
func (t *Token) Requested() bool {
	return t.requested.Load()
}

// Bind derives a context that is cancelled with cause ErrCancelled when the
// token is cancelled. The release func must be called when the context is no
// longer needed.
func (t *Token) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	t.mu.Lock()
	if t.requested.Load() {
		t.mu.Unlock()
		cancel(ErrCancelled)
		return ctx, func() {}
	}
	id := t.nextID
	t.nextID++
	t.cancels[id] = cancel
	t.mu.Unlock()

	return ctx, func() {
		t.mu.Lock()
		delete(t.cancels, id)
		t.mu.Unlock()
		cancel(context.Canceled)
	}
}

// Check returns the reason ctx is done, preferring ErrCancelled when the
// context was ended by a token. It returns nil while ctx is live.
func Check(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return Cause(ctx)
}

// Cause maps a finished context to the error callers should surface.
func Cause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCancelled) {
		return ErrCancelled
	}
	if cause == nil {
		return ctx.Err()
	}
	return cause
}

// IsCancelled reports whether err is (or wraps) the cooperative cancellation
// condition.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// Sleep waits for d while staying responsive to ctx. It returns Check(ctx)
// immediately if the context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := Check(ctx); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Cause(ctx)
	case <-timer.C:
		return Check(ctx)
	}
}
