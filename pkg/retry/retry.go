package retry

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/taskpilot/pkg/backend"
	"github.com/harun/taskpilot/pkg/cancel"
)

const (
	DefaultMaxRetries = 3
	DefaultWait       = 60 * time.Second
)

var (
	rateLimitMarkers = []string{"rate limit", "rate_limit", "ratelimit", "too many requests"}

	// 429 counts only as a status code, never as digits inside an id or count.
	statusPattern = regexp.MustCompile(`(?i)(?:(?:status|code|http(?:/[\d.]+)?)(?:[\s:=]+code)?[\s:=]*429\b|:\s*429(?:\s|$))`)

	waitPattern = regexp.MustCompile(`(?i)(?:retry|try again)\s+(?:in|after)\s+(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?)?\b`)
)

// WaitFunc is notified before every backoff sleep. attempt is the 1-based
// number of the invocation that was throttled.
type WaitFunc func(ctx context.Context, wait time.Duration, attempt, maxRetries int)

// SleepFunc sleeps for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

type waitFuncKey struct{}

// WithWaitFunc attaches a wait observer to ctx. Observers attached further up
// the chain are still notified, outermost first.
func WithWaitFunc(ctx context.Context, fn WaitFunc) context.Context {
	if fn == nil {
		return ctx
	}
	parent := waitFuncFrom(ctx)
	if parent == nil {
		return context.WithValue(ctx, waitFuncKey{}, fn)
	}
	return context.WithValue(ctx, waitFuncKey{}, WaitFunc(func(ctx context.Context, wait time.Duration, attempt, maxRetries int) {
		parent(ctx, wait, attempt, maxRetries)
		fn(ctx, wait, attempt, maxRetries)
	}))
}

func waitFuncFrom(ctx context.Context) WaitFunc {
	fn, _ := ctx.Value(waitFuncKey{}).(WaitFunc)
	return fn
}

// Config configures a Controller.
type Config struct {
	MaxRetries  int
	DefaultWait time.Duration
	OnWait      WaitFunc
	Sleep       SleepFunc
	Logger      zerolog.Logger
}

// Controller retries backend invocations that were rate limited.
type Controller struct {
	maxRetries  int
	defaultWait time.Duration
	onWait      WaitFunc
	sleep       SleepFunc
	logger      zerolog.Logger
}

// New creates a Controller, applying defaults for zero fields.
func New(cfg Config) *Controller {
	c := &Controller{
		maxRetries:  cfg.MaxRetries,
		defaultWait: cfg.DefaultWait,
		onWait:      cfg.OnWait,
		sleep:       cfg.Sleep,
		logger:      cfg.Logger,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.defaultWait <= 0 {
		c.defaultWait = DefaultWait
	}
	if c.sleep == nil {
		c.sleep = cancel.Sleep
	}
	return c
}

// MaxRetries returns the invocation budget.
func (c *Controller) MaxRetries() int {
	return c.maxRetries
}

// Do invokes fn until it succeeds, fails with an error that is not a rate
// limit, or the budget is spent. On exhaustion the last error is returned
// unmodified. Cancellation is checked before and after every invocation and
// every sleep.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context) (*backend.Response, error)) (*backend.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := cancel.Check(ctx); err != nil {
			return nil, err
		}

		resp, err := fn(ctx)

		if cerr := cancel.Check(ctx); cerr != nil {
			return nil, cerr
		}
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !IsRateLimit(err) {
			return nil, err
		}
		if attempt == c.maxRetries {
			break
		}

		wait := c.WaitFor(err)
		c.logger.Warn().
			Err(err).
			Dur("wait", wait).
			Int("attempt", attempt).
			Int("max_retries", c.maxRetries).
			Msg("Rate limited, backing off")

		if c.onWait != nil {
			c.onWait(ctx, wait, attempt, c.maxRetries)
		}
		if fn := waitFuncFrom(ctx); fn != nil {
			fn(ctx, wait, attempt, c.maxRetries)
		}

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
		if err := cancel.Check(ctx); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

// WaitFor returns how long to wait after err: the adapter's explicit hint,
// else a duration parsed from the message, else the default.
func (c *Controller) WaitFor(err error) time.Duration {
	var rl *backend.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	if d, ok := ParseWait(err.Error()); ok {
		return d
	}
	return c.defaultWait
}

// IsRateLimit reports whether err is a rate-limit signal.
func IsRateLimit(err error) bool {
	if err == nil || cancel.IsCancelled(err) {
		return false
	}
	var rl *backend.RateLimitError
	if errors.As(err, &rl) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	if statusPattern.MatchString(msg) {
		return true
	}
	_, ok := ParseWait(msg)
	return ok
}

// ParseWait extracts a wait from messages such as "retry in 5 seconds",
// "retry after 20s" or "Please try again in 1.5s".
func ParseWait(msg string) (time.Duration, bool) {
	m := waitPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value <= 0 {
		return 0, false
	}

	unit := time.Second
	switch u := strings.ToLower(m[2]); {
	case u == "ms" || strings.HasPrefix(u, "millisecond"):
		unit = time.Millisecond
	case u == "m" || strings.HasPrefix(u, "min"):
		unit = time.Minute
	}

	wait := value * float64(unit)
	if wait < 1 || wait >= math.MaxInt64 {
		return 0, false
	}
	return time.Duration(wait), true
}
