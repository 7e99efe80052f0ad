package gateway

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RouteClass groups API routes that share a request budget.
type RouteClass string

const (
	// ClassSubmit covers task submission. Every accepted request starts a
	// run that calls model backends, so its budget is the tightest.
	ClassSubmit RouteClass = "submit"
	// ClassControl covers abort. It is never limited so a client can always
	// stop a run it started.
	ClassControl RouteClass = "control"
	// ClassRead covers session inspection and the event stream.
	ClassRead RouteClass = "read"
)

var (
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrTooManyInFlight = errors.New("too many requests in flight")
)

const (
	limiterWindow = time.Minute
	idleAfter     = 10 * time.Minute
)

// Limits bounds what one client may do against the API.
type Limits struct {
	SubmitPerMinute int // task submissions per sliding minute
	ReadPerMinute   int // session reads per sliding minute
	MaxInFlight     int // concurrent submit and read requests, including ?wait=true runs
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{SubmitPerMinute: 10, ReadPerMinute: 120, MaxInFlight: 4}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.SubmitPerMinute <= 0 {
		l.SubmitPerMinute = d.SubmitPerMinute
	}
	if l.ReadPerMinute <= 0 {
		l.ReadPerMinute = d.ReadPerMinute
	}
	if l.MaxInFlight <= 0 {
		l.MaxInFlight = d.MaxInFlight
	}
	return l
}

func (l Limits) perMinute(class RouteClass) int {
	if class == ClassSubmit {
		return l.SubmitPerMinute
	}
	return l.ReadPerMinute
}

// classify maps a request to its route class.
func classify(r *http.Request) RouteClass {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/tasks":
		return ClassSubmit
	case strings.HasPrefix(r.URL.Path, "/v1/abort"):
		return ClassControl
	default:
		return ClassRead
	}
}

type clientWindow struct {
	hits     map[RouteClass][]time.Time
	inFlight int
	lastSeen time.Time
}

// RateLimiter keeps a sliding window per client and route class plus a cap
// on the client's requests in flight. Clients are keyed by remote host.
type RateLimiter struct {
	mu        sync.Mutex
	limits    Limits
	now       func() time.Time
	clients   map[string]*clientWindow
	lastSweep time.Time
}

// NewRateLimiter creates a limiter. Zero fields of limits take the defaults.
func NewRateLimiter(limits Limits) *RateLimiter {
	return &RateLimiter{
		limits:  limits.withDefaults(),
		now:     time.Now,
		clients: make(map[string]*clientWindow),
	}
}

// Acquire admits one request from client. On success the caller must call
// release when the request completes. On rejection retryAfter tells the
// client when the oldest hit leaves the window.
func (l *RateLimiter) Acquire(client string, class RouteClass) (release func(), retryAfter time.Duration, err error) {
	if class == ClassControl {
		return func() {}, 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	w, ok := l.clients[client]
	if !ok {
		w = &clientWindow{hits: make(map[RouteClass][]time.Time)}
		l.clients[client] = w
	}
	w.lastSeen = now

	if w.inFlight >= l.limits.MaxInFlight {
		return nil, time.Second, ErrTooManyInFlight
	}

	hits := prune(w.hits[class], now)
	w.hits[class] = hits
	if len(hits) >= l.limits.perMinute(class) {
		return nil, hits[0].Add(limiterWindow).Sub(now), ErrRateLimited
	}

	w.hits[class] = append(hits, now)
	w.inFlight++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if w.inFlight > 0 {
				w.inFlight--
			}
			l.mu.Unlock()
		})
	}, 0, nil
}

// SetLimits replaces the limits for all clients.
func (l *RateLimiter) SetLimits(limits Limits) {
	l.mu.Lock()
	l.limits = limits.withDefaults()
	l.mu.Unlock()
}

// Clients returns the number of tracked clients.
func (l *RateLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// sweep forgets clients idle for longer than idleAfter with nothing in
// flight. It runs at most once per window. Callers hold mu.
func (l *RateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < limiterWindow {
		return
	}
	l.lastSweep = now
	for id, w := range l.clients {
		if w.inFlight == 0 && now.Sub(w.lastSeen) > idleAfter {
			delete(l.clients, id)
		}
	}
}

func prune(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-limiterWindow)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
