package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(limits Limits) (*RateLimiter, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	l := NewRateLimiter(limits)
	l.now = clock.Now
	return l, clock
}

func TestRateLimiter_Acquire(t *testing.T) {
	t.Run("should budget submissions apart from reads", func(t *testing.T) {
		l, clock := newTestLimiter(Limits{SubmitPerMinute: 2, ReadPerMinute: 3, MaxInFlight: 10})

		for i := 0; i < 2; i++ {
			release, _, err := l.Acquire("10.0.0.1", ClassSubmit)
			require.NoError(t, err)
			release()
			clock.Advance(10 * time.Second)
		}

		_, retryAfter, err := l.Acquire("10.0.0.1", ClassSubmit)
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.Equal(t, 40*time.Second, retryAfter)

		release, _, err := l.Acquire("10.0.0.1", ClassRead)
		require.NoError(t, err)
		release()
	})

	t.Run("should admit again once the oldest hit leaves the window", func(t *testing.T) {
		l, clock := newTestLimiter(Limits{SubmitPerMinute: 1})

		release, _, err := l.Acquire("10.0.0.1", ClassSubmit)
		require.NoError(t, err)
		release()

		clock.Advance(30 * time.Second)
		_, _, err = l.Acquire("10.0.0.1", ClassSubmit)
		assert.ErrorIs(t, err, ErrRateLimited)

		clock.Advance(31 * time.Second)
		_, _, err = l.Acquire("10.0.0.1", ClassSubmit)
		assert.NoError(t, err)
	})

	t.Run("should cap requests in flight until released", func(t *testing.T) {
		l, _ := newTestLimiter(Limits{MaxInFlight: 2})

		first, _, err := l.Acquire("10.0.0.1", ClassSubmit)
		require.NoError(t, err)
		_, _, err = l.Acquire("10.0.0.1", ClassRead)
		require.NoError(t, err)

		_, retryAfter, err := l.Acquire("10.0.0.1", ClassRead)
		assert.ErrorIs(t, err, ErrTooManyInFlight)
		assert.Equal(t, time.Second, retryAfter)

		first()
		first()
		_, _, err = l.Acquire("10.0.0.1", ClassRead)
		assert.NoError(t, err)
		_, _, err = l.Acquire("10.0.0.1", ClassRead)
		assert.ErrorIs(t, err, ErrTooManyInFlight)
	})

	t.Run("should never limit abort", func(t *testing.T) {
		l, _ := newTestLimiter(Limits{SubmitPerMinute: 1, MaxInFlight: 1})
		_, _, err := l.Acquire("10.0.0.1", ClassSubmit)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			release, _, err := l.Acquire("10.0.0.1", ClassControl)
			require.NoError(t, err)
			release()
		}
	})

	t.Run("should track clients independently", func(t *testing.T) {
		l, _ := newTestLimiter(Limits{SubmitPerMinute: 1})

		_, _, err := l.Acquire("10.0.0.1", ClassSubmit)
		require.NoError(t, err)
		_, _, err = l.Acquire("10.0.0.2", ClassSubmit)
		assert.NoError(t, err)
		assert.Equal(t, 2, l.Clients())
	})

	t.Run("should forget idle clients", func(t *testing.T) {
		l, clock := newTestLimiter(Limits{})

		release, _, err := l.Acquire("10.0.0.1", ClassRead)
		require.NoError(t, err)
		release()
		_, _, err = l.Acquire("10.0.0.2", ClassRead)
		require.NoError(t, err)

		clock.Advance(11 * time.Minute)
		_, _, err = l.Acquire("10.0.0.3", ClassRead)
		require.NoError(t, err)

		// 10.0.0.2 still has a request in flight
		assert.Equal(t, 2, l.Clients())
	})
}

func TestRateLimiter_SetLimits(t *testing.T) {
	l, _ := newTestLimiter(Limits{SubmitPerMinute: 1})
	_, _, err := l.Acquire("10.0.0.1", ClassSubmit)
	require.NoError(t, err)

	l.SetLimits(Limits{SubmitPerMinute: 2})
	_, _, err = l.Acquire("10.0.0.1", ClassSubmit)
	assert.NoError(t, err)
}

func TestLimits_Defaults(t *testing.T) {
	assert.Equal(t, DefaultLimits(), Limits{}.withDefaults())
	assert.Equal(t, Limits{SubmitPerMinute: 3, ReadPerMinute: 120, MaxInFlight: 4}, Limits{SubmitPerMinute: 3}.withDefaults())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   RouteClass
	}{
		{http.MethodPost, "/v1/tasks", ClassSubmit},
		{http.MethodPost, "/v1/tasks?wait=true", ClassSubmit},
		{http.MethodPost, "/v1/abort", ClassControl},
		{http.MethodGet, "/v1/sessions", ClassRead},
		{http.MethodGet, "/v1/sessions/abc", ClassRead},
		{http.MethodGet, "/ws", ClassRead},
		{http.MethodGet, "/v1/tasks", ClassRead},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(httptest.NewRequest(tt.method, tt.path, nil)))
		})
	}
}

func TestServer_RateLimit(t *testing.T) {
	t.Run("should refuse submissions over budget before the engine sees them", func(t *testing.T) {
		ts := setupTestServer(t, "")
		ts.srv.limiter.SetLimits(Limits{SubmitPerMinute: 1})

		resp := ts.do(t, http.MethodPost, "/v1/tasks", `{"task":"a"}`, "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp = ts.do(t, http.MethodPost, "/v1/tasks", `{"task":"b"}`, "")
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		var body ErrorResponse
		decode(t, resp, &body)
		assert.Equal(t, ErrRateLimited.Error(), body.Error)

		ts.engine.mu.Lock()
		assert.Equal(t, []string{"a"}, ts.engine.tasks)
		ts.engine.mu.Unlock()

		t.Run("reads and abort stay available", func(t *testing.T) {
			assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/v1/sessions", "", "").StatusCode)
			assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/abort", "", "").StatusCode)
		})
	})

	t.Run("should count a waiting submission as in flight", func(t *testing.T) {
		ts := setupTestServer(t, "")
		ts.srv.limiter.SetLimits(Limits{MaxInFlight: 1})

		done := make(chan int, 1)
		go func() {
			resp, err := http.Post(ts.http.URL+"/v1/tasks?wait=true", "application/json", strings.NewReader(`{"task":"long"}`))
			if err != nil {
				done <- 0
				return
			}
			resp.Body.Close()
			done <- resp.StatusCode
		}()
		require.Eventually(t, func() bool { return ts.engine.ActiveSession() != "" }, 2*time.Second, 10*time.Millisecond)

		resp := ts.do(t, http.MethodGet, "/v1/sessions", "", "")
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		var body ErrorResponse
		decode(t, resp, &body)
		assert.Equal(t, ErrTooManyInFlight.Error(), body.Error)

		assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/v1/abort", "", "").StatusCode)
		assert.Equal(t, http.StatusOK, <-done)

		require.Eventually(t, func() bool {
			resp, err := http.Get(ts.http.URL + "/v1/sessions")
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("should leave the health check unlimited", func(t *testing.T) {
		ts := setupTestServer(t, "")
		ts.srv.limiter.SetLimits(Limits{ReadPerMinute: 1})

		for i := 0; i < 3; i++ {
			assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", "").StatusCode)
		}
	})
}
