package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskpilot"

type moduleMetrics struct {
	runsTotal    *prometheus.CounterVec
	activeRuns   prometheus.Gauge
	stepDuration *prometheus.HistogramVec

	backendCalls       *prometheus.CounterVec
	backendDuration    *prometheus.HistogramVec
	rateLimitWaits     *prometheus.CounterVec
	rateLimitWaitTotal *prometheus.CounterVec

	toolDispatchTotal    *prometheus.CounterVec
	toolDispatchDuration *prometheus.HistogramVec

	sessionSaveDuration prometheus.Histogram
	sessionLoadDuration prometheus.Histogram
	planFallbacks       prometheus.Counter

	gatewayRejected *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			runsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "runs_total",
					Help:      "Total task runs by outcome.",
				},
				[]string{"outcome"},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_runs",
					Help:      "Runs currently executing.",
				},
			),
			stepDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "step_duration_seconds",
					Help:      "Plan step duration in seconds by agent and status.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"agent", "status"},
			),
			backendCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "backend_calls_total",
					Help:      "Total backend invocations by agent and status.",
				},
				[]string{"agent", "status"},
			),
			backendDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "backend_call_duration_seconds",
					Help:      "Backend invocation duration in seconds by agent.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			rateLimitWaits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "rate_limit_waits_total",
					Help:      "Total rate-limit backoff waits by agent.",
				},
				[]string{"agent"},
			),
			rateLimitWaitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "rate_limit_wait_seconds_total",
					Help:      "Cumulative rate-limit backoff time by agent.",
				},
				[]string{"agent"},
			),
			toolDispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_total",
					Help:      "Total tool dispatches by family and status.",
				},
				[]string{"family", "status"},
			),
			toolDispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_dispatch_duration_seconds",
					Help:      "Tool dispatch duration in seconds by family.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"family"},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_save_duration_seconds",
					Help:      "Execution session save duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_load_duration_seconds",
					Help:      "Execution session load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			planFallbacks: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "plan_fallbacks_total",
					Help:      "Plans replaced by the single-step fallback.",
				},
			),
			gatewayRejected: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_rejected_requests_total",
					Help:      "Gateway API requests refused by the client limiter, by route class and reason.",
				},
				[]string{"class", "reason"},
			),
		}

		prometheus.MustRegister(
			m.runsTotal,
			m.activeRuns,
			m.stepDuration,
			m.backendCalls,
			m.backendDuration,
			m.rateLimitWaits,
			m.rateLimitWaitTotal,
			m.toolDispatchTotal,
			m.toolDispatchDuration,
			m.sessionSaveDuration,
			m.sessionLoadDuration,
			m.planFallbacks,
			m.gatewayRejected,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordRunStart() {
	getMetrics().activeRuns.Inc()
}

func RecordRunEnd(outcome string) {
	m := getMetrics()
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(outcome).Inc()
}

func RecordStep(agent, status string, duration time.Duration) {
	getMetrics().stepDuration.WithLabelValues(agent, status).Observe(duration.Seconds())
}

func RecordBackendCall(agent string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.backendCalls.WithLabelValues(agent, status).Inc()
	m.backendDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func RecordRateLimitWait(agent string, wait time.Duration) {
	m := getMetrics()
	m.rateLimitWaits.WithLabelValues(agent).Inc()
	m.rateLimitWaitTotal.WithLabelValues(agent).Add(wait.Seconds())
}

func RecordToolDispatch(family string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolDispatchTotal.WithLabelValues(family, status).Inc()
	m.toolDispatchDuration.WithLabelValues(family).Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordPlanFallback() {
	getMetrics().planFallbacks.Inc()
}

func RecordGatewayRejected(class, reason string) {
	getMetrics().gatewayRejected.WithLabelValues(class, reason).Inc()
}
