// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the agentflow gateway.
package observability

import "github.com/prometheus/client_golang/prometheus"

// RunBuckets defines histogram buckets suited for workflow-run latencies,
// ranging from 100ms to 120s.
var RunBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests by method and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentflow_request_duration_seconds",
			Help:    "Request duration",
			Buckets: RunBuckets,
		},
		[]string{"method"},
	)

	// StreamingConnections tracks the number of active SSE connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentflow_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// EngineRunsTotal counts execution-engine runs by workflow and outcome.
	EngineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_engine_runs_total",
			Help: "Engine runs",
		},
		[]string{"workflow", "status"},
	)

	// EngineRunDuration records engine run duration in seconds.
	EngineRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentflow_engine_run_duration_seconds",
			Help:    "Engine run duration",
			Buckets: RunBuckets,
		},
		[]string{"workflow"},
	)

	// TokensTotal counts accounted tokens by direction (prompt/completion).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_tokens_total",
			Help: "Token count",
		},
		[]string{"direction"},
	)

	// FramesTotal counts emitted wire frames by protocol (native/openai).
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_frames_total",
			Help: "Emitted frames",
		},
		[]string{"protocol"},
	)

	// SessionsCreatedTotal counts freshly created conversation sessions.
	SessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentflow_sessions_created_total",
			Help: "Sessions created",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		EngineRunsTotal,
		EngineRunDuration,
		TokensTotal,
		FramesTotal,
		SessionsCreatedTotal,
		RateLimitRejectedTotal,
	)
}
