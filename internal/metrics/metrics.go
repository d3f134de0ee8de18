package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CompletionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbchat_completion_attempts_total",
			Help: "Total number of completion requests sent, by outcome.",
		},
		[]string{"mode", "outcome"},
	)

	ContextTrimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbchat_context_trims_total",
			Help: "Total number of messages dropped after a context overflow.",
		},
	)

	BackoffSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kbchat_completion_backoff_seconds",
			Help:    "Backoff waited before a completion retry.",
			Buckets: []float64{1, 5, 10, 20, 40, 80, 160, 320},
		},
	)

	WindowEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbchat_window_evictions_total",
			Help: "Total number of turns evicted from the conversation window.",
		},
	)

	ConsolidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbchat_consolidations_total",
			Help: "Total number of memory consolidations, by target, operation and status.",
		},
		[]string{"target", "operation", "status"},
	)

	KBArticles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbchat_kb_articles",
			Help: "Number of articles in the knowledge base.",
		},
	)

	TasksSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kbchat_tasks_submitted_total",
			Help: "Total number of background tasks submitted to the pool.",
		},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbchat_tasks_completed_total",
			Help: "Total number of background tasks finished, by status.",
		},
		[]string{"task", "status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbchat_http_requests_total",
			Help: "Total number of admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbchat_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kbchat_turn_duration_seconds",
			Help:    "Time from user input to the end of the streamed reply.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		CompletionAttemptsTotal,
		ContextTrimsTotal,
		BackoffSeconds,
		WindowEvictionsTotal,
		ConsolidationsTotal,
		KBArticles,
		TasksSubmittedTotal,
		TasksCompletedTotal,
		TurnDuration,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
