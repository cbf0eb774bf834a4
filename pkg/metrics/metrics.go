package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhookAdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_admissions_total",
			Help: "Total number of webhook admission decisions (count)",
		},
		[]string{"source", "outcome"},
	)

	WebhookAdmissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_admission_duration_ms",
			Help:    "Admission pipeline duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"source", "outcome"},
	)

	IdempotencyChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_checks_total",
			Help: "Total number of idempotency check-and-set operations (count)",
		},
		[]string{"status"},
	)

	IdempotencyCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idempotency_check_duration_ms",
			Help:    "Idempotency check-and-set duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"status"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued (count)",
		},
		[]string{"queue", "priority"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state (count)",
		},
		[]string{"queue", "status"},
	)

	JobExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_execution_duration_ms",
			Help:    "Handler execution duration in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"queue", "status"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs currently queued per queue (count)",
		},
		[]string{"queue"},
	)

	QueueActiveJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_active_jobs",
			Help: "Number of jobs currently active per queue (count)",
		},
		[]string{"queue"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"queue", "job_type"},
	)

	JobsRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_requeued_total",
			Help: "Total number of jobs re-queued without consuming an attempt (count)",
		},
		[]string{"queue", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejections_total",
			Help: "Total number of calls rejected while breaker open (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"source", "status"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"component", "strategy", "reason"},
	)

	CompletionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "completion_events_total",
			Help: "Total number of completion events published (count)",
		},
		[]string{"queue", "status"},
	)
)

func RegisterGatewayMetrics() {
	prometheus.MustRegister(
		WebhookAdmissionsTotal,
		WebhookAdmissionDuration,
		IdempotencyChecksTotal,
		IdempotencyCheckDuration,
		JobsEnqueuedTotal,
		RateLimitRequestsTotal,
		FallbackUsageTotal,
	)
}

func RegisterWorkerMetrics() {
	prometheus.MustRegister(
		JobsCompletedTotal,
		JobExecutionDuration,
		QueueDepth,
		QueueActiveJobs,
		RetryAttemptsTotal,
		JobsRequeuedTotal,
		CompletionEventsTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(
		CircuitBreakerState,
		CircuitBreakerRequests,
		CircuitBreakerFailures,
		CircuitBreakerRejections,
	)
}

func ObserveAdmission(source, outcome string, duration time.Duration) {
	WebhookAdmissionsTotal.WithLabelValues(source, outcome).Inc()
	WebhookAdmissionDuration.WithLabelValues(source, outcome).Observe(float64(duration.Milliseconds()))
}

func ObserveIdempotencyCheck(duration time.Duration, status string) {
	IdempotencyCheckDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func ObserveJobExecution(queue, status string, duration time.Duration) {
	JobExecutionDuration.WithLabelValues(queue, status).Observe(float64(duration.Milliseconds()))
	JobsCompletedTotal.WithLabelValues(queue, status).Inc()
}
