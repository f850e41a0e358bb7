package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	PipelinesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kermem_pipelines_started_total",
			Help: "Total number of ingestion pipelines started",
		},
	)

	PipelinesCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kermem_pipelines_completed_total",
			Help: "Total number of ingestion pipelines completed",
		},
	)

	PipelinesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kermem_pipelines_failed_total",
			Help: "Total number of ingestion pipelines that failed permanently",
		},
	)

	StepsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kermem_steps_executed_total",
			Help: "Total number of handler executions by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kermem_step_duration_seconds",
			Help:    "Handler execution duration in seconds by step",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kermem_queue_depth",
			Help: "Number of messages waiting in each queue",
		},
		[]string{"queue"},
	)

	PoisonMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kermem_poison_messages_total",
			Help: "Total number of messages routed to poison queues",
		},
		[]string{"queue"},
	)

	// Storage metrics
	RecordsUpserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kermem_records_upserted_total",
			Help: "Total number of memory records written",
		},
	)

	RecordsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kermem_records_deleted_total",
			Help: "Total number of memory records deleted",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kermem_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kermem_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Embedding metrics
	EmbeddingsGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kermem_embeddings_generated_total",
			Help: "Total number of embedding vectors generated",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PipelinesStarted)
	prometheus.MustRegister(PipelinesCompleted)
	prometheus.MustRegister(PipelinesFailed)
	prometheus.MustRegister(StepsExecuted)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(PoisonMessages)
	prometheus.MustRegister(RecordsUpserted)
	prometheus.MustRegister(RecordsDeleted)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(EmbeddingsGenerated)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one handler execution for the step duration histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveStep records the elapsed time for the given step and counts the
// execution under its outcome.
func (t *Timer) ObserveStep(step, outcome string) {
	StepDuration.WithLabelValues(step).Observe(time.Since(t.start).Seconds())
	StepsExecuted.WithLabelValues(step, outcome).Inc()
}
