package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the book generation service.
// Metrics are organized by subsystem: workflow transitions, generation calls,
// compilation and the outbox relay. All collectors are registered via promauto
// with the default Prometheus registry.
//
// Record methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	// Transitions counts state machine operations, labeled by action and result
	// (ok, invalid, validation, locked, failed).
	Transitions *prometheus.CounterVec

	// BooksCreated counts books accepted by the service.
	BooksCreated prometheus.Counter

	// StageDuration observes end-to-end stage duration in seconds, labeled by stage.
	StageDuration *prometheus.HistogramVec

	// ContractViolations counts model outputs rejected by a stage parser, labeled by stage.
	ContractViolations *prometheus.CounterVec

	// GenerationAttempts counts individual provider calls, labeled by provider,
	// stage and outcome (success, rate_limited, transient, fatal, empty).
	GenerationAttempts *prometheus.CounterVec

	// GenerationRetries counts retries scheduled by the adapter, labeled by provider and reason.
	GenerationRetries *prometheus.CounterVec

	// GenerationDuration observes single provider call latency in seconds, labeled by provider and stage.
	GenerationDuration *prometheus.HistogramVec

	// GenerationTokens counts tokens reported by providers, labeled by provider and direction.
	GenerationTokens *prometheus.CounterVec

	// Compilations counts compile attempts, labeled by result (completed, failed).
	Compilations *prometheus.CounterVec

	// CompilationDuration observes export duration in seconds.
	CompilationDuration prometheus.Histogram

	// OutboxPublished counts events delivered to the broker.
	OutboxPublished prometheus.Counter

	// OutboxFailed counts publish attempts that failed.
	OutboxFailed prometheus.Counter

	// LockContention counts mutating requests rejected because the book was locked.
	LockContention prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Workflow
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Total number of workflow operations by action and result",
		}, []string{"action", "result"}),
		BooksCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "books_created_total",
			Help:      "Total number of books created",
		}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of outline, chapter and compilation stages",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		ContractViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contract_violations_total",
			Help:      "Total number of model outputs that failed stage validation",
		}, []string{"stage"}),

		// Generation adapter
		GenerationAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Total number of provider calls by outcome",
		}, []string{"provider", "stage", "outcome"}),
		GenerationRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_retries_total",
			Help:      "Total number of retries scheduled by the generation adapter",
		}, []string{"provider", "reason"}),
		GenerationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Latency of single provider calls",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "stage"}),
		GenerationTokens: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_tokens_total",
			Help:      "Total tokens reported by providers",
		}, []string{"provider", "direction"}),

		// Compilation
		Compilations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compilations_total",
			Help:      "Total number of compile attempts by result",
		}, []string{"result"}),
		CompilationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compilation_duration_seconds",
			Help:      "Duration of book export",
			Buckets:   prometheus.DefBuckets,
		}),

		// Outbox and locking
		OutboxPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Total number of outbox events published",
		}),
		OutboxFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_failed_total",
			Help:      "Total number of failed outbox publish attempts",
		}),
		LockContention: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Total number of operations rejected because the book was locked",
		}),
	}
}

// RecordTransition records the result of a state machine operation.
func (m *Metrics) RecordTransition(action, result string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action, result).Inc()
}

// RecordBookCreated records a newly created book.
func (m *Metrics) RecordBookCreated() {
	if m == nil {
		return
	}
	m.BooksCreated.Inc()
}

// RecordStage records the duration of a completed or failed stage.
func (m *Metrics) RecordStage(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordContractViolation records model output rejected by a stage.
func (m *Metrics) RecordContractViolation(stage string) {
	if m == nil {
		return
	}
	m.ContractViolations.WithLabelValues(stage).Inc()
}

// RecordGenerationAttempt records one provider call.
func (m *Metrics) RecordGenerationAttempt(provider, stage, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.GenerationAttempts.WithLabelValues(provider, stage, outcome).Inc()
	m.GenerationDuration.WithLabelValues(provider, stage).Observe(durationSeconds)
}

// RecordGenerationRetry records a retry scheduled by the adapter.
func (m *Metrics) RecordGenerationRetry(provider, reason string) {
	if m == nil {
		return
	}
	m.GenerationRetries.WithLabelValues(provider, reason).Inc()
}

// RecordGenerationTokens records provider-reported token usage.
func (m *Metrics) RecordGenerationTokens(provider string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.GenerationTokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	m.GenerationTokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
}

// RecordCompilation records a compile attempt.
func (m *Metrics) RecordCompilation(result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Compilations.WithLabelValues(result).Inc()
	m.CompilationDuration.Observe(durationSeconds)
}

// RecordOutboxPublished records events delivered to the broker.
func (m *Metrics) RecordOutboxPublished(count int) {
	if m == nil {
		return
	}
	m.OutboxPublished.Add(float64(count))
}

// RecordOutboxFailed records a failed publish attempt.
func (m *Metrics) RecordOutboxFailed() {
	if m == nil {
		return
	}
	m.OutboxFailed.Inc()
}

// RecordLockContention records a request rejected by the book lock.
func (m *Metrics) RecordLockContention() {
	if m == nil {
		return
	}
	m.LockContention.Inc()
}
