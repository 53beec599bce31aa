package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Note: prometheus/promauto registers metrics globally, so each test uses a
// unique namespace to avoid registration conflicts.

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test_bookgen_new")

	assert.NotNil(t, m.Transitions)
	assert.NotNil(t, m.BooksCreated)
	assert.NotNil(t, m.StageDuration)
	assert.NotNil(t, m.ContractViolations)
	assert.NotNil(t, m.GenerationAttempts)
	assert.NotNil(t, m.GenerationRetries)
	assert.NotNil(t, m.GenerationDuration)
	assert.NotNil(t, m.GenerationTokens)
	assert.NotNil(t, m.Compilations)
	assert.NotNil(t, m.CompilationDuration)
	assert.NotNil(t, m.OutboxPublished)
	assert.NotNil(t, m.OutboxFailed)
	assert.NotNil(t, m.LockContention)
}

func TestRecordTransition(t *testing.T) {
	m := NewMetrics("test_bookgen_transitions")

	m.RecordTransition("decide_chapter", "ok")
	m.RecordTransition("decide_chapter", "ok")
	m.RecordTransition("decide_chapter", "invalid")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Transitions.WithLabelValues("decide_chapter", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Transitions.WithLabelValues("decide_chapter", "invalid")))
}

func TestRecordGeneration(t *testing.T) {
	m := NewMetrics("test_bookgen_generation")

	m.RecordGenerationAttempt("gemini", "outline", "transient", 0.2)
	m.RecordGenerationAttempt("gemini", "outline", "success", 1.5)
	m.RecordGenerationRetry("gemini", "transient")
	m.RecordGenerationTokens("gemini", 100, 250)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.GenerationAttempts.WithLabelValues("gemini", "outline", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GenerationRetries.WithLabelValues("gemini", "transient")))
	assert.Equal(t, float64(250), testutil.ToFloat64(m.GenerationTokens.WithLabelValues("gemini", "output")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.GenerationDuration))
}

func TestRecordCompilation(t *testing.T) {
	m := NewMetrics("test_bookgen_compilation")

	m.RecordCompilation("completed", 2.5)
	m.RecordCompilation("failed", 0.5)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Compilations.WithLabelValues("completed")))
	count, err := getHistogramSampleCount(m.CompilationDuration)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestRecordMisc(t *testing.T) {
	m := NewMetrics("test_bookgen_misc")

	m.RecordBookCreated()
	m.RecordContractViolation("outline")
	m.RecordStage("chapter", 30)
	m.RecordOutboxPublished(3)
	m.RecordOutboxFailed()
	m.RecordLockContention()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.BooksCreated))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ContractViolations.WithLabelValues("outline")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.OutboxPublished))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OutboxFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LockContention))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransition("a", "b")
		m.RecordBookCreated()
		m.RecordStage("s", 1)
		m.RecordContractViolation("s")
		m.RecordGenerationAttempt("p", "s", "o", 1)
		m.RecordGenerationRetry("p", "r")
		m.RecordGenerationTokens("p", 1, 1)
		m.RecordCompilation("completed", 1)
		m.RecordOutboxPublished(1)
		m.RecordOutboxFailed()
		m.RecordLockContention()
	})
}

func getHistogramSampleCount(h prometheus.Histogram) (uint64, error) {
	ch := make(chan prometheus.Metric, 1)
	h.Collect(ch)
	close(ch)

	m := <-ch
	metric := &dto.Metric{}
	if err := m.Write(metric); err != nil {
		return 0, err
	}

	return metric.Histogram.GetSampleCount(), nil
}
