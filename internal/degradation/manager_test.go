package degradation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/knowledgecore/retrieval/internal/circuitbreaker"
)

func TestDenseAvailabilityTracksBreakers(t *testing.T) {
	breakers := circuitbreaker.NewManager(zaptest.NewLogger(t))
	m := NewManager(breakers, zaptest.NewLogger(t))

	assert.True(t, m.DenseAvailable())
	assert.True(t, m.RerankAvailable())

	breakers.ForceOpen(ServiceEmbedding)
	assert.False(t, m.DenseAvailable(), "open embedding breaker disables the dense path")
	assert.True(t, m.RerankAvailable())

	breakers.Reset(ServiceEmbedding)
	breakers.ForceOpen(ServiceVectorDB)
	assert.False(t, m.DenseAvailable(), "open vectordb breaker disables the dense path")

	breakers.Reset(ServiceVectorDB)
	breakers.ForceOpen(ServiceRerank)
	assert.True(t, m.DenseAvailable())
	assert.False(t, m.RerankAvailable())
}

func TestRecordDegradationRateLimitsLogs(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	breakers := circuitbreaker.NewManager(zaptest.NewLogger(t))
	m := NewManager(breakers, zap.New(core))

	m.RecordDegradation("rerank_unavailable", "kb1")
	m.RecordDegradation("rerank_unavailable", "kb1")
	m.RecordDegradation("rerank_unavailable", "kb1")
	assert.Equal(t, 1, logs.Len(), "repeats within the window are suppressed")

	m.RecordDegradation("rerank_unavailable", "kb2")
	assert.Equal(t, 2, logs.Len(), "a different key logs independently")

	m.RecordDegradation("sparse_index_missing", "kb1")
	assert.Equal(t, 3, logs.Len(), "a different reason logs independently")
}
