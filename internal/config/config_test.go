package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.NotNil(t, cfg)

	assert.Equal(t, 10, cfg.Broker.WorkerPoolSize)
	assert.Equal(t, 30*time.Second, cfg.Broker.HealthInterval)
	assert.Equal(t, 5, cfg.Broker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Broker.RecoveryTimeout)
	assert.Equal(t, 3, cfg.Broker.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Broker.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Broker.BackoffCap)

	assert.Equal(t, 1000, cfg.Ingestion.ChunkSize)
	assert.Equal(t, 200, cfg.Ingestion.ChunkOverlap)
	assert.Equal(t, 4, cfg.Ingestion.MaxWorkers)

	assert.Equal(t, 32, cfg.Embedding.BatchSize)
	assert.Equal(t, 1000, cfg.Embedding.MaxTextsPerCall)
	assert.Equal(t, 10000, cfg.Embedding.MaxTextLength)
	assert.Equal(t, 384, cfg.Embedding.VectorSize)

	assert.Equal(t, 5, cfg.Query.MaxSearchResults)
	assert.InDelta(t, 0.7, cfg.Query.SimilarityThreshold, 1e-9)
	assert.Equal(t, 4000, cfg.Query.MaxContextLength)

	assert.Equal(t, 3600*time.Second, cfg.Session.Timeout)
	assert.Equal(t, 100, cfg.Session.ConversationCap)

	assert.Equal(t, "Cosine", cfg.VectorStore.DistanceMetric)
	assert.InDelta(t, 0.7, cfg.LLM.Temperature, 1e-9)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BROKER_WORKER_POOL_SIZE", "4")
	t.Setenv("BROKER_BACKOFF_BASE", "50ms")
	t.Setenv("SESSION_TIMEOUT", "120")
	t.Setenv("SIMILARITY_THRESHOLD", "0.85")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")

	cfg := Load()
	assert.Equal(t, 4, cfg.Broker.WorkerPoolSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Broker.BackoffBase)
	assert.Equal(t, 120*time.Second, cfg.Session.Timeout)
	assert.InDelta(t, 0.85, cfg.Query.SimilarityThreshold, 1e-9)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr())
}

func TestBadEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("BROKER_MAX_ATTEMPTS", "not-a-number")
	t.Setenv("BROKER_HEALTH_INTERVAL", "soon")

	cfg := Load()
	assert.Equal(t, 3, cfg.Broker.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Broker.HealthInterval)
}
