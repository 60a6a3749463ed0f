// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the full configuration for one service instance.
type Config struct {
	ServiceName string
	Server      ServerConfig
	Redis       RedisConfig
	Broker      BrokerConfig
	Ingestion   IngestionConfig
	Embedding   EmbeddingConfig
	VectorStore VectorStoreConfig
	LLM         LLMConfig
	Query       QueryConfig
	Session     SessionConfig
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host         string
	Port         string
	Mode         string // "debug" or "release"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	UploadDir    string
	ArchiveDir   string
}

// RedisConfig configures the broker/session backend.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// Addr returns host:port for the Redis client.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// BrokerConfig configures message delivery, retries and health monitoring.
type BrokerConfig struct {
	WorkerPoolSize   int
	PopTimeout       time.Duration
	HealthInterval   time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	StopGracePeriod  time.Duration
	DefaultTTL       time.Duration
}

// IngestionConfig configures the extraction and chunking pipeline.
type IngestionConfig struct {
	ChunkSize        int
	ChunkOverlap     int
	MaxWorkers       int
	ExtractorURL     string
	ExtractorTimeout time.Duration
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	BaseURL         string
	Timeout         time.Duration
	BatchSize       int
	MaxTextsPerCall int
	MaxTextLength   int
	VectorSize      int
}

// VectorStoreConfig configures the vector store client.
type VectorStoreConfig struct {
	BaseURL        string
	Timeout        time.Duration
	Collection     string
	VectorSize     int
	DistanceMetric string
}

// LLMConfig configures the generation service client.
type LLMConfig struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// QueryConfig configures retrieval-augmented answering.
type QueryConfig struct {
	MaxSearchResults    int
	SimilarityThreshold float64
	MaxContextLength    int
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	Timeout         time.Duration
	ConversationCap int
}

// Load builds a Config from environment variables with defaults.
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "pdf-chat"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("PORT", "8080"),
			Mode:         getEnv("GIN_MODE", "release"),
			ReadTimeout:  getDurationEnv("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 120*time.Second),
			UploadDir:    getEnv("UPLOAD_DIR", "/data/uploads"),
			ArchiveDir:   getEnv("ARCHIVE_DIR", "/data/archive"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
			PoolSize: getIntEnv("REDIS_POOL_SIZE", 10),
			Timeout:  getDurationEnv("REDIS_TIMEOUT", 5*time.Second),
		},
		Broker: BrokerConfig{
			WorkerPoolSize:   getIntEnv("BROKER_WORKER_POOL_SIZE", 10),
			PopTimeout:       getDurationEnv("BROKER_POP_TIMEOUT", time.Second),
			HealthInterval:   getDurationEnv("BROKER_HEALTH_INTERVAL", 30*time.Second),
			FailureThreshold: getIntEnv("BROKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getDurationEnv("BROKER_RECOVERY_TIMEOUT", 60*time.Second),
			MaxAttempts:      getIntEnv("BROKER_MAX_ATTEMPTS", 3),
			BackoffBase:      getDurationEnv("BROKER_BACKOFF_BASE", 2*time.Second),
			BackoffCap:       getDurationEnv("BROKER_BACKOFF_CAP", 60*time.Second),
			StopGracePeriod:  getDurationEnv("BROKER_STOP_GRACE", 5*time.Second),
			DefaultTTL:       getDurationEnv("BROKER_DEFAULT_TTL", time.Hour),
		},
		Ingestion: IngestionConfig{
			ChunkSize:        getIntEnv("CHUNK_SIZE", 1000),
			ChunkOverlap:     getIntEnv("CHUNK_OVERLAP", 200),
			MaxWorkers:       getIntEnv("INGEST_MAX_WORKERS", 4),
			ExtractorURL:     getEnv("EXTRACTOR_URL", "http://localhost:8003"),
			ExtractorTimeout: getDurationEnv("EXTRACTOR_TIMEOUT", 120*time.Second),
		},
		Embedding: EmbeddingConfig{
			BaseURL:         getEnv("EMBEDDING_URL", "http://localhost:8001"),
			Timeout:         getDurationEnv("EMBEDDING_TIMEOUT", 60*time.Second),
			BatchSize:       getIntEnv("EMBEDDING_BATCH_SIZE", 32),
			MaxTextsPerCall: getIntEnv("EMBEDDING_MAX_TEXTS", 1000),
			MaxTextLength:   getIntEnv("EMBEDDING_MAX_TEXT_LENGTH", 10000),
			VectorSize:      getIntEnv("EMBEDDING_VECTOR_SIZE", 384),
		},
		VectorStore: VectorStoreConfig{
			BaseURL:        getEnv("VECTORSTORE_URL", "http://localhost:6333"),
			Timeout:        getDurationEnv("VECTORSTORE_TIMEOUT", 10*time.Second),
			Collection:     getEnv("VECTORSTORE_COLLECTION", "pdf_documents"),
			VectorSize:     getIntEnv("EMBEDDING_VECTOR_SIZE", 384),
			DistanceMetric: getEnv("VECTORSTORE_DISTANCE", "Cosine"),
		},
		LLM: LLMConfig{
			BaseURL:     getEnv("LLM_URL", "http://localhost:8002"),
			Model:       getEnv("LLM_MODEL", ""),
			Timeout:     getDurationEnv("LLM_TIMEOUT", 30*time.Second),
			MaxTokens:   getIntEnv("LLM_MAX_TOKENS", 512),
			Temperature: getFloatEnv("LLM_TEMPERATURE", 0.7),
		},
		Query: QueryConfig{
			MaxSearchResults:    getIntEnv("MAX_SEARCH_RESULTS", 5),
			SimilarityThreshold: getFloatEnv("SIMILARITY_THRESHOLD", 0.7),
			MaxContextLength:    getIntEnv("MAX_CONTEXT_LENGTH", 4000),
		},
		Session: SessionConfig{
			Timeout:         getDurationEnv("SESSION_TIMEOUT", 3600*time.Second),
			ConversationCap: getIntEnv("CONVERSATION_CAP", 100),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
