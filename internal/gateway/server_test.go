package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/broker"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/clients"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/ingest"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/query"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/session"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/storage"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/vectorstore"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string) (*clients.EmbedResult, error) {
	embeddings := make([][]float32, len(texts))
	for i := range embeddings {
		embeddings[i] = []float32{0.1, 0.2, 0.3, 0.4}
	}
	return &clients.EmbedResult{Embeddings: embeddings, VectorSize: 4}, nil
}

type stubSearcher struct{}

func (stubSearcher) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float64) ([]vectorstore.ScoredPoint, error) {
	return []vectorstore.ScoredPoint{
		{ID: "a", Score: 0.9, Payload: map[string]interface{}{"text": "chunk", "pages": []interface{}{1.0}}},
	}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*clients.GenerateResult, error) {
	return &clients.GenerateResult{Response: "an answer", Model: "test-model"}, nil
}

type stubVectorWriter struct{}

func (stubVectorWriter) UpsertPoints(ctx context.Context, collection string, points []vectorstore.Point) error {
	return nil
}

type testEnv struct {
	server *Server
	broker *broker.Broker
	jobs   *ingest.JobStore
	store  *storage.Client
	cfg    *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := storage.NewFromClient(rdb)

	cfg := &config.Config{
		ServiceName: "pdf-chat",
		Server: config.ServerConfig{
			Mode:      "test",
			UploadDir: t.TempDir(),
		},
		Ingestion:   config.IngestionConfig{ChunkSize: 10, ChunkOverlap: 0, MaxWorkers: 2},
		Embedding:   config.EmbeddingConfig{BatchSize: 2},
		VectorStore: config.VectorStoreConfig{Collection: "pdf_documents"},
		Query:       config.QueryConfig{MaxSearchResults: 5, SimilarityThreshold: 0.7, MaxContextLength: 4000},
		LLM:         config.LLMConfig{MaxTokens: 512, Temperature: 0.7},
		Session:     config.SessionConfig{Timeout: time.Hour, ConversationCap: 100},
	}

	b := broker.New(store, broker.ConfigFrom("pdf-chat", config.BrokerConfig{
		WorkerPoolSize:   2,
		PopTimeout:       50 * time.Millisecond,
		HealthInterval:   time.Minute,
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		MaxAttempts:      3,
		BackoffBase:      10 * time.Millisecond,
		BackoffCap:       80 * time.Millisecond,
		StopGracePeriod:  2 * time.Second,
		DefaultTTL:       time.Minute,
	}), zap.NewNop())

	jobs := ingest.NewJobStore(store, zap.NewNop())
	sessions := session.NewStore(store, cfg.Session, zap.NewNop())
	answers := query.NewOrchestrator(sessions, stubEmbedder{}, stubSearcher{}, stubGenerator{},
		b.Circuits(), cfg, zap.NewNop())

	server := NewServer(cfg, b, jobs, answers, sessions, "pdf-chat", zap.NewNop())
	return &testEnv{server: server, broker: b, jobs: jobs, store: store, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func pdfUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "pdf-chat", resp["service"])
	assert.Contains(t, resp, "queues")
}

func TestUploadRejectsNonPDF(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := pdfUpload(t, "notes.txt", []byte("plain text"))
	rec := env.do(t, http.MethodPost, "/upload", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/upload", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadQueuesJob(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := pdfUpload(t, "report.pdf", []byte("%PDF-1.4 fake"))
	rec := env.do(t, http.MethodPost, "/upload", body, contentType)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID, _ := resp["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "queued", resp["status"])

	job, err := env.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", job.Filename)

	// The pipeline message is waiting on the normal-priority queue.
	depth, err := env.store.ListLen(context.Background(), broker.QueueNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestUploadDuplicateReturnsExistingJob(t *testing.T) {
	env := newTestEnv(t)
	content := []byte("%PDF-1.4 same bytes")

	body, contentType := pdfUpload(t, "a.pdf", content)
	first := env.do(t, http.MethodPost, "/upload", body, contentType)
	require.Equal(t, http.StatusAccepted, first.Code)

	body, contentType = pdfUpload(t, "a.pdf", content)
	second := env.do(t, http.MethodPost, "/upload", body, contentType)
	require.Equal(t, http.StatusOK, second.Code)

	var firstResp, secondResp map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, firstResp["job_id"], secondResp["job_id"])
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/ingestion/jobs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestionStatusAndDocuments(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.jobs.Create(context.Background(), "a.pdf", "h1", 10, "")
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/ingestion/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, float64(1), status["jobs"]["queued"])

	rec = env.do(t, http.MethodGet, "/documents", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var docs map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	assert.Equal(t, float64(1), docs["count"])
}

func TestChatEndpoint(t *testing.T) {
	env := newTestEnv(t)

	payload := bytes.NewBufferString(`{"message": "what is in the document?"}`)
	rec := env.do(t, http.MethodPost, "/chat", payload, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp query.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "an answer", resp.Response)
	assert.Equal(t, 1, resp.ContextUsed)
	assert.NotEmpty(t, resp.SessionID)

	empty := bytes.NewBufferString(`{}`)
	rec = env.do(t, http.MethodPost, "/chat", empty, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	payload := bytes.NewBufferString(`{"message": "hello"}`)
	rec := env.do(t, http.MethodPost, "/chat", payload, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	var chat query.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))

	rec = env.do(t, http.MethodGet, "/chat/sessions/"+chat.SessionID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sess map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	history, _ := sess["history"].([]interface{})
	assert.Len(t, history, 1)

	rec = env.do(t, http.MethodDelete, "/chat/sessions/"+chat.SessionID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/chat/sessions/"+chat.SessionID, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "broker")
	assert.Contains(t, resp, "circuits")
	assert.Contains(t, resp, "queues")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "broker_messages_published_total")
}

func TestUploadEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	extractor := &staticExtractor{result: &clients.ExtractResult{
		TextContent: []clients.PageText{{Page: 1, Text: "AAA. BBB. CCC."}},
		Metadata:    clients.DocumentMetadata{Pages: 1},
		TotalPages:  1,
	}}
	orch := ingest.NewOrchestrator(env.jobs, extractor, stubEmbedder{}, stubVectorWriter{},
		env.broker.Circuits(), env.cfg, zap.NewNop())
	orch.Register(env.broker)
	require.NoError(t, env.broker.Start(context.Background()))
	t.Cleanup(func() { _ = env.broker.Stop() })

	body, contentType := pdfUpload(t, "doc.pdf", []byte("%PDF-1.4 e2e"))
	rec := env.do(t, http.MethodPost, "/upload", body, contentType)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	jobID := resp["job_id"].(string)

	require.Eventually(t, func() bool {
		job, err := env.jobs.Get(context.Background(), jobID)
		return err == nil && job.Status == ingest.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

type staticExtractor struct {
	result *clients.ExtractResult
}

func (s *staticExtractor) Extract(ctx context.Context, filePath string) (*clients.ExtractResult, error) {
	return s.result, nil
}
