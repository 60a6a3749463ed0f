package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
)

const embeddingService = "embedding"

// EmbedResult is the embedding service's response for one call.
type EmbedResult struct {
	Embeddings     [][]float32 `json:"embeddings"`
	VectorSize     int         `json:"vector_size"`
	TextsProcessed int         `json:"texts_processed"`
	ProcessingTime float64     `json:"processing_time"`
}

// BatchStatus reports progress of an asynchronous embedding batch.
type BatchStatus struct {
	BatchID   string  `json:"batch_id"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
}

// EmbeddingClient talks to the embedding model server.
type EmbeddingClient struct {
	cfg        config.EmbeddingConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewEmbeddingClient creates an embedding client.
func NewEmbeddingClient(cfg config.EmbeddingConfig, logger *logrus.Logger) *EmbeddingClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &EmbeddingClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// sanitizeTexts applies the input rules: at most MaxTextsPerCall strings,
// blank strings dropped, long strings truncated to MaxTextLength. A list
// that ends up empty is rejected.
func (c *EmbeddingClient) sanitizeTexts(texts []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, fault.InvalidInput("texts list is empty")
	}
	if len(texts) > c.cfg.MaxTextsPerCall {
		return nil, fault.InvalidInput(
			fmt.Sprintf("at most %d texts per call", c.cfg.MaxTextsPerCall))
	}

	out := make([]string, 0, len(texts))
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if len(text) > c.cfg.MaxTextLength {
			text = text[:c.cfg.MaxTextLength]
		}
		out = append(out, text)
	}
	if len(out) == 0 {
		return nil, fault.InvalidInput("no non-empty texts to embed")
	}
	return out, nil
}

// Embed returns one vector per surviving input text.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) (*EmbedResult, error) {
	clean, err := c.sanitizeTexts(texts)
	if err != nil {
		return nil, err
	}

	respBody, err := doJSON(ctx, c.httpClient, embeddingService, c.cfg.BaseURL,
		http.MethodPost, "/embed", map[string]interface{}{"texts": clean})
	if err != nil {
		return nil, err
	}

	var result EmbedResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fault.Upstream(embeddingService, "failed to parse response", err)
	}
	if len(result.Embeddings) != len(clean) {
		return nil, fault.Upstream(embeddingService,
			fmt.Sprintf("expected %d embeddings, got %d", len(clean), len(result.Embeddings)), nil)
	}

	c.logger.WithFields(logrus.Fields{
		"texts":       len(clean),
		"vector_size": result.VectorSize,
	}).Debug("Texts embedded")
	return &result, nil
}

// EmbedBatch submits an asynchronous batch and returns its ID.
func (c *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string, batchID string) (string, error) {
	clean, err := c.sanitizeTexts(texts)
	if err != nil {
		return "", err
	}

	reqBody := map[string]interface{}{"texts": clean}
	if batchID != "" {
		reqBody["batch_id"] = batchID
	}
	respBody, err := doJSON(ctx, c.httpClient, embeddingService, c.cfg.BaseURL,
		http.MethodPost, "/embed/batch", reqBody)
	if err != nil {
		return "", err
	}

	var response struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return "", fault.Upstream(embeddingService, "failed to parse response", err)
	}
	return response.BatchID, nil
}

// BatchStatus polls an asynchronous batch.
func (c *EmbeddingClient) BatchStatus(ctx context.Context, batchID string) (*BatchStatus, error) {
	respBody, err := doJSON(ctx, c.httpClient, embeddingService, c.cfg.BaseURL,
		http.MethodGet, "/batch/"+batchID, nil)
	if err != nil {
		return nil, err
	}

	var status BatchStatus
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, fault.Upstream(embeddingService, "failed to parse response", err)
	}
	return &status, nil
}
