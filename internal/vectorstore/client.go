// Package vectorstore is the HTTP client for the vector database service.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
)

const serviceName = "vectorstore"

// Point is one vector with its payload.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// ScoredPoint is one search hit.
type ScoredPoint struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// CollectionInfo describes one collection.
type CollectionInfo struct {
	Name           string `json:"name"`
	VectorSize     int    `json:"vector_size"`
	DistanceMetric string `json:"distance_metric"`
	PointsCount    int64  `json:"points_count"`
}

// Client talks to the vector store over HTTP/JSON.
type Client struct {
	cfg        config.VectorStoreConfig
	httpClient *http.Client
	logger     *logrus.Logger
	mu         sync.RWMutex
	connected  bool
}

// NewClient creates a vector store client.
func NewClient(cfg config.VectorStoreConfig, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Connect verifies connectivity by listing collections.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.doRequest(ctx, http.MethodGet, "/collections", nil); err != nil {
		return err
	}
	c.connected = true
	c.logger.WithField("url", c.cfg.BaseURL).Info("Connected to vector store")
	return nil
}

// IsConnected reports whether Connect succeeded.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	url := c.cfg.BaseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.Upstream(serviceName, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Upstream(serviceName, "failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fault.Upstream(serviceName,
			fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody)), nil)
	}
	return respBody, nil
}

// ListCollections returns the names of all collections.
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Collections []struct {
			Name string `json:"name"`
		} `json:"collections"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fault.Upstream(serviceName, "failed to parse response", err)
	}

	names := make([]string, len(response.Collections))
	for i, col := range response.Collections {
		names[i] = col.Name
	}
	return names, nil
}

// CreateCollection makes a collection with the given geometry. Creating an
// existing collection is not an error upstream; callers treat it as upsert.
func (c *Client) CreateCollection(ctx context.Context, name string, vectorSize int, distanceMetric string) error {
	switch distanceMetric {
	case "Cosine", "Euclidean", "Dot":
	default:
		return fault.InvalidInput("distance_metric must be one of Cosine, Euclidean, Dot")
	}

	reqBody := map[string]interface{}{
		"name":            name,
		"vector_size":     vectorSize,
		"distance_metric": distanceMetric,
	}
	if _, err := c.doRequest(ctx, http.MethodPost, "/collections", reqBody); err != nil {
		return err
	}

	c.logger.WithField("collection", name).Info("Collection created")
	return nil
}

// EnsureCollection creates the configured chunk collection when it does
// not exist yet.
func (c *Client) EnsureCollection(ctx context.Context) error {
	names, err := c.ListCollections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == c.cfg.Collection {
			return nil
		}
	}
	return c.CreateCollection(ctx, c.cfg.Collection, c.cfg.VectorSize, c.cfg.DistanceMetric)
}

// DeleteCollection removes a collection.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/collections/"+name, nil)
	return err
}

// GetCollectionInfo returns a collection's metadata and point count.
func (c *Client) GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error) {
	respBody, err := c.doRequest(ctx, http.MethodGet, "/collections/"+name+"/info", nil)
	if err != nil {
		return nil, err
	}

	var info CollectionInfo
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fault.Upstream(serviceName, "failed to parse response", err)
	}
	if info.Name == "" {
		info.Name = name
	}
	return &info, nil
}

// UpsertPoints inserts or replaces points by ID.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	reqBody := map[string]interface{}{"points": points}
	if _, err := c.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/points", reqBody); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"collection": collection,
		"count":      len(points),
	}).Debug("Points upserted")
	return nil
}

// Search returns up to limit hits scoring at or above the threshold,
// ordered by descending score.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float64) ([]ScoredPoint, error) {
	reqBody := map[string]interface{}{
		"vector":          vector,
		"limit":           limit,
		"score_threshold": scoreThreshold,
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/collections/"+collection+"/search", reqBody)
	if err != nil {
		return nil, err
	}

	var response struct {
		Results []ScoredPoint `json:"results"`
	}
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fault.Upstream(serviceName, "failed to parse response", err)
	}
	return response.Results, nil
}
