package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
)

const extractorService = "pdf-extractor"

// PageText is the extracted text of one page.
type PageText struct {
	Page int       `json:"page"`
	Text string    `json:"text"`
	BBox []float64 `json:"bbox,omitempty"`
}

// DocumentMetadata carries document-level attributes from the extractor.
type DocumentMetadata struct {
	Pages  int    `json:"pages"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
}

// ExtractResult is the extractor's response for one document.
type ExtractResult struct {
	TextContent []PageText       `json:"text_content"`
	Metadata    DocumentMetadata `json:"metadata"`
	TotalPages  int              `json:"total_pages"`
}

// ExtractorClient talks to the PDF text extraction service.
type ExtractorClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewExtractorClient creates an extractor client.
func NewExtractorClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *ExtractorClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExtractorClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Extract decodes a PDF into per-page text plus document metadata.
func (c *ExtractorClient) Extract(ctx context.Context, filePath string) (*ExtractResult, error) {
	if filePath == "" {
		return nil, fault.InvalidInput("file path is empty")
	}

	respBody, err := doJSON(ctx, c.httpClient, extractorService, c.baseURL,
		http.MethodPost, "/extract", map[string]interface{}{"file_path": filePath})
	if err != nil {
		return nil, err
	}

	var result ExtractResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fault.Upstream(extractorService, "failed to parse response", err)
	}

	c.logger.WithFields(logrus.Fields{
		"file":  filePath,
		"pages": result.TotalPages,
	}).Debug("Document extracted")
	return &result, nil
}
