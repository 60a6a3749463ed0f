// Package clients holds the HTTP clients for the external collaborators:
// the embedding model server, the LLM generation server and the PDF text
// extractor.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
)

// doJSON issues one JSON request against baseURL+path and returns the raw
// response body. Non-2xx statuses and transport errors come back as
// upstream faults tagged with the service name.
func doJSON(ctx context.Context, hc *http.Client, service, baseURL, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fault.Upstream(service, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Upstream(service, "failed to read response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fault.Upstream(service,
			fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody)), nil)
	}
	return respBody, nil
}
