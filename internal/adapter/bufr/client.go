// Package bufr is the HTTP client for the bufr2geojson decoder sidecar. The
// pipeline treats decoding as an opaque pure function: bulletin bytes in,
// geospatial features out.
package bufr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
)

// Client implements domain.Decoder against a bufr2geojson HTTP service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a decoder client for the sidecar at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Decode posts the bulletin to the sidecar and returns the decoded features.
// Any transport or decoder failure is fatal for the file being processed.
func (c *Client) Decode(ctx context.Context, data []byte) ([]domain.DecodedFeature, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/decode", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("decoder error: status %d: %s", resp.StatusCode, body)
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded.Items, nil
}

// Decoder service response envelope.

type response struct {
	Items []domain.DecodedFeature `json:"items"`
}
