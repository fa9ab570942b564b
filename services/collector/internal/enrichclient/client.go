// Package enrichclient calls the enrichment service over HTTP.
package enrichclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aicollector/pkg/domain"
)

// Client talks to the enrichment service's internal analyze endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a client against the enrichment service base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type analyzeRequest struct {
	CollectID string          `json:"collect_id"`
	Text      string          `json:"text"`
	Metadata  analyzeMetadata `json:"metadata"`
}

type analyzeMetadata struct {
	UserID string `json:"user_id"`
	URL    string `json:"url,omitempty"`
}

type analyzeResponse struct {
	Success    bool     `json:"success"`
	Keywords   []string `json:"keywords"`
	Category   string   `json:"category"`
	Summary    string   `json:"summary"`
	Confidence float64  `json:"confidence"`
	Error      string   `json:"error"`
}

// Analyze requests enrichment for one collected snippet. A returned error
// means the service itself could not be used (unreachable, non-2xx, bad
// payload); a degraded-but-usable answer comes back as a normal outcome.
func (c *Client) Analyze(ctx context.Context, collectID, userID, text, sourceURL string) (domain.EnrichmentOutcome, error) {
	payload, err := json.Marshal(analyzeRequest{
		CollectID: collectID,
		Text:      text,
		Metadata:  analyzeMetadata{UserID: userID, URL: sourceURL},
	})
	if err != nil {
		return domain.EnrichmentOutcome{}, fmt.Errorf("encode analyze request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/internal/ai/analyze", bytes.NewReader(payload))
	if err != nil {
		return domain.EnrichmentOutcome{}, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.EnrichmentOutcome{}, fmt.Errorf("call enrichment service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.EnrichmentOutcome{}, fmt.Errorf("enrichment service returned status %d", resp.StatusCode)
	}
	var parsed analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.EnrichmentOutcome{}, fmt.Errorf("decode analyze response: %w", err)
	}
	if !parsed.Success {
		return domain.EnrichmentOutcome{}, fmt.Errorf("enrichment service reported failure: %s", parsed.Error)
	}
	return domain.EnrichmentOutcome{
		Analysis: domain.Analysis{
			Keywords:   parsed.Keywords,
			Category:   parsed.Category,
			Summary:    parsed.Summary,
			Confidence: parsed.Confidence,
		},
		Degraded: parsed.Error != "",
		Reason:   parsed.Error,
	}, nil
}
