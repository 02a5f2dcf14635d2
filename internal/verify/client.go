// Package verify implements the external verification feed: a remote
// evidence-synthesis service queried per claim. The feed is the dominant
// latency and failure source in the resolution pipeline, so the client is
// strictly time-bounded and callers degrade gracefully when it errors.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/castprotocol/resolutiond/internal/domain"
)

// Client queries the verification provider's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Client for the given API root. timeout bounds each
// request; zero means 20 seconds.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type verifyRequest struct {
	Claim    string `json:"claim"`
	Category string `json:"category,omitempty"`
}

type verifyResponse struct {
	Sources []struct {
		Source      string    `json:"source"`
		Content     string    `json:"content"`
		Relevance   float64   `json:"relevance"`
		Supports    *bool     `json:"supports"`
		PublishedAt time.Time `json:"published_at"`
	} `json:"sources"`
	Reliability float64 `json:"reliability"`
}

// Verify asks the provider to assess the claim against its source corpus.
func (c *Client) Verify(ctx context.Context, claim, category string) (domain.VerificationResult, error) {
	body, err := json.Marshal(verifyRequest{Claim: claim, Category: category})
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("verify: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verify", bytes.NewReader(body))
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("verify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.VerificationResult{}, fmt.Errorf("verify: %w: %v", domain.ErrExternalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.VerificationResult{}, fmt.Errorf("verify: %w: status %d: %s", domain.ErrExternalUnavailable, resp.StatusCode, string(respBody))
	}

	var decoded verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.VerificationResult{}, fmt.Errorf("verify: decode response: %w", err)
	}

	result := domain.VerificationResult{
		Claim:       claim,
		Reliability: decoded.Reliability,
		RetrievedAt: time.Now().UTC(),
	}
	for _, s := range decoded.Sources {
		result.Sources = append(result.Sources, domain.VerificationSource{
			Source:      s.Source,
			Content:     s.Content,
			Relevance:   s.Relevance,
			Supports:    s.Supports,
			PublishedAt: s.PublishedAt,
		})
	}
	return result, nil
}

// Compile-time interface check.
var _ domain.VerificationFeed = (*Client)(nil)
