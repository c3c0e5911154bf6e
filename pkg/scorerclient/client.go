/**
 * @description
 * This package provides a client for the fraud-scoring model service. The
 * service receives the candidate transaction with the payer profile, the payer's
 * transaction count and their last-known location, and answers with a
 * `final_prediction` (1 = fraud) plus free-form scoring details.
 */
package scorerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
)

// ErrScoring marks every failure to obtain a verdict, so callers can tell it
// apart from storage or validation errors.
var ErrScoring = errors.New("fraud scorer error")

// Client is a client for the scoring service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new scoring client. Deadlines are taken from the caller's
// context; timeout is an outer bound on the HTTP client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type scoreResponse struct {
	FinalPrediction *int `json:"final_prediction"`
}

// Score requests a verdict for req.
func (c *Client) Score(ctx context.Context, req domain.ScoreRequest) (*domain.FraudVerdict, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: scorer base url is empty", ErrScoring)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %w", ErrScoring, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrScoring, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.apiKey); key != "" {
		httpReq.Header.Set("X-Internal-API-Key", key)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScoring, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrScoring, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: scorer returned status %d", ErrScoring, resp.StatusCode)
	}

	var parsed scoreResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", ErrScoring, err)
	}
	if parsed.FinalPrediction == nil {
		return nil, fmt.Errorf("%w: response has no final_prediction", ErrScoring)
	}

	details := map[string]any{}
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("%w: failed to decode details: %w", ErrScoring, err)
	}

	return &domain.FraudVerdict{
		IsFraud: *parsed.FinalPrediction == 1,
		Details: details,
	}, nil
}
