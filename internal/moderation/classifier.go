package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClassifier calls the OpenAI-compatible moderations endpoint.
type OpenAIClassifier struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// OpenAIClassifierConfig configures the classifier.
type OpenAIClassifierConfig struct {
	Endpoint string
	APIKey   string
	// Model selects the moderation model; empty uses the backend default.
	Model   string
	Timeout time.Duration
}

// NewOpenAIClassifier creates a classifier with defaults applied.
func NewOpenAIClassifier(cfg OpenAIClassifierConfig) *OpenAIClassifier {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIClassifier{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type moderationRequest struct {
	Input string `json:"input"`
	Model string `json:"model,omitempty"`
}

type moderationResponse struct {
	Results []struct {
		Flagged        bool               `json:"flagged"`
		Categories     map[string]bool    `json:"categories"`
		CategoryScores map[string]float64 `json:"category_scores"`
	} `json:"results"`
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (map[string]bool, map[string]float64, error) {
	if c.apiKey == "" {
		return nil, nil, fmt.Errorf("moderation API key not configured")
	}

	data, err := json.Marshal(moderationRequest{Input: text, Model: c.model})
	if err != nil {
		return nil, nil, fmt.Errorf("encode moderation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/moderations", bytes.NewReader(data))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("moderation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, fmt.Errorf("moderation status %d: %s", resp.StatusCode, string(body))
	}

	var parsed moderationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nil, fmt.Errorf("decode moderation response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return nil, nil, fmt.Errorf("moderation response has no results")
	}
	return parsed.Results[0].Categories, parsed.Results[0].CategoryScores, nil
}
