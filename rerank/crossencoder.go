package rerank

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

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// CrossEncoder scores (query, text) pairs against a text-embeddings-inference
// style /rerank endpoint.
type CrossEncoder struct {
	client  *http.Client
	baseURL string
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
}

type rerankScore struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

func NewCrossEncoder(baseURL string, timeout time.Duration) *CrossEncoder {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &CrossEncoder{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *CrossEncoder) Score(ctx context.Context, query, text string) (float32, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Texts: []string{text}})
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, fmt.Errorf("reranker error (status %d): failed to read response", resp.StatusCode)
		}
		return 0, fmt.Errorf("reranker error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var scores []rerankScore
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}

	for _, s := range scores {
		if s.Index == 0 {
			return s.Score, nil
		}
	}

	return 0, fmt.Errorf("reranker returned no score")
}
