package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hexframe/swarmmail/internal/config"
)

// Embedder turns text into a fixed-dimension vector. Implementations
// must return vectors of exactly Dim() floats.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint. Both
// the hosted API and local Ollama (under /v1) speak this shape.
type OpenAIEmbedder struct {
	model   string
	dim     int
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewEmbedder builds an embedder from configuration. A blank model
// disables embeddings entirely and returns nil; callers treat a nil
// Embedder as "full-text only".
func NewEmbedder(cfg config.EmbeddingConfig) *OpenAIEmbedder {
	if cfg.Model == "" {
		return nil
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	return &OpenAIEmbedder{
		model:   cfg.Model,
		dim:     cfg.Dim,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns the embedding for one text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding API returned no vector")
	}
	vec := parsed.Data[0].Embedding
	if e.dim > 0 && len(vec) != e.dim {
		return nil, fmt.Errorf("embedding dimension mismatch: model returned %d, configured %d", len(vec), e.dim)
	}
	return vec, nil
}

// Dim returns the configured embedding dimension.
func (e *OpenAIEmbedder) Dim() int { return e.dim }
