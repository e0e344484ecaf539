/**
 * VoyageAI embedding client
 *
 * Generates voyage-3 embeddings (1024 dimensions) for document text.
 */

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/digitizer-worker/internal/logging"
)

const (
	// EmbeddingDimensions is the voyage-3 vector size
	EmbeddingDimensions = 1024

	voyageURL   = "https://api.voyageai.com/v1/embeddings"
	voyageModel = "voyage-3"

	// approximate input limit of the API
	maxEmbeddingRunes = 16000
)

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VoyageEmbedder calls the VoyageAI embeddings API
type VoyageEmbedder struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

type voyageRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewVoyageEmbedder creates a client; baseURL may be empty for the public API
func NewVoyageEmbedder(apiKey, baseURL string) (*VoyageEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("VoyageAI API key is required")
	}
	if baseURL == "" {
		baseURL = voyageURL
	}
	return &VoyageEmbedder{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.NewLogger("VoyageEmbedder"),
	}, nil
}

// Embed returns the embedding of text, truncated to the API's input limit
func (e *VoyageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	if runes := []rune(text); len(runes) > maxEmbeddingRunes {
		e.logger.Warn("Text too long for embedding, truncating", "chars", len(runes), "limit", maxEmbeddingRunes)
		text = string(runes[:maxEmbeddingRunes])
	}

	jsonData, err := json.Marshal(voyageRequest{Input: text, Model: voyageModel})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	startTime := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VoyageAI API returned status %d: %s", resp.StatusCode, string(body))
	}

	var voyageResp voyageResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(voyageResp.Data) == 0 {
		return nil, fmt.Errorf("no embedding data in response")
	}

	embedding := voyageResp.Data[0].Embedding
	if len(embedding) != EmbeddingDimensions {
		return nil, fmt.Errorf("unexpected embedding dimensions: got %d, expected %d", len(embedding), EmbeddingDimensions)
	}

	e.logger.Debug("Embedding generated",
		"tokens", voyageResp.Usage.TotalTokens,
		"duration", time.Since(startTime).String())
	return embedding, nil
}
