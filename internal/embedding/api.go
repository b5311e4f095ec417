package embedding

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
)

// APIProvider implements Provider using an OpenAI-compatible embeddings API.
type APIProvider struct {
	endpoint  string
	model     string
	apiKey    string
	dimension int
	client    *http.Client

	observed atomic.Int64 // dimension of the first successful result
}

// NewAPIProvider creates a new APIProvider from the given Config.
func NewAPIProvider(cfg Config) *APIProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &APIProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: httpTimeout(cfg.Timeout)},
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed sends texts to the OpenAI-compatible endpoint and returns one vector per text, in order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result apiResponse
	if err := postJSON(ctx, p.client, p.endpoint+"/embeddings", p.apiKey, apiRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(result.Data), len(texts))
	}

	sort.SliceStable(result.Data, func(i, j int) bool { return result.Data[i].Index < result.Data[j].Index })
	embeddings := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("embedding: empty vector for input %d", i)
		}
		embeddings[i] = d.Embedding
	}

	p.observed.CompareAndSwap(0, int64(len(embeddings[0])))
	return embeddings, nil
}

// Dimension returns the embedding vector dimension.
// It returns the observed dimension from the first result, or the configured default.
func (p *APIProvider) Dimension() int {
	if d := p.observed.Load(); d > 0 {
		return int(d)
	}
	return p.dimension
}
