package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider          string        `json:"provider"` // "api", "local" or "hash"
	Endpoint          string        `json:"endpoint"`
	Model             string        `json:"model"`
	APIKey            string        `json:"api_key"`
	Dimension         int           `json:"dimension"`
	Timeout           time.Duration `json:"-"`
	CacheSize         int           `json:"cache_size"`          // cached texts; 0 disables the cache
	RequestsPerSecond float64       `json:"requests_per_second"` // 0 disables rate limiting
	Burst             int           `json:"burst"`
}

// New builds the configured provider and wraps it with rate limiting and caching.
func New(cfg Config, logger *zap.Logger) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case "api", "openai":
		p = NewAPIProvider(cfg)
	case "local", "ollama":
		p = NewLocalProvider(cfg)
	case "hash", "":
		p = NewHashProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}

	if cfg.RequestsPerSecond > 0 {
		p = NewRateLimited(p, cfg.RequestsPerSecond, cfg.Burst)
	}
	if cfg.CacheSize > 0 {
		cached, err := NewCachedProvider(p, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		p = cached
	}
	logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", p.Dimension()))
	return p, nil
}

func httpTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}

// postJSON posts in as JSON and decodes a 200 reply into out.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding: %s returned status %d: %s", url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}
