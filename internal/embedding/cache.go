package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedProvider memoizes successful embeddings per text.
// Failures are never cached and never answered from the cache.
type CachedProvider struct {
	next  Provider
	cache *ristretto.Cache
}

// NewCachedProvider wraps next with a cache holding about size texts.
func NewCachedProvider(next Provider, size int) (*CachedProvider, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
		// Each text costs exactly 1 so MaxCost counts texts.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &CachedProvider{next: next, cache: cache}, nil
}

// Embed answers cached texts locally and sends only the misses downstream.
func (p *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := p.cache.Get(t); ok {
			out[i] = v.([]float32)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := p.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		p.cache.Set(missTexts[j], vecs[j], 1)
	}
	return out, nil
}

func (p *CachedProvider) Dimension() int { return p.next.Dimension() }

// Close stops the cache's background goroutines.
func (p *CachedProvider) Close() {
	p.cache.Close()
}
