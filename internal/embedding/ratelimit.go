package embedding

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to a remote provider.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst.
func NewRateLimited(next Provider, rps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Embed waits for a token, honouring ctx, then delegates.
func (p *RateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding: rate limit: %w", err)
	}
	return p.next.Embed(ctx, texts)
}

func (p *RateLimited) Dimension() int { return p.next.Dimension() }
