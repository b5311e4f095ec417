package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/metrics"
	"go.uber.org/zap"
)

// ErrNoProvider is returned when no provider has been registered.
var ErrNoProvider = errors.New("no provider registered")

// Router manages multiple LLM providers and routes requests.
type Router struct {
	providers  map[string]Provider
	fallbacks  []string // tried in order after the default fails
	defaults   string   // default provider ID
	completion CompletionConfig
	metrics    *metrics.Metrics
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// SetFallbacks configures the providers tried when the default fails.
func (r *Router) SetFallbacks(providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = providerIDs
}

// SetCompletion sets the model parameters used by Complete.
func (r *Router) SetCompletion(cfg CompletionConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completion = cfg
}

// SetMetrics enables provider failure counters.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Route sends a chat request to the default provider, then to each fallback.
// The returned error wraps memory.ErrProviderUnavailable when every provider failed.
func (r *Router) Route(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	// Snapshot under the lock; provider calls run without it.
	r.mu.RLock()
	primary, ok := r.providers[r.defaults]
	var fallbacks []Provider
	for _, id := range r.fallbacks {
		if fb, found := r.providers[id]; found && ok && id != primary.ID() {
			fallbacks = append(fallbacks, fb)
		}
	}
	m := r.metrics
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %w", memory.ErrProviderUnavailable, ErrNoProvider)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	m.ProviderFailure(primary.ID())
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("provider", primary.ID()), zap.Error(err))

	for _, fb := range fallbacks {
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		m.ProviderFailure(fb.ID())
		r.logger.Warn("fallback provider failed", zap.String("provider", fb.ID()), zap.Error(err))
	}

	return nil, fmt.Errorf("%w: all providers failed: %w", memory.ErrProviderUnavailable, err)
}

// Complete answers userMessage under systemPrompt. A non-empty memoryContext
// is sent as a second system message.
func (r *Router) Complete(ctx context.Context, systemPrompt, memoryContext, userMessage string) (string, error) {
	r.mu.RLock()
	cfg := r.completion
	r.mu.RUnlock()

	var msgs []Message
	if systemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: systemPrompt})
	}
	if memoryContext != "" {
		msgs = append(msgs, Message{Role: "system", Content: "Relevant memory:\n" + memoryContext})
	}
	msgs = append(msgs, Message{Role: "user", Content: userMessage})

	resp, err := r.Route(ctx, &ChatRequest{
		Model:       cfg.Model,
		Messages:    msgs,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// HealthCheck pings the default provider.
func (r *Router) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	p, ok := r.providers[r.defaults]
	r.mu.RUnlock()
	if !ok {
		return ErrNoProvider
	}
	return p.HealthCheck(ctx)
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

// New builds a provider from its config type.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
