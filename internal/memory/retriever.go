package memory

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Weights blends the ranking signals. Zero weights switch a signal off.
type Weights struct {
	Similarity float64 `json:"similarity"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
}

// DefaultWeights favours similarity, with importance and recency as tie-breakers.
func DefaultWeights() Weights {
	return Weights{Similarity: 0.7, Importance: 0.2, Recency: 0.1}
}

// RetrieverConfig tunes ranking.
type RetrieverConfig struct {
	Weights Weights
	Decay   DecayConfig
	TopK    int // used when a caller passes top_k <= 0
}

// Retriever ranks store candidates into turn context.
type Retriever struct {
	store  *Store
	cfg    RetrieverConfig
	logger *zap.Logger
}

// NewRetriever creates a Retriever over store.
func NewRetriever(store *Store, cfg RetrieverConfig, logger *zap.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	return &Retriever{store: store, cfg: cfg, logger: logger}
}

// Weights returns the active ranking weights.
func (r *Retriever) Weights() Weights { return r.cfg.Weights }

// Retrieve returns up to topK records for ownerID ranked by the weighted blend of
// similarity, decayed importance and recency. Ties go to the newest record.
func (r *Retriever) Retrieve(ctx context.Context, query, ownerID string, topK int, categories ...Category) ([]*ScoredRecord, error) {
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	start := time.Now()
	results, err := r.store.candidates(ctx, query, ownerID, topK, categories)
	r.store.metrics.ObserveRetrieval(start, opStatus(err))
	if err != nil {
		return nil, err
	}

	now := r.store.now()
	for _, res := range results {
		res.Score = r.score(res, now)
	}
	sortScored(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// RecallForTurn retrieves context records for message and touches each one.
// Touch failures are logged and do not fail the recall.
func (r *Retriever) RecallForTurn(ctx context.Context, message, ownerID string, topK int) ([]*ScoredRecord, error) {
	results, err := r.Retrieve(ctx, message, ownerID, topK)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		updated, err := r.store.Touch(ctx, res.Record.ID)
		switch {
		case err == nil:
			res.Record = updated
		case errors.Is(err, ErrNotFound):
			r.logger.Debug("recalled memory vanished before touch", zap.String("id", res.Record.ID))
		default:
			r.logger.Warn("touch failed", zap.String("owner", ownerID), zap.String("id", res.Record.ID), zap.Error(err))
		}
	}
	return results, nil
}

// GetContextForTurn returns the content of the records recalled for message,
// one per line in ranked order, or "" when nothing qualifies.
func (r *Retriever) GetContextForTurn(ctx context.Context, message, ownerID string, topK int) (string, error) {
	results, err := r.RecallForTurn(ctx, message, ownerID, topK)
	if err != nil {
		return "", err
	}
	return FormatContext(results), nil
}

func (r *Retriever) score(res *ScoredRecord, now time.Time) float64 {
	w := r.cfg.Weights
	score := w.Similarity * res.Similarity
	if w.Importance != 0 {
		score += w.Importance * CurrentImportance(res.Record, now, r.cfg.Decay)
	}
	if w.Recency != 0 {
		halfLife := r.cfg.Decay.HalfLifeDays
		if halfLife <= 0 {
			halfLife = DefaultDecayConfig().HalfLifeDays
		}
		score += w.Recency * halfLifeFactor(res.Record.LastAccessed, now, halfLife)
	}
	return score
}
