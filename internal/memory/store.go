package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/recall/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxCandidates caps how many nearest neighbours a single search considers.
const maxCandidates = 20

// StoreConfig tunes the Store.
type StoreConfig struct {
	Dimension        int           // expected embedding length; 0 learns it from the first embedding
	EmbedTimeout     time.Duration // bound on each embedding call
	BatchConcurrency int           // parallel adds in AddBatch
	DefaultListLimit int
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EmbedTimeout:     30 * time.Second,
		BatchConcurrency: 4,
		DefaultListLimit: 100,
	}
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	TopK          int
	Categories    []Category
	MinImportance float64 // compared against stored importance
}

// Store is the owner-scoped memory engine over a Backend.
type Store struct {
	backend  Backend
	embedder Embedder
	cfg      StoreConfig
	dim      atomic.Int64
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps and decay.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics records operation counts and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a Store. The embedder may be nil when every record
// arrives with an embedding and no text search is performed.
func NewStore(backend Backend, embedder Embedder, cfg StoreConfig, logger *zap.Logger, opts ...Option) *Store {
	def := DefaultStoreConfig()
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = def.EmbedTimeout
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = def.BatchConcurrency
	}
	if cfg.DefaultListLimit <= 0 {
		cfg.DefaultListLimit = def.DefaultListLimit
	}
	s := &Store{
		backend:  backend,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	if cfg.Dimension > 0 {
		s.dim.Store(int64(cfg.Dimension))
	} else if embedder != nil && embedder.Dimension() > 0 {
		s.dim.Store(int64(embedder.Dimension()))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BackendName returns the name of the underlying backend.
func (s *Store) BackendName() string { return s.backend.Name() }

// Dimension returns the embedding length this store holds, or 0 if not yet known.
func (s *Store) Dimension() int { return int(s.dim.Load()) }

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// Add validates and persists rec, assigning an id and embedding when missing.
// Reusing an existing id overwrites that record.
func (s *Store) Add(ctx context.Context, rec *Record) (string, error) {
	start := time.Now()
	id, err := s.add(ctx, rec)
	s.metrics.ObserveStoreOp("add", s.backend.Name(), start, opStatus(err))
	return id, err
}

func (s *Store) add(ctx context.Context, rec *Record) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("%w: nil record", ErrValidation)
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = rec.CreatedAt
	}
	if len(rec.Embedding) == 0 {
		vec, err := s.embed(ctx, rec.Content)
		if err != nil {
			return "", err
		}
		rec.Embedding = vec
	}
	if err := s.checkDimension(rec.Embedding); err != nil {
		return "", err
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		return "", s.storageErr("add", rec.OwnerID, rec.ID, err)
	}
	s.logger.Debug("memory stored",
		zap.String("owner", rec.OwnerID),
		zap.String("id", rec.ID),
		zap.String("category", string(rec.Category)))
	return rec.ID, nil
}

// AddBatch stamps ownerID on every record and adds each one independently.
// The returned ids line up with records; a failed record leaves an empty id
// and contributes to the joined error without affecting its siblings.
func (s *Store) AddBatch(ctx context.Context, ownerID string, records []*Record) ([]string, error) {
	ids := make([]string, len(records))
	errs := make([]error, len(records))

	var g errgroup.Group
	g.SetLimit(s.cfg.BatchConcurrency)
	for i, rec := range records {
		g.Go(func() error {
			if rec == nil {
				errs[i] = fmt.Errorf("record %d: %w: nil record", i, ErrValidation)
				return nil
			}
			rec.OwnerID = ownerID
			id, err := s.Add(ctx, rec)
			if err != nil {
				errs[i] = fmt.Errorf("record %d: %w", i, err)
				return nil
			}
			ids[i] = id
			return nil
		})
	}
	_ = g.Wait()
	return ids, errors.Join(errs...)
}

// Get looks a record up by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	start := time.Now()
	rec, err := s.backend.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		err = s.storageErr("get", "", id, err)
	}
	s.metrics.ObserveStoreOp("get", s.backend.Name(), start, opStatus(err))
	return rec, err
}

// Search returns up to TopK records for ownerID ordered by similarity to query,
// keeping only those whose stored importance reaches MinImportance.
// At most min(2*TopK, 20) candidates are considered before filtering.
func (s *Store) Search(ctx context.Context, query, ownerID string, opts SearchOptions) ([]*ScoredRecord, error) {
	start := time.Now()
	results, err := s.search(ctx, query, ownerID, opts)
	s.metrics.ObserveStoreOp("search", s.backend.Name(), start, opStatus(err))
	return results, err
}

func (s *Store) search(ctx context.Context, query, ownerID string, opts SearchOptions) ([]*ScoredRecord, error) {
	candidates, err := s.candidates(ctx, query, ownerID, opts.TopK, opts.Categories)
	if err != nil {
		return nil, err
	}
	results := candidates[:0]
	for _, c := range candidates {
		if c.Record.Importance >= opts.MinImportance {
			c.Score = c.Similarity
			results = append(results, c)
		}
	}
	sortBySimilarity(results)
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// candidates embeds query and fetches the over-fetched neighbour pool for topK.
func (s *Store) candidates(ctx context.Context, query, ownerID string, topK int, categories []Category) ([]*ScoredRecord, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive", ErrValidation)
	}
	for _, c := range categories {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, c)
		}
	}

	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if err := s.checkDimension(vec); err != nil {
		return nil, err
	}

	results, err := s.backend.Query(ctx, &VectorQuery{
		OwnerID:    ownerID,
		Vector:     vec,
		Limit:      min(2*topK, maxCandidates),
		Categories: categories,
	})
	if err != nil {
		return nil, s.storageErr("search", ownerID, "", err)
	}
	return results, nil
}

// ListByOwner returns up to limit records for ownerID in insertion order.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultListLimit
	}
	start := time.Now()
	recs, err := s.backend.List(ctx, ownerID, limit)
	if err != nil {
		err = s.storageErr("list", ownerID, "", err)
	}
	s.metrics.ObserveStoreOp("list", s.backend.Name(), start, opStatus(err))
	return recs, err
}

// CountByOwner returns how many records ownerID holds.
func (s *Store) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	start := time.Now()
	n, err := s.backend.Count(ctx, ownerID)
	if err != nil {
		n, err = 0, s.storageErr("count", ownerID, "", err)
	}
	s.metrics.ObserveStoreOp("count", s.backend.Name(), start, opStatus(err))
	return n, err
}

// Touch marks a record as accessed now and bumps its access count.
func (s *Store) Touch(ctx context.Context, id string) (*Record, error) {
	start := time.Now()
	rec, err := s.backend.Touch(ctx, id, s.now())
	if err != nil && !errors.Is(err, ErrNotFound) {
		err = s.storageErr("touch", "", id, err)
	}
	s.metrics.ObserveStoreOp("touch", s.backend.Name(), start, opStatus(err))
	return rec, err
}

// Delete removes a record. It reports false when the id did not exist.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	ok, err := s.backend.Delete(ctx, id)
	if err != nil {
		err = s.storageErr("delete", "", id, err)
	}
	s.metrics.ObserveStoreOp("delete", s.backend.Name(), start, opStatus(err))
	return ok, err
}

// Clear removes every record of ownerID and returns how many were removed.
func (s *Store) Clear(ctx context.Context, ownerID string) (int, error) {
	if ownerID == "" {
		return 0, fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	start := time.Now()
	n, err := s.backend.Clear(ctx, ownerID)
	if err != nil {
		err = s.storageErr("clear", ownerID, "", err)
	}
	s.metrics.ObserveStoreOp("clear", s.backend.Name(), start, opStatus(err))
	if err == nil {
		s.logger.Info("memories cleared", zap.String("owner", ownerID), zap.Int("count", n))
	}
	return n, err
}

// Stats summarizes every record ownerID holds.
func (s *Store) Stats(ctx context.Context, ownerID string) (*Stats, error) {
	total, err := s.CountByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{ByCategory: make(map[Category]int)}
	if total == 0 {
		return stats, nil
	}
	recs, err := s.ListByOwner(ctx, ownerID, total)
	if err != nil {
		return nil, err
	}
	var sum float64
	for _, r := range recs {
		stats.ByCategory[r.Category]++
		sum += r.Importance
	}
	stats.Total = len(recs)
	if len(recs) > 0 {
		stats.AvgImportance = sum / float64(len(recs))
	}
	return stats, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("%w: no embedding provider configured", ErrProviderUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EmbedTimeout)
	defer cancel()

	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		s.metrics.ProviderFailure("embedding")
		s.logger.Warn("embedding failed", zap.Error(err))
		return nil, fmt.Errorf("%w: embed: %w", ErrProviderUnavailable, err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		s.metrics.ProviderFailure("embedding")
		return nil, fmt.Errorf("%w: embed: provider returned no vector", ErrProviderUnavailable)
	}
	return vecs[0], nil
}

func (s *Store) checkDimension(vec []float32) error {
	n := int64(len(vec))
	if s.dim.CompareAndSwap(0, n) {
		return nil
	}
	if d := s.dim.Load(); d != n {
		return fmt.Errorf("%w: embedding has %d dimensions, store holds %d", ErrValidation, n, d)
	}
	return nil
}

func (s *Store) storageErr(op, ownerID, id string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Error("memory storage failure",
		zap.String("op", op),
		zap.String("owner", ownerID),
		zap.String("id", id),
		zap.String("backend", s.backend.Name()),
		zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
