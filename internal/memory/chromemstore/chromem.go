// Package chromemstore is an embedded memory backend on chromem-go.
package chromemstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/recall/internal/keylock"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const (
	metaCollection = "recall_meta"
	dimensionDocID = "dimension"

	keyOwner        = "owner_id"
	keyCategory     = "category"
	keyImportance   = "importance"
	keyCreatedAt    = "created_at"
	keyLastAccessed = "last_accessed"
	keyAccessCount  = "access_count"
	keySourceTurn   = "source_turn"
)

// Config selects where the collection lives.
type Config struct {
	Path       string // empty keeps everything in memory
	Compress   bool
	Collection string
	Dimension  int // 0 learns it from the first record or the persisted marker
}

// Backend stores every owner's records in one chromem collection,
// scoped by owner_id metadata.
type Backend struct {
	db     *chromem.DB
	col    *chromem.Collection
	meta   *chromem.Collection
	locks  keylock.Map
	logger *zap.Logger

	mu  sync.RWMutex
	dim int
}

// New opens (or creates) the collection described by cfg.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db %s: %w", cfg.Path, err)
		}
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", cfg.Collection, err)
	}
	meta, err := db.GetOrCreateCollection(metaCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", metaCollection, err)
	}

	b := &Backend{db: db, col: col, meta: meta, logger: logger, dim: cfg.Dimension}
	if doc, err := meta.GetByID(context.Background(), dimensionDocID); err == nil {
		if b.dim > 0 && b.dim != len(doc.Embedding) {
			return nil, fmt.Errorf("collection %s holds %d-dimensional vectors, configured %d",
				cfg.Collection, len(doc.Embedding), b.dim)
		}
		b.dim = len(doc.Embedding)
	}
	logger.Info("chromem memory backend ready",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Int("records", col.Count()))
	return b, nil
}

// noEmbed rejects text embedding; records always arrive with vectors.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromemstore: embeddings are computed by the memory store")
}

func (b *Backend) Name() string { return "chromem" }

// Put upserts rec by id.
func (b *Backend) Put(ctx context.Context, rec *memory.Record) error {
	if err := b.rememberDimension(ctx, len(rec.Embedding)); err != nil {
		return err
	}
	unlock := b.locks.Lock(rec.ID)
	defer unlock()
	return b.col.AddDocument(ctx, toDocument(rec))
}

// Get loads a record by id.
func (b *Backend) Get(ctx context.Context, id string) (*memory.Record, error) {
	if id == "" {
		return nil, memory.ErrNotFound
	}
	doc, err := b.col.GetByID(ctx, id)
	if err != nil {
		// GetByID only fails for unknown ids.
		return nil, memory.ErrNotFound
	}
	return fromDocument(doc.ID, doc.Content, doc.Embedding, doc.Metadata)
}

// Query runs a cosine nearest-neighbour search inside one owner's records.
func (b *Backend) Query(ctx context.Context, q *memory.VectorQuery) ([]*memory.ScoredRecord, error) {
	if len(q.Categories) <= 1 {
		where := map[string]string{keyOwner: q.OwnerID}
		if len(q.Categories) == 1 {
			where[keyCategory] = string(q.Categories[0])
		}
		return b.query(ctx, q.Vector, q.Limit, where)
	}

	// chromem filters on equality only, so each category is its own query.
	var merged []*memory.ScoredRecord
	for _, c := range q.Categories {
		res, err := b.query(ctx, q.Vector, q.Limit, map[string]string{
			keyOwner:    q.OwnerID,
			keyCategory: string(c),
		})
		if err != nil {
			return nil, err
		}
		merged = append(merged, res...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})
	if len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	return merged, nil
}

func (b *Backend) query(ctx context.Context, vec []float32, limit int, where map[string]string) ([]*memory.ScoredRecord, error) {
	var (
		results []chromem.Result
		err     error
	)
	// nResults may not exceed the collection size, which can shrink between
	// Count and the query; retry once with the fresh size.
	for attempt := 0; attempt < 2; attempt++ {
		n := min(limit, b.col.Count())
		if n <= 0 {
			return nil, nil
		}
		results, err = b.col.QueryEmbedding(ctx, vec, n, where, nil)
		if err == nil || !strings.Contains(err.Error(), "nResults") {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	out := make([]*memory.ScoredRecord, 0, len(results))
	for _, r := range results {
		rec, err := fromDocument(r.ID, r.Content, r.Embedding, r.Metadata)
		if err != nil {
			b.logger.Warn("skipping unreadable record", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, &memory.ScoredRecord{Record: rec, Similarity: float64(r.Similarity)})
	}
	return out, nil
}

// List returns up to limit records of ownerID, oldest first.
func (b *Backend) List(ctx context.Context, ownerID string, limit int) ([]*memory.Record, error) {
	recs, err := b.ownerRecords(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Count returns how many records ownerID holds.
func (b *Backend) Count(ctx context.Context, ownerID string) (int, error) {
	recs, err := b.ownerRecords(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Touch bumps access metadata under a per-record lock so concurrent touches
// never lose an increment.
func (b *Backend) Touch(ctx context.Context, id string, at time.Time) (*memory.Record, error) {
	unlock := b.locks.Lock(id)
	defer unlock()

	rec, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.LastAccessed = at
	rec.AccessCount++
	if err := b.col.AddDocument(ctx, toDocument(rec)); err != nil {
		return nil, fmt.Errorf("chromem touch %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes id, reporting whether it existed.
func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	unlock := b.locks.Lock(id)
	defer unlock()

	if _, err := b.col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	if err := b.col.Delete(ctx, nil, nil, id); err != nil {
		return false, fmt.Errorf("chromem delete %s: %w", id, err)
	}
	return true, nil
}

// Clear removes every record of ownerID. Each id is removed under its
// record lock so an in-flight Touch cannot write it back.
func (b *Backend) Clear(ctx context.Context, ownerID string) (int, error) {
	recs, err := b.ownerRecords(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		ok, err := b.Delete(ctx, r.ID)
		if err != nil {
			return n, fmt.Errorf("chromem clear %s: %w", ownerID, err)
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Close is a no-op; chromem writes every document through on mutation.
func (b *Backend) Close() error { return nil }

// ownerRecords enumerates an owner's records with a unit-vector query, as chromem
// has no filtered listing.
func (b *Backend) ownerRecords(ctx context.Context, ownerID string) ([]*memory.Record, error) {
	b.mu.RLock()
	dim := b.dim
	b.mu.RUnlock()
	if dim == 0 {
		// Nothing was ever written.
		return nil, nil
	}

	axis := make([]float32, dim)
	axis[0] = 1
	scored, err := b.query(ctx, axis, b.col.Count(), map[string]string{keyOwner: ownerID})
	if err != nil {
		return nil, err
	}
	recs := make([]*memory.Record, len(scored))
	for i, s := range scored {
		recs[i] = s.Record
	}
	return recs, nil
}

// rememberDimension records the vector length on first write so listings
// can build the query vector after a restart.
func (b *Backend) rememberDimension(ctx context.Context, n int) error {
	if n == 0 {
		return errors.New("chromemstore: record has no embedding")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.dim == n:
		if b.meta.Count() > 0 {
			return nil
		}
	case b.dim != 0:
		return fmt.Errorf("chromemstore: embedding has %d dimensions, collection holds %d", n, b.dim)
	}

	axis := make([]float32, n)
	axis[0] = 1
	if err := b.meta.AddDocument(ctx, chromem.Document{
		ID:        dimensionDocID,
		Embedding: axis,
		Content:   dimensionDocID,
	}); err != nil {
		return fmt.Errorf("chromemstore: persist dimension: %w", err)
	}
	b.dim = n
	return nil
}

func toDocument(rec *memory.Record) chromem.Document {
	return chromem.Document{
		ID:      rec.ID,
		Content: rec.Content,
		// chromem normalizes on insert; cosine similarity is unaffected.
		Embedding: rec.Embedding,
		Metadata: map[string]string{
			keyOwner:        rec.OwnerID,
			keyCategory:     string(rec.Category),
			keyImportance:   strconv.FormatFloat(rec.Importance, 'f', -1, 64),
			keyCreatedAt:    rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			keyLastAccessed: rec.LastAccessed.UTC().Format(time.RFC3339Nano),
			keyAccessCount:  strconv.Itoa(rec.AccessCount),
			keySourceTurn:   strconv.Itoa(rec.SourceTurn),
		},
	}
}

// fromDocument copies out of chromem-owned maps and slices.
func fromDocument(id, content string, embedding []float32, md map[string]string) (*memory.Record, error) {
	importance, err := strconv.ParseFloat(md[keyImportance], 64)
	if err != nil {
		return nil, fmt.Errorf("parse importance: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, md[keyCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	lastAccessed, err := time.Parse(time.RFC3339Nano, md[keyLastAccessed])
	if err != nil {
		return nil, fmt.Errorf("parse last_accessed: %w", err)
	}
	accessCount, _ := strconv.Atoi(md[keyAccessCount])
	sourceTurn, _ := strconv.Atoi(md[keySourceTurn])

	return &memory.Record{
		ID:           id,
		OwnerID:      md[keyOwner],
		Content:      content,
		Category:     memory.Category(md[keyCategory]),
		Importance:   importance,
		Embedding:    append([]float32(nil), embedding...),
		CreatedAt:    createdAt,
		LastAccessed: lastAccessed,
		AccessCount:  accessCount,
		SourceTurn:   sourceTurn,
	}, nil
}
