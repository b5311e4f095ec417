package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/recall/internal/keylock"
	"github.com/nidhogg/recall/internal/memory"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
)

const (
	keyRecordID     = "record_id"
	keyOwner        = "owner_id"
	keyContent      = "content"
	keyCategory     = "category"
	keyImportance   = "importance"
	keyCreatedAt    = "created_at"
	keyLastAccessed = "last_accessed"
	keyAccessCount  = "access_count"
	keySourceTurn   = "source_turn"
)

// MemoryBackend keeps memory records as points in one Qdrant collection.
type MemoryBackend struct {
	client     *Client
	collection string
	locks      keylock.Map
	logger     *zap.Logger

	mu    sync.Mutex
	ready bool
}

// NewMemoryBackend wraps client. The collection is created on first write
// once the vector size is known, unless dimension is already set.
func NewMemoryBackend(ctx context.Context, client *Client, collection string, dimension int, logger *zap.Logger) (*MemoryBackend, error) {
	if collection == "" {
		collection = "memories"
	}
	b := &MemoryBackend{client: client, collection: collection, logger: logger}
	if dimension > 0 {
		if err := b.ensure(ctx, dimension); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *MemoryBackend) Name() string { return "qdrant" }

func (b *MemoryBackend) ensure(ctx context.Context, dim int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}
	if err := b.client.EnsureCollection(ctx, b.collection, uint64(dim)); err != nil {
		return err
	}
	b.ready = true
	b.logger.Info("qdrant memory collection ready",
		zap.String("collection", b.collection), zap.Int("dimension", dim))
	return nil
}

// exists reports whether reads have anything to look at.
func (b *MemoryBackend) exists(ctx context.Context) (bool, error) {
	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	if ready {
		return true, nil
	}
	ok, err := b.client.CollectionExists(ctx, b.collection)
	if err != nil {
		return false, err
	}
	if ok {
		b.mu.Lock()
		b.ready = true
		b.mu.Unlock()
	}
	return ok, nil
}

// Put upserts rec by id.
func (b *MemoryBackend) Put(ctx context.Context, rec *memory.Record) error {
	if err := b.ensure(ctx, len(rec.Embedding)); err != nil {
		return err
	}
	unlock := b.locks.Lock(rec.ID)
	defer unlock()
	return b.client.Upsert(ctx, b.collection, toPoint(rec))
}

// Get loads a record by id.
func (b *MemoryBackend) Get(ctx context.Context, id string) (*memory.Record, error) {
	if id == "" {
		return nil, memory.ErrNotFound
	}
	ok, err := b.exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, memory.ErrNotFound
	}
	p, err := b.client.Get(ctx, b.collection, pointUUID(id))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, memory.ErrNotFound
	}
	return fromPoint(p)
}

// Query runs a filtered cosine search inside one owner's records.
func (b *MemoryBackend) Query(ctx context.Context, q *memory.VectorQuery) ([]*memory.ScoredRecord, error) {
	ok, err := b.exists(ctx)
	if err != nil || !ok {
		return nil, err
	}
	cats := make([]string, len(q.Categories))
	for i, c := range q.Categories {
		cats[i] = string(c)
	}
	hits, err := b.client.Search(ctx, b.collection, q.Vector,
		KeywordFilter(keyOwner, q.OwnerID, keyCategory, cats), uint64(q.Limit))
	if err != nil {
		return nil, err
	}

	out := make([]*memory.ScoredRecord, 0, len(hits))
	for _, h := range hits {
		rec, err := fromPoint(&h.Point)
		if err != nil {
			b.logger.Warn("skipping unreadable point", zap.String("id", h.ID), zap.Error(err))
			continue
		}
		out = append(out, &memory.ScoredRecord{Record: rec, Similarity: float64(h.Score)})
	}
	return out, nil
}

// List returns up to limit records of ownerID, oldest first.
func (b *MemoryBackend) List(ctx context.Context, ownerID string, limit int) ([]*memory.Record, error) {
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
func (b *MemoryBackend) Count(ctx context.Context, ownerID string) (int, error) {
	ok, err := b.exists(ctx)
	if err != nil || !ok {
		return 0, err
	}
	n, err := b.client.Count(ctx, b.collection, KeywordFilter(keyOwner, ownerID, "", nil))
	return int(n), err
}

// Touch bumps access metadata under a per-record lock. Only the access
// payload keys are written, so a point removed meanwhile stays removed.
func (b *MemoryBackend) Touch(ctx context.Context, id string, at time.Time) (*memory.Record, error) {
	unlock := b.locks.Lock(id)
	defer unlock()

	rec, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.LastAccessed = at
	rec.AccessCount++
	if err := b.client.SetPayload(ctx, b.collection, pointUUID(id), accessPayload(rec)); err != nil {
		return nil, fmt.Errorf("qdrant touch %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes id, reporting whether it existed.
func (b *MemoryBackend) Delete(ctx context.Context, id string) (bool, error) {
	unlock := b.locks.Lock(id)
	defer unlock()

	if _, err := b.Get(ctx, id); err != nil {
		if err == memory.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if err := b.client.Delete(ctx, b.collection, pointUUID(id)); err != nil {
		return false, err
	}
	return true, nil
}

// Clear removes every record of ownerID.
func (b *MemoryBackend) Clear(ctx context.Context, ownerID string) (int, error) {
	n, err := b.Count(ctx, ownerID)
	if err != nil || n == 0 {
		return 0, err
	}
	if err := b.client.DeleteByFilter(ctx, b.collection, KeywordFilter(keyOwner, ownerID, "", nil)); err != nil {
		return 0, err
	}
	return n, nil
}

// Close tears down the gRPC connection.
func (b *MemoryBackend) Close() error {
	return b.client.Close()
}

func (b *MemoryBackend) ownerRecords(ctx context.Context, ownerID string) ([]*memory.Record, error) {
	ok, err := b.exists(ctx)
	if err != nil || !ok {
		return nil, err
	}
	points, err := b.client.Scroll(ctx, b.collection, KeywordFilter(keyOwner, ownerID, "", nil))
	if err != nil {
		return nil, err
	}
	recs := make([]*memory.Record, 0, len(points))
	for _, p := range points {
		rec, err := fromPoint(p)
		if err != nil {
			b.logger.Warn("skipping unreadable point", zap.String("id", p.ID), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// pointUUID maps a record id onto a Qdrant point id, which must be a UUID.
func pointUUID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func toPoint(rec *memory.Record) *Point {
	p := &Point{
		ID:     pointUUID(rec.ID),
		Vector: rec.Embedding,
		Payload: map[string]*pb.Value{
			keyRecordID:     stringValue(rec.ID),
			keyOwner:        stringValue(rec.OwnerID),
			keyContent:      stringValue(rec.Content),
			keyCategory:     stringValue(string(rec.Category)),
			keyImportance:   {Kind: &pb.Value_DoubleValue{DoubleValue: rec.Importance}},
			keyCreatedAt:    stringValue(rec.CreatedAt.UTC().Format(time.RFC3339Nano)),
			keySourceTurn:   {Kind: &pb.Value_IntegerValue{IntegerValue: int64(rec.SourceTurn)}},
		},
	}
	for k, v := range accessPayload(rec) {
		p.Payload[k] = v
	}
	return p
}

func accessPayload(rec *memory.Record) map[string]*pb.Value {
	return map[string]*pb.Value{
		keyLastAccessed: stringValue(rec.LastAccessed.UTC().Format(time.RFC3339Nano)),
		keyAccessCount:  {Kind: &pb.Value_IntegerValue{IntegerValue: int64(rec.AccessCount)}},
	}
}

func fromPoint(p *Point) (*memory.Record, error) {
	pl := p.Payload
	createdAt, err := time.Parse(time.RFC3339Nano, pl[keyCreatedAt].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	lastAccessed, err := time.Parse(time.RFC3339Nano, pl[keyLastAccessed].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("parse last_accessed: %w", err)
	}
	return &memory.Record{
		ID:           pl[keyRecordID].GetStringValue(),
		OwnerID:      pl[keyOwner].GetStringValue(),
		Content:      pl[keyContent].GetStringValue(),
		Category:     memory.Category(pl[keyCategory].GetStringValue()),
		Importance:   pl[keyImportance].GetDoubleValue(),
		Embedding:    p.Vector,
		CreatedAt:    createdAt,
		LastAccessed: lastAccessed,
		AccessCount:  int(pl[keyAccessCount].GetIntegerValue()),
		SourceTurn:   int(pl[keySourceTurn].GetIntegerValue()),
	}, nil
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}
