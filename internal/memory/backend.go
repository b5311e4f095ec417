package memory

import (
	"context"
	"time"
)

// Backend is the persistence contract the Store drives.
//
// Implementations return ErrNotFound for unknown ids and raw errors for
// everything else; the Store classifies the latter as storage failures.
// Touch must increment access_count atomically per record.
type Backend interface {
	Name() string
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Query(ctx context.Context, q *VectorQuery) ([]*ScoredRecord, error)
	List(ctx context.Context, ownerID string, limit int) ([]*Record, error)
	Count(ctx context.Context, ownerID string) (int, error)
	Touch(ctx context.Context, id string, at time.Time) (*Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context, ownerID string) (int, error)
	Close() error
}

// VectorQuery is an owner-scoped nearest-neighbour request.
type VectorQuery struct {
	OwnerID    string
	Vector     []float32
	Limit      int
	Categories []Category // empty means all categories
}

// Embedder maps text to vectors. embedding.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
