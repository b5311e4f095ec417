package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/pgvector/pgvector-go"
)

const recordColumns = `id, owner_id, content, category, importance, embedding,
	created_at, last_accessed, access_count, source_turn`

func (s *Store) Name() string { return "postgres" }

// Put upserts a memory record.
func (s *Store) Put(ctx context.Context, rec *memory.Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO memories (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			content = EXCLUDED.content,
			category = EXCLUDED.category,
			importance = EXCLUDED.importance,
			embedding = EXCLUDED.embedding,
			created_at = EXCLUDED.created_at,
			last_accessed = EXCLUDED.last_accessed,
			access_count = EXCLUDED.access_count,
			source_turn = EXCLUDED.source_turn`,
		rec.ID, rec.OwnerID, rec.Content, string(rec.Category), rec.Importance,
		pgvector.NewVector(rec.Embedding), rec.CreatedAt, rec.LastAccessed, rec.AccessCount, rec.SourceTurn,
	)
	if err != nil {
		return fmt.Errorf("put memory %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads a memory record by id.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM memories WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return rec, nil
}

// Query orders an owner's records by cosine distance to the query vector.
func (s *Store) Query(ctx context.Context, q *memory.VectorQuery) ([]*memory.ScoredRecord, error) {
	var categories []string
	for _, c := range q.Categories {
		categories = append(categories, string(c))
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`, 1 - (embedding <=> $2) AS similarity
		FROM memories
		WHERE owner_id = $1 AND ($3::text[] IS NULL OR category = ANY($3))
		ORDER BY embedding <=> $2, created_at DESC
		LIMIT $4`,
		q.OwnerID, pgvector.NewVector(q.Vector), categories, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []*memory.ScoredRecord
	for rows.Next() {
		var (
			rec        memory.Record
			category   string
			vec        pgvector.Vector
			similarity float64
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Content, &category, &rec.Importance, &vec,
			&rec.CreatedAt, &rec.LastAccessed, &rec.AccessCount, &rec.SourceTurn, &similarity); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		rec.Category = memory.Category(category)
		rec.Embedding = vec.Slice()
		out = append(out, &memory.ScoredRecord{Record: &rec, Similarity: similarity})
	}
	return out, rows.Err()
}

// List returns an owner's records oldest first.
func (s *Store) List(ctx context.Context, ownerID string, limit int) ([]*memory.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM memories
		WHERE owner_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns how many records an owner holds.
func (s *Store) Count(ctx context.Context, ownerID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM memories WHERE owner_id = $1`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// Touch increments access_count in a single statement, so concurrent touches never lose updates.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) (*memory.Record, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE memories
		SET last_accessed = $2, access_count = access_count + 1
		WHERE id = $1
		RETURNING `+recordColumns, id, at)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("touch memory %s: %w", id, err)
	}
	return rec, nil
}

// Delete removes a record, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Clear removes every record of an owner.
func (s *Store) Clear(ctx context.Context, ownerID string) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM memories WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("clear memories for %s: %w", ownerID, err)
	}
	return int(tag.RowsAffected()), nil
}

func scanRecord(row pgx.Row) (*memory.Record, error) {
	var (
		rec      memory.Record
		category string
		vec      pgvector.Vector
	)
	if err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Content, &category, &rec.Importance, &vec,
		&rec.CreatedAt, &rec.LastAccessed, &rec.AccessCount, &rec.SourceTurn); err != nil {
		return nil, err
	}
	rec.Category = memory.Category(category)
	rec.Embedding = vec.Slice()
	return &rec, nil
}
