package chromemstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/recall/internal/memory"
	"go.uber.org/zap"
)

func record(id, owner string, cat memory.Category, vec []float32, at time.Time) *memory.Record {
	return &memory.Record{
		ID:           id,
		OwnerID:      owner,
		Content:      "fact " + id,
		Category:     cat,
		Importance:   0.5,
		Embedding:    vec,
		CreatedAt:    at,
		LastAccessed: at,
		SourceTurn:   3,
	}
}

func TestPersistentReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	b, err := New(Config{Path: dir, Compress: true}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Put(ctx, record("a", "u1", memory.CategoryPreference, []float32{1, 0, 0}, at)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := b.Touch(ctx, "a", at.Add(time.Hour)); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	b.Close()

	reopened, err := New(Config{Path: dir, Compress: true}, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := reopened.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if rec.OwnerID != "u1" || rec.AccessCount != 1 || rec.SourceTurn != 3 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if !rec.CreatedAt.Equal(at) || !rec.LastAccessed.Equal(at.Add(time.Hour)) {
		t.Errorf("timestamps not preserved: created %v, accessed %v", rec.CreatedAt, rec.LastAccessed)
	}

	// Listing needs the persisted dimension marker.
	n, err := reopened.Count(ctx, "u1")
	if err != nil || n != 1 {
		t.Errorf("Count = %d, %v", n, err)
	}

	if _, err := New(Config{Path: dir, Compress: true, Dimension: 8}, zap.NewNop()); err == nil {
		t.Error("expected dimension mismatch on reopen")
	}
}

func TestQueryScopesOwnerAndCategories(t *testing.T) {
	ctx := context.Background()
	b, err := New(Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now().UTC()
	recs := []*memory.Record{
		record("p1", "u1", memory.CategoryPreference, []float32{1, 0, 0}, now),
		record("c1", "u1", memory.CategoryConstraint, []float32{0.9, 0.1, 0}, now),
		record("r1", "u1", memory.CategoryRelationship, []float32{0.8, 0.2, 0}, now),
		record("x1", "u2", memory.CategoryPreference, []float32{1, 0, 0}, now),
	}
	for _, r := range recs {
		if err := b.Put(ctx, r); err != nil {
			t.Fatalf("Put %s: %v", r.ID, err)
		}
	}

	res, err := b.Query(ctx, &memory.VectorQuery{OwnerID: "u1", Vector: []float32{1, 0, 0}, Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res) != 3 || res[0].Record.ID != "p1" {
		t.Fatalf("unexpected results: %d, first %v", len(res), res)
	}
	for _, r := range res {
		if r.Record.OwnerID != "u1" {
			t.Errorf("leaked record %s of %s", r.Record.ID, r.Record.OwnerID)
		}
	}

	res, err = b.Query(ctx, &memory.VectorQuery{
		OwnerID:    "u1",
		Vector:     []float32{1, 0, 0},
		Limit:      10,
		Categories: []memory.Category{memory.CategoryConstraint, memory.CategoryRelationship},
	})
	if err != nil {
		t.Fatalf("Query with categories: %v", err)
	}
	if len(res) != 2 || res[0].Record.ID != "c1" || res[1].Record.ID != "r1" {
		t.Errorf("unexpected category results: %+v", res)
	}
}

func TestMissingRecords(t *testing.T) {
	ctx := context.Background()
	b, err := New(Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.Get(ctx, "nope"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if _, err := b.Touch(ctx, "nope", time.Now()); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("Touch = %v, want ErrNotFound", err)
	}
	if ok, err := b.Delete(ctx, "nope"); ok || err != nil {
		t.Errorf("Delete = %v, %v", ok, err)
	}
	// Nothing written yet, so listing is empty rather than an error.
	if n, err := b.Clear(ctx, "u1"); n != 0 || err != nil {
		t.Errorf("Clear = %d, %v", n, err)
	}
}

func TestTouchDuringClearLeavesNothing(t *testing.T) {
	ctx := context.Background()
	b, err := New(Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now().UTC()
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i)
		if err := b.Put(ctx, record(ids[i], "u1", memory.CategoryContext, []float32{1, float32(i), 0}, now)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := b.Touch(ctx, id, now.Add(time.Minute)); err != nil && !errors.Is(err, memory.ErrNotFound) {
					t.Errorf("Touch %s: %v", id, err)
				}
			}
		}(id)
	}
	if _, err := b.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	wg.Wait()

	// Touches that lost the race must not have written records back.
	if _, err := b.Clear(ctx, "u1"); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
	for _, id := range ids {
		if _, err := b.Get(ctx, id); !errors.Is(err, memory.ErrNotFound) {
			t.Errorf("Get %s after Clear = %v, want ErrNotFound", id, err)
		}
		if _, err := b.Touch(ctx, id, now); !errors.Is(err, memory.ErrNotFound) {
			t.Errorf("Touch %s after Clear = %v, want ErrNotFound", id, err)
		}
	}
	if n, err := b.Count(ctx, "u1"); n != 0 || err != nil {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestTouchDoesNotRevertPut(t *testing.T) {
	ctx := context.Background()
	b, err := New(Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now().UTC()
	if err := b.Put(ctx, record("a", "u1", memory.CategoryContext, []float32{1, 0, 0}, now)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := b.Touch(ctx, "a", now); err != nil {
					t.Errorf("Touch: %v", err)
				}
			}
		}()
	}
	updated := record("a", "u1", memory.CategoryContext, []float32{0, 1, 0}, now)
	updated.Content = "rewritten fact"
	if err := b.Put(ctx, updated); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	wg.Wait()

	rec, err := b.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Content != "rewritten fact" {
		t.Errorf("content = %q, a touch wrote back the old record", rec.Content)
	}
	if len(rec.Embedding) != 3 || rec.Embedding[1] == 0 {
		t.Errorf("embedding = %v, want the updated vector", rec.Embedding)
	}
}
