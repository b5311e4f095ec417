package memory_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/recall/internal/embedding"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/memory/chromemstore"
	"github.com/nidhogg/recall/internal/metrics"
	"go.uber.org/zap"
)

// testClock hands out strictly increasing times.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newBackend(t *testing.T) *chromemstore.Backend {
	t.Helper()
	b, err := chromemstore.New(chromemstore.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("chromemstore.New: %v", err)
	}
	return b
}

// newTestStore creates a Store over an in-memory chromem backend and the hashing embedder.
func newTestStore(t *testing.T) (*memory.Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	s := memory.NewStore(newBackend(t), embedding.NewHashProvider(256), memory.StoreConfig{},
		zap.NewNop(), memory.WithClock(clock.Now))
	return s, clock
}

func mustAdd(t *testing.T, s *memory.Store, owner, content string, cat memory.Category, importance float64) string {
	t.Helper()
	rec, err := memory.NewRecord(owner, content, cat, importance)
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	id, err := s.Add(context.Background(), rec)
	if err != nil {
		t.Fatalf("Add(%q): %v", content, err)
	}
	return id
}

func TestAddAssignsIDAndEmbedding(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec, _ := memory.NewRecord("u1", "I prefer tea", memory.CategoryPreference, 0.5)
	id, err := s.Add(ctx, rec)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id == "" || rec.ID != id {
		t.Fatalf("expected assigned id, got %q / %q", id, rec.ID)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "I prefer tea" || got.OwnerID != "u1" || got.Category != memory.CategoryPreference {
		t.Errorf("unexpected record: %+v", got)
	}
	if len(got.Embedding) != 256 {
		t.Errorf("got embedding length %d, want 256", len(got.Embedding))
	}
	if got.CreatedAt.IsZero() || !got.LastAccessed.Equal(got.CreatedAt) || got.AccessCount != 0 {
		t.Errorf("unexpected access metadata: %+v", got)
	}
	if s.Dimension() != 256 {
		t.Errorf("got store dimension %d, want 256", s.Dimension())
	}
}

func TestAddRejectsInvalidBeforePersisting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	bad := []*memory.Record{
		{OwnerID: "u1", Content: "x", Category: "mood", Importance: 0.5},
		{OwnerID: "u1", Content: "x", Category: memory.CategoryContext, Importance: 1.5},
		{OwnerID: "u1", Content: "", Category: memory.CategoryContext, Importance: 0.5},
		{OwnerID: "", Content: "x", Category: memory.CategoryContext, Importance: 0.5},
	}
	for i, rec := range bad {
		if _, err := s.Add(ctx, rec); !errors.Is(err, memory.ErrValidation) {
			t.Errorf("record %d: expected ErrValidation, got %v", i, err)
		}
	}
	if n, _ := s.CountByOwner(ctx, "u1"); n != 0 {
		t.Errorf("got %d records after rejected adds, want 0", n)
	}
}

func TestAddOverwritesExplicitID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first := &memory.Record{ID: "fixed", OwnerID: "u1", Content: "old", Category: memory.CategoryContext, Importance: 0.2}
	second := &memory.Record{ID: "fixed", OwnerID: "u1", Content: "new", Category: memory.CategoryContext, Importance: 0.7}
	for _, r := range []*memory.Record{first, second} {
		if _, err := s.Add(ctx, r); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	got, err := s.Get(ctx, "fixed")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "new" {
		t.Errorf("expected overwrite, got %q", got.Content)
	}
	if n, _ := s.CountByOwner(ctx, "u1"); n != 1 {
		t.Errorf("got %d records, want 1", n)
	}
}

func TestOwnerScoping(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustAdd(t, s, "alice", "I prefer tea in the morning", memory.CategoryPreference, 0.5)
	mustAdd(t, s, "alice", "My wife's name is Sarah", memory.CategoryRelationship, 0.8)
	mustAdd(t, s, "bob", "I prefer coffee", memory.CategoryPreference, 0.5)

	results, err := s.Search(ctx, "tea preference", "bob", memory.SearchOptions{TopK: 10})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Record.OwnerID != "bob" {
			t.Errorf("search under bob returned %s's record %q", r.Record.OwnerID, r.Record.Content)
		}
	}
	if len(results) != 1 {
		t.Errorf("got %d results for bob, want 1", len(results))
	}

	list, err := s.ListByOwner(ctx, "carol", 0)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no records for carol, got %d", len(list))
	}
	if n, _ := s.CountByOwner(ctx, "alice"); n != 2 {
		t.Errorf("got %d records for alice, want 2", n)
	}
}

func TestSearchTopKAndMinImportance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		importance := 0.2
		if i%3 == 0 {
			importance = 0.9
		}
		mustAdd(t, s, "u1", fmt.Sprintf("note about project deadline %d", i), memory.CategoryCommitment, importance)
	}

	results, err := s.Search(ctx, "project deadline", "u1", memory.SearchOptions{TopK: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Errorf("results not ordered by similarity at %d", i)
		}
	}

	filtered, err := s.Search(ctx, "project deadline", "u1", memory.SearchOptions{TopK: 10, MinImportance: 0.5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(filtered) > 10 {
		t.Fatalf("top_k exceeded: %d", len(filtered))
	}
	for _, r := range filtered {
		if r.Record.Importance < 0.5 {
			t.Errorf("record below min_importance returned: %+v", r.Record)
		}
	}
}

func TestSearchCategoryFilter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustAdd(t, s, "u1", "I prefer tea", memory.CategoryPreference, 0.5)
	mustAdd(t, s, "u1", "I promised to bring tea on Friday", memory.CategoryCommitment, 0.5)
	mustAdd(t, s, "u1", "Never serve tea after 6pm", memory.CategoryConstraint, 0.5)

	results, err := s.Search(ctx, "tea", "u1", memory.SearchOptions{
		TopK:       5,
		Categories: []memory.Category{memory.CategoryCommitment, memory.CategoryConstraint},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Record.Category == memory.CategoryPreference {
			t.Errorf("category filter leaked %q", r.Record.Content)
		}
	}

	if _, err := s.Search(ctx, "tea", "u1", memory.SearchOptions{TopK: 5, Categories: []memory.Category{"mood"}}); !errors.Is(err, memory.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown category, got %v", err)
	}
}

// recordingBackend captures the limit the store asks for.
type recordingBackend struct {
	memory.Backend
	mu     sync.Mutex
	limits []int
}

func (b *recordingBackend) Query(ctx context.Context, q *memory.VectorQuery) ([]*memory.ScoredRecord, error) {
	b.mu.Lock()
	b.limits = append(b.limits, q.Limit)
	b.mu.Unlock()
	return b.Backend.Query(ctx, q)
}

func TestSearchOverFetchBound(t *testing.T) {
	rb := &recordingBackend{Backend: newBackend(t)}
	s := memory.NewStore(rb, embedding.NewHashProvider(64), memory.StoreConfig{}, zap.NewNop())
	ctx := context.Background()
	mustAdd(t, s, "u1", "anything", memory.CategoryContext, 0.5)

	for _, topK := range []int{1, 3, 10, 15, 40} {
		results, err := s.Search(ctx, "anything", "u1", memory.SearchOptions{TopK: topK})
		if err != nil {
			t.Fatalf("Search(top_k=%d): %v", topK, err)
		}
		if len(results) > topK {
			t.Errorf("top_k=%d returned %d results", topK, len(results))
		}
	}
	want := []int{2, 6, 20, 20, 20}
	for i, w := range want {
		if rb.limits[i] != w {
			t.Errorf("search %d fetched %d candidates, want %d", i, rb.limits[i], w)
		}
	}

	if _, err := s.Search(ctx, "anything", "u1", memory.SearchOptions{TopK: 0}); !errors.Is(err, memory.ErrValidation) {
		t.Errorf("expected ErrValidation for top_k=0, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := s.Delete(ctx, "missing")
		if err != nil || ok {
			t.Fatalf("delete of missing id #%d: got %v, %v", i, ok, err)
		}
	}

	id := mustAdd(t, s, "u1", "temporary fact", memory.CategoryContext, 0.5)
	if ok, err := s.Delete(ctx, id); err != nil || !ok {
		t.Fatalf("first delete: got %v, %v", ok, err)
	}
	if ok, err := s.Delete(ctx, id); err != nil || ok {
		t.Fatalf("second delete: got %v, %v", ok, err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestClearOwner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 10; i++ {
		rec, _ := memory.NewRecord("u1", fmt.Sprintf("fact number %d", i), memory.CategoryContext, 0.5)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		id, err := s.Add(ctx, rec)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids = append(ids, id)
	}
	other := mustAdd(t, s, "u2", "someone else's fact", memory.CategoryContext, 0.5)

	list, err := s.ListByOwner(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(list) != 3 || list[0].ID != ids[0] || list[2].ID != ids[2] {
		t.Errorf("expected the three oldest records in order, got %d records", len(list))
	}

	n, err := s.Clear(ctx, "u1")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 10 {
		t.Errorf("cleared %d records, want 10", n)
	}
	if c, _ := s.CountByOwner(ctx, "u1"); c != 0 {
		t.Errorf("got count %d after clear, want 0", c)
	}
	for _, id := range ids {
		if _, err := s.Get(ctx, id); !errors.Is(err, memory.ErrNotFound) {
			t.Errorf("Get(%s) after clear: expected ErrNotFound, got %v", id, err)
		}
	}
	if _, err := s.Get(ctx, other); err != nil {
		t.Errorf("clear removed another owner's record: %v", err)
	}
}

func TestCountByOwnerIsMetered(t *testing.T) {
	m := metrics.New(metrics.DefaultConfig())
	s := memory.NewStore(newBackend(t), embedding.NewHashProvider(256), memory.StoreConfig{},
		zap.NewNop(), memory.WithMetrics(m))
	ctx := context.Background()
	mustAdd(t, s, "u1", "likes green tea", memory.CategoryPreference, 0.5)

	for i := 0; i < 2; i++ {
		if n, err := s.CountByOwner(ctx, "u1"); n != 1 || err != nil {
			t.Fatalf("CountByOwner = %d, %v", n, err)
		}
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `recall_store_operations_total{backend="chromem",op="count",status="ok"} 2`) {
		t.Errorf("count operations not recorded:\n%s", body)
	}
}

func TestTouchIsAtomic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id := mustAdd(t, s, "u1", "frequently recalled fact", memory.CategoryContext, 0.5)

	const workers = 40
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Touch(ctx, id); err != nil {
				t.Errorf("Touch: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccessCount != workers {
		t.Errorf("got access_count %d, want %d", got.AccessCount, workers)
	}
	if !got.LastAccessed.After(got.CreatedAt) {
		t.Errorf("last_accessed did not advance: %v <= %v", got.LastAccessed, got.CreatedAt)
	}

	if _, err := s.Touch(ctx, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("expected ErrNotFound touching a missing id, got %v", err)
	}
}

func TestAddBatchBestEffort(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	records := []*memory.Record{
		{Content: "I prefer window seats", Category: memory.CategoryPreference, Importance: 0.6},
		{Content: "broken", Category: "mood", Importance: 0.6},
		nil,
		{Content: "Call mom on Sunday", Category: memory.CategoryCommitment, Importance: 0.9},
	}
	ids, err := s.AddBatch(ctx, "u1", records)
	if !errors.Is(err, memory.ErrValidation) {
		t.Fatalf("expected joined ErrValidation, got %v", err)
	}
	if ids[0] == "" || ids[3] == "" {
		t.Errorf("valid records should have ids: %v", ids)
	}
	if ids[1] != "" || ids[2] != "" {
		t.Errorf("invalid records should have empty ids: %v", ids)
	}
	if n, _ := s.CountByOwner(ctx, "u1"); n != 2 {
		t.Errorf("got %d stored records, want 2", n)
	}
	if records[0].OwnerID != "u1" {
		t.Errorf("owner not stamped on batch records")
	}
}

type failingEmbedder struct{ dim int }

func (f failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, context.DeadlineExceeded
}
func (f failingEmbedder) Dimension() int { return f.dim }

func TestProviderUnavailable(t *testing.T) {
	s := memory.NewStore(newBackend(t), failingEmbedder{dim: 8}, memory.StoreConfig{}, zap.NewNop())
	ctx := context.Background()

	rec, _ := memory.NewRecord("u1", "I prefer tea", memory.CategoryPreference, 0.5)
	if _, err := s.Add(ctx, rec); !errors.Is(err, memory.ErrProviderUnavailable) {
		t.Errorf("Add: expected ErrProviderUnavailable, got %v", err)
	}
	if _, err := s.Search(ctx, "tea", "u1", memory.SearchOptions{TopK: 3}); !errors.Is(err, memory.ErrProviderUnavailable) {
		t.Errorf("Search: expected ErrProviderUnavailable, got %v", err)
	}

	// Records carrying their own embedding need no provider.
	rec.Embedding = []float32{1, 0, 0, 0, 0, 0, 0, 0}
	if _, err := s.Add(ctx, rec); err != nil {
		t.Errorf("Add with embedding: %v", err)
	}
}

func TestDimensionMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	rec, _ := memory.NewRecord("u1", "short vector", memory.CategoryContext, 0.5)
	rec.Embedding = []float32{1, 2, 3}
	if _, err := s.Add(context.Background(), rec); !errors.Is(err, memory.ErrValidation) {
		t.Errorf("expected ErrValidation for wrong dimension, got %v", err)
	}
}

// brokenBackend fails every call except Name.
type brokenBackend struct{ memory.Backend }

var errDiskGone = errors.New("disk gone")

func (brokenBackend) Name() string { return "broken" }
func (brokenBackend) Put(context.Context, *memory.Record) error { return errDiskGone }
func (brokenBackend) Get(context.Context, string) (*memory.Record, error) {
	return nil, errDiskGone
}
func (brokenBackend) Query(context.Context, *memory.VectorQuery) ([]*memory.ScoredRecord, error) {
	return nil, errDiskGone
}
func (brokenBackend) Touch(context.Context, string, time.Time) (*memory.Record, error) {
	return nil, errDiskGone
}
func (brokenBackend) Delete(context.Context, string) (bool, error) { return false, errDiskGone }

func TestStorageUnavailable(t *testing.T) {
	s := memory.NewStore(brokenBackend{}, embedding.NewHashProvider(16), memory.StoreConfig{}, zap.NewNop())
	ctx := context.Background()

	rec, _ := memory.NewRecord("u1", "I prefer tea", memory.CategoryPreference, 0.5)
	if _, err := s.Add(ctx, rec); !errors.Is(err, memory.ErrStorageUnavailable) {
		t.Errorf("Add: expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := s.Get(ctx, "x"); !errors.Is(err, memory.ErrStorageUnavailable) {
		t.Errorf("Get: expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := s.Search(ctx, "tea", "u1", memory.SearchOptions{TopK: 1}); !errors.Is(err, memory.ErrStorageUnavailable) {
		t.Errorf("Search: expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := s.Touch(ctx, "x"); !errors.Is(err, memory.ErrStorageUnavailable) {
		t.Errorf("Touch: expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := s.Delete(ctx, "x"); !errors.Is(err, errDiskGone) {
		t.Errorf("Delete: expected wrapped cause, got %v", err)
	}
}

func TestStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustAdd(t, s, "u1", "I prefer tea", memory.CategoryPreference, 0.4)
	mustAdd(t, s, "u1", "I prefer aisle seats", memory.CategoryPreference, 0.6)
	mustAdd(t, s, "u1", "My wife's name is Sarah", memory.CategoryRelationship, 0.8)

	stats, err := s.Stats(ctx, "u1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("got total %d, want 3", stats.Total)
	}
	if stats.ByCategory[memory.CategoryPreference] != 2 || stats.ByCategory[memory.CategoryRelationship] != 1 {
		t.Errorf("unexpected breakdown: %v", stats.ByCategory)
	}
	if diff := stats.AvgImportance - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("got avg importance %v, want 0.6", stats.AvgImportance)
	}

	empty, err := s.Stats(ctx, "nobody")
	if err != nil || empty.Total != 0 {
		t.Errorf("expected empty stats, got %+v, %v", empty, err)
	}
}
