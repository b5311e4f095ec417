package memory_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/recall/internal/memory"
	"go.uber.org/zap"
)

func newTestRetriever(t *testing.T, s *memory.Store, cfg memory.RetrieverConfig) *memory.Retriever {
	t.Helper()
	return memory.NewRetriever(s, cfg, zap.NewNop())
}

func TestRetrieveBeveragePreference(t *testing.T) {
	s, _ := newTestStore(t)
	mustAdd(t, s, "u1", "I prefer tea", memory.CategoryPreference, 0.5)
	mustAdd(t, s, "u1", "My wife's name is Sarah", memory.CategoryRelationship, 0.8)

	r := newTestRetriever(t, s, memory.RetrieverConfig{Decay: memory.DefaultDecayConfig()})
	results, err := r.Retrieve(context.Background(), "beverage preference", "u1", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Record.Content != "I prefer tea" {
		t.Errorf("got %q, want the tea preference", results[0].Record.Content)
	}
}

// staticEmbedder maps known texts to fixed vectors.
type staticEmbedder map[string][]float32

func (e staticEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

func (e staticEmbedder) Dimension() int { return 2 }

func addWithVector(t *testing.T, s *memory.Store, rec *memory.Record) {
	t.Helper()
	if _, err := s.Add(context.Background(), rec); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestRetrieveImportanceBreaksSimilarityTie(t *testing.T) {
	clock := newTestClock()
	s := memory.NewStore(newBackend(t), staticEmbedder{"q": {1, 0}}, memory.StoreConfig{},
		zap.NewNop(), memory.WithClock(clock.Now))

	addWithVector(t, s, &memory.Record{ID: "low", OwnerID: "u1", Content: "low", Category: memory.CategoryContext,
		Importance: 0.3, Embedding: []float32{1, 0}})
	addWithVector(t, s, &memory.Record{ID: "high", OwnerID: "u1", Content: "high", Category: memory.CategoryContext,
		Importance: 0.9, Embedding: []float32{1, 0}})
	// Slightly more similar but unimportant.
	addWithVector(t, s, &memory.Record{ID: "close", OwnerID: "u1", Content: "close", Category: memory.CategoryContext,
		Importance: 0.0, Embedding: []float32{1, 0.01}})

	r := newTestRetriever(t, s, memory.RetrieverConfig{
		Weights: memory.Weights{Similarity: 0.5, Importance: 0.5},
		Decay:   memory.DecayConfig{Enabled: false},
	})
	results, err := r.Retrieve(context.Background(), "q", "u1", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	got := []string{results[0].Record.ID, results[1].Record.ID, results[2].Record.ID}
	if strings.Join(got, ",") != "high,low,close" {
		t.Errorf("got order %v, want [high low close]", got)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at %d", i)
		}
	}
}

func TestRetrieveTieGoesToNewest(t *testing.T) {
	s := memory.NewStore(newBackend(t), staticEmbedder{"q": {0, 1}}, memory.StoreConfig{}, zap.NewNop())
	accessed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"oldest", "middle", "newest"} {
		addWithVector(t, s, &memory.Record{
			ID: id, OwnerID: "u1", Content: id, Category: memory.CategoryContext, Importance: 0.5,
			Embedding:    []float32{0, 1},
			CreatedAt:    time.Date(2025, 1, 1+i, 0, 0, 0, 0, time.UTC),
			LastAccessed: accessed,
		})
	}

	r := newTestRetriever(t, s, memory.RetrieverConfig{Decay: memory.DecayConfig{Enabled: false}})
	results, err := r.Retrieve(context.Background(), "q", "u1", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if results[0].Record.ID != "newest" || results[2].Record.ID != "oldest" {
		t.Errorf("got %s,%s,%s; want newest first", results[0].Record.ID, results[1].Record.ID, results[2].Record.ID)
	}
}

func TestGetContextForTurnTouchesRecords(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	teaID := mustAdd(t, s, "u1", "I prefer green tea", memory.CategoryPreference, 0.5)
	before, _ := s.Get(ctx, teaID)

	r := newTestRetriever(t, s, memory.RetrieverConfig{})
	text, err := r.GetContextForTurn(ctx, "what tea do I prefer", "u1", 5)
	if err != nil {
		t.Fatalf("GetContextForTurn: %v", err)
	}
	if text != "I prefer green tea" {
		t.Errorf("got context %q", text)
	}

	after, err := s.Get(ctx, teaID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.AccessCount != before.AccessCount+1 {
		t.Errorf("access_count went from %d to %d, want +1", before.AccessCount, after.AccessCount)
	}
	if !after.LastAccessed.After(before.LastAccessed) {
		t.Errorf("last_accessed did not advance")
	}
}

func TestGetContextForTurnJoinsLines(t *testing.T) {
	s, _ := newTestStore(t)
	mustAdd(t, s, "u1", "I prefer tea", memory.CategoryPreference, 0.5)
	mustAdd(t, s, "u1", "I prefer tea without sugar", memory.CategoryPreference, 0.5)

	text, err := newTestRetriever(t, s, memory.RetrieverConfig{}).GetContextForTurn(context.Background(), "tea", "u1", 5)
	if err != nil {
		t.Fatalf("GetContextForTurn: %v", err)
	}
	lines := strings.Split(text, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %q", len(lines), text)
	}
}

func TestRetrieveEmptyStore(t *testing.T) {
	s, _ := newTestStore(t)
	r := newTestRetriever(t, s, memory.RetrieverConfig{})

	results, err := r.Retrieve(context.Background(), "anything", "nobody", 5)
	if err != nil || len(results) != 0 {
		t.Errorf("expected no results and no error, got %d, %v", len(results), err)
	}
	text, err := r.GetContextForTurn(context.Background(), "anything", "nobody", 5)
	if err != nil || text != "" {
		t.Errorf("expected empty context, got %q, %v", text, err)
	}
}

func TestRetrieveProviderFailureIsDistinct(t *testing.T) {
	s := memory.NewStore(newBackend(t), failingEmbedder{dim: 4}, memory.StoreConfig{}, zap.NewNop())
	r := newTestRetriever(t, s, memory.RetrieverConfig{})

	_, err := r.GetContextForTurn(context.Background(), "anything", "u1", 5)
	if !errors.Is(err, memory.ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestLongConversationRetention(t *testing.T) {
	if testing.Short() {
		t.Skip("long conversation simulation")
	}
	s, _ := newTestStore(t)
	ctx := context.Background()
	r := newTestRetriever(t, s, memory.RetrieverConfig{Decay: memory.DefaultDecayConfig()})

	target := mustAdd(t, s, "u1", "My preferred language is Kannada", memory.CategoryPreference, 0.7)
	for turn := 2; turn <= 900; turn++ {
		rec, _ := memory.NewRecord("u1", fmt.Sprintf("Random fact %d about topic %d", turn, turn%37), memory.CategoryContext, 0.7)
		rec.SourceTurn = turn
		if _, err := s.Add(ctx, rec); err != nil {
			t.Fatalf("turn %d: %v", turn, err)
		}
	}

	results, err := r.Retrieve(ctx, "what is my preferred language", "u1", 5)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, res := range results {
		if res.Record.ID == target {
			return
		}
	}
	t.Errorf("turn 1 fact not in top 5 after 900 turns")
}
