package vectorstore

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/recall/internal/memory"
)

func TestPointUUID(t *testing.T) {
	id := uuid.New().String()
	if got := pointUUID(id); got != id {
		t.Errorf("uuid ids should pass through, got %s", got)
	}
	a, b := pointUUID("fact-1"), pointUUID("fact-1")
	if a != b {
		t.Error("mapping must be deterministic")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("mapped id is not a uuid: %v", err)
	}
	if pointUUID("fact-2") == a {
		t.Error("different ids collided")
	}
}

func TestPointRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &memory.Record{
		ID:           "fact-1",
		OwnerID:      "u1",
		Content:      "likes green tea",
		Category:     memory.CategoryPreference,
		Importance:   0.8,
		Embedding:    []float32{0.1, 0.2},
		CreatedAt:    now,
		LastAccessed: now.Add(time.Hour),
		AccessCount:  3,
		SourceTurn:   7,
	}
	p := toPoint(rec)
	if p.ID == rec.ID {
		t.Error("non-uuid id should be mapped")
	}
	got, err := fromPoint(p)
	if err != nil {
		t.Fatalf("fromPoint: %v", err)
	}
	if got.ID != "fact-1" || got.OwnerID != "u1" || got.Category != memory.CategoryPreference {
		t.Errorf("identity fields lost: %+v", got)
	}
	if got.Importance != 0.8 || got.AccessCount != 3 || got.SourceTurn != 7 {
		t.Errorf("numeric fields lost: %+v", got)
	}
	if !got.LastAccessed.Equal(rec.LastAccessed) {
		t.Errorf("last_accessed = %v", got.LastAccessed)
	}
}

func TestAccessPayloadLeavesContentAlone(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pl := accessPayload(&memory.Record{ID: "fact-1", Content: "likes tea", LastAccessed: at, AccessCount: 4})
	if len(pl) != 2 {
		t.Fatalf("payload keys = %d, want 2", len(pl))
	}
	if _, ok := pl[keyContent]; ok {
		t.Error("touch payload must not carry content")
	}
	if pl[keyAccessCount].GetIntegerValue() != 4 {
		t.Errorf("access_count = %v", pl[keyAccessCount])
	}
	if pl[keyLastAccessed].GetStringValue() != at.Format(time.RFC3339Nano) {
		t.Errorf("last_accessed = %v", pl[keyLastAccessed])
	}
}

func TestKeywordFilter(t *testing.T) {
	f := KeywordFilter("owner_id", "u1", "category", nil)
	if len(f.GetMust()) != 1 {
		t.Fatalf("expected owner condition only, got %d", len(f.GetMust()))
	}
	f = KeywordFilter("owner_id", "u1", "category", []string{"preference", "context"})
	if len(f.GetMust()) != 2 {
		t.Fatalf("expected two conditions, got %d", len(f.GetMust()))
	}
	kw := f.GetMust()[1].GetField().GetMatch().GetKeywords().GetStrings()
	if len(kw) != 2 {
		t.Errorf("category match = %v", kw)
	}
}
