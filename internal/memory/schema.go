package memory

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies a fact for filtering.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryCommitment   Category = "commitment"
	CategoryRelationship Category = "relationship"
	CategoryConstraint   Category = "constraint"
	CategoryInstruction  Category = "instruction"
	CategoryContext      Category = "context"
	CategoryPersonalInfo Category = "personal_info"
)

// Categories lists every valid category in declaration order.
var Categories = []Category{
	CategoryPreference,
	CategoryCommitment,
	CategoryRelationship,
	CategoryConstraint,
	CategoryInstruction,
	CategoryContext,
	CategoryPersonalInfo,
}

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory converts s into a Category. Unknown values are a validation error.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrValidation, s)
	}
	return c, nil
}

// Record is a single stored fact.
type Record struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Content      string    `json:"content"`
	Category     Category  `json:"category"`
	Importance   float64   `json:"importance"`
	Embedding    []float32 `json:"embedding,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
	SourceTurn   int       `json:"source_turn,omitempty"` // 0 when the record has no originating turn
}

// NewRecord builds a validated record. Timestamps and the id are assigned on insertion.
func NewRecord(ownerID, content string, category Category, importance float64) (*Record, error) {
	r := &Record{
		OwnerID:    ownerID,
		Content:    content,
		Category:   category,
		Importance: importance,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the fields required before any persistence attempt.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return fmt.Errorf("%w: owner_id is required", ErrValidation)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrValidation, r.Category)
	}
	if r.Importance < 0 || r.Importance > 1 {
		return fmt.Errorf("%w: importance %.3f outside [0,1]", ErrValidation, r.Importance)
	}
	if r.AccessCount < 0 {
		return fmt.Errorf("%w: negative access_count", ErrValidation)
	}
	if r.SourceTurn < 0 {
		return fmt.Errorf("%w: negative source_turn", ErrValidation)
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate backend-owned state.
func (r *Record) Clone() *Record {
	c := *r
	if r.Embedding != nil {
		c.Embedding = append([]float32(nil), r.Embedding...)
	}
	return &c
}

// ScoredRecord pairs a record with its query similarity and ranking score.
type ScoredRecord struct {
	Record     *Record `json:"record"`
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// Turn is one completed exchange in a session's append-only log.
type Turn struct {
	Number           int       `json:"turn_number"`
	OwnerID          string    `json:"owner_id"`
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	Timestamp        time.Time `json:"timestamp"`
}

// Stats summarizes an owner's stored memories.
type Stats struct {
	Total         int              `json:"total"`
	ByCategory    map[Category]int `json:"by_category"`
	AvgImportance float64          `json:"avg_importance"`
}
