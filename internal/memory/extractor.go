package memory

import (
	"context"
	"strings"
)

// Extraction is the outcome of one extraction attempt.
// Success is false only when the strategy could not run; an empty Facts
// slice with Success true means nothing worth remembering was said.
type Extraction struct {
	Success bool
	Facts   []*Record
}

// Extractor turns a completed turn into candidate records. Candidates are
// not persisted; callers commit them with Store.AddBatch.
type Extractor interface {
	Extract(ctx context.Context, turn *Turn) *Extraction
}

// DefaultKeywords mark a sentence as worth remembering.
var DefaultKeywords = []string{"remember", "important", "note"}

// HeuristicExtractor keeps sentences that contain a salience keyword.
type HeuristicExtractor struct {
	Keywords   []string
	Category   Category
	Importance float64
}

// NewHeuristicExtractor creates an extractor for keywords, falling back to DefaultKeywords.
func NewHeuristicExtractor(keywords []string) *HeuristicExtractor {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	lower := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lower = append(lower, k)
		}
	}
	return &HeuristicExtractor{
		Keywords:   lower,
		Category:   CategoryPreference,
		Importance: 1.0,
	}
}

// Extract splits the turn into sentences and keeps those mentioning a keyword.
func (e *HeuristicExtractor) Extract(_ context.Context, turn *Turn) *Extraction {
	out := &Extraction{Success: true}
	if turn == nil {
		return out
	}
	text := turn.UserMessage + "\n" + turn.AssistantMessage
	for _, segment := range splitSentences(text) {
		if !e.salient(segment) {
			continue
		}
		out.Facts = append(out.Facts, &Record{
			OwnerID:    turn.OwnerID,
			Content:    segment,
			Category:   e.Category,
			Importance: e.Importance,
			SourceTurn: turn.Number,
		})
	}
	return out
}

func (e *HeuristicExtractor) salient(segment string) bool {
	lower := strings.ToLower(segment)
	for _, k := range e.Keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// splitSentences breaks text on sentence terminators and drops blank segments.
func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '.', '!', '?', '\n', '。', '！', '？':
			return true
		}
		return false
	})
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
