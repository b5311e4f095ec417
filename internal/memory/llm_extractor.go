package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Completer is the language model boundary. provider.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, memoryContext, userMessage string) (string, error)
}

const extractionPrompt = `You extract durable facts about the user from one conversation turn.
Return a JSON array and nothing else. Each element has:
  "content":    the fact as a short standalone sentence,
  "category":   one of preference, commitment, relationship, constraint, instruction, context, personal_info,
  "importance": a number between 0 and 1.
Return [] when the turn contains nothing worth remembering.`

// LLMExtractor asks a language model for structured fact candidates.
type LLMExtractor struct {
	llm               Completer
	timeout           time.Duration
	defaultImportance float64
	logger            *zap.Logger
}

// NewLLMExtractor creates an LLMExtractor. A zero timeout means 30s.
func NewLLMExtractor(llm Completer, timeout time.Duration, logger *zap.Logger) *LLMExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMExtractor{
		llm:               llm,
		timeout:           timeout,
		defaultImportance: 0.5,
		logger:            logger,
	}
}

type llmFact struct {
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Importance *float64 `json:"importance"`
}

// Extract never returns an error: provider or parse failures yield Success false.
func (e *LLMExtractor) Extract(ctx context.Context, turn *Turn) *Extraction {
	if turn == nil || (strings.TrimSpace(turn.UserMessage) == "" && strings.TrimSpace(turn.AssistantMessage) == "") {
		return &Extraction{Success: true}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg := fmt.Sprintf("User: %s\nAssistant: %s", turn.UserMessage, turn.AssistantMessage)
	raw, err := e.llm.Complete(ctx, extractionPrompt, "", msg)
	if err != nil {
		e.logger.Warn("llm extraction failed",
			zap.String("owner", turn.OwnerID), zap.Int("turn", turn.Number), zap.Error(err))
		return &Extraction{Success: false}
	}

	facts, err := parseFacts(raw)
	if err != nil {
		e.logger.Warn("llm extraction returned unparseable output",
			zap.String("owner", turn.OwnerID), zap.Int("turn", turn.Number), zap.Error(err))
		return &Extraction{Success: false}
	}

	out := &Extraction{Success: true}
	for _, f := range facts {
		cat, err := ParseCategory(f.Category)
		if err != nil {
			e.logger.Debug("dropping fact with unknown category", zap.String("category", f.Category))
			continue
		}
		importance := e.defaultImportance
		if f.Importance != nil {
			importance = min(max(*f.Importance, 0), 1)
		}
		rec, err := NewRecord(turn.OwnerID, strings.TrimSpace(f.Content), cat, importance)
		if err != nil {
			continue
		}
		rec.SourceTurn = turn.Number
		out.Facts = append(out.Facts, rec)
	}
	return out
}

// parseFacts decodes the first JSON array in raw, tolerating code fences and chatter.
func parseFacts(raw string) ([]llmFact, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var facts []llmFact
	if err := json.Unmarshal([]byte(raw[start:end+1]), &facts); err != nil {
		return nil, fmt.Errorf("decode facts: %w", err)
	}
	return facts, nil
}
