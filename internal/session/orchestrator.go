package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/recall/internal/keylock"
	"github.com/nidhogg/recall/internal/memory"
	"github.com/nidhogg/recall/internal/metrics"
	"go.uber.org/zap"
)

// DefaultSystemPrompt is used when Config.SystemPrompt is empty.
const DefaultSystemPrompt = "You are a helpful AI assistant with long-term memory. Use remembered information when relevant."

// Config tunes the orchestrator.
type Config struct {
	SystemPrompt string
	TopK         int
	LLMTimeout   time.Duration
}

// Deps are the collaborators of an Orchestrator. Metrics may be nil.
type Deps struct {
	Store     *memory.Store
	Retriever *memory.Retriever
	Extractor memory.Extractor
	LLM       memory.Completer
	Turns     TurnLog
	Sessions  *Registry
	Metrics   *metrics.Metrics
}

// TurnRequest is one user message. Nil toggles default to on.
type TurnRequest struct {
	OwnerID          string `json:"owner_id"`
	Message          string `json:"message"`
	RetrieveMemories *bool  `json:"retrieve_memories,omitempty"`
	ExtractMemories  *bool  `json:"extract_memories,omitempty"`
	TopK             int    `json:"top_k,omitempty"`
}

// TurnResult describes what happened during a turn.
type TurnResult struct {
	TurnNumber        int                    `json:"turn_number"`
	Reply             string                 `json:"reply"`
	MemoryContext     string                 `json:"memory_context,omitempty"`
	MemoriesUsed      []*memory.ScoredRecord `json:"memories_used"`
	MemoriesExtracted int                    `json:"memories_extracted"`
	MemoriesStored    int                    `json:"memories_stored"`
	Degraded          bool                   `json:"degraded,omitempty"`
}

// Orchestrator runs the per-turn pipeline: recall, respond, extract, persist.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	locks  keylock.Map
	logger *zap.Logger
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 60 * time.Second
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}
}

// Sessions exposes the registry for health reporting.
func (o *Orchestrator) Sessions() *Registry { return o.deps.Sessions }

// History returns the owner's latest turns, oldest first.
func (o *Orchestrator) History(ctx context.Context, ownerID string, limit int) ([]*memory.Turn, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner_id is required", memory.ErrValidation)
	}
	turns, err := o.deps.Turns.RecentTurns(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrStorageUnavailable, err)
	}
	return turns, nil
}

// ProcessTurn always produces a reply once the request is valid. Memory and
// language model failures degrade the result instead of failing the call.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner_id is required", memory.ErrValidation)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", memory.ErrValidation)
	}

	unlock := o.locks.Lock(req.OwnerID)
	defer unlock()
	if o.deps.Sessions != nil {
		o.deps.Sessions.Touch(req.OwnerID)
	}

	log := o.logger.With(zap.String("owner", req.OwnerID))
	res := &TurnResult{MemoriesUsed: []*memory.ScoredRecord{}}

	n, err := o.deps.Turns.NextTurn(ctx, req.OwnerID)
	if err != nil {
		log.Warn("turn counter unavailable, continuing without provenance", zap.Error(err))
		res.Degraded = true
	}
	res.TurnNumber = n
	log = log.With(zap.Int("turn", n))

	topK := req.TopK
	if topK <= 0 {
		topK = o.cfg.TopK
	}
	if enabled(req.RetrieveMemories) {
		recalled, err := o.deps.Retriever.RecallForTurn(ctx, req.Message, req.OwnerID, topK)
		if err != nil {
			log.Warn("memory retrieval failed, answering without context", zap.Error(err))
			res.Degraded = true
		} else {
			res.MemoriesUsed = recalled
			res.MemoryContext = memory.FormatContext(recalled)
		}
	}

	reply, ok := o.complete(ctx, log, req.Message, res.MemoryContext)
	res.Reply = reply
	if !ok {
		res.Degraded = true
	}

	turn := &memory.Turn{
		Number:           n,
		OwnerID:          req.OwnerID,
		UserMessage:      req.Message,
		AssistantMessage: res.Reply,
		Timestamp:        o.deps.Store.Now(),
	}

	if enabled(req.ExtractMemories) && o.deps.Extractor != nil {
		extracted, stored := o.extract(ctx, log, turn)
		res.MemoriesExtracted, res.MemoriesStored = extracted, stored
	}

	if err := o.deps.Turns.AppendTurn(ctx, turn); err != nil {
		log.Warn("turn log append failed", zap.Error(err))
		res.Degraded = true
	}

	status := "ok"
	if res.Degraded {
		status = "degraded"
	}
	o.deps.Metrics.Turn(status)
	return res, nil
}

// complete returns the model's reply, or a visible placeholder and false.
func (o *Orchestrator) complete(ctx context.Context, log *zap.Logger, message, memoryContext string) (string, bool) {
	if o.deps.LLM == nil {
		return "[language model unavailable: no provider configured]", false
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()

	reply, err := o.deps.LLM.Complete(ctx, o.cfg.SystemPrompt, memoryContext, message)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: timed out after %s", memory.ErrProviderUnavailable, o.cfg.LLMTimeout)
		}
		log.Warn("language model failed", zap.Error(err))
		return fmt.Sprintf("[language model unavailable: %v]", err), false
	}
	return reply, true
}

// extract commits extracted facts, returning how many were found and stored.
func (o *Orchestrator) extract(ctx context.Context, log *zap.Logger, turn *memory.Turn) (int, int) {
	ex := o.deps.Extractor.Extract(ctx, turn)
	if !ex.Success {
		log.Debug("fact extraction did not run")
		return 0, 0
	}
	if len(ex.Facts) == 0 {
		return 0, 0
	}
	for _, f := range ex.Facts {
		f.SourceTurn = turn.Number
	}

	ids, err := o.deps.Store.AddBatch(ctx, turn.OwnerID, ex.Facts)
	if err != nil {
		log.Warn("some extracted facts were not stored", zap.Error(err))
	}
	stored := 0
	for _, id := range ids {
		if id != "" {
			stored++
		}
	}
	o.deps.Metrics.FactsStored(stored)
	return len(ex.Facts), stored
}

func enabled(b *bool) bool {
	return b == nil || *b
}
