// Package session sequences conversation turns per owner around the memory engine.
package session

import (
	"context"
	"sync"

	"github.com/nidhogg/recall/internal/memory"
)

// TurnLog is the append-only per-owner history of completed turns.
// NextTurn must hand out strictly increasing numbers per owner even under
// concurrent callers.
type TurnLog interface {
	NextTurn(ctx context.Context, ownerID string) (int, error)
	AppendTurn(ctx context.Context, turn *memory.Turn) error
	RecentTurns(ctx context.Context, ownerID string, limit int) ([]*memory.Turn, error)
}

// MemoryLog keeps turns in process. Each owner retains at most maxTurns entries.
type MemoryLog struct {
	mu       sync.Mutex
	counters map[string]int
	turns    map[string][]*memory.Turn
	maxTurns int
}

// NewMemoryLog creates an in-process log. maxTurns <= 0 keeps 1000 turns per owner.
func NewMemoryLog(maxTurns int) *MemoryLog {
	if maxTurns <= 0 {
		maxTurns = 1000
	}
	return &MemoryLog{
		counters: make(map[string]int),
		turns:    make(map[string][]*memory.Turn),
		maxTurns: maxTurns,
	}
}

func (l *MemoryLog) NextTurn(_ context.Context, ownerID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[ownerID]++
	return l.counters[ownerID], nil
}

func (l *MemoryLog) AppendTurn(_ context.Context, turn *memory.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := *turn
	log := append(l.turns[turn.OwnerID], &t)
	if len(log) > l.maxTurns {
		log = log[len(log)-l.maxTurns:]
	}
	l.turns[turn.OwnerID] = log
	return nil
}

func (l *MemoryLog) RecentTurns(_ context.Context, ownerID string, limit int) ([]*memory.Turn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := l.turns[ownerID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]*memory.Turn, len(log))
	for i, t := range log {
		c := *t
		out[i] = &c
	}
	return out, nil
}
