package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/recall/internal/memory"
)

// NextTurn reserves the next turn number for ownerID.
func (s *Store) NextTurn(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		INSERT INTO turn_counters (owner_id, last_turn)
		VALUES ($1, 1)
		ON CONFLICT (owner_id)
		DO UPDATE SET last_turn = turn_counters.last_turn + 1
		RETURNING last_turn`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next turn for %s: %w", ownerID, err)
	}
	return n, nil
}

// AppendTurn stores a completed turn.
func (s *Store) AppendTurn(ctx context.Context, turn *memory.Turn) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation_turns (owner_id, turn_number, user_message, assistant_message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, turn_number) DO NOTHING`,
		turn.OwnerID, turn.Number, turn.UserMessage, turn.AssistantMessage, turn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit of the latest turns, oldest first.
func (s *Store) RecentTurns(ctx context.Context, ownerID string, limit int) ([]*memory.Turn, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT owner_id, turn_number, user_message, assistant_message, created_at
		FROM (
			SELECT * FROM conversation_turns
			WHERE owner_id = $1
			ORDER BY turn_number DESC
			LIMIT $2
		) recent
		ORDER BY turn_number ASC`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()

	var turns []*memory.Turn
	for rows.Next() {
		var t memory.Turn
		if err := rows.Scan(&t.OwnerID, &t.Number, &t.UserMessage, &t.AssistantMessage, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}
