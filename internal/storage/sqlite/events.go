package sqlite

import (
	"context"
	"fmt"

	"github.com/swarm-dev/swarm/internal/types"
)

func insertEvent(ctx context.Context, q querier, event *types.TicketEvent) error {
	result, err := q.ExecContext(ctx, `
		INSERT INTO ticket_events (ticket_id, from_state, to_state, reason, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.TicketID, event.FromState, event.ToState, event.Reason, event.Actor, event.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns the audit trail of a ticket, oldest first.
// A positive limit keeps only the most recent entries.
func (s *SQLiteStorage) GetEvents(ctx context.Context, ticketID string, limit int) ([]*types.TicketEvent, error) {
	query := `
		SELECT id, ticket_id, from_state, to_state, reason, actor, created_at
		FROM ticket_events WHERE ticket_id = ? ORDER BY id DESC`
	args := []any{ticketID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.TicketEvent
	for rows.Next() {
		var e types.TicketEvent
		if err := rows.Scan(&e.ID, &e.TicketID, &e.FromState, &e.ToState, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse into chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
