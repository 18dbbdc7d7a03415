package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/swarm-dev/swarm/internal/types"
)

const claimOrder = "t.retry_count ASC, t.priority ASC, t.ready_at ASC NULLS FIRST, t.id ASC"

func eligibleWhere(p *params, filter types.ClaimFilter, now time.Time) string {
	where := []string{
		"t.state = 'ready'",
		"(t.retry_after IS NULL OR t.retry_after <= " + p.add(now.UTC()) + ")",
		"(t.reserved_for IS NULL OR t.reserved_for = " + p.add(filter.AssigneeID) + ")",
		"NOT EXISTS (SELECT 1 FROM tickets c WHERE c.parent_ticket_id = t.id)",
		"(p.id IS NULL OR p.state <> 'cancelled')",
	}
	if filter.ParentID != "" {
		where = append(where, "t.parent_ticket_id = "+p.add(filter.ParentID))
	}
	if filter.MaxPriority != nil {
		where = append(where, "t.priority <= "+p.add(*filter.MaxPriority))
	}
	return strings.Join(where, " AND ")
}

// ListReady returns claimable tickets in claim order without claiming them
func (s *PostgresStorage) ListReady(ctx context.Context, filter types.ClaimFilter, now time.Time, limit int) ([]*types.Ticket, error) {
	var p params
	query := "SELECT " + columnsWithAlias("t") + `
		FROM tickets t
		LEFT JOIN tickets p ON p.id = t.parent_ticket_id
		WHERE ` + eligibleWhere(&p, filter, now) + `
		ORDER BY ` + claimOrder
	if limit > 0 {
		query += " LIMIT " + p.add(limit)
	}
	return queryTickets(ctx, s.pool, query, p.args...)
}

// ClaimTicket locks the best eligible ready row with FOR UPDATE SKIP LOCKED
// and assigns it in the same statement. Concurrent claimers skip rows
// another transaction holds, so each ticket has at most one winner.
func (s *PostgresStorage) ClaimTicket(ctx context.Context, filter types.ClaimFilter, now time.Time) (*types.Ticket, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid claim filter: %w", err)
	}
	now = now.UTC()

	var p params
	set := fmt.Sprintf("state = 'assigned', assignee_id = %s, assignee_type = %s, reserved_for = NULL, last_heartbeat = %s, updated_at = %s",
		p.add(filter.AssigneeID), p.add(string(filter.EffectiveAssigneeType())), p.add(now), p.add(now))
	query := `
		UPDATE tickets SET ` + set + `
		WHERE id = (
			SELECT t.id FROM tickets t
			LEFT JOIN tickets p ON p.id = t.parent_ticket_id
			WHERE ` + eligibleWhere(&p, filter, now) + `
			ORDER BY ` + claimOrder + `
			LIMIT 1
			FOR UPDATE OF t SKIP LOCKED
		)
		AND state = 'ready'
		RETURNING id`

	var claimed *types.Ticket
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, query, p.args...).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim ticket: %w", err)
		}

		if err := insertEvent(ctx, tx, &types.TicketEvent{
			TicketID:  id,
			FromState: types.StateReady,
			ToState:   types.StateAssigned,
			Reason:    "claimed",
			Actor:     filter.AssigneeID,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		claimed, err = getTicket(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ListStale returns held tickets whose last heartbeat (or last update) is older than cutoff
func (s *PostgresStorage) ListStale(ctx context.Context, cutoff time.Time) ([]*types.Ticket, error) {
	return queryTickets(ctx, s.pool, "SELECT "+ticketColumns+`
		FROM tickets
		WHERE state IN ('assigned', 'in_progress')
		  AND COALESCE(last_heartbeat, updated_at) < $1
		ORDER BY COALESCE(last_heartbeat, updated_at) ASC, id ASC`, cutoff.UTC())
}
