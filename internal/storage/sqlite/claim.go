package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swarm-dev/swarm/internal/types"
)

// claimOrder is the documented claim policy: fewest retries first, then
// priority, then longest-waiting.
const claimOrder = "t.retry_count ASC, t.priority ASC, t.ready_at ASC, t.id ASC"

// eligibleWhere builds the ready-work predicate over alias t (and parent p).
func eligibleWhere(filter types.ClaimFilter, now time.Time) (string, []any) {
	where := []string{
		"t.state = 'ready'",
		"(t.retry_after IS NULL OR t.retry_after <= ?)",
		"(t.reserved_for IS NULL OR t.reserved_for = ?)",
		"NOT EXISTS (SELECT 1 FROM tickets c WHERE c.parent_ticket_id = t.id)",
		"(p.id IS NULL OR p.state != 'cancelled')",
	}
	args := []any{now.UTC(), filter.AssigneeID}

	if filter.ParentID != "" {
		where = append(where, "t.parent_ticket_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.MaxPriority != nil {
		where = append(where, "t.priority <= ?")
		args = append(args, *filter.MaxPriority)
	}
	return strings.Join(where, " AND "), args
}

// ListReady returns claimable tickets in claim order without claiming them
func (s *SQLiteStorage) ListReady(ctx context.Context, filter types.ClaimFilter, now time.Time, limit int) ([]*types.Ticket, error) {
	where, args := eligibleWhere(filter, now)
	query := "SELECT " + columnsWithAlias("t") + `
		FROM tickets t
		LEFT JOIN tickets p ON p.id = t.parent_ticket_id
		WHERE ` + where + `
		ORDER BY ` + claimOrder
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return queryTickets(ctx, s.db, query, args...)
}

// ClaimTicket selects and assigns one eligible ticket inside a single
// BEGIN IMMEDIATE transaction. The UPDATE re-checks state = 'ready', so a
// ticket can only ever move to assigned once.
func (s *SQLiteStorage) ClaimTicket(ctx context.Context, filter types.ClaimFilter, now time.Time) (*types.Ticket, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid claim filter: %w", err)
	}
	now = now.UTC()
	where, whereArgs := eligibleWhere(filter, now)

	query := `
		UPDATE tickets
		SET state = 'assigned', assignee_id = ?, assignee_type = ?, reserved_for = NULL,
		    last_heartbeat = ?, updated_at = ?
		WHERE id = (
			SELECT t.id FROM tickets t
			LEFT JOIN tickets p ON p.id = t.parent_ticket_id
			WHERE ` + where + `
			ORDER BY ` + claimOrder + `
			LIMIT 1
		)
		AND state = 'ready'
		RETURNING id`
	args := append([]any{filter.AssigneeID, string(filter.EffectiveAssigneeType()), now, now}, whereArgs...)

	var claimed *types.Ticket
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var id string
		err := conn.QueryRowContext(ctx, query, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim ticket: %w", err)
		}

		if err := insertEvent(ctx, conn, &types.TicketEvent{
			TicketID:  id,
			FromState: types.StateReady,
			ToState:   types.StateAssigned,
			Reason:    "claimed",
			Actor:     filter.AssigneeID,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		claimed, err = getTicket(ctx, conn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ListStale returns held tickets whose last heartbeat (or last update, if
// none was ever sent) is older than cutoff.
func (s *SQLiteStorage) ListStale(ctx context.Context, cutoff time.Time) ([]*types.Ticket, error) {
	return queryTickets(ctx, s.db, "SELECT "+ticketColumns+`
		FROM tickets
		WHERE state IN ('assigned', 'in_progress')
		  AND COALESCE(last_heartbeat, updated_at) < ?
		ORDER BY COALESCE(last_heartbeat, updated_at) ASC, id ASC`, cutoff.UTC())
}
