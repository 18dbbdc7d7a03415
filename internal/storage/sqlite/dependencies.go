package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/swarm-dev/swarm/internal/types"
)

// AddDependency records that dep.TicketID cannot start before dep.DependsOnID is done
func (s *SQLiteStorage) AddDependency(ctx context.Context, dep *types.Dependency) error {
	if dep.TicketID == dep.DependsOnID {
		return fmt.Errorf("%w: ticket %s cannot depend on itself", types.ErrInvalidTicket, dep.TicketID)
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}

	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		for _, id := range []string{dep.TicketID, dep.DependsOnID} {
			var exists int
			err := conn.QueryRowContext(ctx, "SELECT 1 FROM tickets WHERE id = ?", id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("ticket %s: %w", id, types.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to check ticket %s: %w", id, err)
			}
		}

		// Reject the edge if DependsOnID already (transitively) depends on TicketID
		var cycle int
		err := conn.QueryRowContext(ctx, `
			WITH RECURSIVE reach(id) AS (
				SELECT depends_on_id FROM ticket_dependencies WHERE ticket_id = ?
				UNION
				SELECT d.depends_on_id FROM ticket_dependencies d JOIN reach r ON d.ticket_id = r.id
			)
			SELECT COUNT(*) FROM reach WHERE id = ?`, dep.DependsOnID, dep.TicketID).Scan(&cycle)
		if err != nil {
			return fmt.Errorf("failed to check dependency cycle: %w", err)
		}
		if cycle > 0 {
			return fmt.Errorf("%w: dependency %s → %s would create a cycle", types.ErrInvalidTicket, dep.TicketID, dep.DependsOnID)
		}

		_, err = conn.ExecContext(ctx, `
			INSERT INTO ticket_dependencies (ticket_id, depends_on_id, created_at, created_by)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(ticket_id, depends_on_id) DO NOTHING`,
			dep.TicketID, dep.DependsOnID, dep.CreatedAt.UTC(), dep.CreatedBy)
		if err != nil {
			return fmt.Errorf("failed to add dependency: %w", err)
		}
		return nil
	})
}

// GetDependencies returns the tickets that ticketID depends on
func (s *SQLiteStorage) GetDependencies(ctx context.Context, ticketID string) ([]*types.Ticket, error) {
	return queryTickets(ctx, s.db, "SELECT "+columnsWithAlias("t")+`
		FROM tickets t
		JOIN ticket_dependencies d ON d.depends_on_id = t.id
		WHERE d.ticket_id = ?
		ORDER BY t.id`, ticketID)
}

// GetDependents returns the tickets that depend on ticketID
func (s *SQLiteStorage) GetDependents(ctx context.Context, ticketID string) ([]*types.Ticket, error) {
	return queryTickets(ctx, s.db, "SELECT "+columnsWithAlias("t")+`
		FROM tickets t
		JOIN ticket_dependencies d ON d.ticket_id = t.id
		WHERE d.depends_on_id = ?
		ORDER BY t.id`, ticketID)
}
