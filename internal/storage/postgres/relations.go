package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/swarm-dev/swarm/internal/types"
)

// AddDependency records that dep.TicketID cannot start before dep.DependsOnID is done
func (s *PostgresStorage) AddDependency(ctx context.Context, dep *types.Dependency) error {
	if dep.TicketID == dep.DependsOnID {
		return fmt.Errorf("%w: ticket %s cannot depend on itself", types.ErrInvalidTicket, dep.TicketID)
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		// serialize graph edits so two concurrent inserts cannot close a cycle
		if _, err := tx.Exec(ctx, "LOCK TABLE ticket_dependencies IN SHARE ROW EXCLUSIVE MODE"); err != nil {
			return fmt.Errorf("failed to lock dependencies: %w", err)
		}

		for _, id := range []string{dep.TicketID, dep.DependsOnID} {
			var one int
			err := tx.QueryRow(ctx, "SELECT 1 FROM tickets WHERE id = $1", id).Scan(&one)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("ticket %s: %w", id, types.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to check ticket %s: %w", id, err)
			}
		}

		var cycle bool
		err := tx.QueryRow(ctx, `
			WITH RECURSIVE reach(id) AS (
				SELECT depends_on_id FROM ticket_dependencies WHERE ticket_id = $1
				UNION
				SELECT d.depends_on_id FROM ticket_dependencies d JOIN reach r ON d.ticket_id = r.id
			)
			SELECT EXISTS (SELECT 1 FROM reach WHERE id = $2)`, dep.DependsOnID, dep.TicketID).Scan(&cycle)
		if err != nil {
			return fmt.Errorf("failed to check dependency cycle: %w", err)
		}
		if cycle {
			return fmt.Errorf("%w: dependency %s → %s would create a cycle", types.ErrInvalidTicket, dep.TicketID, dep.DependsOnID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO ticket_dependencies (ticket_id, depends_on_id, created_at, created_by)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (ticket_id, depends_on_id) DO NOTHING`,
			dep.TicketID, dep.DependsOnID, dep.CreatedAt.UTC(), dep.CreatedBy)
		if err != nil {
			return fmt.Errorf("failed to add dependency: %w", err)
		}
		return nil
	})
}

// GetDependencies returns the tickets that ticketID depends on
func (s *PostgresStorage) GetDependencies(ctx context.Context, ticketID string) ([]*types.Ticket, error) {
	return queryTickets(ctx, s.pool, "SELECT "+columnsWithAlias("t")+`
		FROM tickets t
		JOIN ticket_dependencies d ON d.depends_on_id = t.id
		WHERE d.ticket_id = $1
		ORDER BY t.id`, ticketID)
}

// GetDependents returns the tickets that depend on ticketID
func (s *PostgresStorage) GetDependents(ctx context.Context, ticketID string) ([]*types.Ticket, error) {
	return queryTickets(ctx, s.pool, "SELECT "+columnsWithAlias("t")+`
		FROM tickets t
		JOIN ticket_dependencies d ON d.ticket_id = t.id
		WHERE d.depends_on_id = $1
		ORDER BY t.id`, ticketID)
}

// CreateReview appends a review record and sets its ID
func (s *PostgresStorage) CreateReview(ctx context.Context, review *types.Review) error {
	if err := review.Validate(); err != nil {
		return fmt.Errorf("%w: review: %v", types.ErrInvalidTicket, err)
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now()
	}
	review.CreatedAt = review.CreatedAt.UTC()

	err := s.pool.QueryRow(ctx, `
		INSERT INTO reviews (ticket_id, reviewer, decision, score, issues, criteria_verification, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		review.TicketID, review.Reviewer, string(review.Decision), review.Score,
		nonNil(review.Issues), nonNil(review.CriteriaVerification), review.Notes, review.CreatedAt,
	).Scan(&review.ID)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return fmt.Errorf("review for ticket %s: %w", review.TicketID, types.ErrNotFound)
		}
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

// GetReviews returns all reviews of a ticket, oldest first
func (s *PostgresStorage) GetReviews(ctx context.Context, ticketID string) ([]*types.Review, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ticket_id, reviewer, decision, score, issues, criteria_verification, notes, created_at
		FROM reviews WHERE ticket_id = $1 ORDER BY id ASC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*types.Review
	for rows.Next() {
		var r types.Review
		var decision string
		var issues, criteria []byte
		if err := rows.Scan(&r.ID, &r.TicketID, &r.Reviewer, &decision, &r.Score,
			&issues, &criteria, &r.Notes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		r.Decision = types.ReviewDecision(decision)
		if err := json.Unmarshal(issues, &r.Issues); err != nil {
			return nil, fmt.Errorf("review %d: invalid issues: %w", r.ID, err)
		}
		if err := json.Unmarshal(criteria, &r.CriteriaVerification); err != nil {
			return nil, fmt.Errorf("review %d: invalid criteria_verification: %w", r.ID, err)
		}
		reviews = append(reviews, &r)
	}
	return reviews, rows.Err()
}

func insertEvent(ctx context.Context, tx pgx.Tx, event *types.TicketEvent) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO ticket_events (ticket_id, from_state, to_state, reason, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		event.TicketID, string(event.FromState), string(event.ToState), event.Reason, event.Actor, event.CreatedAt.UTC(),
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// GetEvents returns the audit trail of a ticket, oldest first.
// A positive limit keeps only the most recent entries.
func (s *PostgresStorage) GetEvents(ctx context.Context, ticketID string, limit int) ([]*types.TicketEvent, error) {
	query := `
		SELECT id, ticket_id, from_state, to_state, reason, actor, created_at FROM (
			SELECT * FROM ticket_events WHERE ticket_id = $1 ORDER BY id DESC`
	args := []any{ticketID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	query += `) recent ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*types.TicketEvent
	for rows.Next() {
		var e types.TicketEvent
		var from, to string
		if err := rows.Scan(&e.ID, &e.TicketID, &from, &to, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.FromState = types.TicketState(from)
		e.ToState = types.TicketState(to)
		events = append(events, &e)
	}
	return events, rows.Err()
}
