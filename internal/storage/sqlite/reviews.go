package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarm-dev/swarm/internal/types"
)

// CreateReview appends a review record and sets its ID
func (s *SQLiteStorage) CreateReview(ctx context.Context, review *types.Review) error {
	if err := review.Validate(); err != nil {
		return fmt.Errorf("%w: review: %v", types.ErrInvalidTicket, err)
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now()
	}
	review.CreatedAt = review.CreatedAt.UTC()

	issues, err := json.Marshal(nonNil(review.Issues))
	if err != nil {
		return fmt.Errorf("failed to marshal review issues: %w", err)
	}
	criteria, err := json.Marshal(nonNil(review.CriteriaVerification))
	if err != nil {
		return fmt.Errorf("failed to marshal criteria verification: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (ticket_id, reviewer, decision, score, issues, criteria_verification, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		review.TicketID, review.Reviewer, review.Decision, review.Score,
		string(issues), string(criteria), review.Notes, review.CreatedAt)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("review for ticket %s: %w", review.TicketID, types.ErrNotFound)
		}
		return fmt.Errorf("failed to insert review: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get review id: %w", err)
	}
	review.ID = id
	return nil
}

// GetReviews returns all reviews of a ticket, oldest first
func (s *SQLiteStorage) GetReviews(ctx context.Context, ticketID string) ([]*types.Review, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ticket_id, reviewer, decision, score, issues, criteria_verification, notes, created_at
		FROM reviews WHERE ticket_id = ? ORDER BY id ASC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reviews []*types.Review
	for rows.Next() {
		var r types.Review
		var issues, criteria string
		if err := rows.Scan(&r.ID, &r.TicketID, &r.Reviewer, &r.Decision, &r.Score,
			&issues, &criteria, &r.Notes, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		if err := json.Unmarshal([]byte(issues), &r.Issues); err != nil {
			return nil, fmt.Errorf("review %d: invalid issues: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(criteria), &r.CriteriaVerification); err != nil {
			return nil, fmt.Errorf("review %d: invalid criteria_verification: %w", r.ID, err)
		}
		reviews = append(reviews, &r)
	}
	return reviews, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
