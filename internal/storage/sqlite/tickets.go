package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/swarm-dev/swarm/internal/types"
)

var ticketColumnNames = []string{
	"id", "title", "description", "state", "priority", "assignee_id", "assignee_type",
	"reserved_for", "parent_ticket_id", "retry_count", "retry_after", "sentinel_feedback",
	"hold_reason", "acceptance_criteria", "criteria_status", "max_review_attempts", "pr_ref",
	"last_error", "error_category", "error_subcategory", "last_heartbeat", "ready_at",
	"created_at", "updated_at", "closed_at",
}

var ticketColumns = strings.Join(ticketColumnNames, ", ")

// columnsWithAlias returns the ticket column list qualified by alias
func columnsWithAlias(alias string) string {
	cols := make([]string, len(ticketColumnNames))
	for i, c := range ticketColumnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// maxIDAttempts bounds id regeneration on a primary key collision
const maxIDAttempts = 5

// generateID is replaced in tests to force collisions
var generateID = NewTicketID

// NewTicketID returns a fresh ticket identifier
func NewTicketID() string {
	return "tkt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateTicket inserts a new ticket and records its creation event
// A generated id that collides with an existing ticket is replaced and the
// insert retried.
func (s *SQLiteStorage) CreateTicket(ctx context.Context, ticket *types.Ticket, actor string) error {
	generated := ticket.ID == ""
	if generated {
		ticket.ID = generateID()
	}
	if ticket.State == "" {
		ticket.State = types.StateDraft
	}
	if ticket.MaxReviewAttempts == 0 {
		ticket.MaxReviewAttempts = types.DefaultMaxReviewAttempts
	}
	now := time.Now().UTC()
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = now
	}
	ticket.UpdatedAt = ticket.CreatedAt
	if err := ticket.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidTicket, err)
	}

	criteria, err := json.Marshal(nonNil(ticket.AcceptanceCriteria))
	if err != nil {
		return fmt.Errorf("failed to marshal acceptance criteria: %w", err)
	}
	status, err := json.Marshal(nonNil(ticket.CriteriaStatus))
	if err != nil {
		return fmt.Errorf("failed to marshal criteria status: %w", err)
	}
	feedback, err := marshalFeedback(ticket.SentinelFeedback)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := s.insertTicket(ctx, ticket, actor, string(criteria), string(status), feedback)
		if generated && isDuplicateID(err) && attempt < maxIDAttempts {
			s.logger.Debug("ticket id collision, regenerating", "id", ticket.ID)
			ticket.ID = generateID()
			continue
		}
		return err
	}
}

func (s *SQLiteStorage) insertTicket(ctx context.Context, ticket *types.Ticket, actor, criteria, status string, feedback any) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		if ticket.ParentTicketID != "" {
			var parentState string
			err := conn.QueryRowContext(ctx, "SELECT state FROM tickets WHERE id = ?", ticket.ParentTicketID).Scan(&parentState)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("parent %s: %w", ticket.ParentTicketID, types.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to check parent: %w", err)
			}
		}

		_, err := conn.ExecContext(ctx, `INSERT INTO tickets (`+ticketColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ticket.ID, ticket.Title, ticket.Description, ticket.State, ticket.Priority,
			nullString(ticket.AssigneeID), nullString(string(ticket.AssigneeType)),
			nullString(ticket.ReservedFor), nullString(ticket.ParentTicketID),
			ticket.RetryCount, nullTime(ticket.RetryAfter), feedback,
			ticket.HoldReason, criteria, status, ticket.MaxReviewAttempts, ticket.PRRef,
			ticket.LastError, ticket.ErrorCategory, ticket.ErrorSubcategory,
			nullTime(ticket.LastHeartbeat), nullTime(ticket.ReadyAt),
			ticket.CreatedAt.UTC(), ticket.UpdatedAt.UTC(), nullTime(ticket.ClosedAt),
		)
		if err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("%w: %w", types.ErrInvalidTicket, err)
			}
			return fmt.Errorf("failed to insert ticket: %w", err)
		}

		return insertEvent(ctx, conn, &types.TicketEvent{
			TicketID:  ticket.ID,
			ToState:   ticket.State,
			Reason:    "created",
			Actor:     actor,
			CreatedAt: ticket.CreatedAt,
		})
	})
}

// GetTicket retrieves a ticket by ID
func (s *SQLiteStorage) GetTicket(ctx context.Context, id string) (*types.Ticket, error) {
	return getTicket(ctx, s.db, id)
}

func getTicket(ctx context.Context, q querier, id string) (*types.Ticket, error) {
	row := q.QueryRowContext(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE id = ?", id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket %s: %w", id, err)
	}
	return t, nil
}

// ListTickets returns tickets matching filter, oldest first
func (s *SQLiteStorage) ListTickets(ctx context.Context, filter types.TicketFilter) ([]*types.Ticket, error) {
	var where []string
	var args []any

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.AssigneeID != nil {
		where = append(where, "assignee_id = ?")
		args = append(args, *filter.AssigneeID)
	}
	if filter.ParentID != nil {
		where = append(where, "parent_ticket_id = ?")
		args = append(args, *filter.ParentID)
	}

	query := "SELECT " + ticketColumns + " FROM tickets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return queryTickets(ctx, s.db, query, args...)
}

// ListChildren returns every ticket whose parent is parentID
func (s *SQLiteStorage) ListChildren(ctx context.Context, parentID string) ([]*types.Ticket, error) {
	return queryTickets(ctx, s.db,
		"SELECT "+ticketColumns+" FROM tickets WHERE parent_ticket_id = ? ORDER BY created_at ASC, id ASC", parentID)
}

// UpdateTicket applies upd guarded by the expected current state
func (s *SQLiteStorage) UpdateTicket(ctx context.Context, id string, from types.TicketState, upd *types.TicketUpdate, event *types.TicketEvent) (*types.Ticket, error) {
	return s.UpdateTicketSteps(ctx, id, from, []types.TicketStep{{Update: upd, Event: event}})
}

// UpdateTicketSteps applies steps in order inside one transaction. The first
// step is guarded on from, each later one on the state the step before it set.
func (s *SQLiteStorage) UpdateTicketSteps(ctx context.Context, id string, from types.TicketState, steps []types.TicketStep) (*types.Ticket, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("update ticket %s: no steps", id)
	}
	var updated *types.Ticket
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		state := from
		for _, step := range steps {
			if err := applyUpdate(ctx, conn, id, state, step.Update, step.Event); err != nil {
				return err
			}
			if step.Update.State != "" {
				state = step.Update.State
			}
		}
		var err error
		updated, err = getTicket(ctx, conn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func applyUpdate(ctx context.Context, conn *sql.Conn, id string, from types.TicketState, upd *types.TicketUpdate, event *types.TicketEvent) error {
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	sets := []string{"updated_at = ?"}
	args := []any{at}

	if upd.State != "" {
		sets = append(sets, "state = ?")
		args = append(args, upd.State)
	}
	if upd.ClearAssignee {
		sets = append(sets, "assignee_id = NULL", "assignee_type = NULL")
	} else {
		if upd.AssigneeID != nil {
			sets = append(sets, "assignee_id = ?")
			args = append(args, *upd.AssigneeID)
		}
		if upd.AssigneeType != nil {
			sets = append(sets, "assignee_type = ?")
			args = append(args, string(*upd.AssigneeType))
		}
	}
	if upd.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if upd.ClearRetryAfter {
		sets = append(sets, "retry_after = NULL")
	} else if upd.RetryAfter != nil {
		sets = append(sets, "retry_after = ?")
		args = append(args, upd.RetryAfter.UTC())
	}
	if upd.ClearFeedback {
		sets = append(sets, "sentinel_feedback = NULL")
	} else if upd.SentinelFeedback != nil {
		fb, err := marshalFeedback(upd.SentinelFeedback)
		if err != nil {
			return err
		}
		sets = append(sets, "sentinel_feedback = ?")
		args = append(args, fb)
	}
	if upd.HoldReason != nil {
		sets = append(sets, "hold_reason = ?")
		args = append(args, *upd.HoldReason)
	}
	if upd.PRRef != nil {
		sets = append(sets, "pr_ref = ?")
		args = append(args, *upd.PRRef)
	}
	if upd.CriteriaStatus != nil {
		data, err := json.Marshal(upd.CriteriaStatus)
		if err != nil {
			return fmt.Errorf("failed to marshal criteria status: %w", err)
		}
		sets = append(sets, "criteria_status = ?")
		args = append(args, string(data))
	}
	if upd.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *upd.LastError)
	}
	if upd.ErrorCategory != nil {
		sets = append(sets, "error_category = ?")
		args = append(args, *upd.ErrorCategory)
	}
	if upd.ErrorSubcategory != nil {
		sets = append(sets, "error_subcategory = ?")
		args = append(args, *upd.ErrorSubcategory)
	}
	if upd.LastHeartbeat != nil {
		sets = append(sets, "last_heartbeat = ?")
		args = append(args, upd.LastHeartbeat.UTC())
	}
	if upd.MarkReady {
		sets = append(sets, "ready_at = ?")
		args = append(args, at)
	}
	if upd.MarkClosed {
		sets = append(sets, "closed_at = ?")
		args = append(args, at)
	}

	where := []string{"id = ?", "state = ?"}
	args = append(args, id, from)
	if upd.ExpectAssignee != "" {
		where = append(where, "assignee_id = ?")
		args = append(args, upd.ExpectAssignee)
	}
	if !upd.ExpectStaleBefore.IsZero() {
		where = append(where, "COALESCE(last_heartbeat, updated_at) < ?")
		args = append(args, upd.ExpectStaleBefore.UTC())
	}
	query := "UPDATE tickets SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")

	result, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %v", types.ErrInvalidTicket, err)
		}
		return fmt.Errorf("failed to update ticket %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		var current string
		var assignee sql.NullString
		err := conn.QueryRowContext(ctx, "SELECT state, assignee_id FROM tickets WHERE id = ?", id).Scan(&current, &assignee)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("ticket %s: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read ticket state: %w", err)
		}
		if current == string(from) {
			return fmt.Errorf("%w: ticket %s (%s, assignee %q) no longer matches the update guard", types.ErrStateConflict, id, current, assignee.String)
		}
		return fmt.Errorf("%w: ticket %s is %s, expected %s", types.ErrStateConflict, id, current, from)
	}

	if upd.State != "" && event != nil {
		event.TicketID = id
		event.FromState = from
		event.ToState = upd.State
		event.CreatedAt = at
		if err := insertEvent(ctx, conn, event); err != nil {
			return err
		}
	}
	return nil
}

func queryTickets(ctx context.Context, q querier, query string, args ...any) ([]*types.Ticket, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tickets []*types.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func scanTicket(row scanner) (*types.Ticket, error) {
	var t types.Ticket
	var (
		assigneeID, assigneeType, reservedFor, parentID sql.NullString
		feedback                                        sql.NullString
		criteria, status                                string
		retryAfter, lastHeartbeat, readyAt, closedAt    sql.NullTime
	)

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.State, &t.Priority, &assigneeID, &assigneeType,
		&reservedFor, &parentID, &t.RetryCount, &retryAfter, &feedback,
		&t.HoldReason, &criteria, &status, &t.MaxReviewAttempts, &t.PRRef,
		&t.LastError, &t.ErrorCategory, &t.ErrorSubcategory, &lastHeartbeat, &readyAt,
		&t.CreatedAt, &t.UpdatedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}

	t.AssigneeID = assigneeID.String
	t.AssigneeType = types.AssigneeType(assigneeType.String)
	t.ReservedFor = reservedFor.String
	t.ParentTicketID = parentID.String
	t.RetryAfter = timePtr(retryAfter)
	t.LastHeartbeat = timePtr(lastHeartbeat)
	t.ReadyAt = timePtr(readyAt)
	t.ClosedAt = timePtr(closedAt)

	if err := json.Unmarshal([]byte(criteria), &t.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("ticket %s: invalid acceptance_criteria: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(status), &t.CriteriaStatus); err != nil {
		return nil, fmt.Errorf("ticket %s: invalid criteria_status: %w", t.ID, err)
	}
	if feedback.Valid && feedback.String != "" {
		var fb types.SentinelFeedback
		if err := json.Unmarshal([]byte(feedback.String), &fb); err != nil {
			return nil, fmt.Errorf("ticket %s: invalid sentinel_feedback: %w", t.ID, err)
		}
		if err := fb.Validate(); err != nil {
			return nil, fmt.Errorf("ticket %s: sentinel_feedback: %w", t.ID, err)
		}
		t.SentinelFeedback = &fb
	}
	return &t, nil
}

func marshalFeedback(fb *types.SentinelFeedback) (any, error) {
	if fb == nil {
		return nil, nil
	}
	if err := fb.Validate(); err != nil {
		return nil, fmt.Errorf("%w: sentinel_feedback: %v", types.ErrInvalidTicket, err)
	}
	data, err := json.Marshal(fb)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sentinel feedback: %w", err)
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
