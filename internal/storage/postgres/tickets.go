package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
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

func columnsWithAlias(alias string) string {
	cols := make([]string, len(ticketColumnNames))
	for i, c := range ticketColumnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// params accumulates positional arguments and hands out $n placeholders
type params struct {
	args []any
}

func (p *params) add(v any) string {
	p.args = append(p.args, v)
	return "$" + strconv.Itoa(len(p.args))
}

// maxIDAttempts bounds id regeneration on a primary key collision
const maxIDAttempts = 5

func newTicketID() string {
	return "tkt-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// CreateTicket inserts a new ticket and records its creation event
// A generated id that collides with an existing ticket is replaced and the
// insert retried.
func (s *PostgresStorage) CreateTicket(ctx context.Context, ticket *types.Ticket, actor string) error {
	generated := ticket.ID == ""
	if generated {
		ticket.ID = newTicketID()
	}
	if ticket.State == "" {
		ticket.State = types.StateDraft
	}
	if ticket.MaxReviewAttempts == 0 {
		ticket.MaxReviewAttempts = types.DefaultMaxReviewAttempts
	}
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = time.Now().UTC()
	}
	ticket.UpdatedAt = ticket.CreatedAt
	if err := ticket.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidTicket, err)
	}

	feedback, err := feedbackArg(ticket.SentinelFeedback)
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := s.insertTicket(ctx, ticket, actor, feedback)
		if generated && isDuplicateID(err) && attempt < maxIDAttempts {
			s.logger.Debug("ticket id collision, regenerating", "id", ticket.ID)
			ticket.ID = newTicketID()
			continue
		}
		return err
	}
}

func (s *PostgresStorage) insertTicket(ctx context.Context, ticket *types.Ticket, actor string, feedback any) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if ticket.ParentTicketID != "" {
			var one int
			err := tx.QueryRow(ctx, "SELECT 1 FROM tickets WHERE id = $1", ticket.ParentTicketID).Scan(&one)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("parent %s: %w", ticket.ParentTicketID, types.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to check parent: %w", err)
			}
		}

		_, err := tx.Exec(ctx, `INSERT INTO tickets (`+ticketColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
			ticket.ID, ticket.Title, ticket.Description, string(ticket.State), ticket.Priority,
			nullString(ticket.AssigneeID), nullString(string(ticket.AssigneeType)),
			nullString(ticket.ReservedFor), nullString(ticket.ParentTicketID),
			ticket.RetryCount, ticket.RetryAfter, feedback,
			ticket.HoldReason, nonNil(ticket.AcceptanceCriteria), nonNil(ticket.CriteriaStatus),
			ticket.MaxReviewAttempts, ticket.PRRef,
			ticket.LastError, ticket.ErrorCategory, ticket.ErrorSubcategory,
			ticket.LastHeartbeat, ticket.ReadyAt,
			ticket.CreatedAt, ticket.UpdatedAt, ticket.ClosedAt,
		)
		if err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("%w: %w", types.ErrInvalidTicket, err)
			}
			return fmt.Errorf("failed to insert ticket: %w", err)
		}

		return insertEvent(ctx, tx, &types.TicketEvent{
			TicketID:  ticket.ID,
			ToState:   ticket.State,
			Reason:    "created",
			Actor:     actor,
			CreatedAt: ticket.CreatedAt,
		})
	})
}

// GetTicket retrieves a ticket by ID
func (s *PostgresStorage) GetTicket(ctx context.Context, id string) (*types.Ticket, error) {
	return getTicket(ctx, s.pool, id)
}

func getTicket(ctx context.Context, q querier, id string) (*types.Ticket, error) {
	t, err := scanTicket(q.QueryRow(ctx, "SELECT "+ticketColumns+" FROM tickets WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket %s: %w", id, err)
	}
	return t, nil
}

// ListTickets returns tickets matching filter, oldest first
func (s *PostgresStorage) ListTickets(ctx context.Context, filter types.TicketFilter) ([]*types.Ticket, error) {
	var p params
	var where []string

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		where = append(where, "state = ANY("+p.add(states)+")")
	}
	if filter.AssigneeID != nil {
		where = append(where, "assignee_id = "+p.add(*filter.AssigneeID))
	}
	if filter.ParentID != nil {
		where = append(where, "parent_ticket_id = "+p.add(*filter.ParentID))
	}

	query := "SELECT " + ticketColumns + " FROM tickets"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + p.add(filter.Limit)
	}
	return queryTickets(ctx, s.pool, query, p.args...)
}

// ListChildren returns every ticket whose parent is parentID
func (s *PostgresStorage) ListChildren(ctx context.Context, parentID string) ([]*types.Ticket, error) {
	return queryTickets(ctx, s.pool,
		"SELECT "+ticketColumns+" FROM tickets WHERE parent_ticket_id = $1 ORDER BY created_at ASC, id ASC", parentID)
}

// UpdateTicket applies upd guarded by the expected current state
func (s *PostgresStorage) UpdateTicket(ctx context.Context, id string, from types.TicketState, upd *types.TicketUpdate, event *types.TicketEvent) (*types.Ticket, error) {
	return s.UpdateTicketSteps(ctx, id, from, []types.TicketStep{{Update: upd, Event: event}})
}

// UpdateTicketSteps applies steps in order inside one transaction. The first
// step is guarded on from, each later one on the state the step before it set.
func (s *PostgresStorage) UpdateTicketSteps(ctx context.Context, id string, from types.TicketState, steps []types.TicketStep) (*types.Ticket, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("update ticket %s: no steps", id)
	}
	var updated *types.Ticket
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		state := from
		for _, step := range steps {
			if err := applyUpdate(ctx, tx, id, state, step.Update, step.Event); err != nil {
				return err
			}
			if step.Update.State != "" {
				state = step.Update.State
			}
		}
		var err error
		updated, err = getTicket(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func applyUpdate(ctx context.Context, tx pgx.Tx, id string, from types.TicketState, upd *types.TicketUpdate, event *types.TicketEvent) error {
	at := upd.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	var p params
	sets := []string{"updated_at = " + p.add(at)}

	if upd.State != "" {
		sets = append(sets, "state = "+p.add(string(upd.State)))
	}
	if upd.ClearAssignee {
		sets = append(sets, "assignee_id = NULL", "assignee_type = NULL")
	} else {
		if upd.AssigneeID != nil {
			sets = append(sets, "assignee_id = "+p.add(*upd.AssigneeID))
		}
		if upd.AssigneeType != nil {
			sets = append(sets, "assignee_type = "+p.add(string(*upd.AssigneeType)))
		}
	}
	if upd.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}
	if upd.ClearRetryAfter {
		sets = append(sets, "retry_after = NULL")
	} else if upd.RetryAfter != nil {
		sets = append(sets, "retry_after = "+p.add(upd.RetryAfter.UTC()))
	}
	if upd.ClearFeedback {
		sets = append(sets, "sentinel_feedback = NULL")
	} else if upd.SentinelFeedback != nil {
		fb, err := feedbackArg(upd.SentinelFeedback)
		if err != nil {
			return err
		}
		sets = append(sets, "sentinel_feedback = "+p.add(fb))
	}
	if upd.HoldReason != nil {
		sets = append(sets, "hold_reason = "+p.add(*upd.HoldReason))
	}
	if upd.PRRef != nil {
		sets = append(sets, "pr_ref = "+p.add(*upd.PRRef))
	}
	if upd.CriteriaStatus != nil {
		sets = append(sets, "criteria_status = "+p.add(upd.CriteriaStatus))
	}
	if upd.LastError != nil {
		sets = append(sets, "last_error = "+p.add(*upd.LastError))
	}
	if upd.ErrorCategory != nil {
		sets = append(sets, "error_category = "+p.add(*upd.ErrorCategory))
	}
	if upd.ErrorSubcategory != nil {
		sets = append(sets, "error_subcategory = "+p.add(*upd.ErrorSubcategory))
	}
	if upd.LastHeartbeat != nil {
		sets = append(sets, "last_heartbeat = "+p.add(upd.LastHeartbeat.UTC()))
	}
	if upd.MarkReady {
		sets = append(sets, "ready_at = "+p.add(at))
	}
	if upd.MarkClosed {
		sets = append(sets, "closed_at = "+p.add(at))
	}

	where := []string{"id = " + p.add(id), "state = " + p.add(string(from))}
	if upd.ExpectAssignee != "" {
		where = append(where, "assignee_id = "+p.add(upd.ExpectAssignee))
	}
	if !upd.ExpectStaleBefore.IsZero() {
		where = append(where, "COALESCE(last_heartbeat, updated_at) < "+p.add(upd.ExpectStaleBefore.UTC()))
	}
	query := "UPDATE tickets SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")

	tag, err := tx.Exec(ctx, query, p.args...)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %v", types.ErrInvalidTicket, err)
		}
		return fmt.Errorf("failed to update ticket %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		var assignee *string
		err := tx.QueryRow(ctx, "SELECT state, assignee_id FROM tickets WHERE id = $1", id).Scan(&current, &assignee)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("ticket %s: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read ticket state: %w", err)
		}
		if current == string(from) {
			held := ""
			if assignee != nil {
				held = *assignee
			}
			return fmt.Errorf("%w: ticket %s (%s, assignee %q) no longer matches the update guard", types.ErrStateConflict, id, current, held)
		}
		return fmt.Errorf("%w: ticket %s is %s, expected %s", types.ErrStateConflict, id, current, from)
	}

	if upd.State != "" && event != nil {
		event.TicketID = id
		event.FromState = from
		event.ToState = upd.State
		event.CreatedAt = at
		if err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	return nil
}

func queryTickets(ctx context.Context, q querier, query string, args ...any) ([]*types.Ticket, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

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

func scanTicket(row pgx.Row) (*types.Ticket, error) {
	var t types.Ticket
	var (
		state                                           string
		assigneeID, assigneeType, reservedFor, parentID *string
		feedback                                        []byte
		criteria, status                                []byte
	)

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &state, &t.Priority, &assigneeID, &assigneeType,
		&reservedFor, &parentID, &t.RetryCount, &t.RetryAfter, &feedback,
		&t.HoldReason, &criteria, &status, &t.MaxReviewAttempts, &t.PRRef,
		&t.LastError, &t.ErrorCategory, &t.ErrorSubcategory, &t.LastHeartbeat, &t.ReadyAt,
		&t.CreatedAt, &t.UpdatedAt, &t.ClosedAt,
	)
	if err != nil {
		return nil, err
	}

	t.State = types.TicketState(state)
	t.AssigneeID = deref(assigneeID)
	t.AssigneeType = types.AssigneeType(deref(assigneeType))
	t.ReservedFor = deref(reservedFor)
	t.ParentTicketID = deref(parentID)

	if err := json.Unmarshal(criteria, &t.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("ticket %s: invalid acceptance_criteria: %w", t.ID, err)
	}
	if err := json.Unmarshal(status, &t.CriteriaStatus); err != nil {
		return nil, fmt.Errorf("ticket %s: invalid criteria_status: %w", t.ID, err)
	}
	if len(feedback) > 0 {
		var fb types.SentinelFeedback
		if err := json.Unmarshal(feedback, &fb); err != nil {
			return nil, fmt.Errorf("ticket %s: invalid sentinel_feedback: %w", t.ID, err)
		}
		if err := fb.Validate(); err != nil {
			return nil, fmt.Errorf("ticket %s: sentinel_feedback: %w", t.ID, err)
		}
		t.SentinelFeedback = &fb
	}
	return &t, nil
}

// feedbackArg validates fb and returns it ready to bind to a JSONB column
func feedbackArg(fb *types.SentinelFeedback) (any, error) {
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

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
