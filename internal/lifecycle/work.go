package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/swarm-dev/swarm/internal/storage"
	"github.com/swarm-dev/swarm/internal/types"
)

// CreateTicket stores a new ticket in draft
func (e *Engine) CreateTicket(ctx context.Context, t *types.Ticket, actor string) (err error) {
	ctx, span := e.startSpan(ctx, "CreateTicket", t.ID)
	defer func() { endSpan(span, t, err) }()

	if t.State == "" {
		t.State = types.StateDraft
	}
	if t.State != types.StateDraft {
		return fmt.Errorf("%w: new tickets start in draft (got %s)", storage.ErrInvalidTicket, t.State)
	}
	if t.MaxReviewAttempts == 0 {
		t.MaxReviewAttempts = e.maxReviewAttempts
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = e.now()
	}
	if err := e.store.CreateTicket(ctx, t, actor); err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}
	e.notify(ctx, "", t, "created", actor, t.CreatedAt)
	return nil
}

// AddDependency makes ticketID wait for dependsOnID. A ready ticket that
// gains an unfinished dependency goes back to blocked.
func (e *Engine) AddDependency(ctx context.Context, ticketID, dependsOnID, actor string) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "AddDependency", ticketID)
	defer func() { endSpan(span, t, err) }()

	if err := e.store.AddDependency(ctx, &types.Dependency{
		TicketID:    ticketID,
		DependsOnID: dependsOnID,
		CreatedAt:   e.now(),
		CreatedBy:   actor,
	}); err != nil {
		return nil, fmt.Errorf("failed to add dependency: %w", err)
	}

	t, err = e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if t.State != types.StateReady {
		return t, nil
	}
	dep, err := e.store.GetTicket(ctx, dependsOnID)
	if err != nil {
		return nil, err
	}
	if dep.State == types.StateDone {
		return t, nil
	}
	blocked, err := e.transition(ctx, t, types.StateBlocked, nil, "waiting on "+dependsOnID, actor)
	if err != nil {
		return e.settle(ctx, ticketID, "add dependency", err, types.StateBlocked, types.StateAssigned)
	}
	return blocked, nil
}

// Activate releases a draft or blocked ticket: ready when every dependency
// is done, blocked otherwise.
func (e *Engine) Activate(ctx context.Context, id, actor string) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "Activate", id)
	defer func() { endSpan(span, t, err) }()

	t, err = e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State != types.StateDraft && t.State != types.StateBlocked {
		return nil, fmt.Errorf("ticket %s: %w: cannot activate from %s", id, types.ErrInvalidTransition, t.State)
	}

	pending, err := e.pendingDependencies(ctx, id)
	if err != nil {
		return nil, err
	}

	if len(pending) > 0 {
		if t.State == types.StateBlocked {
			return t, nil
		}
		t, err = e.transition(ctx, t, types.StateBlocked, nil, fmt.Sprintf("waiting on %d dependencies", len(pending)), actor)
		if err != nil {
			return e.settle(ctx, id, "activate", err, types.StateBlocked, types.StateReady)
		}
		return t, nil
	}

	t, err = e.transition(ctx, t, types.StateReady, &types.TicketUpdate{ClearRetryAfter: true}, "activated", actor)
	if err != nil {
		return e.settle(ctx, id, "activate", err, types.StateReady)
	}
	return t, nil
}

func (e *Engine) pendingDependencies(ctx context.Context, id string) ([]*types.Ticket, error) {
	deps, err := e.store.GetDependencies(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get dependencies: %w", err)
	}
	var pending []*types.Ticket
	for _, d := range deps {
		if d.State != types.StateDone {
			pending = append(pending, d)
		}
	}
	return pending, nil
}

// unblockDependents readies every blocked ticket whose last dependency was doneID.
// Failures are logged; the completed ticket is already done.
func (e *Engine) unblockDependents(ctx context.Context, doneID string) {
	dependents, err := e.store.GetDependents(ctx, doneID)
	if err != nil {
		e.logger.Warn("failed to load dependents", "ticket_id", doneID, "error", err)
		return
	}
	for _, d := range dependents {
		if d.State != types.StateBlocked {
			continue
		}
		if _, err := e.Activate(ctx, d.ID, "system"); err != nil {
			e.logger.Warn("failed to unblock dependent", "ticket_id", d.ID, "dependency", doneID, "error", err)
		}
	}
}

// Claim atomically assigns one eligible ready ticket to filter.AssigneeID.
// It returns (nil, nil) when there is no work.
func (e *Engine) Claim(ctx context.Context, filter types.ClaimFilter) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "Claim", "")
	defer func() { endSpan(span, t, err) }()

	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid claim filter: %w", err)
	}
	now := e.now()
	t, err = e.store.ClaimTicket(ctx, filter, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim ticket: %w", err)
	}
	if t == nil {
		return nil, nil
	}
	span.SetAttributes(ticketAttr(t.ID))
	e.notify(ctx, types.StateReady, t, "claimed", filter.AssigneeID, now)
	return t, nil
}

// Start records that the assignee began work
func (e *Engine) Start(ctx context.Context, id, assigneeID string) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "Start", id)
	defer func() { endSpan(span, t, err) }()

	t, err = e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkAssignee(t, assigneeID); err != nil {
		return nil, err
	}
	if t.State == types.StateInProgress {
		return t, nil
	}

	now := e.now()
	t, err = e.transition(ctx, t, types.StateInProgress, &types.TicketUpdate{LastHeartbeat: &now, At: now}, "started", assigneeID)
	if err != nil {
		return e.settle(ctx, id, "start", err, types.StateInProgress)
	}
	return t, nil
}

// ReportProgress refreshes the heartbeat of an assigned or in-progress ticket.
// It is advisory and never changes state.
func (e *Engine) ReportProgress(ctx context.Context, id string) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "ReportProgress", id)
	defer func() { endSpan(span, t, err) }()

	t, err = e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State != types.StateAssigned && t.State != types.StateInProgress {
		e.logger.Info("ignoring heartbeat", "ticket_id", id, "state", t.State)
		return t, nil
	}

	now := e.now()
	updated, err := e.store.UpdateTicket(ctx, id, t.State, &types.TicketUpdate{LastHeartbeat: &now, At: now}, nil)
	if errors.Is(err, storage.ErrStateConflict) {
		// state moved on; the heartbeat no longer matters
		return e.store.GetTicket(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return updated, nil
}

// ReportCompletion submits the work for review. A repeated report (duplicate
// webhook) or a report against a cancelled ticket is a no-op.
func (e *Engine) ReportCompletion(ctx context.Context, id, prRef string, criteria []types.CriterionStatus) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "ReportCompletion", id)
	defer func() { endSpan(span, t, err) }()

	t, err = e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.State {
	case types.StateInReview, types.StateDone, types.StateCancelled:
		e.logger.Info("ignoring completion report", "ticket_id", id, "state", t.State)
		return t, nil
	}
	if err := checkCriteria(t, criteria); err != nil {
		return nil, err
	}

	now := e.now()
	upd := &types.TicketUpdate{
		PRRef:          &prRef,
		CriteriaStatus: nonNilStatus(criteria),
		LastHeartbeat:  &now,
		At:             now,
	}
	reason := "submitted for review"
	if prRef != "" {
		reason = "submitted " + prRef + " for review"
	}
	actor := t.AssigneeID
	t, err = e.transition(ctx, t, types.StateInReview, upd, reason, actor)
	if err != nil {
		return e.settle(ctx, id, "report completion", err, types.StateInReview)
	}
	return t, nil
}

func checkAssignee(t *types.Ticket, assigneeID string) error {
	if assigneeID == "" || t.AssigneeID == "" || t.AssigneeID == assigneeID {
		return nil
	}
	return fmt.Errorf("%w: ticket %s is held by %s, not %s", storage.ErrStateConflict, t.ID, t.AssigneeID, assigneeID)
}

func checkCriteria(t *types.Ticket, statuses []types.CriterionStatus) error {
	known := make(map[string]bool, len(t.AcceptanceCriteria))
	for _, c := range t.AcceptanceCriteria {
		known[c.ID] = true
	}
	for _, s := range statuses {
		if !known[s.CriterionID] {
			return fmt.Errorf("%w: ticket %s has no acceptance criterion %q", storage.ErrInvalidTicket, t.ID, s.CriterionID)
		}
	}
	return nil
}

func nonNilStatus(s []types.CriterionStatus) []types.CriterionStatus {
	if s == nil {
		return []types.CriterionStatus{}
	}
	return s
}
