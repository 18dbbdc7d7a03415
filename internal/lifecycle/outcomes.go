package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swarm-dev/swarm/internal/retry"
	"github.com/swarm-dev/swarm/internal/storage"
	"github.com/swarm-dev/swarm/internal/types"
)

// HoldReasonMaxRetries is the hold reason for a ticket whose review cycles ran out
const HoldReasonMaxRetries = "max retries exceeded"

const maxCancelAttempts = 5

// ReportFailure classifies message and either requeues the ticket with a
// backoff or puts it on hold once the category's retry budget or the
// ticket's max_review_attempts is spent.
//
// assigneeID names the claim that failed; empty means whoever holds the
// ticket. Reports against a ticket that is not assigned or in progress, or
// that is held by someone else, are ignored and return the ticket as is.
func (e *Engine) ReportFailure(ctx context.Context, id, assigneeID, message string) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "ReportFailure", id)
	defer func() { endSpan(span, t, err) }()
	return e.reportFailure(ctx, id, message, assigneeID, time.Time{})
}

// ReportTimeout is ReportFailure for a heartbeat monitor. It applies only
// while assigneeID still holds the ticket and its last heartbeat (or last
// update) is older than staleBefore.
func (e *Engine) ReportTimeout(ctx context.Context, id, assigneeID string, staleBefore time.Time, message string) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "ReportTimeout", id)
	defer func() { endSpan(span, t, err) }()
	return e.reportFailure(ctx, id, message, assigneeID, staleBefore)
}

func (e *Engine) reportFailure(ctx context.Context, id, message, assigneeID string, staleBefore time.Time) (*types.Ticket, error) {
	t, err := e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.State.IsWorking() {
		e.logger.Info("ignoring failure report", "ticket_id", id, "state", t.State)
		return t, nil
	}
	if assigneeID != "" && t.AssigneeID != assigneeID {
		e.logger.Info("ignoring failure report for another claim",
			"ticket_id", id, "reported_for", assigneeID, "assignee", t.AssigneeID)
		return t, nil
	}
	if !staleBefore.IsZero() && !lastSeen(t).Before(staleBefore) {
		e.logger.Info("ignoring timeout for a live claim", "ticket_id", id, "assignee", t.AssigneeID)
		return t, nil
	}

	now := e.now()
	d := retry.Decide(message, t.RetryCount)
	category := string(d.Classification.Category)
	sub := d.Classification.Subcategory
	actor := t.AssigneeID

	upd := &types.TicketUpdate{
		LastError:         &message,
		ErrorCategory:     &category,
		ErrorSubcategory:  &sub,
		At:                now,
		ExpectAssignee:    t.AssigneeID,
		ExpectStaleBefore: staleBefore,
	}
	// review and operator feedback is kept; failure feedback tracks the latest failure
	if t.SentinelFeedback == nil || t.SentinelFeedback.Source == types.FeedbackFromFailure {
		upd.SentinelFeedback = types.NewFailureFeedback(category, sub, message, d.Attempt, now)
	}

	limit := e.reviewLimit(t)
	switch {
	case d.Retry && t.RetryCount < limit:
		retryAfter := now.Add(d.Delay)
		upd.IncrementRetry = true
		upd.RetryAfter = &retryAfter
		reason := fmt.Sprintf("%s failure, retry %d/%d after %s", d.Classification, d.Attempt, d.Policy.MaxRetries, d.Delay)
		t, err = e.transition(ctx, t, types.StateReady, upd, reason, actor)
	case d.Retry:
		hold := fmt.Sprintf("%s after %d attempts", HoldReasonMaxRetries, t.RetryCount)
		upd.HoldReason = &hold
		t, err = e.transition(ctx, t, types.StateOnHold, upd, hold, actor)
	default:
		hold := fmt.Sprintf("%s for category %s", HoldReasonMaxRetries, category)
		upd.HoldReason = &hold
		t, err = e.transition(ctx, t, types.StateOnHold, upd, hold, actor)
	}
	if err != nil {
		if !errors.Is(err, storage.ErrStateConflict) {
			return nil, err
		}
		// the claim moved on between the read and the guarded write
		current, getErr := e.store.GetTicket(ctx, id)
		if getErr != nil {
			return nil, err
		}
		e.logger.Info("ignoring failure report for a claim that moved on",
			"ticket_id", id, "state", current.State, "assignee", current.AssigneeID)
		return current, nil
	}

	e.logger.Info("ticket failure handled",
		"ticket_id", id, "classification", d.Classification.String(),
		"confidence", d.Classification.Confidence, "retry", t.State == types.StateReady, "state", t.State)
	return t, nil
}

func lastSeen(t *types.Ticket) time.Time {
	if t.LastHeartbeat != nil {
		return *t.LastHeartbeat
	}
	return t.UpdatedAt
}

// reviewLimit is the ticket's ceiling on requeue cycles
func (e *Engine) reviewLimit(t *types.Ticket) int {
	if t.MaxReviewAttempts > 0 {
		return t.MaxReviewAttempts
	}
	return e.maxReviewAttempts
}

// ReportReviewOutcome records review and applies its decision. Approval
// finishes the ticket; any other decision passes through sentinel_failed and
// is resolved immediately into a requeue carrying the review's issues, or a
// hold once max_review_attempts is reached.
func (e *Engine) ReportReviewOutcome(ctx context.Context, id string, review *types.Review) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "ReportReviewOutcome", id)
	defer func() { endSpan(span, t, err) }()

	t, err = e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State.IsTerminal() {
		e.logger.Info("ignoring review outcome", "ticket_id", id, "state", t.State)
		return t, nil
	}
	if t.State != types.StateInReview {
		return nil, fmt.Errorf("ticket %s: %w: review outcome while %s", id, types.ErrInvalidTransition, t.State)
	}

	review.TicketID = id
	if review.CreatedAt.IsZero() {
		review.CreatedAt = e.now()
	}
	if err := e.store.CreateReview(ctx, review); err != nil {
		return nil, fmt.Errorf("failed to record review: %w", err)
	}

	actor := review.Reviewer
	if review.Decision == types.DecisionApprove {
		t, err = e.transition(ctx, t, types.StateDone, &types.TicketUpdate{
			ClearFeedback:   true,
			ClearRetryAfter: true,
			MarkClosed:      true,
		}, fmt.Sprintf("approved (score %d)", review.Score), actor)
		if err != nil {
			return e.settle(ctx, id, "report review outcome", err)
		}
		e.unblockDependents(ctx, id)
		return t, nil
	}

	feedback := types.NewReviewFeedback(review, t.RetryCount+1)
	failed := step{
		to:     types.StateSentinelFailed,
		upd:    &types.TicketUpdate{SentinelFeedback: feedback},
		reason: fmt.Sprintf("review %s: %d issues", review.Decision, len(review.Issues)),
	}
	t, err = e.transitionSteps(ctx, t, actor, failed, e.resolveSentinelFailed(t))
	if err != nil {
		return e.settle(ctx, id, "report review outcome", err)
	}
	return t, nil
}

// resolveSentinelFailed is the step out of sentinel_failed: a requeue that
// keeps the review feedback, or a hold once the review budget is spent.
func (e *Engine) resolveSentinelFailed(t *types.Ticket) step {
	limit := e.reviewLimit(t)
	if t.RetryCount < limit {
		return step{
			to: types.StateReady,
			upd: &types.TicketUpdate{
				IncrementRetry:  true,
				ClearRetryAfter: true,
			},
			reason: fmt.Sprintf("requeued with review feedback (attempt %d/%d)", t.RetryCount+1, limit),
		}
	}
	hold := HoldReasonMaxRetries
	return step{
		to:     types.StateOnHold,
		upd:    &types.TicketUpdate{HoldReason: &hold},
		reason: hold,
	}
}

// RequeueForRework sends a held, failed or in-review ticket back to ready
// through revision_pending. Non-empty notes become operator feedback; the
// issues of any earlier feedback are carried into it.
func (e *Engine) RequeueForRework(ctx context.Context, id, notes, actor string) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "RequeueForRework", id)
	defer func() { endSpan(span, t, err) }()

	t, err = e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.State.CanTransitionTo(types.StateRevisionPending) {
		return nil, fmt.Errorf("ticket %s: %w: cannot requeue from %s", id, types.ErrInvalidTransition, t.State)
	}

	now := e.now()
	upd := &types.TicketUpdate{At: now}
	if strings.TrimSpace(notes) != "" {
		fb := types.NewOperatorFeedback(notes, t.RetryCount+1, now)
		if prev := t.SentinelFeedback; prev != nil {
			fb.Issues = append(fb.Issues, prev.Issues...)
			fb.CriteriaVerification = prev.CriteriaVerification
			fb.ReviewID = prev.ReviewID
		}
		upd.SentinelFeedback = fb
	}

	reason := "rework requested"
	if notes != "" {
		reason += ": " + notes
	}
	cleared := ""
	t, err = e.transitionSteps(ctx, t, actor,
		step{to: types.StateRevisionPending, upd: upd, reason: reason},
		step{to: types.StateReady, upd: &types.TicketUpdate{
			IncrementRetry:  true,
			ClearRetryAfter: true,
			HoldReason:      &cleared,
		}, reason: "requeued for rework"},
	)
	if err != nil {
		return e.settle(ctx, id, "requeue for rework", err, types.StateReady)
	}
	return t, nil
}

// HoldForHuman parks a ticket for manual attention
func (e *Engine) HoldForHuman(ctx context.Context, id, reason, actor string) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "HoldForHuman", id)
	defer func() { endSpan(span, t, err) }()

	t, err = e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == types.StateOnHold {
		return t, nil
	}
	if strings.TrimSpace(reason) == "" {
		reason = "held by operator"
	}
	t, err = e.transition(ctx, t, types.StateOnHold, &types.TicketUpdate{HoldReason: &reason}, reason, actor)
	if err != nil {
		return e.settle(ctx, id, "hold for human", err, types.StateOnHold)
	}
	return t, nil
}

// Cancel ends a ticket permanently. Cancelling a cancelled ticket is a no-op.
// A cancel that loses a race with another transition re-reads the ticket and
// tries again, so it can be issued while a completion report is in flight.
func (e *Engine) Cancel(ctx context.Context, id, reason, actor string) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "Cancel", id)
	defer func() { endSpan(span, t, err) }()

	if reason == "" {
		reason = "cancelled"
	}
	for attempt := 1; ; attempt++ {
		t, err = e.store.GetTicket(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.State == types.StateCancelled {
			return t, nil
		}
		var cancelled *types.Ticket
		cancelled, err = e.transition(ctx, t, types.StateCancelled, &types.TicketUpdate{MarkClosed: true}, reason, actor)
		if err == nil {
			return cancelled, nil
		}
		if !errors.Is(err, storage.ErrStateConflict) || attempt >= maxCancelAttempts {
			return e.settle(ctx, id, "cancel", err)
		}
	}
}

// MarkFailed records that an operator gave up on a held ticket
func (e *Engine) MarkFailed(ctx context.Context, id, reason, actor string) (t *types.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "MarkFailed", id)
	defer func() { endSpan(span, t, err) }()

	t, err = e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == types.StateFailed {
		return t, nil
	}
	if reason == "" {
		reason = "given up by operator"
	}
	t, err = e.transition(ctx, t, types.StateFailed, &types.TicketUpdate{LastError: &reason}, reason, actor)
	if err != nil {
		return e.settle(ctx, id, "mark failed", err, types.StateFailed)
	}
	return t, nil
}

// Get returns a ticket by id
func (e *Engine) Get(ctx context.Context, id string) (*types.Ticket, error) {
	return e.store.GetTicket(ctx, id)
}

// ListReady returns up to limit tickets claimable by filter right now, in claim order
func (e *Engine) ListReady(ctx context.Context, filter types.ClaimFilter, limit int) ([]*types.Ticket, error) {
	return e.store.ListReady(ctx, filter, e.now(), limit)
}

// History is a ticket with its reviews and audit trail
type History struct {
	Ticket  *types.Ticket        `json:"ticket"`
	Reviews []*types.Review      `json:"reviews"`
	Events  []*types.TicketEvent `json:"events"`
}

// History loads a ticket's reviews and its most recent events (all when eventLimit <= 0)
func (e *Engine) History(ctx context.Context, id string, eventLimit int) (*History, error) {
	t, err := e.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	reviews, err := e.store.GetReviews(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get reviews: %w", err)
	}
	evts, err := e.store.GetEvents(ctx, id, eventLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return &History{Ticket: t, Reviews: reviews, Events: evts}, nil
}
