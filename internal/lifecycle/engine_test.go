package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swarm-dev/swarm/internal/events"
	"github.com/swarm-dev/swarm/internal/storage"
	"github.com/swarm-dev/swarm/internal/storage/sqlite"
	"github.com/swarm-dev/swarm/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// newFakeClock starts off a whole second so stored times are compared at
// millisecond precision
func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second).Add(437 * time.Millisecond)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures notifications synchronously
type recorder struct {
	mu      sync.Mutex
	changes []events.StateChange
}

func (r *recorder) Notify(_ context.Context, c events.StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) transitions(ticketID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.changes {
		if c.TicketID == ticketID {
			out = append(out, string(c.FromState)+"→"+string(c.ToState))
		}
	}
	return out
}

type harness struct {
	engine *Engine
	store  *sqlite.SQLiteStorage
	clock  *fakeClock
	events *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "swarm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{store: store, clock: newFakeClock(), events: &recorder{}}
	h.engine, err = New(Config{Store: store, Notifier: h.events, Clock: h.clock.Now})
	require.NoError(t, err)
	return h
}

// readyTicket creates and activates a ticket
func (h *harness) readyTicket(t *testing.T, title string, mutate func(*types.Ticket)) *types.Ticket {
	t.Helper()
	tk := &types.Ticket{
		Title:              title,
		Priority:           2,
		AcceptanceCriteria: []types.AcceptanceCriterion{{ID: "ac-1", Description: "endpoint returns 200"}},
	}
	if mutate != nil {
		mutate(tk)
	}
	ctx := context.Background()
	require.NoError(t, h.engine.CreateTicket(ctx, tk, "test"))
	activated, err := h.engine.Activate(ctx, tk.ID, "test")
	require.NoError(t, err)
	require.Equal(t, types.StateReady, activated.State)
	return activated
}

// inReview drives a ready ticket through claim, start and completion
func (h *harness) inReview(t *testing.T, id, agent string) *types.Ticket {
	t.Helper()
	ctx := context.Background()
	claimed, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: agent})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, id, claimed.ID)
	_, err = h.engine.Start(ctx, id, agent)
	require.NoError(t, err)
	tk, err := h.engine.ReportCompletion(ctx, id, "pr-1", []types.CriterionStatus{{CriterionID: "ac-1", Met: true}})
	require.NoError(t, err)
	require.Equal(t, types.StateInReview, tk.State)
	return tk
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "add health endpoint", nil)

	claimed, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, types.StateAssigned, claimed.State)
	assert.Equal(t, "agent-1", claimed.AssigneeID)
	assert.Equal(t, types.AssigneeAgent, claimed.AssigneeType)

	started, err := h.engine.Start(ctx, tk.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateInProgress, started.State)
	require.NotNil(t, started.LastHeartbeat)

	h.clock.Advance(time.Minute)
	progressed, err := h.engine.ReportProgress(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, progressed.LastHeartbeat.After(*started.LastHeartbeat))

	submitted, err := h.engine.ReportCompletion(ctx, tk.ID, "https://git.example.com/pr/7",
		[]types.CriterionStatus{{CriterionID: "ac-1", Met: true, Notes: "curl ok"}})
	require.NoError(t, err)
	assert.Equal(t, types.StateInReview, submitted.State)
	assert.Equal(t, "https://git.example.com/pr/7", submitted.PRRef)
	require.Len(t, submitted.CriteriaStatus, 1)
	assert.True(t, submitted.CriteriaStatus[0].Met)

	done, err := h.engine.ReportReviewOutcome(ctx, tk.ID, &types.Review{Decision: types.DecisionApprove, Score: 92, Reviewer: "sentinel"})
	require.NoError(t, err)
	assert.Equal(t, types.StateDone, done.State)
	assert.Empty(t, done.AssigneeID)
	assert.NotNil(t, done.ClosedAt)
	assert.Nil(t, done.SentinelFeedback)

	assert.Equal(t, []string{
		"→draft", "draft→ready", "ready→assigned", "assigned→in_progress", "in_progress→in_review", "in_review→done",
	}, h.events.transitions(tk.ID))

	hist, err := h.engine.History(ctx, tk.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist.Reviews, 1)
	assert.Equal(t, 92, hist.Reviews[0].Score)
	require.Len(t, hist.Events, 6)
	assert.Equal(t, types.StateDone, hist.Events[5].ToState)
}

func TestClaimNoWork(t *testing.T) {
	h := newHarness(t)
	claimed, err := h.engine.Claim(context.Background(), types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	assert.Nil(t, claimed)

	_, err = h.engine.Claim(context.Background(), types.ClaimFilter{})
	assert.Error(t, err)
}

func TestCreateTicketStartsInDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := &types.Ticket{Title: "draft me"}
	require.NoError(t, h.engine.CreateTicket(ctx, tk, "test"))
	assert.Equal(t, types.StateDraft, tk.State)
	assert.Equal(t, types.DefaultMaxReviewAttempts, tk.MaxReviewAttempts)

	err := h.engine.CreateTicket(ctx, &types.Ticket{Title: "skip ahead", State: types.StateReady}, "test")
	assert.True(t, errors.Is(err, storage.ErrInvalidTicket))
}

func TestDependenciesBlockAndRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.readyTicket(t, "schema", nil)
	second := &types.Ticket{Title: "handler", AcceptanceCriteria: []types.AcceptanceCriterion{{ID: "ac-1", Description: "x"}}}
	require.NoError(t, h.engine.CreateTicket(ctx, second, "test"))
	_, err := h.engine.AddDependency(ctx, second.ID, first.ID, "test")
	require.NoError(t, err)

	blocked, err := h.engine.Activate(ctx, second.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, types.StateBlocked, blocked.State)

	// activating again while still blocked changes nothing
	again, err := h.engine.Activate(ctx, second.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, types.StateBlocked, again.State)

	h.inReview(t, first.ID, "agent-1")
	_, err = h.engine.ReportReviewOutcome(ctx, first.ID, &types.Review{Decision: types.DecisionApprove, Score: 100})
	require.NoError(t, err)

	released, err := h.engine.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, released.State)
}

func TestAddDependencyReblocksReadyTicket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.readyTicket(t, "a", nil)
	b := h.readyTicket(t, "b", nil)

	updated, err := h.engine.AddDependency(ctx, b.ID, a.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, types.StateBlocked, updated.State)

	_, err = h.engine.AddDependency(ctx, a.ID, b.ID, "test")
	assert.True(t, errors.Is(err, storage.ErrInvalidTicket), "cycle must be rejected")
}

func TestReportFailureSyntaxGoesStraightToHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "parser", nil)
	_, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, tk.ID, "agent-1")
	require.NoError(t, err)

	held, err := h.engine.ReportFailure(ctx, tk.ID, "agent-1", "SyntaxError: Unexpected token '}' in app.js:12")
	require.NoError(t, err)
	assert.Equal(t, types.StateOnHold, held.State)
	assert.Equal(t, "max retries exceeded for category syntax", held.HoldReason)
	assert.Equal(t, 0, held.RetryCount)
	assert.Empty(t, held.AssigneeID)
	assert.Equal(t, "syntax", held.ErrorCategory)
	assert.Equal(t, "unexpected_token", held.ErrorSubcategory)

	assert.NotContains(t, h.events.transitions(tk.ID), "in_progress→ready")
}

func TestReportFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "client", nil)
	_, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)

	failedAt := h.clock.Now()
	requeued, err := h.engine.ReportFailure(ctx, tk.ID, "agent-1", "connect ECONNREFUSED 127.0.0.1:5432")
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, requeued.State)
	assert.Equal(t, 1, requeued.RetryCount)
	require.NotNil(t, requeued.RetryAfter)
	assert.True(t, requeued.RetryAfter.Equal(failedAt.Add(time.Second)), "api backoff for attempt 1 is 1s")
	assert.Equal(t, "api", requeued.ErrorCategory)
	require.NotNil(t, requeued.SentinelFeedback)
	assert.Equal(t, types.FeedbackFromFailure, requeued.SentinelFeedback.Source)

	claimed, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-2"})
	require.NoError(t, err)
	assert.Nil(t, claimed, "ticket must not be claimable inside its backoff window")

	h.clock.Advance(time.Second)
	claimed, err = h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-2"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, tk.ID, claimed.ID)
}

func TestReportFailureExhaustsCategoryBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "big prompt", nil)
	msg := "request failed: prompt is too long for the model's context window"

	_, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	first, err := h.engine.ReportFailure(ctx, tk.ID, "agent-1", msg)
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, first.State)
	assert.Equal(t, 1, first.RetryCount)

	h.clock.Advance(time.Hour)
	_, err = h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	second, err := h.engine.ReportFailure(ctx, tk.ID, "agent-1", msg)
	require.NoError(t, err)
	assert.Equal(t, types.StateOnHold, second.State)
	assert.Equal(t, "max retries exceeded for category context", second.HoldReason)
	assert.Equal(t, 1, second.RetryCount, "retry count is never reduced")
}

func TestReportFailureIgnoredWhenNotWorking(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness, id string)
		want  types.TicketState
	}{
		{"ready", func(*testing.T, *harness, string) {}, types.StateReady},
		{"in review", func(t *testing.T, h *harness, id string) { h.inReview(t, id, "agent-1") }, types.StateInReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tk := h.readyTicket(t, "idle", nil)
			tt.setup(t, h, tk.ID)

			got, err := h.engine.ReportFailure(context.Background(), tk.ID, "", "panic: runtime error: index out of range")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.State)
			assert.Equal(t, 0, got.RetryCount)
			assert.Empty(t, got.LastError)
		})
	}
}

func TestReportFailureRetryAfterSubSecond(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "client", nil)
	_, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	failed, err := h.engine.ReportFailure(ctx, tk.ID, "agent-1", "connect ECONNREFUSED 10.0.0.7:443")
	require.NoError(t, err)
	require.NotNil(t, failed.RetryAfter)
	retryAt := *failed.RetryAfter

	h.clock.Advance(999 * time.Millisecond)
	claimed, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-2"})
	require.NoError(t, err)
	assert.Nil(t, claimed, "1ms before retry_after")

	h.clock.Advance(501 * time.Millisecond)
	require.True(t, h.clock.Now().Equal(retryAt.Add(500*time.Millisecond)))
	claimed, err = h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-2"})
	require.NoError(t, err)
	require.NotNil(t, claimed, "500ms after retry_after")
	assert.Equal(t, tk.ID, claimed.ID)
}

func TestReportFailureForAnotherClaimIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "worker", nil)
	_, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-A"})
	require.NoError(t, err)
	_, err = h.engine.ReportFailure(ctx, tk.ID, "agent-A", "connect ECONNREFUSED 10.0.0.7:443")
	require.NoError(t, err)

	h.clock.Advance(2 * time.Second)
	claimed, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-B"})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = h.engine.Start(ctx, tk.ID, "agent-B")
	require.NoError(t, err)

	got, err := h.engine.ReportFailure(ctx, tk.ID, "agent-A", "heartbeat timeout: no heartbeat from agent-A")
	require.NoError(t, err)
	assert.Equal(t, types.StateInProgress, got.State)
	assert.Equal(t, "agent-B", got.AssigneeID)
	assert.Equal(t, 1, got.RetryCount)

	// a timeout for the live holder whose heartbeat is newer than the cutoff is ignored too
	got, err = h.engine.ReportTimeout(ctx, tk.ID, "agent-B", h.clock.Now().Add(-time.Millisecond), "heartbeat timeout: no heartbeat from agent-B")
	require.NoError(t, err)
	assert.Equal(t, types.StateInProgress, got.State)
	assert.Equal(t, "agent-B", got.AssigneeID)

	h.clock.Advance(time.Hour)
	got, err = h.engine.ReportTimeout(ctx, tk.ID, "agent-B", h.clock.Now().Add(-10*time.Minute), "heartbeat timeout: no heartbeat from agent-B")
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, got.State)
	assert.Equal(t, 2, got.RetryCount)
}

func TestReportFailureHonorsMaxReviewAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "unreachable upstream", func(t *types.Ticket) { t.MaxReviewAttempts = 2 })
	var states []types.TicketState
	var last *types.Ticket
	for i := 0; i < 8; i++ {
		claimed, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
		require.NoError(t, err)
		require.NotNil(t, claimed, "failure %d", i+1)
		last, err = h.engine.ReportFailure(ctx, tk.ID, "agent-1", "connect ECONNREFUSED 10.0.0.7:443")
		require.NoError(t, err)
		states = append(states, last.State)
		if last.State == types.StateOnHold {
			break
		}
		h.clock.Advance(time.Minute)
	}

	assert.Equal(t, []types.TicketState{types.StateReady, types.StateReady, types.StateOnHold}, states)
	assert.Equal(t, 2, last.RetryCount)
	assert.Equal(t, "max retries exceeded after 2 attempts", last.HoldReason)
	assert.Equal(t, "api", last.ErrorCategory)
}

func TestFailureFeedbackTracksLatestFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "sync job", nil)
	_, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	first, err := h.engine.ReportFailure(ctx, tk.ID, "agent-1", "connect ECONNREFUSED 10.0.0.7:443")
	require.NoError(t, err)
	require.NotNil(t, first.SentinelFeedback)

	h.clock.Advance(time.Minute)
	_, err = h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	second, err := h.engine.ReportFailure(ctx, tk.ID, "agent-1", "panic: runtime error: invalid memory address or nil pointer dereference")
	require.NoError(t, err)

	require.NotNil(t, second.SentinelFeedback)
	assert.Equal(t, types.FeedbackFromFailure, second.SentinelFeedback.Source)
	assert.Equal(t, second.ErrorCategory, second.SentinelFeedback.Category)
	require.Len(t, second.SentinelFeedback.Issues, 1)
	assert.Equal(t, "panic: runtime error: invalid memory address or nil pointer dereference", second.SentinelFeedback.Issues[0].Description)
	assert.Equal(t, 2, second.SentinelFeedback.Attempt)
}

func TestReviewRejectionThreadsFeedback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "login form", nil)
	h.inReview(t, tk.ID, "agent-1")

	issues := []types.ReviewIssue{
		{Severity: "high", Description: "password is logged in plain text", Location: "auth.go:41"},
		{Severity: "low", Description: "missing test for empty username"},
	}
	criteria := []types.CriterionVerification{{CriterionID: "ac-1", Passed: false, Evidence: "returns 500"}}
	requeued, err := h.engine.ReportReviewOutcome(ctx, tk.ID, &types.Review{
		Decision:             types.DecisionRequestChanges,
		Score:                40,
		Issues:               issues,
		CriteriaVerification: criteria,
		Reviewer:             "sentinel",
	})
	require.NoError(t, err)

	assert.Equal(t, types.StateReady, requeued.State)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Empty(t, requeued.AssigneeID)
	require.NotNil(t, requeued.SentinelFeedback)
	assert.Equal(t, issues, requeued.SentinelFeedback.Issues)
	assert.Equal(t, criteria, requeued.SentinelFeedback.CriteriaVerification)
	assert.Equal(t, types.FeedbackFromReview, requeued.SentinelFeedback.Source)
	assert.NotZero(t, requeued.SentinelFeedback.ReviewID)

	assert.Equal(t, []string{"in_review→sentinel_failed", "sentinel_failed→ready"}, h.events.transitions(tk.ID)[5:])

	// the next attempt still sees the feedback after claim and a transient failure
	_, err = h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-2"})
	require.NoError(t, err)
	again, err := h.engine.ReportFailure(ctx, tk.ID, "agent-2", "ECONNRESET")
	require.NoError(t, err)
	require.NotNil(t, again.SentinelFeedback)
	assert.Equal(t, issues, again.SentinelFeedback.Issues)
}

func TestMaxReviewAttemptsBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "flaky feature", func(t *types.Ticket) { t.MaxReviewAttempts = 2 })
	reject := func() *types.Ticket {
		got, err := h.engine.ReportReviewOutcome(ctx, tk.ID, &types.Review{
			Decision: types.DecisionReject,
			Issues:   []types.ReviewIssue{{Description: "still wrong"}},
		})
		require.NoError(t, err)
		return got
	}

	var last *types.Ticket
	for i := 0; i < 5; i++ {
		h.inReview(t, tk.ID, "agent-1")
		last = reject()
		if last.State == types.StateOnHold {
			break
		}
		require.Equal(t, types.StateReady, last.State)
	}

	assert.Equal(t, types.StateOnHold, last.State)
	assert.Equal(t, HoldReasonMaxRetries, last.HoldReason)
	assert.Equal(t, 2, last.RetryCount)
	require.NotNil(t, last.SentinelFeedback, "feedback survives the hold")

	hist, err := h.engine.History(ctx, tk.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist.Reviews, 3)
}

func TestReportCompletionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "webhook", nil)
	first := h.inReview(t, tk.ID, "agent-1")

	second, err := h.engine.ReportCompletion(ctx, tk.ID, "pr-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	count := 0
	for _, tr := range h.events.transitions(tk.ID) {
		if tr == "in_progress→in_review" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestReportCompletionRejectsUnknownCriterion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "criteria", nil)
	_, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, tk.ID, "agent-1")
	require.NoError(t, err)

	_, err = h.engine.ReportCompletion(ctx, tk.ID, "pr-1", []types.CriterionStatus{{CriterionID: "ac-9", Met: true}})
	assert.True(t, errors.Is(err, storage.ErrInvalidTicket))
}

func TestCompletionAfterCancelIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "obsolete", nil)
	_, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, tk.ID, "agent-1")
	require.NoError(t, err)

	cancelled, err := h.engine.Cancel(ctx, tk.ID, "requirements changed", "operator")
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, cancelled.State)
	assert.Empty(t, cancelled.AssigneeID)

	got, err := h.engine.ReportCompletion(ctx, tk.ID, "pr-9", nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, got.State)
	assert.Empty(t, got.PRRef)

	got, err = h.engine.ReportFailure(ctx, tk.ID, "agent-1", "panic: boom")
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, got.State)
}

func TestCancelRacesCompletion(t *testing.T) {
	for i := 0; i < 10; i++ {
		h := newHarness(t)
		ctx := context.Background()

		tk := h.readyTicket(t, "race", nil)
		_, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
		require.NoError(t, err)
		_, err = h.engine.Start(ctx, tk.ID, "agent-1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var cancelErr, completeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = h.engine.Cancel(ctx, tk.ID, "stop", "operator")
		}()
		go func() {
			defer wg.Done()
			_, completeErr = h.engine.ReportCompletion(ctx, tk.ID, "pr-1", nil)
		}()
		wg.Wait()

		require.NoError(t, cancelErr)
		require.NoError(t, completeErr)
		final, err := h.engine.Get(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StateCancelled, final.State, "a cancelled ticket is never resurrected")
	}
}

func TestCancelledParentMakesChildUnclaimable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	parent := &types.Ticket{Title: "checkout feature"}
	require.NoError(t, h.engine.CreateTicket(ctx, parent, "test"))
	child := h.readyTicket(t, "cart total", func(t *types.Ticket) { t.ParentTicketID = parent.ID })

	_, err := h.engine.Cancel(ctx, parent.ID, "feature dropped", "operator")
	require.NoError(t, err)

	claimed, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)
	assert.Nil(t, claimed)

	ready, err := h.engine.ListReady(ctx, types.ClaimFilter{AssigneeID: "agent-1"}, 10)
	require.NoError(t, err)
	for _, r := range ready {
		assert.NotEqual(t, child.ID, r.ID)
	}
}

func TestRequeueForReworkCarriesFeedback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "report export", func(t *types.Ticket) { t.MaxReviewAttempts = 1 })
	h.inReview(t, tk.ID, "agent-1")
	held, err := h.engine.ReportReviewOutcome(ctx, tk.ID, &types.Review{
		Decision: types.DecisionReject,
		Issues:   []types.ReviewIssue{{Description: "CSV header missing"}},
	})
	require.NoError(t, err)
	require.Equal(t, types.StateReady, held.State)

	h.inReview(t, tk.ID, "agent-1")
	held, err = h.engine.ReportReviewOutcome(ctx, tk.ID, &types.Review{
		Decision: types.DecisionReject,
		Issues:   []types.ReviewIssue{{Description: "CSV header still missing"}},
	})
	require.NoError(t, err)
	require.Equal(t, types.StateOnHold, held.State)

	requeued, err := h.engine.RequeueForRework(ctx, tk.ID, "use the header list from export.go", "operator")
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, requeued.State)
	assert.Equal(t, held.RetryCount+1, requeued.RetryCount)
	assert.Empty(t, requeued.HoldReason)
	require.NotNil(t, requeued.SentinelFeedback)
	assert.Equal(t, types.FeedbackFromOperator, requeued.SentinelFeedback.Source)
	assert.Equal(t, "use the header list from export.go", requeued.SentinelFeedback.Notes)
	require.Len(t, requeued.SentinelFeedback.Issues, 1)
	assert.Equal(t, "CSV header still missing", requeued.SentinelFeedback.Issues[0].Description)

	trs := h.events.transitions(tk.ID)
	assert.Equal(t, []string{"on_hold→revision_pending", "revision_pending→ready"}, trs[len(trs)-2:])
}

func TestOperatorOverrides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "manual", nil)

	_, err := h.engine.MarkFailed(ctx, tk.ID, "", "operator")
	assert.True(t, errors.Is(err, types.ErrInvalidTransition))

	held, err := h.engine.HoldForHuman(ctx, tk.ID, "", "operator")
	require.NoError(t, err)
	assert.Equal(t, types.StateOnHold, held.State)
	assert.Equal(t, "held by operator", held.HoldReason)

	failed, err := h.engine.MarkFailed(ctx, tk.ID, "not worth automating", "operator")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, failed.State)

	requeued, err := h.engine.RequeueForRework(ctx, tk.ID, "", "operator")
	require.NoError(t, err)
	assert.Equal(t, types.StateReady, requeued.State)
	assert.Nil(t, requeued.SentinelFeedback)

	_, err = h.engine.RequeueForRework(ctx, tk.ID, "", "operator")
	assert.True(t, errors.Is(err, types.ErrInvalidTransition))
}

func TestStartChecksAssignee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tk := h.readyTicket(t, "owned", nil)
	_, err := h.engine.Claim(ctx, types.ClaimFilter{AssigneeID: "agent-1"})
	require.NoError(t, err)

	_, err = h.engine.Start(ctx, tk.ID, "agent-2")
	assert.True(t, errors.Is(err, storage.ErrStateConflict))

	_, err = h.engine.Start(ctx, tk.ID, "agent-1")
	require.NoError(t, err)
	again, err := h.engine.Start(ctx, tk.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateInProgress, again.State)
}

func TestReviewOutcomeRequiresInReview(t *testing.T) {
	h := newHarness(t)
	tk := h.readyTicket(t, "early review", nil)

	_, err := h.engine.ReportReviewOutcome(context.Background(), tk.ID, &types.Review{Decision: types.DecisionApprove})
	assert.True(t, errors.Is(err, types.ErrInvalidTransition))

	_, err = h.engine.ReportReviewOutcome(context.Background(), "tkt-missing", &types.Review{Decision: types.DecisionApprove})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
