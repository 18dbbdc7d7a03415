package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTicket() *Ticket {
	now := time.Now()
	return &Ticket{
		ID:       "tkt-1",
		Title:    "Add retry endpoint",
		State:    StateDraft,
		Priority: 2,
		AcceptanceCriteria: []AcceptanceCriterion{
			{ID: "ac-1", Description: "endpoint returns 200"},
			{ID: "ac-2", Description: "retry count is persisted"},
		},
		MaxReviewAttempts: DefaultMaxReviewAttempts,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestTicketValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Ticket)
		wantErr string
	}{
		{name: "valid draft", mutate: func(*Ticket) {}},
		{name: "missing title", mutate: func(tk *Ticket) { tk.Title = "  " }, wantErr: "title is required"},
		{name: "priority out of range", mutate: func(tk *Ticket) { tk.Priority = 7 }, wantErr: "priority"},
		{name: "unknown state", mutate: func(tk *Ticket) { tk.State = "open" }, wantErr: "invalid state"},
		{
			name:    "assignee on ready ticket",
			mutate:  func(tk *Ticket) { tk.State = StateReady; tk.AssigneeID = "agent-1"; tk.AssigneeType = AssigneeAgent },
			wantErr: "assignee must be set",
		},
		{
			name:    "assigned without assignee",
			mutate:  func(tk *Ticket) { tk.State = StateAssigned },
			wantErr: "assignee must be set",
		},
		{
			name:   "assigned with assignee",
			mutate: func(tk *Ticket) { tk.State = StateAssigned; tk.AssigneeID = "agent-1"; tk.AssigneeType = AssigneeAgent },
		},
		{name: "self parent", mutate: func(tk *Ticket) { tk.ParentTicketID = tk.ID }, wantErr: "own parent"},
		{
			name:    "duplicate criterion id",
			mutate:  func(tk *Ticket) { tk.AcceptanceCriteria[1].ID = "ac-1" },
			wantErr: "duplicate id",
		},
		{
			name:    "criterion without description",
			mutate:  func(tk *Ticket) { tk.AcceptanceCriteria[0].Description = "" },
			wantErr: "description is required",
		},
		{
			name: "feedback with unsupported schema",
			mutate: func(tk *Ticket) {
				tk.SentinelFeedback = &SentinelFeedback{SchemaVersion: "v2.0.0", Source: FeedbackFromReview}
			},
			wantErr: "unsupported schema_version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := validTicket()
			tt.mutate(tk)
			err := tk.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []TicketState{StateDone, StateCancelled} {
		assert.True(t, s.IsTerminal(), s)
		assert.Empty(t, s.ValidTransitions(), s)
	}
}

func TestEveryNonTerminalStateCanReachAnExit(t *testing.T) {
	for _, s := range AllStates {
		if s.IsTerminal() {
			continue
		}
		assert.NotEmpty(t, s.ValidTransitions(), "state %s has no outgoing transitions", s)
		for _, to := range s.ValidTransitions() {
			assert.True(t, to.IsValid(), "%s → %s targets an unknown state", s, to)
		}
	}
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to TicketState
		ok       bool
	}{
		{StateDraft, StateReady, true},
		{StateDraft, StateBlocked, true},
		{StateBlocked, StateReady, true},
		{StateReady, StateAssigned, true},
		{StateAssigned, StateInProgress, true},
		{StateInProgress, StateInReview, true},
		{StateInReview, StateDone, true},
		{StateInReview, StateSentinelFailed, true},
		{StateSentinelFailed, StateReady, true},
		{StateSentinelFailed, StateOnHold, true},
		{StateOnHold, StateRevisionPending, true},
		{StateRevisionPending, StateReady, true},
		{StateInProgress, StateCancelled, true},
		{StateDraft, StateAssigned, false},
		{StateReady, StateDone, false},
		{StateInProgress, StateDone, false},
		{StateSentinelFailed, StateCancelled, false},
		{StateDone, StateReady, false},
		{StateCancelled, StateReady, false},
		{StateOnHold, StateReady, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			err := CheckTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			}
		})
	}
}

func TestHoldsAssignee(t *testing.T) {
	holding := map[TicketState]bool{StateAssigned: true, StateInProgress: true, StateInReview: true}
	for _, s := range AllStates {
		assert.Equal(t, holding[s], s.HoldsAssignee(), s)
	}
}

func TestIsEligibleAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tk := validTicket()
	assert.True(t, tk.IsEligibleAt(now))

	later := now.Add(time.Minute)
	tk.RetryAfter = &later
	assert.False(t, tk.IsEligibleAt(now))
	assert.True(t, tk.IsEligibleAt(later))
}

func TestClaimFilterValidate(t *testing.T) {
	assert.Error(t, ClaimFilter{}.Validate())
	assert.Error(t, ClaimFilter{AssigneeID: "a", AssigneeType: "robot"}.Validate())
	assert.NoError(t, ClaimFilter{AssigneeID: "a"}.Validate())
	assert.Equal(t, AssigneeAgent, ClaimFilter{AssigneeID: "a"}.EffectiveAssigneeType())
	assert.Equal(t, AssigneeHuman, ClaimFilter{AssigneeID: "a", AssigneeType: AssigneeHuman}.EffectiveAssigneeType())
}
