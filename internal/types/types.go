package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxReviewAttempts bounds review/requeue cycles when a ticket does not set its own.
const DefaultMaxReviewAttempts = 3

var (
	// ErrInvalidTransition is returned when a state change is not in the transition table.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotFound is returned when a ticket (or its parent/dependency) does not exist.
	ErrNotFound = errors.New("ticket not found")
	// ErrStateConflict is returned when a state-guarded update matched no row
	// because another caller changed the ticket first.
	ErrStateConflict = errors.New("ticket state changed concurrently")
	// ErrInvalidTicket is returned when a ticket or relationship fails validation.
	ErrInvalidTicket = errors.New("invalid ticket")
)

// Ticket represents a unit of dispatchable coding work
type Ticket struct {
	ID                 string                `json:"id"`
	Title              string                `json:"title"`
	Description        string                `json:"description,omitempty"`
	State              TicketState           `json:"state"`
	Priority           int                   `json:"priority"`
	AssigneeID         string                `json:"assignee_id,omitempty"`
	AssigneeType       AssigneeType          `json:"assignee_type,omitempty"`
	ReservedFor        string                `json:"reserved_for,omitempty"` // ready ticket earmarked for one agent
	ParentTicketID     string                `json:"parent_ticket_id,omitempty"`
	RetryCount         int                   `json:"retry_count"`
	RetryAfter         *time.Time            `json:"retry_after,omitempty"`
	SentinelFeedback   *SentinelFeedback     `json:"sentinel_feedback,omitempty"`
	HoldReason         string                `json:"hold_reason,omitempty"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria"`
	CriteriaStatus     []CriterionStatus     `json:"criteria_status,omitempty"`
	MaxReviewAttempts  int                   `json:"max_review_attempts"`
	PRRef              string                `json:"pr_ref,omitempty"`
	LastError          string                `json:"last_error,omitempty"`
	ErrorCategory      string                `json:"error_category,omitempty"`
	ErrorSubcategory   string                `json:"error_subcategory,omitempty"`
	LastHeartbeat      *time.Time            `json:"last_heartbeat,omitempty"`
	ReadyAt            *time.Time            `json:"ready_at,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
	ClosedAt           *time.Time            `json:"closed_at,omitempty"`
}

// Validate checks if the ticket has valid field values
func (t *Ticket) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	if !t.State.IsValid() {
		return fmt.Errorf("invalid state: %s", t.State)
	}
	if t.AssigneeType != "" && !t.AssigneeType.IsValid() {
		return fmt.Errorf("invalid assignee type: %s", t.AssigneeType)
	}
	if t.HasAssignee() != t.State.HoldsAssignee() {
		return fmt.Errorf("assignee must be set exactly when state is assigned, in_progress or in_review (state=%s)", t.State)
	}
	if t.RetryCount < 0 {
		return fmt.Errorf("retry_count cannot be negative")
	}
	if t.MaxReviewAttempts < 0 {
		return fmt.Errorf("max_review_attempts cannot be negative")
	}
	if t.ParentTicketID != "" && t.ParentTicketID == t.ID {
		return fmt.Errorf("ticket cannot be its own parent")
	}
	seen := make(map[string]bool, len(t.AcceptanceCriteria))
	for i, c := range t.AcceptanceCriteria {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("acceptance_criteria[%d]: %w", i, err)
		}
		if seen[c.ID] {
			return fmt.Errorf("acceptance_criteria[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
	}
	if t.SentinelFeedback != nil {
		if err := t.SentinelFeedback.Validate(); err != nil {
			return fmt.Errorf("sentinel_feedback: %w", err)
		}
	}
	return nil
}

// HasAssignee reports whether both assignee fields are populated
func (t *Ticket) HasAssignee() bool {
	return t.AssigneeID != "" && t.AssigneeType != ""
}

// IsEligibleAt reports whether the ticket's backoff window has elapsed
func (t *Ticket) IsEligibleAt(now time.Time) bool {
	return t.RetryAfter == nil || !now.Before(*t.RetryAfter)
}

// TicketState represents the lifecycle state of a ticket
type TicketState string

const (
	StateDraft           TicketState = "draft"
	StateBlocked         TicketState = "blocked"
	StateReady           TicketState = "ready"
	StateAssigned        TicketState = "assigned"
	StateInProgress      TicketState = "in_progress"
	StateInReview        TicketState = "in_review"
	StateSentinelFailed  TicketState = "sentinel_failed"
	StateRevisionPending TicketState = "revision_pending"
	StateOnHold          TicketState = "on_hold"
	StateDone            TicketState = "done"
	StateCancelled       TicketState = "cancelled"
	StateFailed          TicketState = "failed"
)

// AllStates lists every ticket state in lifecycle order
var AllStates = []TicketState{
	StateDraft, StateBlocked, StateReady, StateAssigned, StateInProgress, StateInReview,
	StateSentinelFailed, StateRevisionPending, StateOnHold, StateDone, StateCancelled, StateFailed,
}

// IsValid checks if the state value is valid
func (s TicketState) IsValid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves this state
func (s TicketState) IsTerminal() bool {
	return s == StateDone || s == StateCancelled
}

// HoldsAssignee reports whether a ticket in this state must carry an assignee
func (s TicketState) HoldsAssignee() bool {
	switch s {
	case StateAssigned, StateInProgress, StateInReview:
		return true
	}
	return false
}

// IsWorking reports whether an assignee is executing the ticket
func (s TicketState) IsWorking() bool {
	return s == StateAssigned || s == StateInProgress
}

// IsTransient reports whether the engine resolves this state immediately
// into another one within the same operation.
func (s TicketState) IsTransient() bool {
	return s == StateSentinelFailed || s == StateRevisionPending
}

// ValidTransitions defines the ticket state machine.
//
// State Machine Diagram:
//
//	draft → ready → assigned → in_progress → in_review → done
//	  ↓       ↑        ↓            ↓            ↓
//	blocked ──┘     (failure: ready | on_hold)  sentinel_failed → ready | on_hold
//
//	on_hold | failed → revision_pending → ready   (operator rework)
//	draft … in_review, on_hold, failed → cancelled
//
// sentinel_failed and revision_pending only exist inside a multi-step
// update and always leave for ready or on_hold in the same transaction.
//
// done and cancelled are terminal.
func (s TicketState) ValidTransitions() []TicketState {
	switch s {
	case StateDraft:
		return []TicketState{StateReady, StateBlocked, StateCancelled}
	case StateBlocked:
		return []TicketState{StateReady, StateOnHold, StateCancelled}
	case StateReady:
		return []TicketState{StateAssigned, StateBlocked, StateOnHold, StateCancelled}
	case StateAssigned:
		return []TicketState{StateInProgress, StateReady, StateOnHold, StateCancelled}
	case StateInProgress:
		return []TicketState{StateInReview, StateReady, StateOnHold, StateCancelled}
	case StateInReview:
		return []TicketState{StateDone, StateSentinelFailed, StateRevisionPending, StateReady, StateOnHold, StateCancelled}
	case StateSentinelFailed:
		return []TicketState{StateReady, StateOnHold}
	case StateRevisionPending:
		return []TicketState{StateReady, StateOnHold}
	case StateOnHold:
		return []TicketState{StateRevisionPending, StateFailed, StateCancelled}
	case StateFailed:
		return []TicketState{StateRevisionPending, StateCancelled}
	default:
		return []TicketState{} // done, cancelled
	}
}

// CanTransitionTo checks if a transition from this state to the target state is valid
func (s TicketState) CanTransitionTo(target TicketState) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both states when from → to is not allowed
func CheckTransition(from, to TicketState) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// AssigneeType identifies who owns an assigned ticket
type AssigneeType string

const (
	AssigneeAgent AssigneeType = "agent"
	AssigneeHuman AssigneeType = "human"
)

// IsValid checks if the assignee type value is valid
func (a AssigneeType) IsValid() bool {
	return a == AssigneeAgent || a == AssigneeHuman
}

// AcceptanceCriterion is one immutable success condition of a ticket
type AcceptanceCriterion struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
}

// Validate checks if the criterion has valid field values
func (c AcceptanceCriterion) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(c.Description) == "" {
		return fmt.Errorf("description is required")
	}
	return nil
}

// CriterionStatus is an agent's self-reported status for one criterion at completion
type CriterionStatus struct {
	CriterionID string `json:"criterion_id"`
	Met         bool   `json:"met"`
	Notes       string `json:"notes,omitempty"`
}

// Dependency represents a blocking relationship between tickets
type Dependency struct {
	TicketID    string    `json:"ticket_id"`
	DependsOnID string    `json:"depends_on_id"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// TicketEvent is an audit trail entry for one state change
type TicketEvent struct {
	ID        int64       `json:"id"`
	TicketID  string      `json:"ticket_id"`
	FromState TicketState `json:"from_state"`
	ToState   TicketState `json:"to_state"`
	Reason    string      `json:"reason"`
	Actor     string      `json:"actor"`
	CreatedAt time.Time   `json:"created_at"`
}

// ClaimFilter narrows which ready tickets a caller may claim
type ClaimFilter struct {
	AssigneeID   string       // requesting agent or human (required)
	AssigneeType AssigneeType // defaults to agent
	ParentID     string       // only children of this feature
	MaxPriority  *int         // only tickets with priority <= MaxPriority
}

// Validate checks if the filter has valid field values
func (f ClaimFilter) Validate() error {
	if f.AssigneeID == "" {
		return fmt.Errorf("assignee id is required")
	}
	if f.AssigneeType != "" && !f.AssigneeType.IsValid() {
		return fmt.Errorf("invalid assignee type: %s", f.AssigneeType)
	}
	return nil
}

// EffectiveAssigneeType returns the assignee type, defaulting to agent
func (f ClaimFilter) EffectiveAssigneeType() AssigneeType {
	if f.AssigneeType == "" {
		return AssigneeAgent
	}
	return f.AssigneeType
}

// TicketFilter is used to filter ticket queries
type TicketFilter struct {
	States     []TicketState
	AssigneeID *string
	ParentID   *string
	Limit      int
}

// TicketUpdate is the patch applied by a state-guarded update.
// Nil pointers and false flags leave the column untouched.
type TicketUpdate struct {
	State            TicketState
	AssigneeID       *string
	AssigneeType     *AssigneeType
	ClearAssignee    bool
	IncrementRetry   bool
	RetryAfter       *time.Time
	ClearRetryAfter  bool
	SentinelFeedback *SentinelFeedback
	ClearFeedback    bool
	HoldReason       *string
	PRRef            *string
	CriteriaStatus   []CriterionStatus
	LastError        *string
	ErrorCategory    *string
	ErrorSubcategory *string
	LastHeartbeat    *time.Time
	MarkReady        bool // stamp ready_at with the update time
	MarkClosed       bool // stamp closed_at with the update time
	At               time.Time

	// Extra guards beside the expected state. A guard that does not hold
	// fails the update with ErrStateConflict.
	ExpectAssignee    string    // assignee_id must equal this
	ExpectStaleBefore time.Time // last heartbeat (or update) must be older than this
}

// TicketStep is one state change of a multi-step update. Each step is
// guarded on the state the previous step left behind.
type TicketStep struct {
	Update *TicketUpdate
	Event  *TicketEvent
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}
