package types

import (
	"fmt"
	"time"

	"golang.org/x/mod/semver"
)

// FeedbackSchemaVersion is written into every SentinelFeedback payload.
// Readers accept any version with the same major.
const FeedbackSchemaVersion = "v1.0.0"

// ReviewDecision is the sentinel's verdict on submitted work
type ReviewDecision string

const (
	DecisionApprove        ReviewDecision = "approve"
	DecisionRequestChanges ReviewDecision = "request_changes"
	DecisionReject         ReviewDecision = "reject"
)

// IsValid checks if the decision value is valid
func (d ReviewDecision) IsValid() bool {
	switch d {
	case DecisionApprove, DecisionRequestChanges, DecisionReject:
		return true
	}
	return false
}

// Review is an immutable record of one verification outcome
type Review struct {
	ID                   int64                   `json:"id"`
	TicketID             string                  `json:"ticket_id"`
	Reviewer             string                  `json:"reviewer,omitempty"`
	Decision             ReviewDecision          `json:"decision"`
	Score                int                     `json:"score"`
	Issues               []ReviewIssue           `json:"issues"`
	CriteriaVerification []CriterionVerification `json:"criteria_verification"`
	Notes                string                  `json:"notes,omitempty"`
	CreatedAt            time.Time               `json:"created_at"`
}

// Validate checks if the review has valid field values
func (r *Review) Validate() error {
	if r.TicketID == "" {
		return fmt.Errorf("ticket_id is required")
	}
	if !r.Decision.IsValid() {
		return fmt.Errorf("invalid decision: %s", r.Decision)
	}
	if r.Score < 0 || r.Score > 100 {
		return fmt.Errorf("score must be between 0 and 100 (got %d)", r.Score)
	}
	for i, issue := range r.Issues {
		if issue.Description == "" {
			return fmt.Errorf("issues[%d]: description is required", i)
		}
	}
	for i, cv := range r.CriteriaVerification {
		if cv.CriterionID == "" {
			return fmt.Errorf("criteria_verification[%d]: criterion_id is required", i)
		}
	}
	return nil
}

// ReviewIssue is a single problem the reviewer found
type ReviewIssue struct {
	Severity    string `json:"severity,omitempty" yaml:"severity"` // low | medium | high | critical
	Description string `json:"description" yaml:"description"`
	Location    string `json:"location,omitempty" yaml:"location"` // e.g. file.go:45-67
}

// CriterionVerification is the reviewer's evidence for one acceptance criterion
type CriterionVerification struct {
	CriterionID string `json:"criterion_id" yaml:"criterion_id"`
	Passed      bool   `json:"passed" yaml:"passed"`
	Evidence    string `json:"evidence,omitempty" yaml:"evidence"`
}

// FeedbackSource identifies which transition produced a feedback payload
type FeedbackSource string

const (
	FeedbackFromReview   FeedbackSource = "review"
	FeedbackFromFailure  FeedbackSource = "failure"
	FeedbackFromOperator FeedbackSource = "operator"
)

// IsValid checks if the source value is valid
func (s FeedbackSource) IsValid() bool {
	switch s {
	case FeedbackFromReview, FeedbackFromFailure, FeedbackFromOperator:
		return true
	}
	return false
}

// SentinelFeedback is the structured payload threaded from a failed review
// (or an operator rework request) into the ticket's next attempt.
type SentinelFeedback struct {
	SchemaVersion        string                  `json:"schema_version"`
	Source               FeedbackSource          `json:"source"`
	Category             string                  `json:"category,omitempty"`
	Decision             ReviewDecision          `json:"decision,omitempty"`
	Score                int                     `json:"score,omitempty"`
	Issues               []ReviewIssue           `json:"issues"`
	CriteriaVerification []CriterionVerification `json:"criteria_verification,omitempty"`
	Notes                string                  `json:"notes,omitempty"`
	ReviewID             int64                   `json:"review_id,omitempty"`
	Attempt              int                     `json:"attempt"`
	CreatedAt            time.Time               `json:"created_at"`
}

// Validate checks the schema version and field values
func (f *SentinelFeedback) Validate() error {
	if !semver.IsValid(f.SchemaVersion) {
		return fmt.Errorf("invalid schema_version %q", f.SchemaVersion)
	}
	if semver.Major(f.SchemaVersion) != semver.Major(FeedbackSchemaVersion) {
		return fmt.Errorf("unsupported schema_version %s (want %s.x)", f.SchemaVersion, semver.Major(FeedbackSchemaVersion))
	}
	if !f.Source.IsValid() {
		return fmt.Errorf("invalid source: %s", f.Source)
	}
	if f.Decision != "" && !f.Decision.IsValid() {
		return fmt.Errorf("invalid decision: %s", f.Decision)
	}
	if f.Attempt < 0 {
		return fmt.Errorf("attempt cannot be negative")
	}
	return nil
}

// NewReviewFeedback builds the feedback payload for a rejected review.
// Issues are carried over verbatim.
func NewReviewFeedback(r *Review, attempt int) *SentinelFeedback {
	issues := make([]ReviewIssue, len(r.Issues))
	copy(issues, r.Issues)
	criteria := make([]CriterionVerification, len(r.CriteriaVerification))
	copy(criteria, r.CriteriaVerification)
	return &SentinelFeedback{
		SchemaVersion:        FeedbackSchemaVersion,
		Source:               FeedbackFromReview,
		Category:             "verification",
		Decision:             r.Decision,
		Score:                r.Score,
		Issues:               issues,
		CriteriaVerification: criteria,
		Notes:                r.Notes,
		ReviewID:             r.ID,
		Attempt:              attempt,
		CreatedAt:            r.CreatedAt,
	}
}

// NewOperatorFeedback builds the feedback payload for a manual rework request
func NewOperatorFeedback(notes string, attempt int, now time.Time) *SentinelFeedback {
	return &SentinelFeedback{
		SchemaVersion: FeedbackSchemaVersion,
		Source:        FeedbackFromOperator,
		Category:      "manual_review",
		Issues:        []ReviewIssue{},
		Notes:         notes,
		Attempt:       attempt,
		CreatedAt:     now,
	}
}

// NewFailureFeedback builds the feedback payload for a classified execution failure
func NewFailureFeedback(category, subcategory, message string, attempt int, now time.Time) *SentinelFeedback {
	return &SentinelFeedback{
		SchemaVersion: FeedbackSchemaVersion,
		Source:        FeedbackFromFailure,
		Category:      category,
		Issues:        []ReviewIssue{{Description: message}},
		Notes:         "subcategory: " + subcategory,
		Attempt:       attempt,
		CreatedAt:     now,
	}
}
