package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/swarm-dev/swarm/internal/types"
)

var (
	reviewFile     string
	reviewDecision string
	reviewScore    int
	reviewIssues   []string
	reviewPassed   []string
	reviewFailed   []string
	reviewNotes    string
)

var reviewCmd = &cobra.Command{
	Use:   "review <id>",
	Short: "Record the sentinel's verdict on submitted work",
	Long: `Record a review outcome for a ticket in review.

approve moves the ticket to done. request_changes and reject store the
issues as structured feedback and requeue the ticket, or hold it once
its review attempts are used up.

Issues are given as [severity|location|]description. A full review can be
read from a YAML or JSON file with --file instead.

Example:
  swarm review tkt-1a2b3c4d --decision request_changes --score 40 \
    --issue "high|auth.go:45|token is never expired" --failed ac-2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := buildReview(args[0])
		if err != nil {
			return err
		}
		t, err := cliApp.engine.ReportReviewOutcome(rootCtx, args[0], r)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Reviewed", t)
	},
}

func buildReview(ticketID string) (*types.Review, error) {
	r := &types.Review{Reviewer: actor}
	if reviewFile != "" {
		data, err := os.ReadFile(reviewFile)
		if err != nil {
			return nil, err
		}
		// yaml.v3 reads JSON as well
		var fileReview reviewDoc
		if err := yaml.Unmarshal(data, &fileReview); err != nil {
			return nil, fmt.Errorf("failed to parse review file: %w", err)
		}
		r.Decision = types.ReviewDecision(fileReview.Decision)
		r.Score = fileReview.Score
		r.Issues = fileReview.Issues
		r.CriteriaVerification = fileReview.CriteriaVerification
		r.Notes = fileReview.Notes
		if fileReview.Reviewer != "" {
			r.Reviewer = fileReview.Reviewer
		}
	} else {
		r.Decision = types.ReviewDecision(reviewDecision)
		r.Score = reviewScore
		r.Notes = reviewNotes
		r.Issues = parseIssues(reviewIssues)
		for _, id := range reviewPassed {
			r.CriteriaVerification = append(r.CriteriaVerification, types.CriterionVerification{CriterionID: id, Passed: true})
		}
		for _, id := range reviewFailed {
			r.CriteriaVerification = append(r.CriteriaVerification, types.CriterionVerification{CriterionID: id})
		}
	}
	r.TicketID = ticketID
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid review: %w", err)
	}
	return r, nil
}

// reviewDoc is the --file format
type reviewDoc struct {
	Reviewer             string                        `yaml:"reviewer"`
	Decision             string                        `yaml:"decision"`
	Score                int                           `yaml:"score"`
	Issues               []types.ReviewIssue           `yaml:"issues"`
	CriteriaVerification []types.CriterionVerification `yaml:"criteria_verification"`
	Notes                string                        `yaml:"notes"`
}

// parseIssues reads "severity|location|description", "severity|description"
// or a bare description.
func parseIssues(specs []string) []types.ReviewIssue {
	out := make([]types.ReviewIssue, 0, len(specs))
	for _, s := range specs {
		parts := strings.SplitN(s, "|", 3)
		var issue types.ReviewIssue
		switch len(parts) {
		case 3:
			issue = types.ReviewIssue{Severity: parts[0], Location: parts[1], Description: parts[2]}
		case 2:
			issue = types.ReviewIssue{Severity: parts[0], Description: parts[1]}
		default:
			issue = types.ReviewIssue{Description: s}
		}
		issue.Severity = strings.TrimSpace(issue.Severity)
		issue.Location = strings.TrimSpace(issue.Location)
		issue.Description = strings.TrimSpace(issue.Description)
		out = append(out, issue)
	}
	return out
}

var requeueNotes string

var requeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Send a ticket back for rework with operator notes",
	Long: `Requeue a ticket for another attempt, bypassing the review-attempt ceiling.

Works from in_review, on_hold and failed. Notes become the
ticket's feedback; issues from an earlier review are carried along.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := cliApp.engine.RequeueForRework(rootCtx, args[0], requeueNotes, actor)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Requeued", t)
	},
}

var operatorReason string

var holdCmd = &cobra.Command{
	Use:   "hold <id>",
	Short: "Put a ticket on hold for human attention",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := cliApp.engine.HoldForHuman(rootCtx, args[0], operatorReason, actor)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Held", t)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a ticket from any non-terminal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := cliApp.engine.Cancel(rootCtx, args[0], operatorReason, actor)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Cancelled", t)
	},
}

var giveUpCmd = &cobra.Command{
	Use:   "give-up <id>",
	Short: "Mark an on-hold ticket as permanently failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := cliApp.engine.MarkFailed(rootCtx, args[0], operatorReason, actor)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Gave up on", t)
	},
}

func init() {
	reviewCmd.Flags().StringVarP(&reviewFile, "file", "f", "", "Read the review from a YAML or JSON file")
	reviewCmd.Flags().StringVar(&reviewDecision, "decision", "", "approve, request_changes or reject")
	reviewCmd.Flags().IntVar(&reviewScore, "score", 0, "Quality score 0-100")
	reviewCmd.Flags().StringArrayVar(&reviewIssues, "issue", nil, "Issue as [severity|location|]description (repeatable)")
	reviewCmd.Flags().StringArrayVar(&reviewPassed, "passed", nil, "Criterion id verified as passing (repeatable)")
	reviewCmd.Flags().StringArrayVar(&reviewFailed, "failed", nil, "Criterion id verified as failing (repeatable)")
	reviewCmd.Flags().StringVar(&reviewNotes, "notes", "", "Free-form reviewer notes")
	reviewCmd.MarkFlagsMutuallyExclusive("file", "decision")
	reviewCmd.MarkFlagsOneRequired("file", "decision")

	requeueCmd.Flags().StringVar(&requeueNotes, "notes", "", "What the next attempt should change")

	for _, c := range []*cobra.Command{holdCmd, cancelCmd, giveUpCmd} {
		c.Flags().StringVar(&operatorReason, "reason", "", "Reason recorded on the ticket and in the audit trail")
	}

	rootCmd.AddCommand(reviewCmd, requeueCmd, holdCmd, cancelCmd, giveUpCmd)
}
