package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/swarm-dev/swarm/internal/types"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stateColor picks a color for a state: green when finished well, red when a
// human must act, yellow while an agent holds the ticket.
func stateColor(s types.TicketState) func(a ...interface{}) string {
	switch s {
	case types.StateDone:
		return green
	case types.StateOnHold, types.StateFailed, types.StateSentinelFailed:
		return red
	case types.StateAssigned, types.StateInProgress, types.StateInReview:
		return yellow
	case types.StateCancelled, types.StateDraft:
		return gray
	default:
		return cyan
	}
}

func formatState(s types.TicketState) string {
	return stateColor(s)(string(s))
}

// printResult prints t as JSON or a one-line summary prefixed by verb
func printResult(w io.Writer, verb string, t *types.Ticket) error {
	if jsonOutput {
		return writeJSON(w, t)
	}
	fmt.Fprintf(w, "%s %s %s %s\n", green("✓"), verb, bold(t.ID), formatState(t.State))
	return nil
}

func printTicketLine(w io.Writer, t *types.Ticket) {
	assignee := ""
	if t.AssigneeID != "" {
		assignee = gray(" @" + t.AssigneeID)
	}
	retries := ""
	if t.RetryCount > 0 {
		retries = yellow(fmt.Sprintf(" retry=%d", t.RetryCount))
	}
	fmt.Fprintf(w, "%s  P%d  %-16s %s%s%s\n", bold(t.ID), t.Priority, formatState(t.State), t.Title, assignee, retries)
}

func printTicket(w io.Writer, t *types.Ticket) {
	fmt.Fprintf(w, "\n%s %s\n", bold(t.ID), t.Title)
	fmt.Fprintf(w, "  State:     %s\n", formatState(t.State))
	fmt.Fprintf(w, "  Priority:  P%d\n", t.Priority)
	if t.ParentTicketID != "" {
		fmt.Fprintf(w, "  Parent:    %s\n", t.ParentTicketID)
	}
	if t.AssigneeID != "" {
		fmt.Fprintf(w, "  Assignee:  %s (%s)\n", t.AssigneeID, t.AssigneeType)
	}
	if t.ReservedFor != "" {
		fmt.Fprintf(w, "  Reserved:  %s\n", t.ReservedFor)
	}
	fmt.Fprintf(w, "  Retries:   %d (max review attempts %d)\n", t.RetryCount, t.MaxReviewAttempts)
	if t.RetryAfter != nil {
		fmt.Fprintf(w, "  Eligible:  %s\n", t.RetryAfter.Local().Format(time.RFC3339))
	}
	if t.HoldReason != "" {
		fmt.Fprintf(w, "  Hold:      %s\n", red(t.HoldReason))
	}
	if t.PRRef != "" {
		fmt.Fprintf(w, "  PR:        %s\n", cyan(t.PRRef))
	}
	if t.LastError != "" {
		fmt.Fprintf(w, "  Error:     %s %s\n", yellow(t.ErrorCategory+"/"+t.ErrorSubcategory), t.LastError)
	}
	if t.Description != "" {
		fmt.Fprintf(w, "\n%s\n", indent(t.Description, "  "))
	}

	if len(t.AcceptanceCriteria) > 0 {
		met := make(map[string]types.CriterionStatus, len(t.CriteriaStatus))
		for _, s := range t.CriteriaStatus {
			met[s.CriterionID] = s
		}
		fmt.Fprintf(w, "\n  %s\n", bold("Acceptance criteria:"))
		for _, c := range t.AcceptanceCriteria {
			mark := gray("○")
			if s, ok := met[c.ID]; ok {
				mark = red("✗")
				if s.Met {
					mark = green("✓")
				}
			}
			fmt.Fprintf(w, "    %s %s %s\n", mark, gray(c.ID), c.Description)
		}
	}

	if f := t.SentinelFeedback; f != nil {
		fmt.Fprintf(w, "\n  %s %s attempt %d\n", bold("Feedback:"), f.Source, f.Attempt)
		if f.Decision != "" {
			fmt.Fprintf(w, "    decision %s, score %d\n", f.Decision, f.Score)
		}
		for _, issue := range f.Issues {
			loc := ""
			if issue.Location != "" {
				loc = gray(" (" + issue.Location + ")")
			}
			fmt.Fprintf(w, "    - [%s] %s%s\n", issue.Severity, issue.Description, loc)
		}
		if f.Notes != "" {
			fmt.Fprintf(w, "    notes: %s\n", f.Notes)
		}
	}
	fmt.Fprintln(w)
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
