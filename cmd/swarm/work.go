package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/swarm-dev/swarm/internal/retry"
	"github.com/swarm-dev/swarm/internal/types"
)

var (
	claimAgent       string
	claimType        string
	claimParent      string
	claimMaxPriority int
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Atomically claim the next ready ticket",
	Long: `Claim the next eligible ready ticket for an agent or human.

Tickets are handed out lowest retry count first, then by priority, then in
the order they became ready. Exits successfully with "no work" when nothing
is eligible.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := types.ClaimFilter{
			AssigneeID:   claimAgent,
			AssigneeType: types.AssigneeType(claimType),
			ParentID:     claimParent,
		}
		if claimMaxPriority >= 0 {
			filter.MaxPriority = &claimMaxPriority
		}
		t, err := cliApp.engine.Claim(rootCtx, filter)
		if err != nil {
			return err
		}
		if t == nil {
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), nil)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", gray("No work available"))
			return nil
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), t)
		}
		printTicket(cmd.OutOrStdout(), t)
		return nil
	},
}

var startAgent string

var startCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Mark a claimed ticket as in progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := cliApp.engine.Start(rootCtx, args[0], startAgent)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Started", t)
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress <id>",
	Short: "Record a heartbeat for a ticket being worked on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := cliApp.engine.ReportProgress(rootCtx, args[0])
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Heartbeat", t)
	},
}

var (
	completePR    string
	completeMet   []string
	completeUnmet []string
)

var completeCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Submit finished work for review",
	Long: `Report completion with a PR reference and per-criterion status.

Unmet criteria take optional notes as id:notes.

Example:
  swarm complete tkt-1a2b3c4d --pr https://git.example.com/pr/42 --met ac-1 --unmet "ac-2:needs product input"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses := parseCriterionStatus(completeMet, completeUnmet)
		t, err := cliApp.engine.ReportCompletion(rootCtx, args[0], completePR, statuses)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Submitted", t)
	},
}

func parseCriterionStatus(met, unmet []string) []types.CriterionStatus {
	out := make([]types.CriterionStatus, 0, len(met)+len(unmet))
	for _, id := range met {
		out = append(out, types.CriterionStatus{CriterionID: strings.TrimSpace(id), Met: true})
	}
	for _, s := range unmet {
		id, notes, _ := strings.Cut(s, ":")
		out = append(out, types.CriterionStatus{CriterionID: strings.TrimSpace(id), Notes: strings.TrimSpace(notes)})
	}
	return out
}

var failAgent string

var failCmd = &cobra.Command{
	Use:   "fail <id> <error message...>",
	Short: "Report an execution failure",
	Long: `Report that the agent working on a ticket failed.

The message is classified (api, timeout, runtime, logic, syntax, context,
security, verification) and the category's policy decides between a delayed
retry and a hold for human attention.

With --agent the report only applies while that agent still holds the
ticket; a late report from an earlier claim is ignored.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := cliApp.engine.ReportFailure(rootCtx, args[0], failAgent, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), t)
		}
		out := cmd.OutOrStdout()
		switch t.State {
		case types.StateReady:
			fmt.Fprintf(out, "%s %s requeued: %s, retry %d", yellow("↻"), bold(t.ID), t.ErrorCategory, t.RetryCount)
			if t.RetryAfter != nil {
				fmt.Fprintf(out, ", eligible at %s", t.RetryAfter.Local().Format("15:04:05"))
			}
			fmt.Fprintln(out)
		case types.StateOnHold:
			fmt.Fprintf(out, "%s %s on hold: %s\n", red("■"), bold(t.ID), t.HoldReason)
		default:
			fmt.Fprintf(out, "%s %s is %s; failure ignored\n", gray("·"), bold(t.ID), formatState(t.State))
		}
		return nil
	},
}

var classifyRetryCount int

var classifyCmd = &cobra.Command{
	Use:         "classify <error message...>",
	Short:       "Show how an error message would be classified and retried",
	Annotations: map[string]string{skipStoreAnnotation: "true"},
	Args:        cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d := retry.Decide(strings.Join(args, " "), classifyRetryCount)
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), d)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Classification: %s (confidence %.2f)\n", cyan(d.Classification.String()), d.Classification.Confidence)
		fmt.Fprintf(out, "Policy:         max %d retries, %s backoff", d.Policy.MaxRetries, d.Policy.Backoff)
		if d.Policy.BaseDelay > 0 {
			fmt.Fprintf(out, " from %s", d.Policy.BaseDelay)
		}
		fmt.Fprintln(out)
		if d.Retry {
			fmt.Fprintf(out, "Next:           %s attempt %d after %s\n", green("retry"), d.Attempt, d.Delay)
		} else {
			fmt.Fprintf(out, "Next:           %s\n", red("hold for human"))
		}
		return nil
	},
}

func init() {
	claimCmd.Flags().StringVar(&claimAgent, "agent", "", "Claiming agent or human id (default: --actor)")
	claimCmd.Flags().StringVar(&claimType, "type", string(types.AssigneeAgent), "Assignee type: agent or human")
	claimCmd.Flags().StringVar(&claimParent, "parent", "", "Only claim children of this feature")
	claimCmd.Flags().IntVar(&claimMaxPriority, "max-priority", -1, "Only claim tickets at this priority or higher (0-4)")
	claimCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if claimAgent == "" {
			claimAgent = actor
		}
	}

	startCmd.Flags().StringVar(&startAgent, "agent", "", "Agent that holds the claim (default: --actor)")
	startCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if startAgent == "" {
			startAgent = actor
		}
	}

	completeCmd.Flags().StringVar(&completePR, "pr", "", "Pull request reference")
	completeCmd.Flags().StringArrayVar(&completeMet, "met", nil, "Criterion id that is met (repeatable)")
	completeCmd.Flags().StringArrayVar(&completeUnmet, "unmet", nil, "Criterion not met, as id[:notes] (repeatable)")

	failCmd.Flags().StringVar(&failAgent, "agent", "", "Agent whose claim failed (default: whoever holds the ticket)")

	classifyCmd.Flags().IntVar(&classifyRetryCount, "retry-count", 0, "Retries the ticket already used")

	rootCmd.AddCommand(claimCmd, startCmd, progressCmd, completeCmd, failCmd, classifyCmd)
}
