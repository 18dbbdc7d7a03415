package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarm-dev/swarm/internal/events"
	"github.com/swarm-dev/swarm/internal/lifecycle"
)

var (
	historyLimit  int
	historyFollow bool
)

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show a ticket's reviews and state transitions",
	Long: `Print the audit trail of a ticket: every state change with its reason
and actor, and every review.

With --follow, keep printing state changes for the ticket as they are
published on NATS (requires events.nats_url).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := cliApp.engine.History(rootCtx, args[0], historyLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput && !historyFollow {
			return writeJSON(out, h)
		}
		printHistory(out, h)

		if !historyFollow {
			return nil
		}
		if cliApp.nats == nil {
			return fmt.Errorf("--follow needs events.nats_url to be configured")
		}
		id := h.Ticket.ID
		sub, err := cliApp.nats.Follow(func(c events.StateChange) {
			if c.TicketID == id {
				printChange(out, c)
			}
		})
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()

		fmt.Fprintf(out, "%s\n", gray("Following; Ctrl+C to stop"))
		<-rootCtx.Done()
		return nil
	},
}

func printHistory(w io.Writer, h *lifecycle.History) {
	printTicketLine(w, h.Ticket)

	fmt.Fprintf(w, "\n%s\n", bold("Transitions:"))
	for i := len(h.Events) - 1; i >= 0; i-- {
		e := h.Events[i]
		from := string(e.FromState)
		if from == "" {
			from = "∅"
		}
		fmt.Fprintf(w, "  %s  %s → %s  %s %s\n",
			gray(e.CreatedAt.Local().Format("2006-01-02 15:04:05")),
			from, formatState(e.ToState), e.Reason, gray("("+e.Actor+")"))
	}

	if len(h.Reviews) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Reviews:"))
		for _, r := range h.Reviews {
			fmt.Fprintf(w, "  #%d %s score %d by %s, %d issues\n", r.ID, r.Decision, r.Score, r.Reviewer, len(r.Issues))
			for _, issue := range r.Issues {
				fmt.Fprintf(w, "     - %s\n", issue.Description)
			}
		}
	}
	fmt.Fprintln(w)
}

func printChange(w io.Writer, c events.StateChange) {
	if jsonOutput {
		_ = writeJSON(w, c)
		return
	}
	fmt.Fprintf(w, "  %s  %s → %s  %s %s\n",
		gray(c.OccurredAt.Local().Format(time.TimeOnly)),
		c.FromState, formatState(c.ToState), c.Reason, gray("("+c.Actor+")"))
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum transitions to show")
	historyCmd.Flags().BoolVar(&historyFollow, "follow", false, "Keep printing new transitions (requires NATS)")
	rootCmd.AddCommand(historyCmd)
}
