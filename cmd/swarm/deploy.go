package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/swarm-dev/swarm/internal/gates"
	"github.com/swarm-dev/swarm/internal/git"
)

var featureCmd = &cobra.Command{
	Use:   "feature",
	Short: "Inspect features (parent tickets)",
}

var featureStatusCmd = &cobra.Command{
	Use:   "status <parent-id>",
	Short: "Show whether every child of a feature is done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := cliApp.gate.IsFeatureComplete(rootCtx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), st)
		}
		out := cmd.OutOrStdout()
		if st.Complete {
			fmt.Fprintf(out, "%s %s complete (%d/%d done)\n", green("✓"), bold(st.ParentID), st.Total, st.Total)
			return nil
		}
		done := st.Total - len(st.IncompleteSiblings)
		fmt.Fprintf(out, "%s %s incomplete (%d/%d done)\n", yellow("…"), bold(st.ParentID), done, st.Total)
		for _, t := range st.IncompleteSiblings {
			printTicketLine(out, t)
		}
		return nil
	},
}

var (
	deployCommit  string
	deployMessage string
	deployRepo    string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy gating decisions",
}

var deployDecideCmd = &cobra.Command{
	Use:   "decide [ticket-id]",
	Short: "Decide whether finished work deploys now, waits, or ships its feature",
	Long: `Decide what to do with a merged change.

Given a ticket id, or a commit whose message references one (tkt-xxxxxxxx):
  deploy_now      the ticket has no parent feature
  queue           siblings in the same feature are still open
  deploy_feature  every sibling is done; ship the whole feature

Example:
  swarm deploy decide tkt-1a2b3c4d
  swarm deploy decide --commit 9f2c1e7 --message "tkt-1a2b3c4d: add login endpoint"
  swarm deploy decide --commit HEAD --repo ../app`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			d   *gates.Decision
			err error
		)
		switch {
		case len(args) == 1:
			d, err = cliApp.gate.DecideForTicket(rootCtx, args[0])
		case deployCommit != "" || deployMessage != "":
			c := gates.Commit{SHA: deployCommit, Message: deployMessage}
			if c.Message == "" {
				if c.SHA, c.Message, err = readCommit(c.SHA); err != nil {
					return err
				}
			}
			d, err = cliApp.gate.DecideForCommit(rootCtx, c)
		default:
			return fmt.Errorf("give a ticket id or --commit/--message")
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), d)
		}
		printDecision(cmd.OutOrStdout(), d)
		return nil
	},
}

// readCommit looks up a commit's full SHA and message in --repo
func readCommit(rev string) (string, string, error) {
	g, err := git.NewGit(rootCtx)
	if err != nil {
		return "", "", err
	}
	return g.Commit(rootCtx, deployRepo, rev)
}

func printDecision(w io.Writer, d *gates.Decision) {
	var action string
	switch d.Action {
	case gates.ActionDeployNow, gates.ActionDeployFeature:
		action = green(string(d.Action))
	default:
		action = yellow(string(d.Action))
	}
	fmt.Fprintf(w, "%s  %s\n", action, d.Reason)
	if len(d.Incomplete) > 0 {
		fmt.Fprintf(w, "  waiting on: %s\n", strings.Join(d.Incomplete, ", "))
	}
}

func init() {
	deployDecideCmd.Flags().StringVar(&deployCommit, "commit", "", "Commit SHA")
	deployDecideCmd.Flags().StringVar(&deployMessage, "message", "", "Commit message (default: read from git)")
	deployDecideCmd.Flags().StringVar(&deployRepo, "repo", ".", "Repository to read --commit from")

	featureCmd.AddCommand(featureStatusCmd)
	deployCmd.AddCommand(deployDecideCmd)
	rootCmd.AddCommand(featureCmd, deployCmd)
}
