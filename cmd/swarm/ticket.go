package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/swarm-dev/swarm/internal/lifecycle"
	"github.com/swarm-dev/swarm/internal/types"
)

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Create, inspect and activate tickets",
}

var (
	createTitle       string
	createDescription string
	createPriority    int
	createParent      string
	createCriteria    []string
	createReservedFor string
	createMaxReviews  int
	createActivate    bool
)

var ticketCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft ticket",
	Long: `Create a ticket in draft. Acceptance criteria are given as id:description.

Example:
  swarm ticket create --title "Add login endpoint" \
    --criterion "ac-1:POST /login returns a session token" \
    --criterion "ac-2:invalid passwords return 401" --activate`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		criteria, err := parseCriteria(createCriteria)
		if err != nil {
			return err
		}
		t := &types.Ticket{
			Title:              createTitle,
			Description:        createDescription,
			Priority:           createPriority,
			ParentTicketID:     createParent,
			ReservedFor:        createReservedFor,
			AcceptanceCriteria: criteria,
			MaxReviewAttempts:  createMaxReviews,
		}
		if err := cliApp.engine.CreateTicket(rootCtx, t, actor); err != nil {
			return err
		}
		if createActivate {
			if t, err = cliApp.engine.Activate(rootCtx, t.ID, actor); err != nil {
				return err
			}
		}
		return printResult(cmd.OutOrStdout(), "Created", t)
	},
}

// parseCriteria turns "id:description" flags into acceptance criteria
func parseCriteria(specs []string) ([]types.AcceptanceCriterion, error) {
	out := make([]types.AcceptanceCriterion, 0, len(specs))
	for _, s := range specs {
		id, desc, ok := strings.Cut(s, ":")
		id, desc = strings.TrimSpace(id), strings.TrimSpace(desc)
		if !ok || id == "" || desc == "" {
			return nil, fmt.Errorf("criterion %q must be id:description", s)
		}
		out = append(out, types.AcceptanceCriterion{ID: id, Description: desc})
	}
	return out, nil
}

// importFile is the batch format read by `swarm ticket import`.
// Keys are local names used to wire parents and dependencies within the file;
// a parent or depends_on value that is not a key is taken as an existing ticket id.
type importFile struct {
	Tickets []importTicket `yaml:"tickets"`
}

type importTicket struct {
	Key                string                      `yaml:"key"`
	Title              string                      `yaml:"title"`
	Description        string                      `yaml:"description"`
	Priority           int                         `yaml:"priority"`
	Parent             string                      `yaml:"parent"`
	ReservedFor        string                      `yaml:"reserved_for"`
	MaxReviewAttempts  int                         `yaml:"max_review_attempts"`
	AcceptanceCriteria []types.AcceptanceCriterion `yaml:"acceptance_criteria"`
	DependsOn          []string                    `yaml:"depends_on"`
	Activate           bool                        `yaml:"activate"`
}

func decodeImport(r io.Reader) (*importFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f importFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse import file: %w", err)
	}
	seen := make(map[string]bool, len(f.Tickets))
	for i, t := range f.Tickets {
		if t.Key == "" {
			continue
		}
		if seen[t.Key] {
			return nil, fmt.Errorf("tickets[%d]: duplicate key %q", i, t.Key)
		}
		seen[t.Key] = true
	}
	for i, t := range f.Tickets {
		if seen[t.Parent] && indexOfKey(f.Tickets, t.Parent) >= i {
			return nil, fmt.Errorf("tickets[%d]: parent %q must be listed before its children", i, t.Parent)
		}
	}
	return &f, nil
}

func indexOfKey(ts []importTicket, key string) int {
	for i, t := range ts {
		if t.Key == key {
			return i
		}
	}
	return -1
}

// importTickets creates every ticket, then dependencies, then activates the
// flagged ones so that activation sees the full dependency graph.
func importTickets(ctx context.Context, engine *lifecycle.Engine, f *importFile) ([]*types.Ticket, error) {
	ids := make(map[string]string, len(f.Tickets))
	resolve := func(ref string) string {
		if id, ok := ids[ref]; ok {
			return id
		}
		return ref
	}

	created := make([]*types.Ticket, 0, len(f.Tickets))
	for _, it := range f.Tickets {
		t := &types.Ticket{
			Title:              it.Title,
			Description:        it.Description,
			Priority:           it.Priority,
			ParentTicketID:     resolve(it.Parent),
			ReservedFor:        it.ReservedFor,
			MaxReviewAttempts:  it.MaxReviewAttempts,
			AcceptanceCriteria: it.AcceptanceCriteria,
		}
		if err := engine.CreateTicket(ctx, t, actor); err != nil {
			return created, fmt.Errorf("create %q: %w", it.Title, err)
		}
		if it.Key != "" {
			ids[it.Key] = t.ID
		}
		created = append(created, t)
	}

	for i, it := range f.Tickets {
		for _, dep := range it.DependsOn {
			if _, err := engine.AddDependency(ctx, created[i].ID, resolve(dep), actor); err != nil {
				return created, fmt.Errorf("depend %s on %s: %w", created[i].ID, dep, err)
			}
		}
	}

	for i, it := range f.Tickets {
		if !it.Activate {
			continue
		}
		t, err := engine.Activate(ctx, created[i].ID, actor)
		if err != nil {
			return created, fmt.Errorf("activate %s: %w", created[i].ID, err)
		}
		created[i] = t
	}
	return created, nil
}

var ticketImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create a batch of tickets from a YAML file",
	Long: `Create tickets, dependencies and parent links from a YAML file.

Example file:
  tickets:
    - key: feature
      title: Checkout flow
    - key: api
      parent: feature
      title: Checkout API
      acceptance_criteria:
        - {id: ac-1, description: POST /checkout creates an order}
      activate: true
    - parent: feature
      title: Checkout UI
      depends_on: [api]
      activate: true`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fh, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer fh.Close()

		f, err := decodeImport(fh)
		if err != nil {
			return err
		}
		created, err := importTickets(rootCtx, cliApp.engine, f)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), created)
		}
		for _, t := range created {
			printTicketLine(cmd.OutOrStdout(), t)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s Imported %d tickets\n", green("✓"), len(created))
		return nil
	},
}

var ticketActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Move a draft or blocked ticket to ready (or blocked while dependencies are open)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := cliApp.engine.Activate(rootCtx, args[0], actor)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Activated", t)
	},
}

var ticketShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a ticket with its criteria and feedback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := cliApp.engine.Get(rootCtx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), t)
		}
		printTicket(cmd.OutOrStdout(), t)
		return nil
	},
}

var (
	listStates   []string
	listParent   string
	listAssignee string
	listLimit    int
	listReady    bool
)

var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := types.TicketFilter{Limit: listLimit}
		for _, s := range listStates {
			st := types.TicketState(s)
			if !st.IsValid() {
				return fmt.Errorf("unknown state %q", s)
			}
			filter.States = append(filter.States, st)
		}
		if listParent != "" {
			filter.ParentID = &listParent
		}
		if listAssignee != "" {
			filter.AssigneeID = &listAssignee
		}

		var (
			tickets []*types.Ticket
			err     error
		)
		if listReady {
			// what `swarm claim` would hand this actor, in claim order
			tickets, err = cliApp.engine.ListReady(rootCtx, types.ClaimFilter{AssigneeID: actor, ParentID: listParent}, listLimit)
		} else {
			tickets, err = cliApp.store.ListTickets(rootCtx, filter)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd.OutOrStdout(), tickets)
		}
		if len(tickets) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", gray("No tickets"))
			return nil
		}
		for _, t := range tickets {
			printTicketLine(cmd.OutOrStdout(), t)
		}
		return nil
	},
}

var ticketDependCmd = &cobra.Command{
	Use:   "depend <id> <depends-on-id>",
	Short: "Make a ticket wait for another ticket to be done",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := cliApp.engine.AddDependency(rootCtx, args[0], args[1], actor)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), "Dependency added to", t)
	},
}

func init() {
	ticketCreateCmd.Flags().StringVar(&createTitle, "title", "", "Ticket title (required)")
	ticketCreateCmd.Flags().StringVar(&createDescription, "description", "", "Ticket description")
	ticketCreateCmd.Flags().IntVarP(&createPriority, "priority", "p", 2, "Priority 0 (highest) to 4")
	ticketCreateCmd.Flags().StringVar(&createParent, "parent", "", "Parent feature ticket id")
	ticketCreateCmd.Flags().StringArrayVar(&createCriteria, "criterion", nil, "Acceptance criterion as id:description (repeatable)")
	ticketCreateCmd.Flags().StringVar(&createReservedFor, "reserved-for", "", "Only this agent may claim the ticket")
	ticketCreateCmd.Flags().IntVar(&createMaxReviews, "max-review-attempts", 0, "Review/requeue cycles before holding (default from config)")
	ticketCreateCmd.Flags().BoolVar(&createActivate, "activate", false, "Activate immediately after creating")
	_ = ticketCreateCmd.MarkFlagRequired("title")

	ticketListCmd.Flags().StringSliceVar(&listStates, "state", nil, "Only these states (comma separated)")
	ticketListCmd.Flags().StringVar(&listParent, "parent", "", "Only children of this ticket")
	ticketListCmd.Flags().StringVar(&listAssignee, "assignee", "", "Only tickets held by this assignee")
	ticketListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum tickets to list")
	ticketListCmd.Flags().BoolVar(&listReady, "ready", false, "Only tickets claimable now, in claim order")

	ticketCmd.AddCommand(ticketCreateCmd, ticketImportCmd, ticketActivateCmd, ticketShowCmd, ticketListCmd, ticketDependCmd)
	rootCmd.AddCommand(ticketCmd)
}
