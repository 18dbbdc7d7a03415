// Package gates decides when finished work may be deployed.
//
// Tickets grouped under a parent ("feature") ship together: a child's work
// is queued until every sibling is done. Standalone tickets ship at once.
// The same check serves two call sites, a ticket that just reached done and
// a merged commit that references a ticket.
package gates

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/swarm-dev/swarm/internal/events"
	"github.com/swarm-dev/swarm/internal/types"
)

// Action is the deploy decision
type Action string

const (
	// ActionDeployNow ships standalone work immediately
	ActionDeployNow Action = "deploy_now"
	// ActionQueue holds work until the rest of its feature is done
	ActionQueue Action = "queue"
	// ActionDeployFeature ships the whole feature; every sibling is done
	ActionDeployFeature Action = "deploy_feature"
)

// TicketReader is the read-only slice of storage the gate needs
type TicketReader interface {
	GetTicket(ctx context.Context, id string) (*types.Ticket, error)
	ListChildren(ctx context.Context, parentID string) ([]*types.Ticket, error)
}

// FeatureStatus is the completion state of one parent's children
type FeatureStatus struct {
	ParentID           string          `json:"parent_id"`
	Complete           bool            `json:"complete"`
	Total              int             `json:"total"`
	IncompleteSiblings []*types.Ticket `json:"incomplete_siblings"`
}

// Decision is the result of a deploy check
type Decision struct {
	Action     Action   `json:"action"`
	TicketID   string   `json:"ticket_id,omitempty"`
	ParentID   string   `json:"parent_id,omitempty"`
	Incomplete []string `json:"incomplete,omitempty"` // ids of siblings still in flight
	Reason     string   `json:"reason"`
}

// Commit is a merged change as seen by the deploy pipeline
type Commit struct {
	SHA      string
	Message  string
	TicketID string // optional; otherwise parsed from Message
}

var ticketRefRE = regexp.MustCompile(`\btkt-[0-9a-f]{8}\b`)

// TicketRef returns the first ticket id referenced in a commit message
func TicketRef(message string) string {
	return ticketRefRE.FindString(message)
}

// Gate evaluates sibling completion
type Gate struct {
	store  TicketReader
	logger *slog.Logger
}

// New creates a gate over store
func New(store TicketReader, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, logger: logger}
}

// IsFeatureComplete reports whether every child of parentID is done.
// Cancelled children are dropped work and do not hold the feature back.
// An empty parentID is trivially complete.
func (g *Gate) IsFeatureComplete(ctx context.Context, parentID string) (*FeatureStatus, error) {
	return g.featureStatus(ctx, parentID, "")
}

func (g *Gate) featureStatus(ctx context.Context, parentID, shipped string) (*FeatureStatus, error) {
	status := &FeatureStatus{ParentID: parentID, IncompleteSiblings: []*types.Ticket{}}
	if parentID == "" {
		status.Complete = true
		return status, nil
	}

	children, err := g.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", parentID, err)
	}
	for _, c := range children {
		if c.State == types.StateCancelled {
			continue
		}
		status.Total++
		if c.State == types.StateDone || c.ID == shipped {
			continue
		}
		status.IncompleteSiblings = append(status.IncompleteSiblings, c)
	}
	status.Complete = len(status.IncompleteSiblings) == 0
	return status, nil
}

// DecideForTicket decides how to ship a ticket's work
func (g *Gate) DecideForTicket(ctx context.Context, ticketID string) (*Decision, error) {
	t, err := g.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	status, err := g.featureStatus(ctx, t.ParentTicketID, "")
	if err != nil {
		return nil, err
	}
	return decide(ticketID, status), nil
}

// DecideForCommit decides how to ship a merged commit. The commit's own
// ticket counts as complete since its change is already merged. Commits
// that reference no ticket are standalone.
func (g *Gate) DecideForCommit(ctx context.Context, c Commit) (*Decision, error) {
	ticketID := c.TicketID
	if ticketID == "" {
		ticketID = TicketRef(c.Message)
	}
	if ticketID == "" {
		return &Decision{Action: ActionDeployNow, Reason: fmt.Sprintf("commit %s references no ticket", shortSHA(c.SHA))}, nil
	}

	t, err := g.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	status, err := g.featureStatus(ctx, t.ParentTicketID, ticketID)
	if err != nil {
		return nil, err
	}
	return decide(ticketID, status), nil
}

func decide(ticketID string, status *FeatureStatus) *Decision {
	d := &Decision{TicketID: ticketID, ParentID: status.ParentID}
	switch {
	case status.ParentID == "":
		d.Action = ActionDeployNow
		d.Reason = "standalone ticket"
	case !status.Complete:
		d.Action = ActionQueue
		for _, s := range status.IncompleteSiblings {
			d.Incomplete = append(d.Incomplete, s.ID)
		}
		d.Reason = fmt.Sprintf("waiting on %d of %d tickets in feature %s", len(d.Incomplete), status.Total, status.ParentID)
	default:
		d.Action = ActionDeployFeature
		d.Reason = fmt.Sprintf("all %d tickets in feature %s are done", status.Total, status.ParentID)
	}
	return d
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// OnDone returns a bus handler that evaluates the deploy decision for every
// ticket that reaches done and passes it to report.
func (g *Gate) OnDone(report func(context.Context, *Decision)) events.Handler {
	return func(ctx context.Context, change events.StateChange) error {
		if change.ToState != types.StateDone {
			return nil
		}
		d, err := g.DecideForTicket(ctx, change.TicketID)
		if err != nil {
			return fmt.Errorf("deploy decision for %s: %w", change.TicketID, err)
		}
		g.logger.Info("deploy decision", "ticket_id", d.TicketID, "action", d.Action, "reason", d.Reason)
		if report != nil {
			report(ctx, d)
		}
		return nil
	}
}
