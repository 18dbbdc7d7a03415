// Package lifecycle moves tickets through their state machine.
//
// The Engine is the only writer of ticket state. Every change goes through
// transition, which checks the move against types.ValidTransitions and
// applies it as a state-guarded update, so a caller that lost a race sees
// storage.ErrStateConflict instead of silently overwriting another caller.
// Failures are classified with the retry package and converted into either
// a delayed requeue or a hold for human attention.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarm-dev/swarm/internal/events"
	"github.com/swarm-dev/swarm/internal/storage"
	"github.com/swarm-dev/swarm/internal/types"
)

const tracerName = "github.com/swarm-dev/swarm/internal/lifecycle"

// Config holds the engine's collaborators
type Config struct {
	Store    storage.Storage // required
	Notifier events.Notifier // receives one StateChange per transition (default: discard)
	Clock    func() time.Time
	Logger   *slog.Logger
	// DefaultMaxReviewAttempts applies to new tickets that do not set their own (default: 3)
	DefaultMaxReviewAttempts int
}

// Engine orchestrates ticket state transitions
type Engine struct {
	store             storage.Storage
	notifier          events.Notifier
	clock             func() time.Time
	logger            *slog.Logger
	tracer            trace.Tracer
	maxReviewAttempts int
}

// New creates an engine from cfg
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("lifecycle: store is required")
	}
	e := &Engine{
		store:             cfg.Store,
		notifier:          cfg.Notifier,
		clock:             cfg.Clock,
		logger:            cfg.Logger,
		tracer:            otel.Tracer(tracerName),
		maxReviewAttempts: cfg.DefaultMaxReviewAttempts,
	}
	if e.notifier == nil {
		e.notifier = events.NopNotifier{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.maxReviewAttempts <= 0 {
		e.maxReviewAttempts = types.DefaultMaxReviewAttempts
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// transition moves t to state `to`, applying upd in the same guarded write.
// The assignee is cleared whenever the target state does not hold one, and
// ready_at is stamped on every move into ready.
func (e *Engine) transition(ctx context.Context, t *types.Ticket, to types.TicketState, upd *types.TicketUpdate, reason, actor string) (*types.Ticket, error) {
	return e.transitionSteps(ctx, t, actor, step{to: to, upd: upd, reason: reason})
}

// step is one move of a multi-step transition
type step struct {
	to     types.TicketState
	upd    *types.TicketUpdate
	reason string
}

// transitionSteps applies steps starting from t's state as a single store
// transaction, then publishes one StateChange per step.
func (e *Engine) transitionSteps(ctx context.Context, t *types.Ticket, actor string, steps ...step) (*types.Ticket, error) {
	now := e.now()
	from := t.State
	writes := make([]types.TicketStep, 0, len(steps))
	for _, st := range steps {
		if err := types.CheckTransition(from, st.to); err != nil {
			return nil, fmt.Errorf("ticket %s: %w", t.ID, err)
		}
		upd := st.upd
		if upd == nil {
			upd = &types.TicketUpdate{}
		}
		upd.State = st.to
		if upd.At.IsZero() {
			upd.At = now
		}
		if !st.to.HoldsAssignee() {
			upd.ClearAssignee = true
		}
		if st.to == types.StateReady {
			upd.MarkReady = true
		}
		writes = append(writes, types.TicketStep{Update: upd, Event: &types.TicketEvent{Reason: st.reason, Actor: actor}})
		from = st.to
	}

	updated, err := e.store.UpdateTicketSteps(ctx, t.ID, t.State, writes)
	if err != nil {
		return nil, err
	}

	from = t.State
	for i, st := range steps {
		e.logger.Debug("ticket transition",
			"ticket_id", t.ID, "from", from, "to", st.to, "reason", st.reason, "actor", actor)
		if i == len(steps)-1 {
			e.notify(ctx, from, updated, st.reason, actor, writes[i].Update.At)
			break
		}
		e.notifier.Notify(ctx, events.StateChange{
			TicketID:   t.ID,
			FromState:  from,
			ToState:    st.to,
			Reason:     st.reason,
			Actor:      actor,
			RetryCount: t.RetryCount,
			OccurredAt: writes[i].Update.At,
		})
		from = st.to
	}
	return updated, nil
}

func (e *Engine) notify(ctx context.Context, from types.TicketState, t *types.Ticket, reason, actor string, at time.Time) {
	e.notifier.Notify(ctx, events.StateChange{
		TicketID:   t.ID,
		FromState:  from,
		ToState:    t.State,
		Reason:     reason,
		Actor:      actor,
		RetryCount: t.RetryCount,
		OccurredAt: at,
	})
}

// settle turns a lost race into a no-op when the ticket already reached a
// terminal state or one of the given states; otherwise the conflict is returned.
func (e *Engine) settle(ctx context.Context, id, op string, err error, settled ...types.TicketState) (*types.Ticket, error) {
	if !errors.Is(err, storage.ErrStateConflict) {
		return nil, err
	}
	current, getErr := e.store.GetTicket(ctx, id)
	if getErr != nil {
		return nil, err
	}
	if current.State.IsTerminal() || stateIn(current.State, settled) {
		e.logger.Info("ignoring operation on settled ticket", "op", op, "ticket_id", id, "state", current.State)
		return current, nil
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

func stateIn(s types.TicketState, states []types.TicketState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

func (e *Engine) startSpan(ctx context.Context, op, ticketID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("swarm.operation", op)}
	if ticketID != "" {
		attrs = append(attrs, ticketAttr(ticketID))
	}
	return e.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
}

func ticketAttr(id string) attribute.KeyValue {
	return attribute.String("swarm.ticket_id", id)
}

// endSpan records the resulting state or err on span and ends it
func endSpan(span trace.Span, t *types.Ticket, err error) {
	if t != nil {
		span.SetAttributes(attribute.String("swarm.state", string(t.State)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
