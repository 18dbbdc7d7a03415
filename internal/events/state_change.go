// Package events carries ticket state-change notifications to observers.
//
// The lifecycle engine emits one StateChange per transition through a
// Notifier. Delivery is fire-and-forget: a slow or failing observer never
// blocks or fails the transition that produced the event.
package events

import (
	"context"
	"time"

	"github.com/swarm-dev/swarm/internal/types"
)

// StateChange is emitted on every ticket transition
type StateChange struct {
	TicketID   string            `json:"ticket_id"`
	FromState  types.TicketState `json:"from_state"`
	ToState    types.TicketState `json:"to_state"`
	Reason     string            `json:"reason"`
	Actor      string            `json:"actor,omitempty"`
	RetryCount int               `json:"retry_count"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier receives state changes. Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, change StateChange)
}

// NopNotifier discards every event
type NopNotifier struct{}

// Notify implements Notifier
func (NopNotifier) Notify(context.Context, StateChange) {}

// Handler consumes one event on behalf of a bus subscriber
type Handler func(ctx context.Context, change StateChange) error
