package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarm-dev/swarm/internal/events"
	"github.com/swarm-dev/swarm/internal/types"
)

const lifecycleScopeName = "github.com/swarm-dev/swarm/lifecycle"

// TransitionCounter returns a bus handler counting ticket transitions in
// swarm.ticket.transitions and requeues in swarm.ticket.requeues.
// A nil meter uses the global provider.
func TransitionCounter(meter metric.Meter) (events.Handler, error) {
	if meter == nil {
		meter = Meter(lifecycleScopeName)
	}
	transitions, err := meter.Int64Counter("swarm.ticket.transitions",
		metric.WithDescription("Ticket state transitions by from and to state"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: transitions counter: %w", err)
	}
	requeues, err := meter.Int64Counter("swarm.ticket.requeues",
		metric.WithDescription("Tickets sent back to ready after a failure or review"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: requeues counter: %w", err)
	}

	return func(ctx context.Context, c events.StateChange) error {
		attrs := metric.WithAttributes(
			attribute.String("from_state", string(c.FromState)),
			attribute.String("to_state", string(c.ToState)),
		)
		transitions.Add(ctx, 1, attrs)
		if c.ToState == types.StateReady && c.RetryCount > 0 && c.FromState != types.StateDraft && c.FromState != types.StateBlocked {
			requeues.Add(ctx, 1, metric.WithAttributes(attribute.String("from_state", string(c.FromState))))
		}
		return nil
	}, nil
}
