package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject prefix for ticket state changes
const DefaultSubjectPrefix = "swarm.tickets"

// NATSPublisher publishes state changes as JSON on <prefix>.<to_state>
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// NewNATSPublisher wraps an existing connection
func NewNATSPublisher(conn *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// ConnectNATS dials url and returns a publisher that owns the connection
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("swarm-lifecycle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.owned = true
	return p, nil
}

// Subject returns the subject a change to state is published on
func (p *NATSPublisher) Subject(change StateChange) string {
	return p.prefix + "." + string(change.ToState)
}

// Handle publishes change; it is meant to be registered on a Bus
func (p *NATSPublisher) Handle(_ context.Context, change StateChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal state change: %w", err)
	}
	if err := p.conn.Publish(p.Subject(change), data); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(change), err)
	}
	return nil
}

// Close drains the connection if the publisher opened it
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.conn.Drain()
}

// Follow subscribes to every state change published under the prefix and
// calls fn for each one that decodes. Messages that do not decode are skipped.
func (p *NATSPublisher) Follow(fn func(StateChange)) (*nats.Subscription, error) {
	sub, err := p.conn.Subscribe(p.prefix+".>", func(msg *nats.Msg) {
		var change StateChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			return
		}
		fn(change)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", p.prefix, err)
	}
	if err := p.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return sub, nil
}
