package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent bounds in-flight deliveries across all subscribers
const DefaultMaxConcurrent = 64

// DefaultDeliveryTimeout bounds a single handler call
const DefaultDeliveryTimeout = 10 * time.Second

// Bus fans state changes out to named subscribers. Each delivery runs in its
// own goroutine; when MaxConcurrent deliveries are already in flight further
// deliveries are dropped and logged.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup

	droppedMu sync.Mutex
	dropped   int
}

// BusOption configures NewBus
type BusOption func(*Bus)

// WithMaxConcurrent sets the in-flight delivery bound
func WithMaxConcurrent(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithDeliveryTimeout sets the per-handler timeout
func WithDeliveryTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the bus logger
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBus creates an empty bus
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers: make(map[string]Handler),
		sem:      semaphore.NewWeighted(DefaultMaxConcurrent),
		timeout:  DefaultDeliveryTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h under name, replacing any previous handler with that name
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h
}

// Unsubscribe removes the handler registered under name
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, name)
}

// Subscribers returns the registered subscriber names in sorted order
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notify implements Notifier. It returns immediately; handlers run detached
// from ctx so that a finished request does not cancel delivery.
func (b *Bus) Notify(ctx context.Context, change StateChange) {
	b.mu.RLock()
	targets := make(map[string]Handler, len(b.handlers))
	for name, h := range b.handlers {
		targets[name] = h
	}
	b.mu.RUnlock()

	for name, h := range targets {
		if !b.sem.TryAcquire(1) {
			b.droppedMu.Lock()
			b.dropped++
			b.droppedMu.Unlock()
			b.logger.Warn("dropping state change notification, too many deliveries in flight",
				"subscriber", name, "ticket_id", change.TicketID, "to_state", change.ToState)
			continue
		}

		b.wg.Add(1)
		go func(name string, h Handler) {
			defer b.wg.Done()
			defer b.sem.Release(1)
			b.deliver(context.WithoutCancel(ctx), name, h, change)
		}(name, h)
	}
}

func (b *Bus) deliver(ctx context.Context, name string, h Handler, change StateChange) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("state change subscriber panicked", "subscriber", name, "ticket_id", change.TicketID, "panic", r)
		}
	}()

	if err := h(ctx, change); err != nil {
		b.logger.Warn("state change delivery failed",
			"subscriber", name, "ticket_id", change.TicketID, "to_state", change.ToState, "error", err)
	}
}

// Wait blocks until every in-flight delivery has returned
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Dropped returns how many deliveries were skipped because the bus was saturated
func (b *Bus) Dropped() int {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.dropped
}
