package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler receives published events. Returned errors are logged; they never
// stop delivery to other handlers.
type Handler func(ctx context.Context, e GovernorEvent) error

// Bus is the pub/sub seam between event producers (webhooks, sweeps, the
// HTTP API) and the event-driven governor.
type Bus interface {
	Publish(ctx context.Context, e GovernorEvent) error
	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (func(), error)
}

// GroupSubscriber is implemented by buses that can load-balance events
// across the members of a named group. Governors sharing a bus join one
// group so each event is handled once.
type GroupSubscriber interface {
	SubscribeGroup(group string, h Handler) (func(), error)
}

type subscription struct {
	id      uint64
	handler Handler
}

// LocalBus delivers events synchronously inside the process, in subscription
// order. A panicking handler is recovered and logged.
type LocalBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{logger: logger}
}

func (b *LocalBus) Subscribe(h Handler) (func(), error) {
	if h == nil {
		return nil, fmt.Errorf("events: nil handler")
	}
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, handler: h})
	b.mu.Unlock()
	return func() { b.unsubscribe(id) }, nil
}

func (b *LocalBus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *LocalBus) Publish(ctx context.Context, e GovernorEvent) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("events: publish cancelled: %w", err)
		}
		dispatch(ctx, b.logger, s.handler, e)
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func dispatch(ctx context.Context, logger *slog.Logger, h Handler, e GovernorEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked", "type", e.Kind(), "issue", e.Meta().IssueID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := h(ctx, e); err != nil {
		logger.Warn("event handler failed", "type", e.Kind(), "issue", e.Meta().IssueID, "err", err)
	}
}
