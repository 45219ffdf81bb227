package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/repo"
)

const (
	defaultForwardInterval = 2 * time.Second
	defaultForwardBatch    = 100
)

// Forwarder streams audit rows to webhooks. Each hook keeps its own cursor,
// starting at the newest row present when the hook is first polled, and
// advances only past rows it delivered or filtered out.
type Forwarder struct {
	notifier *Webhooks
	repo     repo.Repo
	interval time.Duration

	mu      sync.Mutex
	cursors map[int]int64
}

func NewForwarder(n *Webhooks, r repo.Repo, interval time.Duration) *Forwarder {
	if interval <= 0 {
		interval = defaultForwardInterval
	}
	return &Forwarder{notifier: n, repo: r, interval: interval, cursors: map[int]int64{}}
}

// Run forwards until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	if len(f.notifier.hooks) == 0 {
		return
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		f.ForwardOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ForwardOnce runs one delivery pass over every enabled hook.
func (f *Forwarder) ForwardOnce(ctx context.Context) {
	for i, hook := range f.notifier.hooks {
		if !hookEnabled(hook) {
			continue
		}
		f.forward(ctx, i)
	}
}

type auditMessage struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Project    string          `json:"project,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (f *Forwarder) forward(ctx context.Context, idx int) {
	hook := f.notifier.hooks[idx]
	cursor, err := f.cursorFor(ctx, idx)
	if err != nil {
		f.notifier.logger.Warn("forwarder: init cursor failed", "url", hook.URL, "err", err)
		return
	}
	rows, err := f.repo.EventsAfter(ctx, defaultForwardBatch, cursor, repo.EventFilter{})
	if err != nil {
		f.notifier.logger.Warn("forwarder: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range rows {
		if !filter.match(evt.Type) {
			f.setCursor(idx, evt.ID)
			continue
		}
		data, err := json.Marshal(auditFor(evt))
		if err != nil {
			f.setCursor(idx, evt.ID)
			continue
		}
		if err := f.notifier.deliver(ctx, hook, evt.Type, strconv.FormatInt(evt.ID, 10), data); err != nil {
			f.notifier.logger.Warn("forwarder: delivery failed", "url", hook.URL, "event", evt.ID, "err", err)
			return
		}
		f.setCursor(idx, evt.ID)
	}
}

func auditFor(evt domain.Event) auditMessage {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return auditMessage{
		ID:         evt.ID,
		Type:       evt.Type,
		Project:    evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

// Cursor returns the last forwarded event id of hook idx.
func (f *Forwarder) Cursor(idx int) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cursors[idx]
	return c, ok
}

func (f *Forwarder) cursorFor(ctx context.Context, idx int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cursors[idx]; ok {
		return cur, nil
	}
	latest, err := f.repo.LatestEvents(ctx, 1, repo.EventFilter{})
	if err != nil {
		return 0, err
	}
	var cur int64
	if len(latest) > 0 {
		cur = latest[0].ID
	}
	f.cursors[idx] = cur
	return cur, nil
}

func (f *Forwarder) setCursor(idx int, v int64) {
	f.mu.Lock()
	f.cursors[idx] = v
	f.mu.Unlock()
}
