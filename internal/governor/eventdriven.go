package governor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/escalation"
	"dispatchline/internal/events"
)

const (
	DefaultDedupWindow   = 30 * time.Second
	DefaultSweepInterval = 15 * time.Minute
	DefaultQueueGroup    = "dispatchline-governors"
)

// ErrNoSnapshot is returned when an event names an issue that neither
// carries a snapshot nor can be fetched.
var ErrNoSnapshot = errors.New("no issue snapshot available")

// EscalationHandler receives the escalation side effects of events.
// *escalation.Store implements it.
type EscalationHandler interface {
	HandleComment(ctx context.Context, issueID, body, author string) (escalation.Directive, bool, error)
	RecordFailure(ctx context.Context, issue domain.Issue) (int, *escalation.Touchpoint, error)
}

// TimeoutProcessor is implemented by escalation handlers that can expire
// touchpoints in bulk; the sweep calls it before publishing snapshots.
type TimeoutProcessor interface {
	ProcessTimeouts(ctx context.Context) ([]escalation.AutoProceed, error)
}

// EventStats counts what the event path has done since Start.
type EventStats struct {
	Processed int64
	Dropped   int64
	Failed    int64
}

// EventDriven feeds bus events into the governor's per-issue evaluation and
// runs a periodic sweep so missed webhooks are eventually noticed.
type EventDriven struct {
	gov        *Governor
	bus        events.Bus
	dedup      events.Deduplicator
	escalation EscalationHandler
	window     time.Duration
	sweepEvery time.Duration
	group      string
	now        func() time.Time

	processed atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64

	mu          sync.Mutex
	unsubscribe func()
	stopSweep   chan struct{}
	sweepDone   chan struct{}
}

type EventOption func(*EventDriven)

func WithDedupWindow(d time.Duration) EventOption {
	return func(e *EventDriven) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithSweepInterval sets the safety sweep period. Zero or negative disables
// the sweep.
func WithSweepInterval(d time.Duration) EventOption {
	return func(e *EventDriven) { e.sweepEvery = d }
}

// WithQueueGroup names the group joined on buses that implement
// events.GroupSubscriber. Empty subscribes to every event.
func WithQueueGroup(name string) EventOption {
	return func(e *EventDriven) { e.group = name }
}

func WithEscalation(h EscalationHandler) EventOption {
	return func(e *EventDriven) { e.escalation = h }
}

func WithEventClock(now func() time.Time) EventOption {
	return func(e *EventDriven) { e.now = now }
}

func NewEventDriven(gov *Governor, bus events.Bus, dedup events.Deduplicator, opts ...EventOption) *EventDriven {
	if dedup == nil {
		dedup = events.NewMemoryDeduplicator()
	}
	e := &EventDriven{
		gov:        gov,
		bus:        bus,
		dedup:      dedup,
		window:     DefaultDedupWindow,
		sweepEvery: DefaultSweepInterval,
		group:      DefaultQueueGroup,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *EventDriven) Stats() EventStats {
	return EventStats{
		Processed: e.processed.Load(),
		Dropped:   e.dropped.Load(),
		Failed:    e.failed.Load(),
	}
}

// Start subscribes to the bus and starts the sweep, which runs once
// immediately. Starting twice is a no-op.
func (e *EventDriven) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubscribe != nil {
		e.gov.logger.Warn("event-driven governor already running")
		return nil
	}
	var (
		unsub func()
		err   error
	)
	if gs, ok := e.bus.(events.GroupSubscriber); ok && e.group != "" {
		unsub, err = gs.SubscribeGroup(e.group, e.Handle)
	} else {
		unsub, err = e.bus.Subscribe(e.Handle)
	}
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	e.unsubscribe = unsub
	if e.sweepEvery > 0 {
		e.stopSweep = make(chan struct{})
		e.sweepDone = make(chan struct{})
		go e.sweepLoop(context.WithoutCancel(ctx), ctx.Done(), e.stopSweep, e.sweepDone)
	}
	e.gov.logger.Info("event-driven governor started", "dedup_window", e.window, "sweep_interval", e.sweepEvery)
	return nil
}

// Stop unsubscribes and stops the sweep, waiting for a running sweep to
// finish.
func (e *EventDriven) Stop() {
	e.mu.Lock()
	unsub, stop, done := e.unsubscribe, e.stopSweep, e.sweepDone
	e.unsubscribe, e.stopSweep, e.sweepDone = nil, nil, nil
	e.mu.Unlock()
	if unsub == nil {
		return
	}
	unsub()
	if stop != nil {
		close(stop)
		<-done
	}
	e.gov.logger.Info("event-driven governor stopped")
}

func (e *EventDriven) sweepLoop(ctx context.Context, cancelled <-chan struct{}, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	e.Sweep(ctx)
	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-cancelled:
			return
		case <-stop:
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep expires timed-out touchpoints and publishes a poll snapshot for
// every listed issue. It returns the number of snapshots published.
func (e *EventDriven) Sweep(ctx context.Context) int {
	if tp, ok := e.escalation.(TimeoutProcessor); ok {
		proceeds, err := tp.ProcessTimeouts(ctx)
		if err != nil {
			e.gov.logger.Warn("process touchpoint timeouts", "err", err)
		}
		for _, p := range proceeds {
			e.gov.logger.Info("touchpoint auto-proceeded", "issue", p.Touchpoint.IssueID, "type", p.Touchpoint.Type, "action", p.Action)
		}
	}
	published := 0
	for _, project := range e.gov.cfg.Projects {
		issues, err := e.gov.collab.ListIssues(ctx, project)
		if err != nil {
			e.gov.recordError(ctx, "", fmt.Errorf("sweep %s: %w", project, err))
			continue
		}
		for _, issue := range issues {
			ev := events.PollSnapshot{
				EventMeta: events.EventMeta{IssueID: issue.ID, Source: events.SourcePoll, OccurredAt: e.now()},
				Issue:     issue,
			}
			if err := e.bus.Publish(ctx, ev); err != nil {
				e.gov.logger.Warn("publish poll snapshot", "issue", issue.DisplayID(), "err", err)
				continue
			}
			published++
		}
	}
	e.gov.logger.Debug("sweep complete", "published", published)
	return published
}

// Handle processes one event. It is the bus subscription handler and may
// also be called directly.
func (e *EventDriven) Handle(ctx context.Context, ev events.GovernorEvent) error {
	if ev == nil {
		return events.ErrMalformedEvent
	}
	key := events.DedupKey(ev)
	seen, err := e.dedup.Seen(ctx, key, e.window)
	if err != nil {
		// Fail open.
		e.gov.logger.Warn("dedup check failed", "key", key, "err", err)
	} else if seen {
		e.dropped.Add(1)
		e.gov.logger.Debug("duplicate event dropped", "key", key)
		return nil
	}

	if err := e.apply(ctx, ev); err != nil {
		e.failed.Add(1)
		return err
	}
	e.processed.Add(1)
	return nil
}

func (e *EventDriven) apply(ctx context.Context, ev events.GovernorEvent) error {
	switch x := ev.(type) {
	case events.StatusChanged, events.PollSnapshot:
		return e.evaluate(ctx, ev)
	case events.CommentAdded:
		if e.escalation != nil {
			d, ok, err := e.escalation.HandleComment(ctx, x.IssueID, x.Body, x.Author)
			if err != nil {
				return fmt.Errorf("apply directive on %s: %w", x.IssueID, err)
			}
			if ok {
				e.gov.logger.Info("directive received", "issue", x.IssueID, "directive", d.String(), "author", x.Author)
			}
		}
		return e.evaluate(ctx, ev)
	case events.SessionCompleted:
		if !x.Success && x.WorkType == domain.WorkQA && e.escalation != nil {
			issue, err := e.resolve(ctx, ev)
			if err != nil {
				return err
			}
			n, tp, err := e.escalation.RecordFailure(ctx, issue)
			if err != nil {
				return fmt.Errorf("record QA failure on %s: %w", issue.DisplayID(), err)
			}
			attrs := []any{"issue", issue.DisplayID(), "cycle", n}
			if tp != nil {
				attrs = append(attrs, "touchpoint", tp.Type)
			}
			e.gov.logger.Info("QA failure recorded", attrs...)
		}
		return e.evaluate(ctx, ev)
	}
	return fmt.Errorf("%w: unsupported event %T", events.ErrMalformedEvent, ev)
}

func (e *EventDriven) evaluate(ctx context.Context, ev events.GovernorEvent) error {
	issue, err := e.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if !e.inScope(issue) {
		e.gov.logger.Debug("event for unmanaged project ignored", "issue", issue.DisplayID(), "project", issue.Project)
		return nil
	}
	_, err = e.gov.Evaluate(ctx, issue)
	return err
}

// inScope admits issues of configured projects and issues without one.
func (e *EventDriven) inScope(issue domain.Issue) bool {
	return issue.Project == "" || len(e.gov.cfg.Projects) == 0 || slices.Contains(e.gov.cfg.Projects, issue.Project)
}

func (e *EventDriven) resolve(ctx context.Context, ev events.GovernorEvent) (domain.Issue, error) {
	if issue, ok := events.Snapshot(ev); ok {
		return events.ApplyStatus(ev, issue), nil
	}
	id := ev.Meta().IssueID
	if f, ok := e.gov.collab.(IssueFetcher); ok {
		issue, err := f.GetIssue(ctx, id)
		if err != nil {
			return domain.Issue{}, fmt.Errorf("fetch issue %s: %w", id, err)
		}
		// A stored snapshot may predate the change the event reports.
		return events.ApplyStatus(ev, issue), nil
	}
	return domain.Issue{}, fmt.Errorf("%w: %s", ErrNoSnapshot, id)
}
