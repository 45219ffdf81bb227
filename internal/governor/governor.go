// Package governor drives issues through the workflow. The poll-only
// Governor scans every configured project on a timer; EventDriven adds a
// low-latency path fed by a bus. Both evaluate an issue through the same
// Evaluate method, so the decision logic has one implementation.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"dispatchline/internal/config"
	"dispatchline/internal/decision"
	"dispatchline/internal/domain"
)

const scopeName = "dispatchline/governor"

// ReasonDispatchLimit is recorded for issues left for the next pass once a
// scan reached MaxConcurrentDispatches.
const ReasonDispatchLimit = "dispatch limit reached for this scan"

// Hooks are optional lifecycle callbacks for long-running callers. They run
// on the scanning goroutine and must not block.
type Hooks struct {
	OnScanComplete func(results []domain.ScanResult)
	OnDispatch     func(issue domain.Issue, d decision.Decision)
	OnSkip         func(issue domain.Issue, reason string)
	OnError        func(issueID string, err error)
}

// Outcome is the result of evaluating one issue.
type Outcome struct {
	Issue      domain.Issue
	Decision   decision.Decision
	Dispatched bool
}

type instruments struct {
	scans      metric.Int64Counter
	dispatches metric.Int64Counter
	skips      metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
}

func newInstruments(m metric.Meter) instruments {
	var in instruments
	in.scans, _ = m.Int64Counter("governor.scans",
		metric.WithDescription("Completed scan passes"))
	in.dispatches, _ = m.Int64Counter("governor.dispatches",
		metric.WithDescription("Actions handed to the collaborator"))
	in.skips, _ = m.Int64Counter("governor.skips",
		metric.WithDescription("Issues evaluated without dispatch"))
	in.errors, _ = m.Int64Counter("governor.errors",
		metric.WithDescription("Collaborator failures during evaluation"))
	in.duration, _ = m.Float64Histogram("governor.scan.duration",
		metric.WithDescription("Scan pass duration"),
		metric.WithUnit("s"))
	return in
}

// Governor is the poll-only governor. One scan runs at a time; a scan
// requested while another is in flight is dropped, not queued.
type Governor struct {
	cfg    config.GovernorConfig
	collab Collaborator
	hooks  Hooks
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	inst   instruments

	scanning atomic.Bool
	// evalMu serialises evaluate-then-dispatch between the scan loop and
	// the event path.
	evalMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

type Option func(*Governor)

func WithHooks(h Hooks) Option {
	return func(g *Governor) { g.hooks = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(g *Governor) { g.meter = mp.Meter(scopeName) }
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Governor) { g.tracer = tp.Tracer(scopeName) }
}

// New builds a governor. cfg is copied and never changes afterwards.
func New(cfg config.GovernorConfig, collab Collaborator, opts ...Option) *Governor {
	cfg.Projects = append([]string(nil), cfg.Projects...)
	g := &Governor{
		cfg:    cfg,
		collab: collab,
		logger: slog.Default(),
		tracer: otel.Tracer(scopeName),
		meter:  otel.Meter(scopeName),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.inst = newInstruments(g.meter)
	return g
}

func (g *Governor) Config() config.GovernorConfig { return g.cfg }

func (g *Governor) Collaborator() Collaborator { return g.collab }

func (g *Governor) Logger() *slog.Logger { return g.logger }

// Running reports whether the scan loop is active.
func (g *Governor) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Start runs a scan immediately and then every ScanInterval until Stop or
// until ctx is cancelled. Calling Start on a running governor is a no-op.
func (g *Governor) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		g.logger.Warn("governor already running")
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.done = make(chan struct{})
	stop, done := g.stopCh, g.done
	g.mu.Unlock()

	g.logger.Info("governor started", "projects", g.cfg.Projects, "interval", g.cfg.ScanInterval)
	go g.loop(ctx, stop, done)
}

func (g *Governor) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	// Stop must not cancel calls already in flight.
	scanCtx := context.WithoutCancel(ctx)
	g.ScanOnce(scanCtx)

	interval := g.cfg.ScanInterval
	if interval <= 0 {
		interval = config.Default().Governor.ScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.Stop()
			return
		case <-stop:
			return
		case <-ticker.C:
			g.ScanOnce(scanCtx)
		}
	}
}

// Stop prevents new scans. A scan already running finishes; use Wait to
// block until it has.
func (g *Governor) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	g.running = false
	close(g.stopCh)
	g.logger.Info("governor stopped")
}

// Wait blocks until the scan loop started by the last Start has exited.
func (g *Governor) Wait() {
	g.mu.Lock()
	done := g.done
	g.mu.Unlock()
	if done != nil {
		<-done
	}
}

// ScanOnce runs one pass over every configured project, in order. It
// returns an empty slice when another scan is already in progress.
func (g *Governor) ScanOnce(ctx context.Context) []domain.ScanResult {
	if !g.scanning.CompareAndSwap(false, true) {
		g.logger.Debug("scan already in progress, skipping")
		return []domain.ScanResult{}
	}
	defer g.scanning.Store(false)

	start := time.Now()
	ctx, span := g.tracer.Start(ctx, "governor.scan",
		trace.WithAttributes(attribute.Int("governor.projects", len(g.cfg.Projects))))
	defer span.End()

	results := make([]domain.ScanResult, 0, len(g.cfg.Projects))
	dispatched := 0
	for _, project := range g.cfg.Projects {
		results = append(results, g.scanProject(ctx, project, &dispatched))
	}

	g.inst.scans.Add(ctx, 1)
	g.inst.duration.Record(ctx, time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("governor.dispatched", dispatched))
	g.logger.Info("scan complete", "projects", len(results), "dispatched", dispatched, "took", time.Since(start).Round(time.Millisecond))
	if g.hooks.OnScanComplete != nil {
		g.hooks.OnScanComplete(results)
	}
	return results
}

func (g *Governor) limitReached(dispatched int) bool {
	return g.cfg.MaxConcurrentDispatches > 0 && dispatched >= g.cfg.MaxConcurrentDispatches
}

func (g *Governor) scanProject(ctx context.Context, project string, dispatched *int) domain.ScanResult {
	res := domain.NewScanResult(project)
	issues, err := g.collab.ListIssues(ctx, project)
	if err != nil {
		err = fmt.Errorf("list issues for %s: %w", project, err)
		res.Errors = append(res.Errors, domain.ScanError{Error: err.Error()})
		g.recordError(ctx, "", err)
		return res
	}
	res.ScannedIssues = len(issues)
	for _, issue := range issues {
		key := issue.DisplayID()
		if g.limitReached(*dispatched) {
			res.SkippedReasons[key] = ReasonDispatchLimit
			g.skip(ctx, issue, ReasonDispatchLimit)
			continue
		}
		out, err := g.Evaluate(ctx, issue)
		if err != nil {
			res.Errors = append(res.Errors, domain.ScanError{IssueID: issue.ID, Error: err.Error()})
			continue
		}
		if out.Dispatched {
			res.ActionsDispatched++
			*dispatched++
			continue
		}
		res.SkippedReasons[key] = out.Decision.Reason
	}
	return res
}

// Evaluate gathers context for issue, decides, and dispatches when the
// decision calls for work. Collaborator failures are returned, never
// panicked, and leave the issue for the next pass.
func (g *Governor) Evaluate(ctx context.Context, issue domain.Issue) (Outcome, error) {
	g.evalMu.Lock()
	defer g.evalMu.Unlock()

	out := Outcome{Issue: issue}
	dc, err := g.gather(ctx, issue.ID)
	if err != nil {
		err = fmt.Errorf("gather context for %s: %w", issue.DisplayID(), err)
		g.recordError(ctx, issue.ID, err)
		return out, err
	}
	out.Decision = decision.Decide(issue, g.cfg, dc)
	if !out.Decision.Dispatches() {
		g.skip(ctx, issue, out.Decision.Reason)
		return out, nil
	}

	priority, err := g.collab.GetOverridePriority(ctx, issue.ID)
	if err != nil {
		err = fmt.Errorf("override priority for %s: %w", issue.DisplayID(), err)
		g.recordError(ctx, issue.ID, err)
		return out, err
	}
	ctx, span := g.tracer.Start(ctx, "governor.dispatch", trace.WithAttributes(
		attribute.String("issue.id", issue.ID),
		attribute.String("governor.action", string(out.Decision.Action)),
	))
	defer span.End()
	if err := g.collab.DispatchWork(ctx, Dispatch{
		Issue:    issue,
		Decision: out.Decision,
		Priority: priority,
		Strategy: dc.WorkflowStrategy,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		err = fmt.Errorf("dispatch %s for %s: %w", out.Decision.Action, issue.DisplayID(), err)
		g.recordError(ctx, issue.ID, err)
		return out, err
	}
	out.Dispatched = true
	g.inst.dispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(out.Decision.Action))))
	g.logger.Info("dispatched", "issue", issue.DisplayID(), "action", out.Decision.Action, "work_type", out.Decision.WorkType)
	if g.hooks.OnDispatch != nil {
		g.hooks.OnDispatch(issue, out.Decision)
	}
	return out, nil
}

// gather reads the decision context. The reads are independent, so they
// run concurrently.
func (g *Governor) gather(ctx context.Context, issueID string) (decision.Context, error) {
	var dc decision.Context
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		dc.HasActiveSession, err = g.collab.HasActiveSession(gctx, issueID)
		return err
	})
	eg.Go(func() (err error) {
		dc.IsHeld, err = g.collab.IsHeld(gctx, issueID)
		return err
	})
	eg.Go(func() (err error) {
		dc.IsWithinCooldown, err = g.collab.IsWithinCooldown(gctx, issueID)
		return err
	})
	eg.Go(func() (err error) {
		dc.IsParentIssue, err = g.collab.IsParentIssue(gctx, issueID)
		return err
	})
	eg.Go(func() (err error) {
		dc.WorkflowStrategy, err = g.collab.GetWorkflowStrategy(gctx, issueID)
		return err
	})
	eg.Go(func() (err error) {
		dc.ResearchCompleted, err = g.collab.IsResearchCompleted(gctx, issueID)
		return err
	})
	eg.Go(func() (err error) {
		dc.BacklogCreationCompleted, err = g.collab.IsBacklogCreationCompleted(gctx, issueID)
		return err
	})
	if s, ok := g.collab.(QASkipper); ok {
		eg.Go(func() (err error) {
			dc.SkipQA, err = s.SkipQA(gctx, issueID)
			return err
		})
	}
	err := eg.Wait()
	return dc, err
}

func (g *Governor) skip(ctx context.Context, issue domain.Issue, reason string) {
	g.inst.skips.Add(ctx, 1)
	g.logger.Debug("skipped", "issue", issue.DisplayID(), "reason", reason)
	if g.hooks.OnSkip != nil {
		g.hooks.OnSkip(issue, reason)
	}
}

func (g *Governor) recordError(ctx context.Context, issueID string, err error) {
	g.inst.errors.Add(ctx, 1)
	g.logger.Warn("evaluation failed", "issue", issueID, "err", err)
	if g.hooks.OnError != nil {
		g.hooks.OnError(issueID, err)
	}
}
