package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/decision"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/escalation"
	"dispatchline/internal/events"
	"dispatchline/internal/governor"
	"dispatchline/internal/migrate"
	"dispatchline/internal/queue"
	"dispatchline/internal/repo"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Queue  *queue.SQLiteQueue
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := func() time.Time { return fixedNow }
	cfg := config.Default()
	cfg.Governor.Projects = []string{"Demo"}

	q := queue.NewSQLiteQueue(conn)
	q.Now = clock
	r := repo.New(conn)
	r.Now = clock
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	esc := escalation.NewStore(r.Escalation(),
		escalation.WithConfig(cfg.Escalation),
		escalation.WithClock(clock),
		escalation.WithLogger(logger),
	)

	eng := engine.New(conn, cfg, q, esc)
	eng.Repo = r
	eng.Now = clock
	eng.Logger = logger
	return testEnv{Engine: eng, Queue: q, Ctx: ctx}
}

func (env testEnv) seed(t *testing.T, issues ...domain.Issue) {
	t.Helper()
	for _, is := range issues {
		if is.Project == "" {
			is.Project = "Demo"
		}
		if err := env.Engine.Repo.UpsertIssue(env.Ctx, is, "tracker"); err != nil {
			t.Fatalf("seed %s: %v", is.ID, err)
		}
	}
}

func TestScanQueuesWorkAndSkipsActiveIssue(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t,
		domain.Issue{ID: "iss-1", Identifier: "DEMO-1", Title: "Add login", Status: "Backlog"},
		domain.Issue{ID: "iss-2", Identifier: "DEMO-2", Title: "Old work", Status: "Done"},
	)
	gov := governor.New(env.Engine.Config.Governor, env.Engine, governor.WithLogger(env.Engine.Logger))

	results := gov.ScanOnce(env.Ctx)
	if len(results) != 1 || results[0].ScannedIssues != 1 || results[0].ActionsDispatched != 1 {
		t.Fatalf("unexpected scan result %+v", results)
	}
	items, err := env.Queue.List(env.Ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one queued item, got %d", len(items))
	}
	w := items[0]
	if w.IssueIdentifier != "DEMO-1" || w.WorkType != domain.WorkDevelopment || w.Priority != 3 || w.ProjectName != "Demo" {
		t.Fatalf("unexpected work %+v", w)
	}
	if !strings.Contains(w.Prompt, "Add login") {
		t.Fatalf("prompt does not name the issue: %q", w.Prompt)
	}

	results = gov.ScanOnce(env.Ctx)
	if results[0].ActionsDispatched != 0 || results[0].SkippedReasons["DEMO-1"] != decision.ReasonActiveSession {
		t.Fatalf("second scan should skip the active issue: %+v", results[0])
	}
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, repo.EventFilter{Type: events.AuditGovernorDispatch})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 1 || evs[0].EntityID != "iss-1" {
		t.Fatalf("expected one dispatch audit row, got %+v", evs)
	}
}

func TestDispatchPriority(t *testing.T) {
	env := newTestEnv(t)
	issue := domain.Issue{ID: "iss-1", Identifier: "DEMO-1", Title: "Review", Status: "Finished", Project: "Demo"}
	env.seed(t, issue)

	level := 0
	qa := decision.Decision{Action: domain.ActionTriggerQA, WorkType: domain.WorkQA}
	if err := env.Engine.DispatchWork(env.Ctx, governor.Dispatch{Issue: issue, Decision: qa, Priority: &level}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	level = 4
	dev := decision.Decision{Action: domain.ActionTriggerDevelopment, WorkType: domain.WorkDevelopment}
	if err := env.Engine.DispatchWork(env.Ctx, governor.Dispatch{Issue: issue, Decision: dev, Priority: &level}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	items, err := env.Queue.List(env.Ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].Priority != 1 || items[1].Priority != 4 {
		t.Fatalf("level 0 should keep the default and 4 should override: %+v", items)
	}

	bad := governor.Dispatch{Issue: issue, Decision: decision.Decision{Action: domain.ActionNone}}
	if err := env.Engine.DispatchWork(env.Ctx, bad); err == nil {
		t.Fatalf("expected error for a decision without work type")
	}
}

func TestDefaultPriority(t *testing.T) {
	cases := map[domain.WorkType]int{
		domain.WorkQA:              1,
		domain.WorkEscalation:      1,
		domain.WorkRefinement:      2,
		domain.WorkDecomposition:   2,
		domain.WorkDevelopment:     3,
		domain.WorkCoordination:    3,
		domain.WorkBacklogCreation: 4,
		domain.WorkResearch:        5,
	}
	for wt, want := range cases {
		if got := engine.DefaultPriority(wt); got != want {
			t.Errorf("%s: got %d want %d", wt, got, want)
		}
	}
}

func TestCooldownFollowsFailedQA(t *testing.T) {
	env := newTestEnv(t)
	put := func(id string, wt domain.WorkType, status domain.SessionStatus, ago time.Duration) {
		at := fixedNow.Add(-ago)
		s := domain.Session{SessionID: id, IssueID: "iss-1", WorkType: wt, Status: status, CreatedAt: at, UpdatedAt: at, CompletedAt: &at}
		if err := env.Queue.PutSession(env.Ctx, s); err != nil {
			t.Fatalf("put session: %v", err)
		}
	}
	put("s-old", domain.WorkQA, domain.SessionFailed, 2*time.Hour)
	put("s-dev", domain.WorkDevelopment, domain.SessionFailed, time.Minute)

	in, err := env.Engine.IsWithinCooldown(env.Ctx, "iss-1")
	if err != nil || in {
		t.Fatalf("old QA failure should not cool down: %v %v", in, err)
	}
	put("s-new", domain.WorkQA, domain.SessionFailed, 10*time.Minute)
	in, err = env.Engine.IsWithinCooldown(env.Ctx, "iss-1")
	if err != nil || !in {
		t.Fatalf("recent QA failure should cool down: %v %v", in, err)
	}
}

func TestPhaseCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t,
		domain.Issue{ID: "iss-1", Identifier: "DEMO-1", Status: "Icebox", Labels: []string{"Research-Complete"}},
		domain.Issue{ID: "iss-2", Identifier: "DEMO-2", Status: "Icebox"},
	)
	done, err := env.Engine.IsResearchCompleted(env.Ctx, "iss-1")
	if err != nil || !done {
		t.Fatalf("label should mark research complete: %v %v", done, err)
	}
	done, err = env.Engine.IsBacklogCreationCompleted(env.Ctx, "iss-2")
	if err != nil || done {
		t.Fatalf("nothing marks backlog creation yet: %v %v", done, err)
	}
	s := domain.Session{SessionID: "s-1", IssueID: "iss-2", WorkType: domain.WorkBacklogCreation, Status: domain.SessionCompleted, CreatedAt: fixedNow, UpdatedAt: fixedNow}
	if err := env.Queue.PutSession(env.Ctx, s); err != nil {
		t.Fatalf("put session: %v", err)
	}
	done, err = env.Engine.IsBacklogCreationCompleted(env.Ctx, "iss-2")
	if err != nil || !done {
		t.Fatalf("completed session should mark backlog creation: %v %v", done, err)
	}
}

func TestEscalationDispatchHoldsIssue(t *testing.T) {
	env := newTestEnv(t)
	issue := domain.Issue{ID: "iss-1", Identifier: "DEMO-1", Title: "Stuck", Status: "Rejected", Project: "Demo"}
	env.seed(t, issue)

	d := governor.Dispatch{
		Issue:    issue,
		Decision: decision.Decision{Action: domain.ActionEscalateHuman, WorkType: domain.WorkEscalation},
		Strategy: decision.StrategyEscalateHuman,
	}
	if err := env.Engine.DispatchWork(env.Ctx, d); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	held, err := env.Engine.IsHeld(env.Ctx, issue.ID)
	if err != nil || !held {
		t.Fatalf("escalated issue should be held: %v %v", held, err)
	}
	tps, err := env.Engine.Escalation.Touchpoints(env.Ctx, escalation.TouchpointFilter{IssueID: issue.ID})
	if err != nil {
		t.Fatalf("touchpoints: %v", err)
	}
	if len(tps) != 1 || tps[0].Type != escalation.TouchpointEscalationAlert || tps[0].Timeout != escalation.NoTimeout {
		t.Fatalf("expected one escalation alert, got %+v", tps)
	}

	if err := env.Engine.Escalation.Resume(env.Ctx, issue.ID, "alice"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	held, err = env.Engine.IsHeld(env.Ctx, issue.ID)
	if err != nil || held {
		t.Fatalf("resume should release the issue: %v %v", held, err)
	}
}

func TestOverrideDirectivesReachGovernor(t *testing.T) {
	env := newTestEnv(t)
	issue := domain.Issue{ID: "iss-1", Identifier: "DEMO-1", Status: "Finished", Project: "Demo"}
	env.seed(t, issue)

	if _, _, err := env.Engine.Escalation.HandleComment(env.Ctx, issue.ID, "@governor PRIORITY:2", "alice"); err != nil {
		t.Fatalf("priority: %v", err)
	}
	p, err := env.Engine.GetOverridePriority(env.Ctx, issue.ID)
	if err != nil || p == nil || *p != 2 {
		t.Fatalf("expected priority 2, got %v %v", p, err)
	}
	if _, _, err := env.Engine.Escalation.HandleComment(env.Ctx, issue.ID, "@governor PRIORITY:0", "alice"); err != nil {
		t.Fatalf("priority: %v", err)
	}
	p, err = env.Engine.GetOverridePriority(env.Ctx, issue.ID)
	if err != nil || p != nil {
		t.Fatalf("level 0 should read as no override, got %v %v", p, err)
	}
	if _, _, err := env.Engine.Escalation.HandleComment(env.Ctx, issue.ID, "@governor SKIP-QA", "alice"); err != nil {
		t.Fatalf("skip-qa: %v", err)
	}
	skip, err := env.Engine.SkipQA(env.Ctx, issue.ID)
	if err != nil || !skip {
		t.Fatalf("expected SKIP-QA: %v %v", skip, err)
	}
}

func TestReportSessionWithoutBusCountsQAFailure(t *testing.T) {
	env := newTestEnv(t)
	issue := domain.Issue{ID: "iss-1", Identifier: "DEMO-1", Status: "Finished", Project: "Demo"}
	env.seed(t, issue)
	qa := governor.Dispatch{Issue: issue, Decision: decision.Decision{Action: domain.ActionTriggerQA, WorkType: domain.WorkQA}}
	if err := env.Engine.DispatchWork(env.Ctx, qa); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	w, err := env.Queue.Claim(env.Ctx, "worker-1", nil)
	if err != nil || w == nil {
		t.Fatalf("claim: %v %v", w, err)
	}

	outcome := "failed"
	s, err := env.Engine.ReportSession(env.Ctx, w.SessionID, queue.SessionUpdate{Status: domain.SessionFailed, Outcome: &outcome})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if s.Status != domain.SessionFailed || s.CompletedAt == nil {
		t.Fatalf("unexpected session %+v", s)
	}
	n, err := env.Engine.Escalation.Cycle(env.Ctx, issue.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected one cycle, got %d %v", n, err)
	}
	strategy, err := env.Engine.GetWorkflowStrategy(env.Ctx, issue.ID)
	if err != nil || strategy != decision.StrategyContextEnriched {
		t.Fatalf("expected context-enriched, got %q %v", strategy, err)
	}
}

func TestReportSessionPublishesCompletion(t *testing.T) {
	env := newTestEnv(t)
	bus := events.NewLocalBus(env.Engine.Logger)
	env.Engine.Bus = bus
	var (
		mu  sync.Mutex
		got []events.SessionCompleted
	)
	unsub, err := bus.Subscribe(func(_ context.Context, ev events.GovernorEvent) error {
		if sc, ok := ev.(events.SessionCompleted); ok {
			mu.Lock()
			got = append(got, sc)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	issue := domain.Issue{ID: "iss-1", Identifier: "DEMO-1", Status: "Backlog", Project: "Demo"}
	env.seed(t, issue)
	dev := governor.Dispatch{Issue: issue, Decision: decision.Decision{Action: domain.ActionTriggerDevelopment, WorkType: domain.WorkDevelopment}}
	if err := env.Engine.DispatchWork(env.Ctx, dev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	w, err := env.Queue.Claim(env.Ctx, "worker-1", nil)
	if err != nil || w == nil {
		t.Fatalf("claim: %v %v", w, err)
	}
	if _, err := env.Engine.ReportSession(env.Ctx, w.SessionID, queue.SessionUpdate{Status: domain.SessionRunning}); err != nil {
		t.Fatalf("running: %v", err)
	}
	if _, err := env.Engine.ReportSession(env.Ctx, w.SessionID, queue.SessionUpdate{Status: domain.SessionCompleted}); err != nil {
		t.Fatalf("completed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].SessionID != w.SessionID || !got[0].Success || got[0].WorkType != domain.WorkDevelopment {
		t.Fatalf("expected one successful completion, got %+v", got)
	}
}

func TestReportUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ReportSession(env.Ctx, "nope", queue.SessionUpdate{Status: domain.SessionRunning})
	if !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
