package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchline/internal/config"
	"dispatchline/internal/decision"
	"dispatchline/internal/domain"
	"dispatchline/internal/events"
	"dispatchline/internal/governor"
	"dispatchline/internal/queue"
	"dispatchline/internal/repo"
	"dispatchline/internal/server"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Governor.Projects = []string{"Demo"}
	cfg.EventDriven.SweepInterval = time.Hour
	return cfg
}

func openRuntime(t *testing.T, cfg *config.Config, opts Options) *Runtime {
	t.Helper()
	opts.DBPath = filepath.Join(t.TempDir(), "app.db")
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	rt, err := Open(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func statusChanged(issue domain.Issue) events.StatusChanged {
	return events.StatusChanged{
		EventMeta: events.EventMeta{IssueID: issue.ID, Source: events.SourceWebhook, OccurredAt: time.Now()},
		NewStatus: issue.Status,
		Issue:     &issue,
	}
}

func backlogIssue(id string) domain.Issue {
	return domain.Issue{ID: id, Identifier: "DEMO-" + id, Title: "Build " + id, Status: "Backlog", Project: "Demo", CreatedAt: time.Now().UTC()}
}

func TestEventDrivenRuntimeDispatchesOnce(t *testing.T) {
	rt := openRuntime(t, testConfig(), Options{})
	_, ok := rt.Queue.(*queue.SQLiteQueue)
	require.True(t, ok, "sqlite is the default backend")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))

	issue := backlogIssue("1")
	require.NoError(t, rt.Bus.Publish(ctx, statusChanged(issue)))
	require.NoError(t, rt.Bus.Publish(ctx, statusChanged(issue)))

	require.Eventually(t, func() bool {
		n, err := rt.Queue.Depth(ctx)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	items, err := rt.Queue.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkDevelopment, items[0].WorkType)
	assert.Equal(t, 3, items[0].Priority)
}

func pollConfig() *config.Config {
	cfg := testConfig()
	cfg.EventDriven.Enabled = false
	cfg.Server.WebhookSecret = "hook-secret"
	return cfg
}

func TestPollModeEngineHasNoBus(t *testing.T) {
	rt := openRuntime(t, pollConfig(), Options{})
	assert.Nil(t, rt.Engine.Bus)
	assert.NotNil(t, rt.Bus)

	enabled := openRuntime(t, testConfig(), Options{})
	assert.NotNil(t, enabled.Engine.Bus)
}

func TestPollModeCountsFailedQASession(t *testing.T) {
	rt := openRuntime(t, pollConfig(), Options{})
	ctx := context.Background()
	issue := backlogIssue("5")
	issue.Status = "Finished"
	require.NoError(t, rt.Repo.UpsertIssue(ctx, issue, "test"))

	qa := governor.Dispatch{Issue: issue, Decision: decision.Decision{Action: domain.ActionTriggerQA, WorkType: domain.WorkQA}}
	require.NoError(t, rt.Engine.DispatchWork(ctx, qa))
	w, err := rt.Queue.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.NotNil(t, w)

	_, err = rt.Engine.ReportSession(ctx, w.SessionID, queue.SessionUpdate{Status: domain.SessionFailed})
	require.NoError(t, err)
	n, err := rt.Escalation.Cycle(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPollModeWebhookAppliesHold(t *testing.T) {
	cfg := pollConfig()
	rt := openRuntime(t, cfg, Options{})
	ctx := context.Background()
	issue := backlogIssue("6")
	require.NoError(t, rt.Repo.UpsertIssue(ctx, issue, "test"))

	handler, err := rt.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	payload, err := events.Marshal(events.CommentAdded{
		EventMeta: events.EventMeta{IssueID: issue.ID, Source: events.SourceWebhook, OccurredAt: time.Now()},
		CommentID: "c1",
		Body:      "@governor HOLD",
		Author:    "alice",
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/webhooks/tracker", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(server.SignatureHeader, server.SignPayload(cfg.Server.WebhookSecret, payload))
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	held, err := rt.Escalation.IsHeld(ctx, issue.ID)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestScanWritesAuditRow(t *testing.T) {
	rt := openRuntime(t, testConfig(), Options{})
	ctx := context.Background()
	require.NoError(t, rt.Repo.UpsertIssue(ctx, backlogIssue("7"), "test"))

	results := rt.Governor.ScanOnce(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].ActionsDispatched)

	rows, err := rt.Repo.LatestEvents(ctx, 10, repo.EventFilter{Type: events.AuditScanCompleted})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Demo", rows[0].EntityID)
}

func TestHandlerBuilds(t *testing.T) {
	rt := openRuntime(t, testConfig(), Options{})
	h, err := rt.Handler()
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestEmbeddedNATSAndRedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Queue.Backend = "redis"
	cfg.Queue.RedisURL = "redis://" + mr.Addr()
	cfg.Bus.Dedup = "redis"
	rt := openRuntime(t, cfg, Options{EmbeddedNATS: true})

	_, isRedis := rt.Queue.(*queue.RedisQueue)
	require.True(t, isRedis)
	_, isNATS := rt.Bus.(*events.NATSBus)
	require.True(t, isNATS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rt.Start(ctx))

	issue := backlogIssue("9")
	require.NoError(t, rt.Bus.Publish(ctx, statusChanged(issue)))
	require.Eventually(t, func() bool {
		n, err := rt.Queue.Depth(ctx)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	w, err := rt.Queue.Claim(ctx, "worker-1", []string{"Demo"})
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, issue.ID, w.IssueID)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Backend = "carrier-pigeon"
	_, err := Open(context.Background(), cfg, Options{DBPath: filepath.Join(t.TempDir(), "bad.db")})
	assert.Error(t, err)
}
