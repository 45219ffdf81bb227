package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/escalation"
	"dispatchline/internal/events"
	"dispatchline/internal/migrate"
	"dispatchline/internal/repo"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type capture struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (c *capture) handler(status func(n int) int) http.HandlerFunc {
	var calls atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(status(n))
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func ok(int) int { return http.StatusNoContent }

func touchpoint() (escalation.Touchpoint, domain.Issue) {
	issue := domain.Issue{ID: "iss-1", Identifier: "DEMO-1", Title: "Fix login", Status: "Rejected"}
	tp := escalation.Touchpoint{
		ID:       "tp-1",
		Type:     escalation.TouchpointReviewRequest,
		IssueID:  issue.ID,
		Body:     "please review",
		Cycle:    2,
		PostedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Timeout:  4 * time.Hour,
	}
	return tp, issue
}

func TestNotifySignsTouchpoint(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler(ok))
	defer srv.Close()

	n := New(config.NotifyConfig{Webhooks: []config.WebhookConfig{{URL: srv.URL, Secret: "s3cret"}}}, WithLogger(quiet))
	tp, issue := touchpoint()
	require.NoError(t, n.Notify(context.Background(), tp, issue))
	require.Equal(t, 1, c.count())

	body := c.bodies[0]
	assert.Equal(t, Sign("s3cret", body), c.headers[0].Get(HeaderSignature))
	assert.Equal(t, EventTouchpoint, c.headers[0].Get(HeaderEvent))
	assert.Equal(t, "tp-1", c.headers[0].Get(HeaderDelivery))

	var msg touchpointMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, escalation.TouchpointReviewRequest, msg.Touchpoint.Type)
	assert.Equal(t, int64(4*time.Hour/time.Millisecond), msg.TimeoutMs)
	assert.Equal(t, "DEMO-1", msg.Issue.Identifier)
}

func TestNotifyHonoursFiltersAndDisabledHooks(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler(ok))
	defer srv.Close()

	off := false
	n := New(config.NotifyConfig{Webhooks: []config.WebhookConfig{
		{URL: srv.URL, Events: []string{"escalation-alert"}},
		{URL: srv.URL, Enabled: &off},
		{URL: srv.URL, Events: []string{"review-request"}},
	}}, WithLogger(quiet))
	tp, issue := touchpoint()
	require.NoError(t, n.Notify(context.Background(), tp, issue))
	assert.Equal(t, 1, c.count())
	assert.Empty(t, c.headers[0].Get(HeaderSignature))
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler(func(n int) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	}))
	defer srv.Close()

	n := New(config.NotifyConfig{Webhooks: []config.WebhookConfig{{URL: srv.URL}}}, WithLogger(quiet), WithMaxElapsed(10*time.Second))
	tp, issue := touchpoint()
	require.NoError(t, n.Notify(context.Background(), tp, issue))
	assert.Equal(t, 3, c.count())
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler(func(int) int { return http.StatusUnprocessableEntity }))
	defer srv.Close()

	n := New(config.NotifyConfig{Webhooks: []config.WebhookConfig{{URL: srv.URL}}}, WithLogger(quiet))
	tp, issue := touchpoint()
	err := n.Notify(context.Background(), tp, issue)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
	assert.Equal(t, 1, c.count())
}

func TestStoreNotifiesThroughWebhooks(t *testing.T) {
	var c capture
	srv := httptest.NewServer(c.handler(ok))
	defer srv.Close()

	n := New(config.NotifyConfig{Webhooks: []config.WebhookConfig{{URL: srv.URL}}}, WithLogger(quiet))
	store := escalation.NewStore(escalation.NewMemoryStorage(), escalation.WithNotifier(n), escalation.WithLogger(quiet))
	_, err := store.Escalate(context.Background(), domain.Issue{ID: "iss-2", Identifier: "DEMO-2"})
	require.NoError(t, err)
	require.Equal(t, 1, c.count())

	var msg touchpointMessage
	require.NoError(t, json.Unmarshal(c.bodies[0], &msg))
	assert.Equal(t, escalation.TouchpointEscalationAlert, msg.Touchpoint.Type)
	assert.Equal(t, int64(-1), msg.TimeoutMs)
}

func TestForwarderDeliversNewAuditRows(t *testing.T) {
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.New(conn)
	w := events.Writer{DB: conn}

	require.NoError(t, w.AppendNow(ctx, events.AuditWorkEnqueued, "Demo", "session", "old", "governor", nil))

	var c capture
	srv := httptest.NewServer(c.handler(ok))
	defer srv.Close()
	n := New(config.NotifyConfig{Webhooks: []config.WebhookConfig{{URL: srv.URL, Events: []string{events.AuditWorkClaimed}}}}, WithLogger(quiet))
	f := NewForwarder(n, r, time.Second)

	f.ForwardOnce(ctx)
	assert.Equal(t, 0, c.count(), "rows older than the first poll are not replayed")

	require.NoError(t, w.AppendNow(ctx, events.AuditWorkEnqueued, "Demo", "session", "s-1", "governor", nil))
	require.NoError(t, w.AppendNow(ctx, events.AuditWorkClaimed, "Demo", "session", "s-1", "worker-1", events.EventPayload{"worker_id": "worker-1"}))
	f.ForwardOnce(ctx)
	require.Equal(t, 1, c.count())

	var msg auditMessage
	require.NoError(t, json.Unmarshal(c.bodies[0], &msg))
	assert.Equal(t, events.AuditWorkClaimed, msg.Type)
	assert.Equal(t, "s-1", msg.EntityID)
	assert.JSONEq(t, `{"worker_id":"worker-1"}`, string(msg.Payload))

	cursor, ok := f.Cursor(0)
	require.True(t, ok)
	assert.Equal(t, msg.ID, cursor)

	f.ForwardOnce(ctx)
	assert.Equal(t, 1, c.count())
}
