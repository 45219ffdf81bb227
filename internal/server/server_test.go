package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/escalation"
	"dispatchline/internal/events"
	"dispatchline/internal/governor"
	"dispatchline/internal/migrate"
	"dispatchline/internal/queue"
	"dispatchline/internal/repo"
)

const (
	testJWTSecret     = "jwt-secret"
	testWebhookSecret = "hook-secret"
)

type testServer struct {
	URL    string
	APIKey string
	Engine engine.Engine
	client *http.Client
	close  func()

	mu        sync.Mutex
	published []events.GovernorEvent
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) events() []events.GovernorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.GovernorEvent(nil), s.published...)
}

func (s *testServer) auth() map[string]string {
	return map[string]string{"X-Api-Key": s.APIKey}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.OpenPath(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Governor.Projects = []string{"Demo"}

	r := repo.New(conn)
	esc := escalation.NewStore(r.Escalation(), escalation.WithConfig(cfg.Escalation), escalation.WithLogger(logger))
	e := engine.New(conn, cfg, queue.NewSQLiteQueue(conn), esc)
	e.Logger = logger
	bus := events.NewLocalBus(logger)
	e.Bus = bus

	plain, _, err := r.CreateAPIKey(ctx, "tester", "test")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	gov := governor.New(cfg.Governor, e, governor.WithLogger(logger))
	handler, err := New(Config{
		Engine:        e,
		Governor:      gov,
		BasePath:      "/v0",
		Auth:          AuthConfig{JWTSecret: testJWTSecret, Logger: logger},
		WebhookSecret: testWebhookSecret,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		APIKey: plain,
		Engine: e,
		client: &http.Client{},
	}
	unsub, err := bus.Subscribe(func(_ context.Context, ev events.GovernorEvent) error {
		testSrv.mu.Lock()
		testSrv.published = append(testSrv.published, ev)
		testSrv.mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	testSrv.close = func() {
		unsub()
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/queue", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/queue", nil, map[string]string{"X-Api-Key": "dl_wrong"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %s", res.StatusCode, string(body))
	}

	token, err := SignToken(testJWTSecret, "operator", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(body))
	}
	var me MeResponse
	_ = json.Unmarshal(body, &me)
	if me.ActorID != "operator" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
	forged, _ := SignToken("other-secret", "operator", time.Hour)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token accepted: %d", res.StatusCode)
	}
}

func TestQueueLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	res, body := doJSON(t, client, http.MethodPost, base+"/workers", map[string]any{"id": "worker-1", "capacity": 2, "projects": []string{"Demo"}}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("register worker: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, base+"/queue", map[string]any{
		"session_id": "sess-1", "issue_id": "iss-1", "issue_identifier": "DEMO-1", "work_type": "qa", "project_name": "Demo",
	}, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue: %d %s", res.StatusCode, string(body))
	}
	var queued domain.QueuedWork
	_ = json.Unmarshal(body, &queued)
	if queued.Priority != 1 {
		t.Fatalf("qa work should default to priority 1, got %d", queued.Priority)
	}
	res, body = doJSON(t, client, http.MethodPost, base+"/queue", map[string]any{
		"session_id": "sess-1", "issue_id": "iss-1", "work_type": "qa",
	}, srv.auth())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate enqueue: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, base+"/queue/depth", nil, srv.auth())
	var depth DepthResponse
	_ = json.Unmarshal(body, &depth)
	if res.StatusCode != http.StatusOK || depth.Depth != 1 {
		t.Fatalf("depth: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/queue/claim", map[string]any{"worker_id": "worker-1", "projects": []string{"Other"}}, srv.auth())
	var claim ClaimResponse
	_ = json.Unmarshal(body, &claim)
	if res.StatusCode != http.StatusOK || claim.Work != nil {
		t.Fatalf("filtered claim should be empty: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, base+"/queue/claim", map[string]any{"worker_id": "worker-1", "projects": []string{"Demo"}}, srv.auth())
	_ = json.Unmarshal(body, &claim)
	if res.StatusCode != http.StatusOK || claim.Work == nil || claim.Work.SessionID != "sess-1" {
		t.Fatalf("claim: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/sessions/sess-1/status", map[string]any{"status": "failed", "outcome": "failed"}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report: %d %s", res.StatusCode, string(body))
	}
	var sess domain.Session
	_ = json.Unmarshal(body, &sess)
	if sess.Status != domain.SessionFailed || sess.WorkerID != "worker-1" {
		t.Fatalf("unexpected session %+v", sess)
	}
	var completed []events.SessionCompleted
	for _, ev := range srv.events() {
		if sc, ok := ev.(events.SessionCompleted); ok {
			completed = append(completed, sc)
		}
	}
	if len(completed) != 1 || completed[0].Success || completed[0].WorkType != domain.WorkQA {
		t.Fatalf("expected a failed QA completion on the bus, got %+v", completed)
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/sessions/nope/status", map[string]any{"status": "running"}, srv.auth())
	if res.StatusCode != http.StatusNotFound || errorCode(t, body) != "not_found" {
		t.Fatalf("unknown session: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, base+"/workers", nil, srv.auth())
	var workers []WorkerResponse
	_ = json.Unmarshal(body, &workers)
	if res.StatusCode != http.StatusOK || len(workers) != 1 || workers[0].ID != "worker-1" || workers[0].Stale {
		t.Fatalf("workers: %d %s", res.StatusCode, string(body))
	}
}

func TestRemoveAndPurge(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	for _, id := range []string{"batch-1", "batch-2", "keep-1"} {
		res, body := doJSON(t, client, http.MethodPost, base+"/queue", map[string]any{"session_id": id, "issue_id": "iss-" + id, "work_type": "development"}, srv.auth())
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("enqueue %s: %d %s", id, res.StatusCode, string(body))
		}
	}
	res, body := doJSON(t, client, http.MethodDelete, base+"/queue/keep-1", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("remove: %d %s", res.StatusCode, string(body))
	}
	res, _ = doJSON(t, client, http.MethodDelete, base+"/queue/keep-1", nil, srv.auth())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second remove should 404, got %d", res.StatusCode)
	}
	res, body = doJSON(t, client, http.MethodPost, base+"/queue/purge", map[string]any{"match": "batch"}, srv.auth())
	var removed RemoveResponse
	_ = json.Unmarshal(body, &removed)
	if res.StatusCode != http.StatusOK || len(removed.Removed) != 2 {
		t.Fatalf("purge: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, base+"/sessions/batch-1", nil, srv.auth())
	var sess domain.Session
	_ = json.Unmarshal(body, &sess)
	if res.StatusCode != http.StatusOK || sess.Status != domain.SessionStopped {
		t.Fatalf("purged session should be stopped: %d %s", res.StatusCode, string(body))
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	res, body := doJSON(t, client, http.MethodPost, base+"/queue", map[string]any{"session_id": "only", "issue_id": "iss-1", "work_type": "development"}, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue: %d %s", res.StatusCode, string(body))
	}

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		failed  []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, _ := json.Marshal(map[string]any{"worker_id": "w-" + string(rune('a'+i))})
			req, _ := http.NewRequest(http.MethodPost, base+"/queue/claim", bytes.NewReader(payload))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Api-Key", srv.APIKey)
			res, err := client.Do(req)
			if err != nil {
				mu.Lock()
				failed = append(failed, err.Error())
				mu.Unlock()
				return
			}
			defer res.Body.Close()
			var claim ClaimResponse
			_ = json.NewDecoder(res.Body).Decode(&claim)
			mu.Lock()
			defer mu.Unlock()
			if res.StatusCode != http.StatusOK {
				failed = append(failed, res.Status)
			} else if claim.Work != nil {
				winners++
			}
		}(i)
	}
	wg.Wait()
	if len(failed) > 0 {
		t.Fatalf("claims failed: %v", failed)
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestDirectivesAndOverride(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	res, body := doJSON(t, client, http.MethodPost, base+"/issues/iss-1/directives", map[string]any{"body": "@governor HOLD"}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hold: %d %s", res.StatusCode, string(body))
	}
	var dr DirectiveResponse
	_ = json.Unmarshal(body, &dr)
	if dr.Directive != "HOLD" || !dr.Override.Held || dr.Override.Actor != "tester" {
		t.Fatalf("unexpected directive response %+v", dr)
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/issues/iss-1/directives", map[string]any{"body": "please look"}, srv.auth())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for text without directive: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodDelete, base+"/issues/iss-1/override", nil, srv.auth())
	var or OverrideResponse
	_ = json.Unmarshal(body, &or)
	if res.StatusCode != http.StatusOK || or.Held || or.Directive != "" {
		t.Fatalf("clear: %d %s", res.StatusCode, string(body))
	}
}

func TestTrackerWebhook(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/v0/webhooks/tracker"

	issue := domain.Issue{ID: "iss-9", Identifier: "DEMO-9", Title: "Hook", Status: "Finished", Project: "Demo", CreatedAt: time.Now().UTC()}
	payload, err := events.Marshal(events.StatusChanged{
		EventMeta:      events.EventMeta{IssueID: issue.ID, Source: events.SourceWebhook, OccurredAt: time.Now()},
		PreviousStatus: "Backlog",
		NewStatus:      "Finished",
		Issue:          &issue,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	post := func(body []byte, sig string) (*http.Response, []byte) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		res, err := client.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer res.Body.Close()
		data, _ := io.ReadAll(res.Body)
		return res, data
	}

	res, body := post(payload, "")
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, body) != "invalid_signature" {
		t.Fatalf("unsigned: %d %s", res.StatusCode, string(body))
	}
	res, _ = post(payload, SignPayload("wrong", payload))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad signature: %d", res.StatusCode)
	}
	garbage := []byte(`{"type":"status-changed"}`)
	res, body = post(garbage, SignPayload(testWebhookSecret, garbage))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, body) != "malformed_event" {
		t.Fatalf("malformed: %d %s", res.StatusCode, string(body))
	}
	if len(srv.events()) != 0 {
		t.Fatalf("rejected webhooks must not reach the bus")
	}

	res, body = post(payload, SignPayload(testWebhookSecret, payload))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("signed: %d %s", res.StatusCode, string(body))
	}
	got := srv.events()
	if len(got) != 1 || got[0].Kind() != events.KindStatusChanged || got[0].Meta().IssueID != issue.ID {
		t.Fatalf("expected the event on the bus, got %+v", got)
	}
	stored, err := srv.Engine.Repo.GetIssue(context.Background(), issue.ID)
	if err != nil || stored.Status != "Finished" {
		t.Fatalf("snapshot not stored: %+v %v", stored, err)
	}
}

func TestWebhookStatusChangeUpdatesStoredIssue(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	issue := domain.Issue{ID: "iss-7", Identifier: "DEMO-7", Title: "Stale", Status: "Backlog", Project: "Demo", CreatedAt: time.Now().UTC()}
	if err := srv.Engine.Repo.UpsertIssue(ctx, issue, "test"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	for _, id := range []string{issue.ID, "iss-unknown"} {
		payload, err := events.Marshal(events.StatusChanged{
			EventMeta:      events.EventMeta{IssueID: id, Source: events.SourceWebhook, OccurredAt: time.Now()},
			PreviousStatus: "Backlog",
			NewStatus:      "Finished",
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/webhooks/tracker", bytes.NewReader(payload))
		req.Header.Set(SignatureHeader, SignPayload(testWebhookSecret, payload))
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusAccepted {
			t.Fatalf("%s: status %d", id, res.StatusCode)
		}
	}

	stored, err := srv.Engine.Repo.GetIssue(ctx, issue.ID)
	if err != nil || stored.Status != "Finished" || stored.Title != "Stale" {
		t.Fatalf("status not applied to stored issue: %+v %v", stored, err)
	}
	if len(srv.events()) != 2 {
		t.Fatalf("expected both events on the bus, got %d", len(srv.events()))
	}
}

func TestSyncAndScan(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0"

	now := time.Now().UTC()
	res, body := doJSON(t, client, http.MethodPost, base+"/issues", map[string]any{
		"issues": []domain.Issue{
			{ID: "iss-1", Identifier: "DEMO-1", Title: "Build it", Status: "Backlog", Project: "Demo", CreatedAt: now},
			{ID: "iss-2", Identifier: "DEMO-2", Title: "Shipped", Status: "Done", Project: "Demo", CreatedAt: now},
		},
	}, srv.auth())
	var synced SyncIssuesResponse
	_ = json.Unmarshal(body, &synced)
	if res.StatusCode != http.StatusOK || synced.Synced != 2 || synced.Published != 2 {
		t.Fatalf("sync: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/governor/scan", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("scan: %d %s", res.StatusCode, string(body))
	}
	var results []domain.ScanResult
	_ = json.Unmarshal(body, &results)
	if len(results) != 1 || results[0].ScannedIssues != 1 || results[0].ActionsDispatched != 1 {
		t.Fatalf("unexpected scan results %s", string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, base+"/events?type=governor.dispatched", nil, srv.auth())
	var page paginatedEvents
	_ = json.Unmarshal(body, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 1 || page.Items[0].EntityID != "iss-1" {
		t.Fatalf("events: %d %s", res.StatusCode, string(body))
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security  []map[string][]string `json:"security"`
			Responses map[string]any        `json:"responses"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	for _, name := range []string{"bearerAuth", "apiKeyAuth"} {
		if _, ok := doc.Components.SecuritySchemes[name]; !ok {
			t.Fatalf("missing security scheme %s", name)
		}
	}
	health, ok := doc.Paths["/v0/health"]["get"]
	if !ok {
		t.Fatalf("health operation missing: %v", doc.Paths)
	}
	if len(health.Security) != 0 {
		t.Fatalf("health should be public, got %v", health.Security)
	}
	claim, ok := doc.Paths["/v0/queue/claim"]["post"]
	if !ok {
		t.Fatalf("claim operation missing")
	}
	if len(claim.Security) != 2 {
		t.Fatalf("claim security = %v", claim.Security)
	}
	if _, ok := claim.Responses["default"]; !ok {
		t.Fatalf("claim has no default error response")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("/v0/openapi.json")) {
		t.Fatalf("docs page status %d: %s", res.StatusCode, string(data))
	}
}
