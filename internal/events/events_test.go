package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchline/internal/domain"
)

var occurred = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func meta(issueID string) EventMeta {
	return EventMeta{IssueID: issueID, Source: SourceWebhook, OccurredAt: occurred}
}

func TestDedupKeyDistinguishingField(t *testing.T) {
	a := StatusChanged{EventMeta: meta("i1"), NewStatus: "Finished"}
	b := StatusChanged{EventMeta: meta("i1"), NewStatus: "Finished", PreviousStatus: "Backlog"}
	c := StatusChanged{EventMeta: meta("i1"), NewStatus: "Delivered"}
	assert.Equal(t, DedupKey(a), DedupKey(b))
	assert.NotEqual(t, DedupKey(a), DedupKey(c))

	c1 := CommentAdded{EventMeta: meta("i1"), CommentID: "c1", Body: "HOLD"}
	c2 := CommentAdded{EventMeta: meta("i1"), CommentID: "c2", Body: "HOLD"}
	assert.NotEqual(t, DedupKey(c1), DedupKey(c2))

	snap := PollSnapshot{EventMeta: meta("i1"), Issue: domain.Issue{ID: "i1", Status: "Finished"}}
	assert.NotEqual(t, DedupKey(a), DedupKey(snap), "different kinds never collide")
	assert.Contains(t, DedupKey(snap), "Finished")
}

func TestCodecRoundTrip(t *testing.T) {
	issue := domain.Issue{ID: "i1", Identifier: "DEMO-1", Status: "Backlog", Project: "Demo", CreatedAt: occurred}
	for _, ev := range []GovernorEvent{
		StatusChanged{EventMeta: meta("i1"), PreviousStatus: "Icebox", NewStatus: "Backlog", Issue: &issue},
		CommentAdded{EventMeta: meta("i1"), CommentID: "c1", Body: "HOLD", Author: "alex"},
		SessionCompleted{EventMeta: meta("i1"), SessionID: "s1", WorkType: domain.WorkQA, Outcome: "failed", Success: false},
		PollSnapshot{EventMeta: meta("i1"), Issue: issue},
	} {
		data, err := Marshal(ev)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"type":"`+string(ev.Kind())+`"`)
		got, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, ev, got)
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	for name, payload := range map[string]string{
		"not json":        `{`,
		"missing type":    `{"issueId":"i1"}`,
		"unknown type":    `{"type":"issue-deleted","issueId":"i1"}`,
		"missing issue":   `{"type":"issue-status-changed","newStatus":"Done"}`,
		"missing status":  `{"type":"issue-status-changed","issueId":"i1"}`,
		"missing comment": `{"type":"comment-added","issueId":"i1","body":"HOLD"}`,
		"missing session": `{"type":"session-completed","issueId":"i1"}`,
		"empty snapshot":  `{"type":"poll-snapshot","issueId":"i1","issue":{}}`,
	} {
		_, err := Unmarshal([]byte(payload))
		assert.True(t, errors.Is(err, ErrMalformedEvent), name)
	}
}

func TestPollSnapshotFillsIssueID(t *testing.T) {
	ev, err := Unmarshal([]byte(`{"type":"poll-snapshot","source":"poll","issue":{"id":"i9","status":"Backlog"}}`))
	require.NoError(t, err)
	assert.Equal(t, "i9", ev.Meta().IssueID)
}

func TestLocalBusSurvivesPanicsAndUnsubscribes(t *testing.T) {
	bus := NewLocalBus(nil)
	var got []string
	_, err := bus.Subscribe(func(context.Context, GovernorEvent) error { panic("boom") })
	require.NoError(t, err)
	_, err = bus.Subscribe(func(context.Context, GovernorEvent) error { return errors.New("ignored") })
	require.NoError(t, err)
	cancel, err := bus.Subscribe(func(_ context.Context, e GovernorEvent) error {
		got = append(got, e.Meta().IssueID)
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, StatusChanged{EventMeta: meta("i1"), NewStatus: "Done"}))
	cancel()
	require.NoError(t, bus.Publish(ctx, StatusChanged{EventMeta: meta("i2"), NewStatus: "Done"}))

	assert.Equal(t, []string{"i1"}, got)
	assert.Equal(t, 2, bus.SubscriberCount())
}

func TestMemoryDeduplicatorWindow(t *testing.T) {
	now := occurred
	d := NewMemoryDeduplicator().WithClock(func() time.Time { return now })
	ctx := context.Background()

	seen, err := d.Seen(ctx, "k", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, _ = d.Seen(ctx, "k", 30*time.Second)
	assert.True(t, seen)

	now = now.Add(31 * time.Second)
	seen, _ = d.Seen(ctx, "k", 30*time.Second)
	assert.False(t, seen, "window elapsed")
}

func TestRedisDeduplicator(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	d := NewRedisDeduplicator(client, "test")
	ctx := context.Background()

	seen, err := d.Seen(ctx, "comment-added:i1:c1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = d.Seen(ctx, "comment-added:i1:c1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.True(t, mr.Exists("test:dedup:comment-added:i1:c1"))

	mr.FastForward(31 * time.Second)
	seen, err = d.Seen(ctx, "comment-added:i1:c1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestNATSBusDeliversAcrossConnections(t *testing.T) {
	srv, err := StartEmbeddedNATS("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	producer, err := DialNATS(srv.ClientURL(), WithSubject("test.events"))
	require.NoError(t, err)
	t.Cleanup(func() { producer.Close() })
	consumer, err := DialNATS(srv.ClientURL(), WithSubject("test.events"))
	require.NoError(t, err)
	t.Cleanup(func() { consumer.Close() })

	var (
		mu  sync.Mutex
		got []GovernorEvent
	)
	received := make(chan struct{}, 1)
	cancel, err := consumer.Subscribe(func(_ context.Context, e GovernorEvent) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		received <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	defer cancel()

	want := CommentAdded{EventMeta: meta("i1"), CommentID: "c1", Body: "RESUME", Author: "alex"}
	require.NoError(t, producer.Publish(context.Background(), want))

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, want, got[0])
}

func TestNATSQueueGroupDeliversOnce(t *testing.T) {
	srv, err := StartEmbeddedNATS("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	dial := func() *NATSBus {
		b, err := DialNATS(srv.ClientURL(), WithSubject("test.group"))
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		return b
	}
	producer := dial()

	var (
		mu      sync.Mutex
		grouped int
		plain   int
	)
	count := func(n *int) Handler {
		return func(context.Context, GovernorEvent) error {
			mu.Lock()
			*n++
			mu.Unlock()
			return nil
		}
	}
	for i := 0; i < 2; i++ {
		cancel, err := dial().SubscribeGroup("governors", count(&grouped))
		require.NoError(t, err)
		defer cancel()
	}
	cancel, err := dial().Subscribe(count(&plain))
	require.NoError(t, err)
	defer cancel()

	_, err = dial().SubscribeGroup("", count(&grouped))
	require.Error(t, err)

	const sent = 5
	for i := 0; i < sent; i++ {
		ev := CommentAdded{EventMeta: meta("i1"), CommentID: string(rune('a' + i)), Body: "RESUME"}
		require.NoError(t, producer.Publish(context.Background(), ev))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return grouped == sent && plain == sent
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, sent, grouped, "a group member handles each event once")
	assert.Equal(t, sent, plain)
}

