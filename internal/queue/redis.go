package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatchline/internal/db"
	"dispatchline/internal/domain"
)

const (
	defaultNamespace = "dispatchline"
	defaultClaimTTL  = 30 * time.Minute
	priorityStride   = 1e13
)

// Key layout, stable for operator tooling:
//
//	<ns>:queue               ZSET  sessionId scored priority*1e13 + queuedAt ms
//	<ns>:items               HASH  sessionId -> QueuedWork JSON
//	<ns>:claimed             ZSET  sessionId scored by claim time ms
//	<ns>:claim:<sessionId>   STRING workerId, expires after the claim TTL
//	<ns>:session:<sessionId> HASH  session state
//	<ns>:issue:<issueId>     SET   session ids recorded for the issue
//	<ns>:worker:<id>         HASH  capacity, activeCount, lastHeartbeat, projects
//	<ns>:workers             SET   registered worker ids

// enqueueScript adds an item unless the session id is queued or claimed.
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
if redis.call('EXISTS', KEYS[3]) == 0 then
  redis.call('HSET', KEYS[3], 'sessionId', ARGV[1], 'issueId', ARGV[4], 'workType', ARGV[5],
    'status', 'pending', 'createdAt', ARGV[6], 'updatedAt', ARGV[6])
end
redis.call('SADD', KEYS[4], ARGV[1])
return 1
`)

// claimScript walks the queue in score order and pops the first item the
// worker may take. Running inside Redis makes the pop atomic across every
// client.
var claimScript = redis.NewScript(`
local allowed = nil
if ARGV[5] ~= '' then
  allowed = {}
  for _, p in ipairs(cjson.decode(ARGV[5])) do allowed[p] = true end
end
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, sid in ipairs(ids) do
  local payload = redis.call('HGET', KEYS[2], sid)
  if not payload then
    redis.call('ZREM', KEYS[1], sid)
  else
    local ok = true
    if allowed then
      local item = cjson.decode(payload)
      local project = item['projectName']
      if type(project) == 'string' and project ~= '' and not allowed[project] then
        ok = false
      end
    end
    if ok then
      redis.call('ZREM', KEYS[1], sid)
      redis.call('ZADD', KEYS[3], ARGV[2], sid)
      redis.call('SET', ARGV[4] .. ':claim:' .. sid, ARGV[1], 'PX', ARGV[3])
      redis.call('HSET', ARGV[4] .. ':session:' .. sid, 'status', 'claimed', 'workerId', ARGV[1], 'updatedAt', ARGV[6])
      return payload
    end
  end
end
return false
`)

// removeScript drops a queued (not claimed) item.
var removeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
local status = redis.call('HGET', KEYS[3], 'status')
if status == 'pending' or status == 'claimed' or status == 'running' then
  redis.call('HSET', KEYS[3], 'status', 'stopped', 'updatedAt', ARGV[2], 'completedAt', ARGV[2])
end
return 1
`)

// releaseScript moves one stale claim back onto the queue if its session
// is still only claimed.
var releaseScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[4])
if redis.call('HGET', KEYS[3], 'status') ~= 'claimed' then
  return 0
end
if redis.call('HEXISTS', KEYS[5], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[3], 'status', 'pending', 'workerId', '', 'updatedAt', ARGV[3])
return 1
`)

// RedisQueue shares the queue between processes through Redis.
type RedisQueue struct {
	client    redis.UniversalClient
	namespace string
	claimTTL  time.Duration
	now       func() time.Time
	owned     bool
}

// RedisOption is a functional option for configuring the Redis queue.
type RedisOption func(*RedisQueue)

// WithNamespace sets the key namespace prefix for Redis keys.
func WithNamespace(ns string) RedisOption {
	return func(q *RedisQueue) {
		if ns != "" {
			q.namespace = ns
		}
	}
}

// WithClaimTTL sets how long a claim marker lives.
func WithClaimTTL(ttl time.Duration) RedisOption {
	return func(q *RedisQueue) {
		if ttl > 0 {
			q.claimTTL = ttl
		}
	}
}

// WithRedisClock replaces the time source, for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) { q.now = now }
}

// DialRedisQueue connects to redisURL (e.g. redis://localhost:6379/0) and
// verifies connectivity.
func DialRedisQueue(ctx context.Context, redisURL string, opts ...RedisOption) (*RedisQueue, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	q := NewRedisQueue(client, opts...)
	q.owned = true
	return q, nil
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client redis.UniversalClient, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client:    client,
		namespace: defaultNamespace,
		claimTTL:  defaultClaimTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Client exposes the underlying client so other components can share it.
func (q *RedisQueue) Client() redis.UniversalClient {
	return q.client
}

func (q *RedisQueue) Close() error {
	if !q.owned {
		return nil
	}
	return q.client.Close()
}

func (q *RedisQueue) queueKey() string   { return q.namespace + ":queue" }
func (q *RedisQueue) itemsKey() string   { return q.namespace + ":items" }
func (q *RedisQueue) claimedKey() string { return q.namespace + ":claimed" }
func (q *RedisQueue) workersKey() string { return q.namespace + ":workers" }

func (q *RedisQueue) claimKey(sessionID string) string {
	return q.namespace + ":claim:" + sessionID
}

func (q *RedisQueue) sessionKey(sessionID string) string {
	return q.namespace + ":session:" + sessionID
}

func (q *RedisQueue) issueKey(issueID string) string {
	return q.namespace + ":issue:" + issueID
}

func (q *RedisQueue) workerKey(id string) string {
	return q.namespace + ":worker:" + id
}

// score orders by priority, then queue time. Priority is clamped so the sum
// stays exact in a float64.
// score relies on validateWork keeping priority within [MinPriority, MaxPriority].
func score(w domain.QueuedWork) float64 {
	return float64(w.Priority)*priorityStride + float64(w.QueuedAt.UnixMilli())
}

func (q *RedisQueue) Enqueue(ctx context.Context, w domain.QueuedWork) (bool, error) {
	if err := validateWork(w); err != nil {
		return false, err
	}
	now := q.now()
	if w.QueuedAt.IsZero() {
		w.QueuedAt = now
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return false, err
	}
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.queueKey(), q.itemsKey(), q.sessionKey(w.SessionID), q.issueKey(w.IssueID)},
		w.SessionID, score(w), string(payload), w.IssueID, string(w.WorkType), db.FormatTime(now),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", w.SessionID, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Claim(ctx context.Context, workerID string, allowedProjects []string) (*domain.QueuedWork, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, ErrInvalidWorker
	}
	allowed := ""
	if len(allowedProjects) > 0 {
		data, err := json.Marshal(allowedProjects)
		if err != nil {
			return nil, err
		}
		allowed = string(data)
	}
	now := q.now()
	payload, err := claimScript.Run(ctx, q.client,
		[]string{q.queueKey(), q.itemsKey(), q.claimedKey()},
		workerID, now.UnixMilli(), q.claimTTL.Milliseconds(), q.namespace, allowed, db.FormatTime(now),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	var w domain.QueuedWork
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, fmt.Errorf("decode queued work: %w", err)
	}
	return &w, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.queueKey()).Result()
	return int(n), err
}

func (q *RedisQueue) Remove(ctx context.Context, sessionID string) (bool, error) {
	n, err := removeScript.Run(ctx, q.client,
		[]string{q.queueKey(), q.itemsKey(), q.sessionKey(sessionID)},
		sessionID, db.FormatTime(q.now()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", sessionID, err)
	}
	return n == 1, nil
}

func (q *RedisQueue) List(ctx context.Context) ([]domain.QueuedWork, error) {
	ids, err := q.client.ZRange(ctx, q.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	payloads, err := q.client.HMGet(ctx, q.itemsKey(), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.QueuedWork, 0, len(ids))
	for _, p := range payloads {
		s, ok := p.(string)
		if !ok {
			continue
		}
		var w domain.QueuedWork
		if err := json.Unmarshal([]byte(s), &w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (q *RedisQueue) RemoveMatching(ctx context.Context, partial string) ([]string, error) {
	if partial == "" {
		return nil, nil
	}
	ids, err := q.client.ZRange(ctx, q.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, id := range ids {
		if !strings.Contains(id, partial) {
			continue
		}
		ok, err := q.Remove(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (q *RedisQueue) RegisterWorker(ctx context.Context, w domain.Worker) error {
	if strings.TrimSpace(w.ID) == "" {
		return ErrInvalidWorker
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = q.now()
	}
	projects, err := json.Marshal(nonNil(w.Projects))
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.workerKey(w.ID),
			"id", w.ID,
			"capacity", w.Capacity,
			"activeCount", w.ActiveCount,
			"lastHeartbeat", db.FormatTime(w.LastHeartbeat),
			"projects", string(projects),
		)
		pipe.SAdd(ctx, q.workersKey(), w.ID)
		return nil
	})
	return err
}

func (q *RedisQueue) Heartbeat(ctx context.Context, workerID string, activeCount int) (domain.Worker, error) {
	exists, err := q.client.Exists(ctx, q.workerKey(workerID)).Result()
	if err != nil {
		return domain.Worker{}, err
	}
	if exists == 0 {
		return domain.Worker{}, ErrNotFound
	}
	if err := q.client.HSet(ctx, q.workerKey(workerID),
		"activeCount", activeCount,
		"lastHeartbeat", db.FormatTime(q.now()),
	).Err(); err != nil {
		return domain.Worker{}, err
	}
	return q.worker(ctx, workerID)
}

func (q *RedisQueue) worker(ctx context.Context, id string) (domain.Worker, error) {
	fields, err := q.client.HGetAll(ctx, q.workerKey(id)).Result()
	if err != nil {
		return domain.Worker{}, err
	}
	if len(fields) == 0 {
		return domain.Worker{}, ErrNotFound
	}
	w := domain.Worker{ID: id}
	w.Capacity, _ = strconv.Atoi(fields["capacity"])
	w.ActiveCount, _ = strconv.Atoi(fields["activeCount"])
	if w.LastHeartbeat, err = db.ParseTime(fields["lastHeartbeat"]); err != nil {
		return w, err
	}
	if p := fields["projects"]; p != "" {
		if err := json.Unmarshal([]byte(p), &w.Projects); err != nil {
			return w, err
		}
	}
	if len(w.Projects) == 0 {
		w.Projects = nil
	}
	return w, nil
}

func (q *RedisQueue) Workers(ctx context.Context) ([]domain.Worker, error) {
	ids, err := q.client.SMembers(ctx, q.workersKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]domain.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := q.worker(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func sessionFields(s domain.Session) []any {
	completed := ""
	if s.CompletedAt != nil {
		completed = db.FormatTime(*s.CompletedAt)
	}
	return []any{
		"sessionId", s.SessionID,
		"issueId", s.IssueID,
		"workType", string(s.WorkType),
		"status", string(s.Status),
		"workerId", s.WorkerID,
		"outcome", s.Outcome,
		"createdAt", db.FormatTime(s.CreatedAt),
		"updatedAt", db.FormatTime(s.UpdatedAt),
		"completedAt", completed,
		"costUsd", strconv.FormatFloat(s.CostUSD, 'f', -1, 64),
		"inputTokens", s.InputTokens,
		"outputTokens", s.OutputTokens,
	}
}

func parseSession(fields map[string]string) (domain.Session, error) {
	s := domain.Session{
		SessionID: fields["sessionId"],
		IssueID:   fields["issueId"],
		WorkType:  domain.WorkType(fields["workType"]),
		Status:    domain.SessionStatus(fields["status"]),
		WorkerID:  fields["workerId"],
		Outcome:   fields["outcome"],
	}
	var err error
	if s.CreatedAt, err = db.ParseTime(fields["createdAt"]); err != nil {
		return s, fmt.Errorf("session %s createdAt: %w", s.SessionID, err)
	}
	if s.UpdatedAt, err = db.ParseTime(fields["updatedAt"]); err != nil {
		return s, fmt.Errorf("session %s updatedAt: %w", s.SessionID, err)
	}
	if c := fields["completedAt"]; c != "" {
		t, err := db.ParseTime(c)
		if err != nil {
			return s, err
		}
		s.CompletedAt = &t
	}
	if v := fields["costUsd"]; v != "" {
		s.CostUSD, _ = strconv.ParseFloat(v, 64)
	}
	if v := fields["inputTokens"]; v != "" {
		s.InputTokens, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := fields["outputTokens"]; v != "" {
		s.OutputTokens, _ = strconv.ParseInt(v, 10, 64)
	}
	return s, nil
}

func (q *RedisQueue) PutSession(ctx context.Context, s domain.Session) error {
	if s.SessionID == "" {
		return ErrInvalidWork
	}
	now := q.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.sessionKey(s.SessionID), sessionFields(s)...)
		if s.IssueID != "" {
			pipe.SAdd(ctx, q.issueKey(s.IssueID), s.SessionID)
		}
		return nil
	})
	return err
}

func (q *RedisQueue) Session(ctx context.Context, sessionID string) (domain.Session, error) {
	fields, err := q.client.HGetAll(ctx, q.sessionKey(sessionID)).Result()
	if err != nil {
		return domain.Session{}, err
	}
	if len(fields) == 0 {
		return domain.Session{}, ErrNotFound
	}
	return parseSession(fields)
}

// UpdateSession is written by the session's own worker, so the
// read-modify-write is not guarded against concurrent writers.
func (q *RedisQueue) UpdateSession(ctx context.Context, sessionID string, u SessionUpdate) (domain.Session, error) {
	if err := validateUpdate(u); err != nil {
		return domain.Session{}, err
	}
	s, err := q.Session(ctx, sessionID)
	if err != nil {
		return s, err
	}
	applyUpdate(&s, u, q.now())
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.sessionKey(sessionID), sessionFields(s)...)
		if !s.Status.IsActive() {
			pipe.ZRem(ctx, q.claimedKey(), sessionID)
			pipe.ZRem(ctx, q.queueKey(), sessionID)
			pipe.HDel(ctx, q.itemsKey(), sessionID)
			pipe.Del(ctx, q.claimKey(sessionID))
		}
		return nil
	})
	return s, err
}

func (q *RedisQueue) Sessions(ctx context.Context, issueID string) ([]domain.Session, error) {
	ids, err := q.client.SMembers(ctx, q.issueKey(issueID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Session, 0, len(ids))
	for _, id := range ids {
		s, err := q.Session(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (q *RedisQueue) ActiveSessions(ctx context.Context, issueID string) ([]domain.Session, error) {
	all, err := q.Sessions(ctx, issueID)
	if err != nil {
		return nil, err
	}
	var out []domain.Session
	for _, s := range all {
		if s.Status.IsActive() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (q *RedisQueue) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.claimedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	var released []string
	for _, id := range ids {
		payload, err := q.client.HGet(ctx, q.itemsKey(), id).Result()
		if errors.Is(err, redis.Nil) {
			q.client.ZRem(ctx, q.claimedKey(), id)
			continue
		}
		if err != nil {
			return released, err
		}
		var w domain.QueuedWork
		if err := json.Unmarshal([]byte(payload), &w); err != nil {
			return released, err
		}
		n, err := releaseScript.Run(ctx, q.client,
			[]string{q.claimedKey(), q.queueKey(), q.sessionKey(id), q.claimKey(id), q.itemsKey()},
			id, score(w), db.FormatTime(q.now()),
		).Int()
		if err != nil {
			return released, fmt.Errorf("release %s: %w", id, err)
		}
		if n == 1 {
			released = append(released, id)
		}
	}
	sort.Strings(released)
	return released, nil
}
