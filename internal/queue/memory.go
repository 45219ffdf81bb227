package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"dispatchline/internal/domain"
)

type memoryItem struct {
	work domain.QueuedWork
	seq  uint64
}

type memoryClaim struct {
	item     memoryItem
	workerID string
	at       time.Time
}

// MemoryQueue serves a single process. One mutex guards every structure, so
// claim is atomic within the process.
type MemoryQueue struct {
	mu       sync.Mutex
	items    map[string]memoryItem
	claims   map[string]memoryClaim
	sessions map[string]domain.Session
	workers  map[string]domain.Worker
	seq      uint64
	now      func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items:    map[string]memoryItem{},
		claims:   map[string]memoryClaim{},
		sessions: map[string]domain.Session{},
		workers:  map[string]domain.Worker{},
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (q *MemoryQueue) WithClock(now func() time.Time) *MemoryQueue {
	q.now = now
	return q
}

func (q *MemoryQueue) Close() error { return nil }

func (q *MemoryQueue) Enqueue(_ context.Context, w domain.QueuedWork) (bool, error) {
	if err := validateWork(w); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[w.SessionID]; ok {
		return false, nil
	}
	if _, ok := q.claims[w.SessionID]; ok {
		return false, nil
	}
	now := q.now()
	if w.QueuedAt.IsZero() {
		w.QueuedAt = now
	}
	q.seq++
	q.items[w.SessionID] = memoryItem{work: w, seq: q.seq}
	if _, ok := q.sessions[w.SessionID]; !ok {
		q.sessions[w.SessionID] = pendingSession(w, now)
	}
	return true, nil
}

// ordered returns queued items in claim order. Callers hold q.mu.
func (q *MemoryQueue) ordered() []memoryItem {
	out := make([]memoryItem, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if before(a.work, b.work) {
			return true
		}
		if before(b.work, a.work) {
			return false
		}
		return a.seq < b.seq
	})
	return out
}

func (q *MemoryQueue) Claim(_ context.Context, workerID string, allowedProjects []string) (*domain.QueuedWork, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, ErrInvalidWorker
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.ordered() {
		if !eligible(it.work.ProjectName, allowedProjects) {
			continue
		}
		now := q.now()
		delete(q.items, it.work.SessionID)
		q.claims[it.work.SessionID] = memoryClaim{item: it, workerID: workerID, at: now}
		s, ok := q.sessions[it.work.SessionID]
		if !ok {
			s = pendingSession(it.work, now)
		}
		s.Status = domain.SessionClaimed
		s.WorkerID = workerID
		s.UpdatedAt = now
		q.sessions[it.work.SessionID] = s
		w := it.work
		return &w, nil
	}
	return nil, nil
}

func (q *MemoryQueue) Depth(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *MemoryQueue) Remove(_ context.Context, sessionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(sessionID), nil
}

func (q *MemoryQueue) removeLocked(sessionID string) bool {
	if _, ok := q.items[sessionID]; !ok {
		return false
	}
	delete(q.items, sessionID)
	if s, ok := q.sessions[sessionID]; ok && s.Status.IsActive() {
		applyUpdate(&s, SessionUpdate{Status: domain.SessionStopped}, q.now())
		q.sessions[sessionID] = s
	}
	return true
}

func (q *MemoryQueue) List(context.Context) ([]domain.QueuedWork, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.ordered()
	out := make([]domain.QueuedWork, len(items))
	for i, it := range items {
		out[i] = it.work
	}
	return out, nil
}

func (q *MemoryQueue) RemoveMatching(_ context.Context, partial string) ([]string, error) {
	if partial == "" {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []string
	for _, it := range q.ordered() {
		if strings.Contains(it.work.SessionID, partial) && q.removeLocked(it.work.SessionID) {
			removed = append(removed, it.work.SessionID)
		}
	}
	return removed, nil
}

func (q *MemoryQueue) RegisterWorker(_ context.Context, w domain.Worker) error {
	if strings.TrimSpace(w.ID) == "" {
		return ErrInvalidWorker
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = q.now()
	}
	w.Projects = append([]string(nil), w.Projects...)
	q.workers[w.ID] = w
	return nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, workerID string, activeCount int) (domain.Worker, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.workers[workerID]
	if !ok {
		return domain.Worker{}, ErrNotFound
	}
	w.ActiveCount = activeCount
	w.LastHeartbeat = q.now()
	q.workers[workerID] = w
	return w, nil
}

func (q *MemoryQueue) Workers(context.Context) ([]domain.Worker, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Worker, 0, len(q.workers))
	for _, w := range q.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *MemoryQueue) PutSession(_ context.Context, s domain.Session) error {
	if s.SessionID == "" {
		return ErrInvalidWork
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessions[s.SessionID] = s
	return nil
}

func (q *MemoryQueue) UpdateSession(_ context.Context, sessionID string, u SessionUpdate) (domain.Session, error) {
	if err := validateUpdate(u); err != nil {
		return domain.Session{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.sessions[sessionID]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	applyUpdate(&s, u, q.now())
	q.sessions[sessionID] = s
	if !s.Status.IsActive() {
		delete(q.claims, sessionID)
		delete(q.items, sessionID)
	}
	return s, nil
}

func (q *MemoryQueue) Session(_ context.Context, sessionID string) (domain.Session, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.sessions[sessionID]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}

func (q *MemoryQueue) Sessions(_ context.Context, issueID string) ([]domain.Session, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Session
	for _, s := range q.sessions {
		if s.IssueID == issueID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (q *MemoryQueue) ActiveSessions(ctx context.Context, issueID string) ([]domain.Session, error) {
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

func (q *MemoryQueue) ReleaseStaleClaims(_ context.Context, cutoff time.Time) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var released []string
	for id, c := range q.claims {
		if !c.at.Before(cutoff) {
			continue
		}
		s := q.sessions[id]
		if s.Status != domain.SessionClaimed {
			continue
		}
		delete(q.claims, id)
		q.items[id] = c.item
		s.Status = domain.SessionPending
		s.WorkerID = ""
		s.UpdatedAt = q.now()
		q.sessions[id] = s
		released = append(released, id)
	}
	sort.Strings(released)
	return released, nil
}
