// Package queue holds dispatched work until a worker claims it. Every
// backend guarantees that a claimed item is handed to exactly one caller;
// the guarantee comes from the backing store, never from client-side locks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchline/internal/domain"
)

// Sentinel errors returned by queue operations.
var (
	ErrDuplicate     = errors.New("work already queued")
	ErrInvalidWorker = errors.New("worker id is required")
	ErrInvalidWork   = errors.New("invalid work item")
	ErrNotFound      = errors.New("not found")
)

// WorkQueue is the hot path shared by the dispatcher and workers.
type WorkQueue interface {
	// Enqueue adds w and records a pending session for it. It returns false
	// when w.SessionID is already queued.
	Enqueue(ctx context.Context, w domain.QueuedWork) (bool, error)
	// Claim pops the lowest priority, oldest item the worker may take. It
	// returns nil without error when nothing is eligible. An empty
	// allowedProjects admits every item; otherwise only matching or untagged
	// items are eligible.
	Claim(ctx context.Context, workerID string, allowedProjects []string) (*domain.QueuedWork, error)
	Depth(ctx context.Context) (int, error)
	Remove(ctx context.Context, sessionID string) (bool, error)
	// List returns queued items in claim order.
	List(ctx context.Context) ([]domain.QueuedWork, error)
	// RemoveMatching removes every queued item whose session id contains
	// partial and returns the removed ids.
	RemoveMatching(ctx context.Context, partial string) ([]string, error)
}

// SessionUpdate carries the fields a worker reports; nil fields are left as
// they are.
type SessionUpdate struct {
	Status       domain.SessionStatus
	WorkerID     *string
	Outcome      *string
	CostUSD      *float64
	InputTokens  *int64
	OutputTokens *int64
}

// Registry keeps worker registrations and per-session state next to the
// queue.
type Registry interface {
	RegisterWorker(ctx context.Context, w domain.Worker) error
	Heartbeat(ctx context.Context, workerID string, activeCount int) (domain.Worker, error)
	Workers(ctx context.Context) ([]domain.Worker, error)
	PutSession(ctx context.Context, s domain.Session) error
	UpdateSession(ctx context.Context, sessionID string, u SessionUpdate) (domain.Session, error)
	Session(ctx context.Context, sessionID string) (domain.Session, error)
	// Sessions returns every session recorded for issueID, newest first.
	Sessions(ctx context.Context, issueID string) ([]domain.Session, error)
	ActiveSessions(ctx context.Context, issueID string) ([]domain.Session, error)
	// ReleaseStaleClaims puts back claims made before cutoff whose session
	// never started running, and returns their session ids.
	ReleaseStaleClaims(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Store is a queue backend together with its registry.
type Store interface {
	WorkQueue
	Registry
	Close() error
}

// Priority bounds accepted by every backend. Lower claims first.
const (
	MinPriority = 0
	MaxPriority = 99
)

func validateWork(w domain.QueuedWork) error {
	switch {
	case strings.TrimSpace(w.SessionID) == "":
		return errors.Join(ErrInvalidWork, errors.New("sessionId is required"))
	case strings.TrimSpace(w.IssueID) == "":
		return errors.Join(ErrInvalidWork, errors.New("issueId is required"))
	case w.WorkType == "":
		return errors.Join(ErrInvalidWork, errors.New("workType is required"))
	case w.Priority < MinPriority || w.Priority > MaxPriority:
		return errors.Join(ErrInvalidWork, fmt.Errorf("priority %d outside [%d, %d]", w.Priority, MinPriority, MaxPriority))
	}
	return nil
}

// eligible reports whether a worker restricted to allowed may take an item
// tagged project.
func eligible(project string, allowed []string) bool {
	if len(allowed) == 0 || project == "" {
		return true
	}
	for _, p := range allowed {
		if p == project {
			return true
		}
	}
	return false
}

// before orders items for claiming: priority, then queue time.
func before(a, b domain.QueuedWork) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

func validateUpdate(u SessionUpdate) error {
	if u.Status != "" && !u.Status.Valid() {
		return fmt.Errorf("%w: unknown session status %q", ErrInvalidWork, u.Status)
	}
	return nil
}

func applyUpdate(s *domain.Session, u SessionUpdate, now time.Time) {
	if u.Status != "" {
		s.Status = u.Status
		if !u.Status.IsActive() && s.CompletedAt == nil {
			at := now
			s.CompletedAt = &at
		}
	}
	if u.WorkerID != nil {
		s.WorkerID = *u.WorkerID
	}
	if u.Outcome != nil {
		s.Outcome = *u.Outcome
	}
	if u.CostUSD != nil {
		s.CostUSD = *u.CostUSD
	}
	if u.InputTokens != nil {
		s.InputTokens = *u.InputTokens
	}
	if u.OutputTokens != nil {
		s.OutputTokens = *u.OutputTokens
	}
	s.UpdatedAt = now
}

func pendingSession(w domain.QueuedWork, now time.Time) domain.Session {
	return domain.Session{
		SessionID: w.SessionID,
		IssueID:   w.IssueID,
		WorkType:  w.WorkType,
		Status:    domain.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
