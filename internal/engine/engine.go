// Package engine is the concrete collaborator behind the governor. It reads
// issue snapshots from the repo, sessions from the queue registry and
// human overrides from the escalation store, and turns dispatch decisions
// into queued work.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"dispatchline/internal/config"
	"dispatchline/internal/decision"
	"dispatchline/internal/domain"
	"dispatchline/internal/escalation"
	"dispatchline/internal/events"
	"dispatchline/internal/governor"
	"dispatchline/internal/queue"
	"dispatchline/internal/repo"
)

// Labels that mark a pre-development phase as done.
const (
	LabelResearchComplete = "research-complete"
	LabelBacklogCreated   = "backlog-created"
)

const actorGovernor = "governor"

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Queue      queue.Store
	Escalation *escalation.Store
	// Bus, when set, receives SessionCompleted events for finished sessions.
	// Set it only when a subscriber handles them; without a bus, failed QA
	// sessions are counted here directly.
	Bus    events.Bus
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

func New(conn *sql.DB, cfg *config.Config, q queue.Store, esc *escalation.Store) Engine {
	return Engine{
		DB:         conn,
		Repo:       repo.New(conn),
		Events:     events.Writer{DB: conn},
		Queue:      q,
		Escalation: esc,
		Config:     cfg,
		Logger:     slog.Default(),
		Now:        time.Now,
	}
}

var (
	_ governor.Collaborator = Engine{}
	_ governor.QASkipper    = Engine{}
	_ governor.IssueFetcher = Engine{}
)

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// ListIssues returns the project's issues that are not in a terminal status.
func (e Engine) ListIssues(ctx context.Context, project string) ([]domain.Issue, error) {
	return e.Repo.ListIssues(ctx, project, e.Config.Governor.Statuses.Terminal)
}

func (e Engine) GetIssue(ctx context.Context, issueID string) (domain.Issue, error) {
	return e.Repo.GetIssue(ctx, issueID)
}

func (e Engine) HasActiveSession(ctx context.Context, issueID string) (bool, error) {
	active, err := e.Queue.ActiveSessions(ctx, issueID)
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}

// IsWithinCooldown reports whether a QA session for the issue failed less
// than QACooldown ago.
func (e Engine) IsWithinCooldown(ctx context.Context, issueID string) (bool, error) {
	cooldown := e.Config.Governor.QACooldown
	if cooldown <= 0 {
		return false, nil
	}
	sessions, err := e.Queue.Sessions(ctx, issueID)
	if err != nil {
		return false, err
	}
	now := e.now()
	for _, s := range sessions {
		if s.WorkType != domain.WorkQA || !sessionFailed(s) {
			continue
		}
		at := s.UpdatedAt
		if s.CompletedAt != nil {
			at = *s.CompletedAt
		}
		if now.Sub(at) < cooldown {
			return true, nil
		}
	}
	return false, nil
}

func sessionFailed(s domain.Session) bool {
	if s.Status == domain.SessionFailed {
		return true
	}
	if s.Status != domain.SessionCompleted {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s.Outcome)) {
	case "failed", "fail", "rejected":
		return true
	}
	return false
}

func (e Engine) IsParentIssue(ctx context.Context, issueID string) (bool, error) {
	return e.Repo.HasChildren(ctx, issueID)
}

func (e Engine) IsHeld(ctx context.Context, issueID string) (bool, error) {
	return e.Escalation.IsHeld(ctx, issueID)
}

// GetOverridePriority returns the PRIORITY directive level. Level 0 means no
// preference and is reported as nil so the work type default applies.
func (e Engine) GetOverridePriority(ctx context.Context, issueID string) (*int, error) {
	p, err := e.Escalation.OverridePriority(ctx, issueID)
	if err != nil || p == nil || *p <= 0 {
		return nil, err
	}
	return p, nil
}

func (e Engine) GetWorkflowStrategy(ctx context.Context, issueID string) (string, error) {
	return e.Escalation.WorkflowStrategy(ctx, issueID)
}

func (e Engine) SkipQA(ctx context.Context, issueID string) (bool, error) {
	return e.Escalation.SkipQA(ctx, issueID)
}

func (e Engine) IsResearchCompleted(ctx context.Context, issueID string) (bool, error) {
	return e.phaseCompleted(ctx, issueID, LabelResearchComplete, domain.WorkResearch)
}

func (e Engine) IsBacklogCreationCompleted(ctx context.Context, issueID string) (bool, error) {
	return e.phaseCompleted(ctx, issueID, LabelBacklogCreated, domain.WorkBacklogCreation)
}

// phaseCompleted is true when the issue carries label or a session of
// workType finished successfully.
func (e Engine) phaseCompleted(ctx context.Context, issueID, label string, workType domain.WorkType) (bool, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	switch {
	case err == nil:
		if issue.HasLabel(label) {
			return true, nil
		}
	case !errors.Is(err, repo.ErrNotFound):
		return false, err
	}
	sessions, err := e.Queue.Sessions(ctx, issueID)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.WorkType == workType && s.Status == domain.SessionCompleted && !sessionFailed(s) {
			return true, nil
		}
	}
	return false, nil
}

// DefaultPriority is the queue priority of a work type when no PRIORITY
// directive applies. Lower is more urgent.
func DefaultPriority(w domain.WorkType) int {
	switch w {
	case domain.WorkQA, domain.WorkAcceptance, domain.WorkEscalation:
		return 1
	case domain.WorkRefinement, domain.WorkDecomposition:
		return 2
	case domain.WorkDevelopment, domain.WorkCoordination:
		return 3
	case domain.WorkBacklogCreation:
		return 4
	default:
		return 5
	}
}

// DispatchWork queues the decided work and records a pending session for it.
// Escalations also post an escalation alert that holds the issue.
func (e Engine) DispatchWork(ctx context.Context, d governor.Dispatch) error {
	workType := d.Decision.WorkType
	if workType == "" {
		return fmt.Errorf("dispatch %s: no work type for action %s", d.Issue.DisplayID(), d.Decision.Action)
	}
	priority := DefaultPriority(workType)
	if d.Priority != nil && *d.Priority > 0 {
		priority = *d.Priority
	}
	w := domain.QueuedWork{
		SessionID:       uuid.NewString(),
		IssueID:         d.Issue.ID,
		IssueIdentifier: d.Issue.DisplayID(),
		Priority:        priority,
		QueuedAt:        e.now(),
		WorkType:        workType,
		ProjectName:     d.Issue.Project,
		Prompt:          Prompt(d),
	}
	ok, err := e.Queue.Enqueue(ctx, w)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", w.IssueIdentifier, err)
	}
	if !ok {
		return fmt.Errorf("enqueue %s: %w", w.IssueIdentifier, queue.ErrDuplicate)
	}
	if d.Decision.Action == domain.ActionEscalateHuman && e.Escalation != nil {
		if _, err := e.Escalation.Escalate(ctx, d.Issue); err != nil {
			return fmt.Errorf("escalate %s: %w", w.IssueIdentifier, err)
		}
	}
	if e.DB != nil {
		err := e.Events.AppendNow(ctx, events.AuditGovernorDispatch, d.Issue.Project, "issue", d.Issue.ID, actorGovernor, events.EventPayload{
			"session_id": w.SessionID,
			"action":     string(d.Decision.Action),
			"work_type":  string(workType),
			"priority":   priority,
			"strategy":   d.Strategy,
			"reason":     d.Decision.Reason,
		})
		if err != nil {
			e.logger().Warn("audit dispatch", "issue", w.IssueIdentifier, "err", err)
		}
	}
	return nil
}

// Prompt renders the instruction handed to the agent that claims the work.
func Prompt(d governor.Dispatch) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s for %s: %s\n", d.Decision.WorkType, d.Issue.DisplayID(), d.Issue.Title)
	if d.Issue.Description != "" {
		b.WriteString("\n")
		b.WriteString(d.Issue.Description)
		b.WriteString("\n")
	}
	switch d.Strategy {
	case decision.StrategyContextEnriched:
		b.WriteString("\nPrevious QA rounds failed. Read the review feedback before changing code.\n")
	case decision.StrategyDecompose:
		b.WriteString("\nSplit this issue into smaller sub-issues instead of implementing it.\n")
	}
	if d.Decision.Reason != "" {
		fmt.Fprintf(&b, "\nReason: %s\n", d.Decision.Reason)
	}
	return b.String()
}

// ReportSession applies a worker's status report. When the session reaches
// a terminal state the completion is published on the bus, or, without a
// bus, a failed QA session is counted as an escalation cycle here.
func (e Engine) ReportSession(ctx context.Context, sessionID string, u queue.SessionUpdate) (domain.Session, error) {
	s, err := e.Queue.UpdateSession(ctx, sessionID, u)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Status.IsActive() || s.Status == domain.SessionStopped {
		return s, nil
	}
	failed := sessionFailed(s)
	if e.Bus != nil {
		ev := events.SessionCompleted{
			EventMeta: events.EventMeta{IssueID: s.IssueID, Source: events.SourceWorker, OccurredAt: e.now()},
			SessionID: s.SessionID,
			WorkType:  s.WorkType,
			Outcome:   s.Outcome,
			Success:   !failed,
		}
		if err := e.Bus.Publish(ctx, ev); err != nil {
			e.logger().Warn("publish session completion", "session", s.SessionID, "err", err)
		}
		return s, nil
	}
	if failed && s.WorkType == domain.WorkQA && e.Escalation != nil {
		issue, err := e.Repo.GetIssue(ctx, s.IssueID)
		if err != nil {
			return s, fmt.Errorf("load issue %s: %w", s.IssueID, err)
		}
		if _, _, err := e.Escalation.RecordFailure(ctx, issue); err != nil {
			return s, fmt.Errorf("record QA failure: %w", err)
		}
	}
	return s, nil
}
