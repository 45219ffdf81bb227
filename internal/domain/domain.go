package domain

import (
	"strings"
	"time"
)

// Issue is a read-only snapshot of a tracked work item.
type Issue struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Labels      []string  `json:"labels,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
	ParentID    *string   `json:"parent_id,omitempty"`
	Project     string    `json:"project,omitempty"`
}

// HasLabel reports whether the issue carries label (case-insensitive).
func (i Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(strings.TrimSpace(l), label) {
			return true
		}
	}
	return false
}

// DisplayID returns the human identifier, falling back to the raw id.
func (i Issue) DisplayID() string {
	if i.Identifier != "" {
		return i.Identifier
	}
	return i.ID
}

// Action is the governor's verdict for one issue.
type Action string

const (
	ActionNone                   Action = "none"
	ActionTriggerResearch        Action = "trigger-research"
	ActionTriggerBacklogCreation Action = "trigger-backlog-creation"
	ActionTriggerDevelopment     Action = "trigger-development"
	ActionTriggerQA              Action = "trigger-qa"
	ActionTriggerAcceptance      Action = "trigger-acceptance"
	ActionTriggerRefinement      Action = "trigger-refinement"
	ActionDecompose              Action = "decompose"
	ActionEscalateHuman          Action = "escalate-human"
)

// WorkType is the category of agent work a dispatched action produces.
type WorkType string

const (
	WorkResearch        WorkType = "research"
	WorkBacklogCreation WorkType = "backlog-creation"
	WorkDevelopment     WorkType = "development"
	WorkCoordination    WorkType = "coordination"
	WorkQA              WorkType = "qa"
	WorkAcceptance      WorkType = "acceptance"
	WorkRefinement      WorkType = "refinement"
	WorkDecomposition   WorkType = "decomposition"
	WorkEscalation      WorkType = "escalation"
)

// WorkTypeFor maps an action to the work type it dispatches by default.
func WorkTypeFor(a Action) WorkType {
	switch a {
	case ActionTriggerResearch:
		return WorkResearch
	case ActionTriggerBacklogCreation:
		return WorkBacklogCreation
	case ActionTriggerDevelopment:
		return WorkDevelopment
	case ActionTriggerQA:
		return WorkQA
	case ActionTriggerAcceptance:
		return WorkAcceptance
	case ActionTriggerRefinement:
		return WorkRefinement
	case ActionDecompose:
		return WorkDecomposition
	case ActionEscalateHuman:
		return WorkEscalation
	default:
		return ""
	}
}

// QueuedWork is one dispatched, not yet claimed unit of agent work.
type QueuedWork struct {
	SessionID       string    `json:"sessionId"`
	IssueID         string    `json:"issueId"`
	IssueIdentifier string    `json:"issueIdentifier"`
	Priority        int       `json:"priority"`
	QueuedAt        time.Time `json:"queuedAt" format:"date-time"`
	WorkType        WorkType  `json:"workType"`
	ProjectName     string    `json:"projectName,omitempty"`
	Prompt          string    `json:"prompt,omitempty"`
}

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionClaimed   SessionStatus = "claimed"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionStopped   SessionStatus = "stopped"
)

// IsActive reports whether the session still occupies its issue.
func (s SessionStatus) IsActive() bool {
	return s == SessionPending || s == SessionClaimed || s == SessionRunning
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionClaimed, SessionRunning, SessionCompleted, SessionFailed, SessionStopped:
		return true
	}
	return false
}

// Session is the per-session state record kept next to the queue.
type Session struct {
	SessionID    string        `json:"sessionId"`
	IssueID      string        `json:"issueId"`
	WorkType     WorkType      `json:"workType"`
	Status       SessionStatus `json:"status" enum:"pending,claimed,running,completed,failed,stopped"`
	WorkerID     string        `json:"workerId,omitempty"`
	Outcome      string        `json:"outcome,omitempty"`
	CreatedAt    time.Time     `json:"createdAt" format:"date-time"`
	UpdatedAt    time.Time     `json:"updatedAt" format:"date-time"`
	CompletedAt  *time.Time    `json:"completedAt,omitempty" format:"date-time"`
	CostUSD      float64       `json:"costUsd"`
	InputTokens  int64         `json:"inputTokens"`
	OutputTokens int64         `json:"outputTokens"`
}

// Worker is a registered queue consumer.
type Worker struct {
	ID            string    `json:"id"`
	Capacity      int       `json:"capacity"`
	ActiveCount   int       `json:"activeCount"`
	LastHeartbeat time.Time `json:"lastHeartbeat" format:"date-time"`
	Projects      []string  `json:"projects,omitempty"`
}

// Stale reports whether the worker missed heartbeats for longer than threshold.
func (w Worker) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > threshold
}

// ScanError records one failure inside a scan pass.
type ScanError struct {
	IssueID string `json:"issueId"`
	Error   string `json:"error"`
}

// ScanResult summarises one project within one scan pass.
type ScanResult struct {
	Project           string            `json:"project"`
	ScannedIssues     int               `json:"scannedIssues"`
	ActionsDispatched int               `json:"actionsDispatched"`
	SkippedReasons    map[string]string `json:"skippedReasons"`
	Errors            []ScanError       `json:"errors"`
}

// NewScanResult returns an empty result for project.
func NewScanResult(project string) ScanResult {
	return ScanResult{
		Project:        project,
		SkippedReasons: map[string]string{},
		Errors:         []ScanError{},
	}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
