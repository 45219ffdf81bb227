package events

import (
	"strings"
	"time"

	"dispatchline/internal/domain"
)

// Kind discriminates GovernorEvent cases on the wire.
type Kind string

const (
	KindStatusChanged    Kind = "issue-status-changed"
	KindCommentAdded     Kind = "comment-added"
	KindSessionCompleted Kind = "session-completed"
	KindPollSnapshot     Kind = "poll-snapshot"
)

// Source says where an event came from.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceManual  Source = "manual"
	SourceWorker  Source = "worker"
)

// GovernorEvent is a closed sum type: StatusChanged, CommentAdded,
// SessionCompleted and PollSnapshot are its only cases.
type GovernorEvent interface {
	Kind() Kind
	Meta() EventMeta
	governorEvent()
}

// EventMeta is carried by every event.
type EventMeta struct {
	IssueID    string    `json:"issueId"`
	Source     Source    `json:"source"`
	OccurredAt time.Time `json:"occurredAt"`
}

type StatusChanged struct {
	EventMeta
	PreviousStatus string `json:"previousStatus,omitempty"`
	NewStatus      string `json:"newStatus"`
	// Issue is the snapshot after the change, when the sender has one.
	Issue *domain.Issue `json:"issue,omitempty"`
}

type CommentAdded struct {
	EventMeta
	CommentID string `json:"commentId"`
	Body      string `json:"body"`
	Author    string `json:"author"`
}

type SessionCompleted struct {
	EventMeta
	SessionID string          `json:"sessionId"`
	WorkType  domain.WorkType `json:"workType"`
	Outcome   string          `json:"outcome"`
	Success   bool            `json:"success"`
}

type PollSnapshot struct {
	EventMeta
	Issue domain.Issue `json:"issue"`
}

func (StatusChanged) Kind() Kind    { return KindStatusChanged }
func (CommentAdded) Kind() Kind     { return KindCommentAdded }
func (SessionCompleted) Kind() Kind { return KindSessionCompleted }
func (PollSnapshot) Kind() Kind     { return KindPollSnapshot }

func (e StatusChanged) Meta() EventMeta    { return e.EventMeta }
func (e CommentAdded) Meta() EventMeta     { return e.EventMeta }
func (e SessionCompleted) Meta() EventMeta { return e.EventMeta }
func (e PollSnapshot) Meta() EventMeta     { return e.EventMeta }

func (StatusChanged) governorEvent()    {}
func (CommentAdded) governorEvent()     {}
func (SessionCompleted) governorEvent() {}
func (PollSnapshot) governorEvent()     {}

// DedupKey identifies one occurrence: the issue id plus the field that tells
// occurrences apart. Two events with the same key inside the dedup window are
// the same occurrence.
func DedupKey(e GovernorEvent) string {
	var field string
	switch ev := e.(type) {
	case StatusChanged:
		field = ev.NewStatus
	case CommentAdded:
		field = ev.CommentID
	case SessionCompleted:
		field = ev.SessionID
	case PollSnapshot:
		field = ev.Issue.Status
	}
	return string(e.Kind()) + ":" + e.Meta().IssueID + ":" + field
}

// Snapshot returns the issue carried by e, if any.
func Snapshot(e GovernorEvent) (domain.Issue, bool) {
	switch ev := e.(type) {
	case PollSnapshot:
		return ev.Issue, true
	case StatusChanged:
		if ev.Issue != nil {
			return *ev.Issue, true
		}
	}
	return domain.Issue{}, false
}

// ApplyStatus returns issue carrying the status a StatusChanged event
// reports. Other events, and StatusChanged without a NewStatus, leave it
// unchanged.
func ApplyStatus(e GovernorEvent, issue domain.Issue) domain.Issue {
	if sc, ok := e.(StatusChanged); ok && strings.TrimSpace(sc.NewStatus) != "" {
		issue.Status = sc.NewStatus
	}
	return issue
}
