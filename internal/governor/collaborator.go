package governor

import (
	"context"

	"dispatchline/internal/decision"
	"dispatchline/internal/domain"
)

// Collaborator is everything the governor needs from the outside world. The
// governor never talks to a tracker or a store directly; tests swap in an
// in-memory fake.
type Collaborator interface {
	// ListIssues returns the non-terminal issues of project.
	ListIssues(ctx context.Context, project string) ([]domain.Issue, error)
	HasActiveSession(ctx context.Context, issueID string) (bool, error)
	IsWithinCooldown(ctx context.Context, issueID string) (bool, error)
	IsParentIssue(ctx context.Context, issueID string) (bool, error)
	IsHeld(ctx context.Context, issueID string) (bool, error)
	// GetOverridePriority returns the human priority level, or nil.
	GetOverridePriority(ctx context.Context, issueID string) (*int, error)
	// GetWorkflowStrategy returns "" when no strategy applies.
	GetWorkflowStrategy(ctx context.Context, issueID string) (string, error)
	IsResearchCompleted(ctx context.Context, issueID string) (bool, error)
	IsBacklogCreationCompleted(ctx context.Context, issueID string) (bool, error)
	// DispatchWork performs the decided action. An error leaves the issue
	// eligible for the next pass.
	DispatchWork(ctx context.Context, d Dispatch) error
}

// QASkipper is implemented by collaborators that honour SKIP-QA directives.
type QASkipper interface {
	SkipQA(ctx context.Context, issueID string) (bool, error)
}

// IssueFetcher resolves an issue by id when an event carries no snapshot.
type IssueFetcher interface {
	GetIssue(ctx context.Context, issueID string) (domain.Issue, error)
}

// Dispatch is one unit of work handed to the collaborator.
type Dispatch struct {
	Issue    domain.Issue
	Decision decision.Decision
	// Priority is the human override level; nil means the work type default.
	Priority *int
	Strategy string
}
