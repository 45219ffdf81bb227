package server

import (
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/escalation"
)

// Request payloads

type EnqueueRequest struct {
	SessionID       string          `json:"session_id,omitempty"`
	IssueID         string          `json:"issue_id"`
	IssueIdentifier string          `json:"issue_identifier,omitempty"`
	WorkType        domain.WorkType `json:"work_type" enum:"research,backlog-creation,development,coordination,qa,acceptance,refinement,decomposition,escalation"`
	Priority        int             `json:"priority,omitempty" minimum:"0" maximum:"99"`
	ProjectName     string          `json:"project_name,omitempty"`
	Prompt          string          `json:"prompt,omitempty"`
}

type ClaimRequest struct {
	WorkerID string   `json:"worker_id"`
	Projects []string `json:"projects,omitempty"`
}

type PurgeRequest struct {
	Match string `json:"match"`
}

type RegisterWorkerRequest struct {
	ID       string   `json:"id"`
	Capacity int      `json:"capacity,omitempty" minimum:"0"`
	Projects []string `json:"projects,omitempty"`
}

type HeartbeatRequest struct {
	ActiveCount int `json:"active_count" minimum:"0"`
}

type SessionStatusRequest struct {
	Status       domain.SessionStatus `json:"status" enum:"pending,claimed,running,completed,failed,stopped"`
	WorkerID     *string              `json:"worker_id,omitempty"`
	Outcome      *string              `json:"outcome,omitempty"`
	CostUSD      *float64             `json:"cost_usd,omitempty"`
	InputTokens  *int64               `json:"input_tokens,omitempty"`
	OutputTokens *int64               `json:"output_tokens,omitempty"`
}

type SyncIssuesRequest struct {
	Issues []domain.Issue `json:"issues"`
}

type DirectiveRequest struct {
	Body   string `json:"body"`
	Author string `json:"author,omitempty"`
}

// Response payloads

type ClaimResponse struct {
	Work *domain.QueuedWork `json:"work"`
}

type DepthResponse struct {
	Depth int `json:"depth"`
}

type RemoveResponse struct {
	Removed []string `json:"removed"`
}

type WorkerResponse struct {
	domain.Worker
	Stale bool `json:"stale"`
}

type SyncIssuesResponse struct {
	Synced    int `json:"synced"`
	Published int `json:"published"`
}

type OverrideResponse struct {
	IssueID     string               `json:"issue_id"`
	Directive   string               `json:"directive,omitempty"`
	Actor       string               `json:"actor,omitempty"`
	SetAt       *time.Time           `json:"set_at,omitempty" format:"date-time"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty" format:"date-time"`
	Held        bool                 `json:"held"`
	Cycle       int                  `json:"cycle"`
	Strategy    string               `json:"strategy"`
	Touchpoints []TouchpointResponse `json:"touchpoints"`
}

type DirectiveResponse struct {
	Directive string           `json:"directive"`
	Override  OverrideResponse `json:"override"`
}

type TouchpointResponse struct {
	escalation.Touchpoint
	TimeoutMs int64 `json:"timeoutMs"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Project    string `json:"project,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Project:    e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func touchpointResponses(items []escalation.Touchpoint) []TouchpointResponse {
	out := make([]TouchpointResponse, 0, len(items))
	for _, t := range items {
		out = append(out, TouchpointResponse{Touchpoint: t, TimeoutMs: t.TimeoutMs()})
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
