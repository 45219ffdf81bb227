package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/escalation"
	"dispatchline/internal/events"
)

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-issues",
		Method:      http.MethodPost,
		Path:        "/issues",
		Summary:     "Store tracker issue snapshots",
		Description: "With an event bus configured every stored snapshot is also published as a poll-snapshot event.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SyncIssuesRequest `json:"body"`
	}) (*struct {
		Body SyncIssuesResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		for _, is := range input.Body.Issues {
			if strings.TrimSpace(is.ID) == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue id is required", map[string]any{"identifier": is.Identifier})
			}
		}
		var resp SyncIssuesResponse
		for _, is := range input.Body.Issues {
			if err := e.Repo.UpsertIssue(ctx, is, actor); err != nil {
				return nil, handleError(err)
			}
			resp.Synced++
			if e.Bus == nil {
				continue
			}
			ev := events.PollSnapshot{
				EventMeta: events.EventMeta{IssueID: is.ID, Source: events.SourceManual, OccurredAt: time.Now()},
				Issue:     is,
			}
			if err := e.Bus.Publish(ctx, ev); err != nil {
				return nil, handleError(err)
			}
			resp.Published++
		}
		return &struct {
			Body SyncIssuesResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List non-terminal issue snapshots of a project",
	}, func(ctx context.Context, input *struct {
		Project string `query:"project"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		items, err := e.ListIssues(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerEscalation(api huma.API, e engine.Engine) {
	type issuePath struct {
		IssueID string `path:"issue_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-override",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/override",
		Summary:     "Override, cycle and touchpoints of an issue",
	}, func(ctx context.Context, input *issuePath) (*struct {
		Body OverrideResponse `json:"body"`
	}, error) {
		resp, err := overrideResponse(ctx, e.Escalation, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OverrideResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-override",
		Method:      http.MethodDelete,
		Path:        "/issues/{issue_id}/override",
		Summary:     "Drop the active directive without resuming",
	}, func(ctx context.Context, input *issuePath) (*struct {
		Body OverrideResponse `json:"body"`
	}, error) {
		if err := e.Escalation.ClearOverride(ctx, input.IssueID); err != nil {
			return nil, handleError(err)
		}
		resp, err := overrideResponse(ctx, e.Escalation, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OverrideResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-directive",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/directives",
		Summary:     "Apply a human directive",
		Description: "The body is parsed like a tracker comment: " + escalation.DirectiveHelp,
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		IssueID string           `path:"issue_id"`
		Body    DirectiveRequest `json:"body"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		d, ok := escalation.ParseDirective(input.Body.Body)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no directive found", map[string]any{"expected": escalation.DirectiveHelp})
		}
		author := strings.TrimSpace(input.Body.Author)
		if author == "" {
			actor, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			author = actor
		}
		if _, err := e.Escalation.ApplyDirective(ctx, input.IssueID, d, author); err != nil {
			return nil, handleError(err)
		}
		resp, err := overrideResponse(ctx, e.Escalation, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: DirectiveResponse{Directive: d.String(), Override: resp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-touchpoints",
		Method:      http.MethodGet,
		Path:        "/touchpoints",
		Summary:     "List touchpoints",
	}, func(ctx context.Context, input *struct {
		IssueID string `query:"issue_id"`
		Pending bool   `query:"pending"`
	}) (*struct {
		Body []TouchpointResponse `json:"body"`
	}, error) {
		items, err := e.Escalation.Touchpoints(ctx, escalation.TouchpointFilter{IssueID: input.IssueID, PendingOnly: input.Pending})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TouchpointResponse `json:"body"`
		}{Body: touchpointResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-touchpoints",
		Method:      http.MethodPost,
		Path:        "/touchpoints/expire",
		Summary:     "Auto-proceed every timed-out touchpoint",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TouchpointResponse `json:"body"`
	}, error) {
		proceeds, err := e.Escalation.ProcessTimeouts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]escalation.Touchpoint, 0, len(proceeds))
		for _, p := range proceeds {
			items = append(items, p.Touchpoint)
		}
		return &struct {
			Body []TouchpointResponse `json:"body"`
		}{Body: touchpointResponses(items)}, nil
	})
}

func overrideResponse(ctx context.Context, s *escalation.Store, issueID string) (OverrideResponse, error) {
	resp := OverrideResponse{IssueID: issueID}
	o, err := s.Override(ctx, issueID)
	if err != nil {
		return resp, err
	}
	if o != nil {
		setAt := o.SetAt
		resp.Directive = o.Directive.String()
		resp.Actor = o.Actor
		resp.SetAt = &setAt
		resp.ExpiresAt = o.ExpiresAt
	}
	if resp.Held, err = s.IsHeld(ctx, issueID); err != nil {
		return resp, err
	}
	if resp.Cycle, err = s.Cycle(ctx, issueID); err != nil {
		return resp, err
	}
	if resp.Strategy, err = s.WorkflowStrategy(ctx, issueID); err != nil {
		return resp, err
	}
	tps, err := s.Touchpoints(ctx, escalation.TouchpointFilter{IssueID: issueID})
	if err != nil {
		return resp, err
	}
	resp.Touchpoints = touchpointResponses(tps)
	return resp, nil
}
