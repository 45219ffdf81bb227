package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/queue"
)

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List queued work in claim order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.QueuedWork `json:"body"`
	}, error) {
		items, err := e.Queue.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.QueuedWork `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "queue-depth",
		Method:      http.MethodGet,
		Path:        "/queue/depth",
		Summary:     "Number of queued items",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DepthResponse `json:"body"`
	}, error) {
		n, err := e.Queue.Depth(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DepthResponse `json:"body"`
		}{Body: DepthResponse{Depth: n}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue",
		Method:        http.MethodPost,
		Path:          "/queue",
		Summary:       "Enqueue work by hand",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body EnqueueRequest `json:"body"`
	}) (*struct {
		Body domain.QueuedWork `json:"body"`
	}, error) {
		req := input.Body
		w := domain.QueuedWork{
			SessionID:       strings.TrimSpace(req.SessionID),
			IssueID:         strings.TrimSpace(req.IssueID),
			IssueIdentifier: req.IssueIdentifier,
			Priority:        req.Priority,
			QueuedAt:        time.Now(),
			WorkType:        req.WorkType,
			ProjectName:     req.ProjectName,
			Prompt:          req.Prompt,
		}
		if w.SessionID == "" {
			w.SessionID = uuid.NewString()
		}
		if w.IssueIdentifier == "" {
			w.IssueIdentifier = w.IssueID
		}
		if w.Priority == 0 {
			w.Priority = engine.DefaultPriority(w.WorkType)
		}
		ok, err := e.Queue.Enqueue(ctx, w)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusConflict, "duplicate", "work already queued", map[string]any{"session_id": w.SessionID})
		}
		return &struct {
			Body domain.QueuedWork `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim",
		Method:      http.MethodPost,
		Path:        "/queue/claim",
		Summary:     "Claim the next eligible item",
		Description: "Each item is handed to exactly one caller. work is null when nothing is eligible.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		w, err := e.Queue.Claim(ctx, strings.TrimSpace(input.Body.WorkerID), input.Body.Projects)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: ClaimResponse{Work: w}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-work",
		Method:      http.MethodDelete,
		Path:        "/queue/{session_id}",
		Summary:     "Remove one queued item and stop its session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body RemoveResponse `json:"body"`
	}, error) {
		ok, err := e.Queue.Remove(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "work not queued", map[string]any{"session_id": input.SessionID})
		}
		return &struct {
			Body RemoveResponse `json:"body"`
		}{Body: RemoveResponse{Removed: []string{input.SessionID}}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-queue",
		Method:      http.MethodPost,
		Path:        "/queue/purge",
		Summary:     "Remove every queued item whose session id contains match",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PurgeRequest `json:"body"`
	}) (*struct {
		Body RemoveResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Match) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "match is required", nil)
		}
		ids, err := e.Queue.RemoveMatching(ctx, input.Body.Match)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemoveResponse `json:"body"`
		}{Body: RemoveResponse{Removed: nonNilSlice(ids)}}, nil
	})
}

func registerWorkers(api huma.API, e engine.Engine, staleAfter time.Duration) {
	huma.Register(api, huma.Operation{
		OperationID: "register-worker",
		Method:      http.MethodPost,
		Path:        "/workers",
		Summary:     "Register or refresh a worker",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterWorkerRequest `json:"body"`
	}) (*struct {
		Body domain.Worker `json:"body"`
	}, error) {
		w := domain.Worker{
			ID:            strings.TrimSpace(input.Body.ID),
			Capacity:      input.Body.Capacity,
			LastHeartbeat: time.Now(),
			Projects:      input.Body.Projects,
		}
		if w.Capacity <= 0 {
			w.Capacity = 1
		}
		if err := e.Queue.RegisterWorker(ctx, w); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Worker `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-heartbeat",
		Method:      http.MethodPost,
		Path:        "/workers/{worker_id}/heartbeat",
		Summary:     "Record a worker heartbeat",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkerID string           `path:"worker_id"`
		Body     HeartbeatRequest `json:"body"`
	}) (*struct {
		Body domain.Worker `json:"body"`
	}, error) {
		w, err := e.Queue.Heartbeat(ctx, input.WorkerID, input.Body.ActiveCount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Worker `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List registered workers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkerResponse `json:"body"`
	}, error) {
		workers, err := e.Queue.Workers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now()
		out := make([]WorkerResponse, 0, len(workers))
		for _, w := range workers {
			out = append(out, WorkerResponse{Worker: w, Stale: w.Stale(now, staleAfter)})
		}
		return &struct {
			Body []WorkerResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		s, err := e.Queue.Session(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/status",
		Summary:     "Report session progress or completion",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string               `path:"session_id"`
		Body      SessionStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Session `json:"body"`
	}, error) {
		req := input.Body
		s, err := e.ReportSession(ctx, input.SessionID, queue.SessionUpdate{
			Status:       req.Status,
			WorkerID:     req.WorkerID,
			Outcome:      req.Outcome,
			CostUSD:      req.CostUSD,
			InputTokens:  req.InputTokens,
			OutputTokens: req.OutputTokens,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Session `json:"body"`
		}{Body: s}, nil
	})
}
