package server

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"dispatchline/internal/events"
	"dispatchline/internal/notify"
	"dispatchline/internal/repo"
)

// SignatureHeader carries the HMAC-SHA256 of the raw webhook body, in the
// same form outbound notifications use.
const SignatureHeader = notify.HeaderSignature

const (
	trackerActor   = "tracker"
	maxWebhookBody = 1 << 20
)

// SignPayload returns the SignatureHeader value for body.
func SignPayload(secret string, body []byte) string {
	return notify.Sign(secret, body)
}

func validSignature(secret, header string, body []byte) bool {
	if secret == "" || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(SignPayload(secret, body)), []byte(strings.TrimSpace(header)))
}

type webhookAck struct {
	Accepted bool   `json:"accepted"`
	Type     string `json:"type"`
	IssueID  string `json:"issue_id"`
}

// registerTrackerWebhook accepts GovernorEvent envelopes from the issue
// tracker. Snapshots are stored; the event goes to the bus when there is one.
// Without a bus, directives in comments are applied here.
func registerTrackerWebhook(r chi.Router, basePath string, cfg Config) {
	e := cfg.Engine
	r.Post(path.Join(basePath, "webhooks/tracker"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", err.Error(), nil))
			return
		}
		if !validSignature(cfg.WebhookSecret, req.Header.Get(SignatureHeader), body) {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "missing or invalid webhook signature", nil))
			return
		}
		ev, err := events.Unmarshal(body)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "malformed_event", err.Error(), nil))
			return
		}
		issueID := ev.Meta().IssueID
		if err := storeSnapshot(ctx, e.Repo, ev); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		if e.DB != nil {
			if err := e.Events.AppendNow(ctx, events.AuditWebhookReceived, "", "issue", issueID, trackerActor, events.EventPayload{
				"type":   string(ev.Kind()),
				"source": string(ev.Meta().Source),
			}); err != nil {
				cfg.logger().Warn("audit webhook", "issue", issueID, "err", err)
			}
		}

		if x, ok := ev.(events.CommentAdded); ok && e.Bus == nil && e.Escalation != nil {
			if _, _, err := e.Escalation.HandleComment(ctx, x.IssueID, x.Body, x.Author); err != nil {
				respondStatusError(w, handleError(err))
				return
			}
		}
		if e.Bus != nil {
			if err := e.Bus.Publish(ctx, ev); err != nil {
				if errors.Is(err, events.ErrMalformedEvent) {
					respondStatusError(w, handleError(err))
					return
				}
				respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "", "event bus unavailable", map[string]any{"error": err.Error()}))
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(webhookAck{Accepted: true, Type: string(ev.Kind()), IssueID: issueID})
	})
}

// storeSnapshot keeps the stored issue in step with the event: a carried
// snapshot replaces it, and a bare status change updates its status. A bare
// status change for an issue never synced is not an error.
func storeSnapshot(ctx context.Context, r repo.Repo, ev events.GovernorEvent) error {
	if is, ok := events.Snapshot(ev); ok {
		return r.UpsertIssue(ctx, events.ApplyStatus(ev, is), trackerActor)
	}
	if _, ok := ev.(events.StatusChanged); !ok {
		return nil
	}
	stored, err := r.GetIssue(ctx, ev.Meta().IssueID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	updated := events.ApplyStatus(ev, stored)
	if updated.Status == stored.Status {
		return nil
	}
	return r.UpsertIssue(ctx, updated, trackerActor)
}
