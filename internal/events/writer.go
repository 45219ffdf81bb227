package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types written to the events table.
const (
	AuditWorkEnqueued     = "work.enqueued"
	AuditWorkClaimed      = "work.claimed"
	AuditWorkRemoved      = "work.removed"
	AuditSessionUpdated   = "session.updated"
	AuditWorkerRegistered = "worker.registered"
	AuditDirectiveApplied = "directive.applied"
	AuditOverrideCleared  = "override.cleared"
	AuditCycleRecorded    = "cycle.recorded"
	AuditTouchpointPosted = "touchpoint.posted"
	AuditTouchpointClosed = "touchpoint.resolved"
	AuditIssueSynced      = "issue.synced"
	AuditGovernorDispatch = "governor.dispatched"
	AuditAPIKeyCreated    = "apikey.created"
	AuditAPIKeyRevoked    = "apikey.revoked"
	AuditWebhookReceived  = "webhook.received"
	AuditEventDropped     = "event.dropped"
	AuditScanCompleted    = "scan.completed"
)

// Writer appends audit rows inside the caller's transaction so the audit
// trail commits or rolls back with the change it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, project, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(project), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendNow writes a single audit row in its own transaction.
func (w Writer) AppendNow(ctx context.Context, evtType, project, entityKind, entityID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, project, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
