package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/events"
)

// SQLiteQueue stores the queue in the workspace database. Claim deletes the
// winning row with DELETE ... RETURNING inside an immediate transaction, so
// SQLite's write lock decides the winner.
type SQLiteQueue struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

func NewSQLiteQueue(conn *sql.DB) *SQLiteQueue {
	return &SQLiteQueue{DB: conn, Events: events.Writer{DB: conn}, Now: time.Now}
}

func (q *SQLiteQueue) Close() error { return nil }

func (q *SQLiteQueue) now() time.Time {
	if q.Now == nil {
		return time.Now()
	}
	return q.Now()
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, w domain.QueuedWork) (bool, error) {
	if err := validateWork(w); err != nil {
		return false, err
	}
	now := q.now()
	if w.QueuedAt.IsZero() {
		w.QueuedAt = now
	}
	payload, err := json.Marshal(w)
	if err != nil {
		return false, err
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var claimed int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM claims WHERE session_id=?`, w.SessionID).Scan(&claimed); err != nil {
		return false, err
	}
	if claimed > 0 {
		return false, nil
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO work_queue(session_id,issue_id,issue_identifier,priority,queued_at_ms,work_type,project_name,payload_json)
		VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(session_id) DO NOTHING`,
		w.SessionID, w.IssueID, w.IssueIdentifier, w.Priority, w.QueuedAt.UnixMilli(), string(w.WorkType), nullable(w.ProjectName), string(payload))
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", w.SessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	ts := db.FormatTime(now)
	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions(session_id,issue_id,work_type,status,created_at,updated_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(session_id) DO NOTHING`,
		w.SessionID, w.IssueID, string(w.WorkType), string(domain.SessionPending), ts, ts); err != nil {
		return false, fmt.Errorf("record session %s: %w", w.SessionID, err)
	}
	if err := q.Events.Append(ctx, tx, events.AuditWorkEnqueued, w.ProjectName, "session", w.SessionID, "governor", events.EventPayload{
		"issue_id":   w.IssueID,
		"identifier": w.IssueIdentifier,
		"work_type":  w.WorkType,
		"priority":   w.Priority,
	}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (q *SQLiteQueue) Claim(ctx context.Context, workerID string, allowedProjects []string) (*domain.QueuedWork, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, ErrInvalidWorker
	}
	filter := ""
	var args []any
	if len(allowedProjects) > 0 {
		filter = `WHERE project_name IS NULL OR project_name IN (` + placeholders(len(allowedProjects)) + `)`
		for _, p := range allowedProjects {
			args = append(args, p)
		}
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var payload string
	err = tx.QueryRowContext(ctx, `DELETE FROM work_queue WHERE session_id = (
		SELECT session_id FROM work_queue `+filter+`
		ORDER BY priority, queued_at_ms, rowid LIMIT 1
	) RETURNING payload_json`, args...).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	var w domain.QueuedWork
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, fmt.Errorf("decode queued work: %w", err)
	}
	now := q.now()
	if _, err := tx.ExecContext(ctx, `INSERT INTO claims(session_id,worker_id,claimed_at_ms,payload_json) VALUES (?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET worker_id=excluded.worker_id, claimed_at_ms=excluded.claimed_at_ms`,
		w.SessionID, workerID, now.UnixMilli(), payload); err != nil {
		return nil, fmt.Errorf("record claim: %w", err)
	}
	ts := db.FormatTime(now)
	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions(session_id,issue_id,work_type,status,worker_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET status=excluded.status, worker_id=excluded.worker_id, updated_at=excluded.updated_at`,
		w.SessionID, w.IssueID, string(w.WorkType), string(domain.SessionClaimed), workerID, ts, ts); err != nil {
		return nil, fmt.Errorf("mark session claimed: %w", err)
	}
	if err := q.Events.Append(ctx, tx, events.AuditWorkClaimed, w.ProjectName, "session", w.SessionID, workerID, events.EventPayload{
		"issue_id":  w.IssueID,
		"work_type": w.WorkType,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &w, nil
}

func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM work_queue`).Scan(&n)
	return n, err
}

func (q *SQLiteQueue) Remove(ctx context.Context, sessionID string) (bool, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	removed, err := q.removeTx(ctx, tx, sessionID)
	if err != nil || !removed {
		return removed, err
	}
	return true, tx.Commit()
}

func (q *SQLiteQueue) removeTx(ctx context.Context, tx *sql.Tx, sessionID string) (bool, error) {
	var project sql.NullString
	err := tx.QueryRowContext(ctx, `DELETE FROM work_queue WHERE session_id=? RETURNING project_name`, sessionID).Scan(&project)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, updated_at=?, completed_at=COALESCE(completed_at, ?)
		WHERE session_id=? AND status IN ('pending','claimed','running')`,
		string(domain.SessionStopped), db.FormatTime(q.now()), db.FormatTime(q.now()), sessionID); err != nil {
		return false, err
	}
	if err := q.Events.Append(ctx, tx, events.AuditWorkRemoved, project.String, "session", sessionID, "operator", nil); err != nil {
		return false, err
	}
	return true, nil
}

func (q *SQLiteQueue) List(ctx context.Context) ([]domain.QueuedWork, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT payload_json FROM work_queue ORDER BY priority, queued_at_ms, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.QueuedWork
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var w domain.QueuedWork
		if err := json.Unmarshal([]byte(payload), &w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) RemoveMatching(ctx context.Context, partial string) ([]string, error) {
	if partial == "" {
		return nil, nil
	}
	rows, err := q.DB.QueryContext(ctx, `SELECT session_id FROM work_queue WHERE instr(session_id, ?) > 0 ORDER BY priority, queued_at_ms, rowid`, partial)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	var removed []string
	for _, id := range ids {
		ok, err := q.Remove(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (q *SQLiteQueue) RegisterWorker(ctx context.Context, w domain.Worker) error {
	if strings.TrimSpace(w.ID) == "" {
		return ErrInvalidWorker
	}
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = q.now()
	}
	projects, err := json.Marshal(nonNil(w.Projects))
	if err != nil {
		return err
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO workers(id,capacity,active_count,last_heartbeat,projects_json) VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET capacity=excluded.capacity, active_count=excluded.active_count,
		last_heartbeat=excluded.last_heartbeat, projects_json=excluded.projects_json`,
		w.ID, w.Capacity, w.ActiveCount, db.FormatTime(w.LastHeartbeat), string(projects)); err != nil {
		return err
	}
	if err := q.Events.Append(ctx, tx, events.AuditWorkerRegistered, "", "worker", w.ID, w.ID, events.EventPayload{
		"capacity": w.Capacity,
		"projects": w.Projects,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *SQLiteQueue) Heartbeat(ctx context.Context, workerID string, activeCount int) (domain.Worker, error) {
	res, err := q.DB.ExecContext(ctx, `UPDATE workers SET active_count=?, last_heartbeat=? WHERE id=?`,
		activeCount, db.FormatTime(q.now()), workerID)
	if err != nil {
		return domain.Worker{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Worker{}, ErrNotFound
	}
	return scanWorker(q.DB.QueryRowContext(ctx, `SELECT id,capacity,active_count,last_heartbeat,projects_json FROM workers WHERE id=?`, workerID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (domain.Worker, error) {
	var (
		w         domain.Worker
		heartbeat string
		projects  string
	)
	if err := row.Scan(&w.ID, &w.Capacity, &w.ActiveCount, &heartbeat, &projects); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, ErrNotFound
		}
		return w, err
	}
	t, err := db.ParseTime(heartbeat)
	if err != nil {
		return w, err
	}
	w.LastHeartbeat = t
	if err := json.Unmarshal([]byte(projects), &w.Projects); err != nil {
		return w, err
	}
	if len(w.Projects) == 0 {
		w.Projects = nil
	}
	return w, nil
}

func (q *SQLiteQueue) Workers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT id,capacity,active_count,last_heartbeat,projects_json FROM workers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

const sessionColumns = `session_id,issue_id,work_type,status,COALESCE(worker_id,''),COALESCE(outcome,''),created_at,updated_at,completed_at,cost_usd,input_tokens,output_tokens`

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		s                domain.Session
		workType, status string
		created, updated string
		completed        sql.NullString
	)
	if err := row.Scan(&s.SessionID, &s.IssueID, &workType, &status, &s.WorkerID, &s.Outcome, &created, &updated, &completed, &s.CostUSD, &s.InputTokens, &s.OutputTokens); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	s.WorkType = domain.WorkType(workType)
	s.Status = domain.SessionStatus(status)
	var err error
	if s.CreatedAt, err = db.ParseTime(created); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = db.ParseTime(updated); err != nil {
		return s, err
	}
	if s.CompletedAt, err = db.ScanNullTime(completed); err != nil {
		return s, err
	}
	return s, nil
}

func (q *SQLiteQueue) PutSession(ctx context.Context, s domain.Session) error {
	if s.SessionID == "" {
		return ErrInvalidWork
	}
	now := q.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = now
	}
	_, err := q.DB.ExecContext(ctx, `INSERT INTO sessions(session_id,issue_id,work_type,status,worker_id,outcome,created_at,updated_at,completed_at,cost_usd,input_tokens,output_tokens)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET issue_id=excluded.issue_id, work_type=excluded.work_type, status=excluded.status,
		worker_id=excluded.worker_id, outcome=excluded.outcome, updated_at=excluded.updated_at, completed_at=excluded.completed_at,
		cost_usd=excluded.cost_usd, input_tokens=excluded.input_tokens, output_tokens=excluded.output_tokens`,
		s.SessionID, s.IssueID, string(s.WorkType), string(s.Status), nullable(s.WorkerID), nullable(s.Outcome),
		db.FormatTime(s.CreatedAt), db.FormatTime(s.UpdatedAt), db.NullTime(s.CompletedAt), s.CostUSD, s.InputTokens, s.OutputTokens)
	return err
}

func (q *SQLiteQueue) UpdateSession(ctx context.Context, sessionID string, u SessionUpdate) (domain.Session, error) {
	if err := validateUpdate(u); err != nil {
		return domain.Session{}, err
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	s, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id=?`, sessionID))
	if err != nil {
		return s, err
	}
	applyUpdate(&s, u, q.now())
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?, worker_id=?, outcome=?, updated_at=?, completed_at=?, cost_usd=?, input_tokens=?, output_tokens=? WHERE session_id=?`,
		string(s.Status), nullable(s.WorkerID), nullable(s.Outcome), db.FormatTime(s.UpdatedAt), db.NullTime(s.CompletedAt),
		s.CostUSD, s.InputTokens, s.OutputTokens, sessionID); err != nil {
		return s, err
	}
	if !s.Status.IsActive() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE session_id=?`, sessionID); err != nil {
			return s, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_queue WHERE session_id=?`, sessionID); err != nil {
			return s, err
		}
	}
	if err := q.Events.Append(ctx, tx, events.AuditSessionUpdated, "", "session", sessionID, actorOr(s.WorkerID, "worker"), events.EventPayload{
		"status":  s.Status,
		"outcome": s.Outcome,
	}); err != nil {
		return s, err
	}
	return s, tx.Commit()
}

func (q *SQLiteQueue) Session(ctx context.Context, sessionID string) (domain.Session, error) {
	return scanSession(q.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id=?`, sessionID))
}

func (q *SQLiteQueue) Sessions(ctx context.Context, issueID string) ([]domain.Session, error) {
	return q.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE issue_id=? ORDER BY created_at DESC`, issueID)
}

func (q *SQLiteQueue) ActiveSessions(ctx context.Context, issueID string) ([]domain.Session, error) {
	return q.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE issue_id=? AND status IN ('pending','claimed','running') ORDER BY created_at DESC`, issueID)
}

func (q *SQLiteQueue) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := q.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT c.session_id, c.payload_json FROM claims c
		JOIN sessions s ON s.session_id = c.session_id
		WHERE c.claimed_at_ms < ? AND s.status = 'claimed' ORDER BY c.session_id`, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	type stale struct{ id, payload string }
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.payload); err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, s)
	}
	rows.Close()
	ts := db.FormatTime(q.now())
	var released []string
	for _, s := range found {
		var w domain.QueuedWork
		if err := json.Unmarshal([]byte(s.payload), &w); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO work_queue(session_id,issue_id,issue_identifier,priority,queued_at_ms,work_type,project_name,payload_json)
			VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(session_id) DO NOTHING`,
			w.SessionID, w.IssueID, w.IssueIdentifier, w.Priority, w.QueuedAt.UnixMilli(), string(w.WorkType), nullable(w.ProjectName), s.payload); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE session_id=?`, s.id); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status='pending', worker_id=NULL, updated_at=? WHERE session_id=?`, ts, s.id); err != nil {
			return nil, err
		}
		released = append(released, s.id)
	}
	return released, tx.Commit()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func actorOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
