package repo

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

type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

func New(conn *sql.DB) Repo {
	return Repo{DB: conn, Events: events.Writer{DB: conn}, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

const issueColumns = `id,identifier,title,COALESCE(description,''),status,labels_json,parent_id,COALESCE(project,''),created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (domain.Issue, error) {
	var (
		is      domain.Issue
		labels  string
		parent  sql.NullString
		created string
	)
	err := row.Scan(&is.ID, &is.Identifier, &is.Title, &is.Description, &is.Status, &labels, &parent, &is.Project, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return is, ErrNotFound
	}
	if err != nil {
		return is, err
	}
	if err := json.Unmarshal([]byte(labels), &is.Labels); err != nil {
		return is, fmt.Errorf("issue %s labels: %w", is.ID, err)
	}
	if len(is.Labels) == 0 {
		is.Labels = nil
	}
	if parent.Valid && parent.String != "" {
		p := parent.String
		is.ParentID = &p
	}
	if is.CreatedAt, err = db.ParseTime(created); err != nil {
		return is, err
	}
	return is, nil
}

// UpsertIssue stores the latest tracker snapshot of an issue.
func (r Repo) UpsertIssue(ctx context.Context, is domain.Issue, actorID string) error {
	if strings.TrimSpace(is.ID) == "" {
		return errors.New("issue id required")
	}
	if is.Identifier == "" {
		is.Identifier = is.ID
	}
	if is.CreatedAt.IsZero() {
		is.CreatedAt = r.now()
	}
	labels := is.Labels
	if labels == nil {
		labels = []string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO issues(id,identifier,title,description,status,labels_json,parent_id,project,created_at,synced_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET identifier=excluded.identifier, title=excluded.title, description=excluded.description,
		status=excluded.status, labels_json=excluded.labels_json, parent_id=excluded.parent_id, project=excluded.project,
		synced_at=excluded.synced_at`,
		is.ID, is.Identifier, is.Title, nullable(is.Description), is.Status, string(labelsJSON), nullableStringPtr(is.ParentID),
		nullable(is.Project), db.FormatTime(is.CreatedAt), db.FormatTime(r.now())); err != nil {
		return fmt.Errorf("upsert issue %s: %w", is.ID, err)
	}
	if err := r.Events.Append(ctx, tx, events.AuditIssueSynced, is.Project, "issue", is.ID, actorID, events.EventPayload{
		"identifier": is.Identifier,
		"status":     is.Status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

// ListIssues returns the snapshots of one project, oldest first. An empty
// project lists every issue. Statuses in exclude are left out.
func (r Repo) ListIssues(ctx context.Context, project string, exclude []string) ([]domain.Issue, error) {
	clauses := []string{"1=1"}
	var args []any
	if project != "" {
		clauses = append(clauses, "project=?")
		args = append(args, project)
	}
	if len(exclude) > 0 {
		clauses = append(clauses, "status NOT IN ("+strings.TrimSuffix(strings.Repeat("?,", len(exclude)), ",")+")")
		for _, s := range exclude {
			args = append(args, s)
		}
	}
	query := `SELECT ` + issueColumns + ` FROM issues WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

// HasChildren reports whether any snapshot names id as its parent.
func (r Repo) HasChildren(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM issues WHERE parent_id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) DeleteIssue(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM issues WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EventFilter narrows audit log queries. Zero values match everything.
type EventFilter struct {
	Project    string
	Type       string
	EntityKind string
	EntityID   string
	// BeforeID keeps rows with smaller ids, for paging backwards.
	BeforeID int64
}

func (f EventFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.Project != "" {
		clauses = append(clauses, "project=?")
		args = append(args, f.Project)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.BeforeID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.BeforeID)
	}
	return clauses, args
}

// LatestEvents returns up to limit audit rows, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.clauses()
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
