package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dispatchline/internal/db"
	"dispatchline/internal/escalation"
	"dispatchline/internal/events"
)

// EscalationStorage persists overrides, cycle counts and touchpoints in the
// workspace database. Every write leaves an audit row.
type EscalationStorage struct {
	Repo
}

var _ escalation.Storage = EscalationStorage{}

func (r Repo) Escalation() EscalationStorage {
	return EscalationStorage{Repo: r}
}

func (s EscalationStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s EscalationStorage) GetOverride(ctx context.Context, issueID string) (*escalation.OverrideState, error) {
	var (
		text    string
		active  int
		actor   sql.NullString
		setAt   string
		expires sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `SELECT directive,is_active,actor,set_at,expires_at FROM overrides WHERE issue_id=?`, issueID).
		Scan(&text, &active, &actor, &setAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d, ok := escalation.ParseDirective(text)
	if !ok {
		return nil, fmt.Errorf("override %s: unreadable directive %q", issueID, text)
	}
	o := &escalation.OverrideState{
		IssueID:   issueID,
		Directive: d,
		IsActive:  active == 1,
		Actor:     actor.String,
	}
	if o.SetAt, err = db.ParseTime(setAt); err != nil {
		return nil, err
	}
	if o.ExpiresAt, err = db.ScanNullTime(expires); err != nil {
		return nil, err
	}
	return o, nil
}

func (s EscalationStorage) PutOverride(ctx context.Context, o escalation.OverrideState) error {
	if o.Directive == nil {
		return errors.New("override directive required")
	}
	active := 0
	if o.IsActive {
		active = 1
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO overrides(issue_id,directive,is_active,actor,set_at,expires_at) VALUES (?,?,?,?,?,?)
			ON CONFLICT(issue_id) DO UPDATE SET directive=excluded.directive, is_active=excluded.is_active, actor=excluded.actor,
			set_at=excluded.set_at, expires_at=excluded.expires_at`,
			o.IssueID, o.Directive.String(), active, nullable(o.Actor), db.FormatTime(o.SetAt), db.NullTime(o.ExpiresAt)); err != nil {
			return fmt.Errorf("put override %s: %w", o.IssueID, err)
		}
		payload := events.EventPayload{"directive": o.Directive.String()}
		if o.ExpiresAt != nil {
			payload["expires_at"] = db.FormatTime(*o.ExpiresAt)
		}
		return s.Events.Append(ctx, tx, events.AuditDirectiveApplied, "", "issue", o.IssueID, actorOr(o.Actor, "human"), payload)
	})
}

func (s EscalationStorage) DeleteOverride(ctx context.Context, issueID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM overrides WHERE issue_id=?`, issueID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return s.Events.Append(ctx, tx, events.AuditOverrideCleared, "", "issue", issueID, "governor", nil)
	})
}

func (s EscalationStorage) GetCycle(ctx context.Context, issueID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT cycle_count FROM escalation_cycles WHERE issue_id=?`, issueID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s EscalationStorage) SetCycle(ctx context.Context, issueID string, n int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if n <= 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM escalation_cycles WHERE issue_id=?`, issueID); err != nil {
				return err
			}
		} else if _, err := tx.ExecContext(ctx, `INSERT INTO escalation_cycles(issue_id,cycle_count,updated_at) VALUES (?,?,?)
			ON CONFLICT(issue_id) DO UPDATE SET cycle_count=excluded.cycle_count, updated_at=excluded.updated_at`,
			issueID, n, db.FormatTime(s.now())); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.AuditCycleRecorded, "", "issue", issueID, "governor", events.EventPayload{"cycle": n})
	})
}

func (s EscalationStorage) PutTouchpoint(ctx context.Context, t escalation.Touchpoint) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO touchpoints(id,type,issue_id,body,cycle,posted_at,timeout_ms,responded_at,resolution)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			t.ID, string(t.Type), t.IssueID, t.Body, t.Cycle, db.FormatTime(t.PostedAt), t.TimeoutMs(),
			db.NullTime(t.RespondedAt), nullable(t.Resolution)); err != nil {
			return fmt.Errorf("put touchpoint %s: %w", t.ID, err)
		}
		return s.Events.Append(ctx, tx, events.AuditTouchpointPosted, "", "touchpoint", t.ID, "governor", events.EventPayload{
			"issue_id":   t.IssueID,
			"type":       t.Type,
			"cycle":      t.Cycle,
			"timeout_ms": t.TimeoutMs(),
		})
	})
}

func (s EscalationStorage) ListTouchpoints(ctx context.Context, f escalation.TouchpointFilter) ([]escalation.Touchpoint, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.IssueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, f.IssueID)
	}
	if f.PendingOnly {
		clauses = append(clauses, "responded_at IS NULL")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id,type,issue_id,body,cycle,posted_at,timeout_ms,responded_at,COALESCE(resolution,'')
		FROM touchpoints WHERE `+strings.Join(clauses, " AND ")+` ORDER BY posted_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []escalation.Touchpoint
	for rows.Next() {
		var (
			t         escalation.Touchpoint
			tpType    string
			posted    string
			timeoutMs int64
			responded sql.NullString
		)
		if err := rows.Scan(&t.ID, &tpType, &t.IssueID, &t.Body, &t.Cycle, &posted, &timeoutMs, &responded, &t.Resolution); err != nil {
			return nil, err
		}
		t.Type = escalation.TouchpointType(tpType)
		if t.PostedAt, err = db.ParseTime(posted); err != nil {
			return nil, err
		}
		if timeoutMs < 0 {
			t.Timeout = escalation.NoTimeout
		} else {
			t.Timeout = time.Duration(timeoutMs) * time.Millisecond
		}
		if t.RespondedAt, err = db.ScanNullTime(responded); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (s EscalationStorage) ResolveTouchpoint(ctx context.Context, id string, at time.Time, resolution string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE touchpoints SET responded_at=?, resolution=? WHERE id=? AND responded_at IS NULL`,
			db.FormatTime(at), nullable(resolution), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Already answered is fine; unknown is not.
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM touchpoints WHERE id=?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrNotFound
			}
			return nil
		}
		return s.Events.Append(ctx, tx, events.AuditTouchpointClosed, "", "touchpoint", id, "governor", events.EventPayload{
			"resolution": resolution,
		})
	})
}

func actorOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
