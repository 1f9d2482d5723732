package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"matchflow/internal/domain"
)

// ManualTransition describes a guarded status change of a manual matching.
// The update applies only while the row is still in From.
type ManualTransition struct {
	From         domain.ManualStatus
	To           domain.ManualStatus
	At           time.Time
	ExecutedAt   *time.Time
	CancelledAt  *time.Time
	CancelReason *string
	Log          domain.ManualLog
	// Pair is written in the same transaction when set.
	Pair *domain.Pair
}

const manualColumns = `id,user_1,user_2,scheduled_at,executed_at,cancelled_at,match_type,priority,reason,notify_users,skip_validation,status,created_by,cancel_reason,created_at,updated_at`

func scanManual(row scanner) (domain.ManualMatching, error) {
	var m domain.ManualMatching
	var scheduled, created, updated, matchType, priority, status string
	var executed, cancelled, cancelReason sql.NullString
	if err := row.Scan(&m.ID, &m.Users[0], &m.Users[1], &scheduled, &executed, &cancelled, &matchType, &priority, &m.Reason,
		&m.NotifyUsers, &m.SkipValidation, &status, &m.CreatedBy, &cancelReason, &created, &updated); err != nil {
		return domain.ManualMatching{}, err
	}
	m.ScheduledAt = parseTS(scheduled)
	m.ExecutedAt = parseNullTS(executed)
	m.CancelledAt = parseNullTS(cancelled)
	m.MatchType = domain.MatchType(matchType)
	m.Priority = domain.Priority(priority)
	m.Status = domain.ManualStatus(status)
	m.CancelReason = nullString(cancelReason)
	m.CreatedAt = parseTS(created)
	m.UpdatedAt = parseTS(updated)
	return m, nil
}

func appendLog(ctx context.Context, tx *sql.Tx, id string, l domain.ManualLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO manual_matching_logs (matching_id,at,actor,action,details) VALUES (?,?,?,?,?)`,
		id, ts(l.Timestamp), l.Actor, l.Action, l.Details)
	return err
}

func (r *sqliteRepo) loadLogs(ctx context.Context, id string) ([]domain.ManualLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT at,actor,action,details FROM manual_matching_logs WHERE matching_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []domain.ManualLog{}
	for rows.Next() {
		var l domain.ManualLog
		var at string
		if err := rows.Scan(&at, &l.Actor, &l.Action, &l.Details); err != nil {
			return nil, err
		}
		l.Timestamp = parseTS(at)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CreateManual persists m together with its initial log entries.
func (r *sqliteRepo) CreateManual(ctx context.Context, m domain.ManualMatching) (domain.ManualMatching, error) {
	if m.ID == "" {
		m.ID = newID("mm")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ManualMatching{}, err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO manual_matchings (`+manualColumns+`)
VALUES (?,?,?,?,NULL,NULL,?,?,?,?,?,?,?,NULL,?,?)`,
		m.ID, m.Users[0], m.Users[1], ts(m.ScheduledAt), string(m.MatchType), string(m.Priority), m.Reason, m.NotifyUsers,
		m.SkipValidation, string(m.Status), m.CreatedBy, ts(m.CreatedAt), ts(m.CreatedAt))
	if err != nil {
		rollback(tx)
		return domain.ManualMatching{}, errors.Wrap(err, "insert manual matching")
	}
	for _, l := range m.Logs {
		if err := appendLog(ctx, tx, m.ID, l); err != nil {
			rollback(tx)
			return domain.ManualMatching{}, errors.Wrap(err, "insert manual log")
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ManualMatching{}, err
	}
	return r.GetManual(ctx, m.ID)
}

func (r *sqliteRepo) GetManual(ctx context.Context, id string) (domain.ManualMatching, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+manualColumns+` FROM manual_matchings WHERE id=?`, id)
	m, err := scanManual(row)
	if err == sql.ErrNoRows {
		return domain.ManualMatching{}, errors.Wrapf(domain.ErrNotFound, "manual matching %s", id)
	}
	if err != nil {
		return domain.ManualMatching{}, err
	}
	if m.Logs, err = r.loadLogs(ctx, id); err != nil {
		return domain.ManualMatching{}, err
	}
	return m, nil
}

func (r *sqliteRepo) queryManual(ctx context.Context, query string, args ...any) ([]domain.ManualMatching, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var items []domain.ManualMatching
	for rows.Next() {
		m, err := scanManual(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, m)
	}
	// close before loading logs: the pool holds a single connection
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].Logs, err = r.loadLogs(ctx, items[i].ID); err != nil {
			return nil, err
		}
	}
	if items == nil {
		items = []domain.ManualMatching{}
	}
	return items, nil
}

func (r *sqliteRepo) ListManual(ctx context.Context, f domain.ManualFilter) (domain.ManualPage, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.MatchType != "" {
		where = append(where, "match_type=?")
		args = append(args, string(f.MatchType))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	page := domain.ManualPage{Page: f.Page, Limit: f.Limit}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM manual_matchings`+clause, args...).Scan(&page.Total); err != nil {
		return domain.ManualPage{}, err
	}
	items, err := r.queryManual(ctx, `SELECT `+manualColumns+` FROM manual_matchings`+clause+
		` ORDER BY scheduled_at DESC, id LIMIT ? OFFSET ?`, append(args, f.Limit, (f.Page-1)*f.Limit)...)
	if err != nil {
		return domain.ManualPage{}, err
	}
	page.Items = items
	return page, nil
}

// TransitionManual applies t atomically. It returns ErrInvalidState when the
// row is no longer in t.From and ErrNotFound when it does not exist.
func (r *sqliteRepo) TransitionManual(ctx context.Context, id string, t ManualTransition) (m domain.ManualMatching, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ManualMatching{}, err
	}
	defer func() {
		if err != nil {
			rollback(tx)
		}
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE manual_matchings
SET status=?,
    executed_at=COALESCE(?, executed_at),
    cancelled_at=COALESCE(?, cancelled_at),
    cancel_reason=COALESCE(?, cancel_reason),
    updated_at=?
WHERE id=? AND status=?`, string(t.To), nullTS(t.ExecutedAt), nullTS(t.CancelledAt), t.CancelReason, ts(t.At), id, string(t.From))
	if err != nil {
		return domain.ManualMatching{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		scanErr := tx.QueryRowContext(ctx, `SELECT status FROM manual_matchings WHERE id=?`, id).Scan(&status)
		if scanErr == sql.ErrNoRows {
			err = errors.Wrapf(domain.ErrNotFound, "manual matching %s", id)
		} else if scanErr != nil {
			err = scanErr
		} else {
			err = errors.Wrapf(domain.ErrInvalidState, "manual matching %s is %s, expected %s", id, status, t.From)
		}
		return domain.ManualMatching{}, err
	}
	if err = appendLog(ctx, tx, id, t.Log); err != nil {
		return domain.ManualMatching{}, err
	}
	if t.Pair != nil {
		if err = insertPair(ctx, tx, *t.Pair); err != nil {
			return domain.ManualMatching{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return domain.ManualMatching{}, err
	}
	return r.GetManual(ctx, id)
}

// PendingManualForPair reports whether a scheduled or in-flight manual
// matching already exists for the two users, in either order.
func (r *sqliteRepo) PendingManualForPair(ctx context.Context, a, b string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM manual_matchings
WHERE status IN ('scheduled','processing') AND ((user_1=? AND user_2=?) OR (user_1=? AND user_2=?))`, a, b, b, a).Scan(&n)
	return n > 0, err
}

func (r *sqliteRepo) DueManual(ctx context.Context, now time.Time, limit int) ([]domain.ManualMatching, error) {
	return r.queryManual(ctx, `
SELECT `+manualColumns+` FROM manual_matchings
WHERE status='scheduled' AND scheduled_at <= ?
ORDER BY CASE priority WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END, scheduled_at
LIMIT ?`, ts(now), limit)
}

// RecoverStaleManual fails matchings left in processing by an executor that
// never finished, logging the reason on each.
func (r *sqliteRepo) RecoverStaleManual(ctx context.Context, updatedBefore time.Time, actor, reason string) (_ int, err error) {
	now := ts(time.Now())
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			rollback(tx)
		}
	}()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO manual_matching_logs (matching_id,at,actor,action,details)
SELECT id, ?, ?, 'failed', ? FROM manual_matchings
WHERE status='processing' AND updated_at < ?`, now, actor, reason, ts(updatedBefore)); err != nil {
		return 0, errors.Wrap(err, "log stale manual matchings")
	}
	res, err := tx.ExecContext(ctx, `
UPDATE manual_matchings
SET status='failed', executed_at=COALESCE(executed_at, ?), updated_at=?
WHERE status='processing' AND updated_at < ?`, now, now, ts(updatedBefore))
	if err != nil {
		return 0, errors.Wrap(err, "fail stale manual matchings")
	}
	affected, _ := res.RowsAffected()
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return int(affected), nil
}
