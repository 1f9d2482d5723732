package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"matchflow/internal/domain"
)

const batchColumns = `id,config_id,country,status,started_at,completed_at,total_users,processed_users,success_count,failure_count,error_message,metadata`

func scanBatch(row scanner) (domain.BatchHistory, error) {
	var b domain.BatchHistory
	var country, status, started, meta string
	var completed, errMsg sql.NullString
	if err := row.Scan(&b.ID, &b.ConfigID, &country, &status, &started, &completed, &b.TotalUsers, &b.ProcessedUsers,
		&b.SuccessCount, &b.FailureCount, &errMsg, &meta); err != nil {
		return domain.BatchHistory{}, err
	}
	b.Country = domain.Country(country)
	b.Status = domain.BatchStatus(status)
	b.StartedAt = parseTS(started)
	b.CompletedAt = parseNullTS(completed)
	b.ErrorMessage = nullString(errMsg)
	if err := json.Unmarshal([]byte(meta), &b.Metadata); err != nil {
		return domain.BatchHistory{}, errors.Wrapf(err, "batch %s metadata", b.ID)
	}
	return b, nil
}

func (r *sqliteRepo) queryBatches(ctx context.Context, query string, args ...any) ([]domain.BatchHistory, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := []domain.BatchHistory{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// CreateBatch inserts b unless the country already has a running batch.
// Terminal batches (a run that failed before it could start) skip the guard.
func (r *sqliteRepo) CreateBatch(ctx context.Context, b domain.BatchHistory) (domain.BatchHistory, error) {
	if b.ID == "" {
		b.ID = newID("bat")
	}
	meta, err := json.Marshal(b.Metadata)
	if err != nil {
		return domain.BatchHistory{}, err
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO batch_history (id,config_id,country,status,started_at,completed_at,total_users,processed_users,success_count,failure_count,error_message,metadata,updated_at)
SELECT ?,?,?,?,?,?,?,0,0,0,?,?,?
WHERE ? <> 'running' OR NOT EXISTS (SELECT 1 FROM batch_history WHERE country=? AND status='running')
`, b.ID, b.ConfigID, string(b.Country), string(b.Status), ts(b.StartedAt), nullTS(b.CompletedAt), b.TotalUsers, b.ErrorMessage,
		string(meta), ts(b.StartedAt), string(b.Status), string(b.Country))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.BatchHistory{}, domain.ErrAlreadyRunning
		}
		return domain.BatchHistory{}, errors.Wrap(err, "create batch")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.BatchHistory{}, domain.ErrAlreadyRunning
	}
	return r.GetBatch(ctx, b.ID)
}

// isUniqueViolation reports whether err came from idx_batch_one_running,
// which backs up the conditional insert when two writers race.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r *sqliteRepo) HasRunningBatch(ctx context.Context, country domain.Country) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_history WHERE country=? AND status='running'`, string(country)).Scan(&n)
	return n > 0, err
}

func (r *sqliteRepo) GetBatch(ctx context.Context, id string) (domain.BatchHistory, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_history WHERE id=?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return domain.BatchHistory{}, errors.Wrapf(domain.ErrNotFound, "batch %s", id)
	}
	return b, err
}

// RecordOutcome writes one user's detail row, the optional pair and the
// batch counters in a single transaction. Nothing is written when the batch
// is no longer running.
func (r *sqliteRepo) RecordOutcome(ctx context.Context, d domain.BatchDetail, pair *domain.Pair) (err error) {
	if d.ID == "" {
		d.ID = newID("bdt")
	}
	pool, err := json.Marshal(d.CandidatePool)
	if err != nil {
		return err
	}
	success, failure := 0, 1
	if d.Status == domain.DetailSuccess {
		success, failure = 1, 0
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			rollback(tx)
		}
	}()

	res, err := tx.ExecContext(ctx, `
UPDATE batch_history
SET processed_users = processed_users + 1,
    success_count = success_count + ?,
    failure_count = failure_count + ?,
    updated_at = ?
WHERE id=? AND status='running' AND processed_users < total_users`, success, failure, ts(d.CreatedAt), d.BatchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = domain.ErrBatchNotRunning
		return err
	}

	if _, err = tx.ExecContext(ctx, `
INSERT INTO batch_details (id,batch_id,user_id,partner_id,status,candidate_pool,selected_score,match_story,processing_time_ms,error_message,attempts,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, d.ID, d.BatchID, d.UserID, d.PartnerID, string(d.Status), string(pool), d.SelectedScore,
		d.MatchStory, d.ProcessingTimeMs, d.ErrorMessage, d.Attempts, ts(d.CreatedAt)); err != nil {
		return err
	}

	if pair != nil {
		if err = insertPair(ctx, tx, *pair); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FinishBatch moves a running batch to a terminal status. Terminal rows are
// never rewritten: ErrBatchNotRunning is returned instead.
func (r *sqliteRepo) FinishBatch(ctx context.Context, id string, status domain.BatchStatus, errMsg *string, at time.Time) (domain.BatchHistory, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE batch_history SET status=?, completed_at=?, error_message=COALESCE(?, error_message), updated_at=?
WHERE id=? AND status='running'`, string(status), ts(at), errMsg, ts(at), id)
	if err != nil {
		return domain.BatchHistory{}, errors.Wrap(err, "finish batch")
	}
	b, getErr := r.GetBatch(ctx, id)
	if getErr != nil {
		return domain.BatchHistory{}, getErr
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return b, errors.Wrapf(domain.ErrBatchNotRunning, "batch %s is %s", id, b.Status)
	}
	return b, nil
}

func (r *sqliteRepo) ListBatchesByCountry(ctx context.Context, country domain.Country, limit, offset int) ([]domain.BatchHistory, error) {
	return r.queryBatches(ctx, `SELECT `+batchColumns+` FROM batch_history WHERE country=? ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		string(country), limit, offset)
}

func (r *sqliteRepo) ListRunningBatches(ctx context.Context) ([]domain.BatchHistory, error) {
	return r.queryBatches(ctx, `SELECT `+batchColumns+` FROM batch_history WHERE status='running' ORDER BY started_at DESC`)
}

func (r *sqliteRepo) LatestBatch(ctx context.Context, country domain.Country) (*domain.BatchHistory, error) {
	batches, err := r.ListBatchesByCountry(ctx, country, 1, 0)
	if err != nil || len(batches) == 0 {
		return nil, err
	}
	return &batches[0], nil
}

func (r *sqliteRepo) ListDetails(ctx context.Context, batchID string, limit, offset int) ([]domain.BatchDetail, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,batch_id,user_id,partner_id,status,candidate_pool,selected_score,match_story,processing_time_ms,error_message,attempts,created_at
FROM batch_details WHERE batch_id=? ORDER BY created_at, id LIMIT ? OFFSET ?`, batchID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	details := []domain.BatchDetail{}
	for rows.Next() {
		var d domain.BatchDetail
		var status, pool, created string
		var partner, story, errMsg sql.NullString
		var score sql.NullFloat64
		var ms sql.NullInt64
		if err := rows.Scan(&d.ID, &d.BatchID, &d.UserID, &partner, &status, &pool, &score, &story, &ms, &errMsg, &d.Attempts, &created); err != nil {
			return nil, err
		}
		d.Status = domain.DetailStatus(status)
		d.PartnerID = nullString(partner)
		d.SelectedScore = nullFloat(score)
		d.MatchStory = nullString(story)
		d.ErrorMessage = nullString(errMsg)
		if ms.Valid {
			v := ms.Int64
			d.ProcessingTimeMs = &v
		}
		d.CreatedAt = parseTS(created)
		if err := json.Unmarshal([]byte(pool), &d.CandidatePool); err != nil {
			return nil, errors.Wrapf(err, "detail %s candidate pool", d.ID)
		}
		details = append(details, d)
	}
	return details, rows.Err()
}

func (r *sqliteRepo) DetailStats(ctx context.Context, batchID string) (domain.DetailStats, error) {
	var s domain.DetailStats
	var avg sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN status='success' THEN 1 ELSE 0 END), 0),
       AVG(processing_time_ms)
FROM batch_details WHERE batch_id=?`, batchID).Scan(&s.TotalDetails, &s.SuccessCount, &avg)
	if avg.Valid {
		s.AverageProcessingTimeMs = avg.Float64
	}
	return s, err
}

// RecoverStaleBatches fails running batches whose owner stopped heartbeating.
func (r *sqliteRepo) RecoverStaleBatches(ctx context.Context, heartbeatBefore time.Time, reason string) (int, error) {
	now := ts(time.Now())
	res, err := r.db.ExecContext(ctx, `
UPDATE batch_history
SET status='failed', completed_at=?, error_message=?, updated_at=?
WHERE status='running' AND updated_at < ?`, now, reason, now, ts(heartbeatBefore))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
