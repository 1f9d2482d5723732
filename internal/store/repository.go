package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"matchflow/internal/domain"
)

const tsLayout = domain.TimestampLayout

type Repository interface {
	// Schedule configs
	GetConfig(ctx context.Context, country domain.Country) (domain.Config, error)
	ListConfigs(ctx context.Context) ([]domain.Config, error)
	SaveConfig(ctx context.Context, c domain.Config) (domain.Config, error)

	// Batch runs
	CreateBatch(ctx context.Context, b domain.BatchHistory) (domain.BatchHistory, error)
	HasRunningBatch(ctx context.Context, country domain.Country) (bool, error)
	GetBatch(ctx context.Context, id string) (domain.BatchHistory, error)
	RecordOutcome(ctx context.Context, d domain.BatchDetail, pair *domain.Pair) error
	FinishBatch(ctx context.Context, id string, status domain.BatchStatus, errMsg *string, at time.Time) (domain.BatchHistory, error)
	ListBatchesByCountry(ctx context.Context, country domain.Country, limit, offset int) ([]domain.BatchHistory, error)
	ListRunningBatches(ctx context.Context) ([]domain.BatchHistory, error)
	LatestBatch(ctx context.Context, country domain.Country) (*domain.BatchHistory, error)
	ListDetails(ctx context.Context, batchID string, limit, offset int) ([]domain.BatchDetail, error)
	DetailStats(ctx context.Context, batchID string) (domain.DetailStats, error)
	RecoverStaleBatches(ctx context.Context, heartbeatBefore time.Time, reason string) (int, error)

	// Pair history
	InsertPair(ctx context.Context, p domain.Pair) (domain.Pair, error)
	PairMatchedSince(ctx context.Context, a, b string, since time.Time) (bool, error)
	UserMatchCountSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Manual matchings
	CreateManual(ctx context.Context, m domain.ManualMatching) (domain.ManualMatching, error)
	GetManual(ctx context.Context, id string) (domain.ManualMatching, error)
	ListManual(ctx context.Context, f domain.ManualFilter) (domain.ManualPage, error)
	TransitionManual(ctx context.Context, id string, t ManualTransition) (domain.ManualMatching, error)
	PendingManualForPair(ctx context.Context, a, b string) (bool, error)
	DueManual(ctx context.Context, now time.Time, limit int) ([]domain.ManualMatching, error)
	RecoverStaleManual(ctx context.Context, updatedBefore time.Time, actor, reason string) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func newID(prefix string) string { return prefix + "_" + uuid.NewString() }

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		// rows written by other tools may carry a different precision
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTS(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTS(s.String)
	return &t
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func rollback(tx *sql.Tx) { _ = tx.Rollback() }
