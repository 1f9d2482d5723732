// Package ledger is the read side of batch history: per-country runs,
// per-user details with aggregate stats, and currently running batches.
package ledger

import (
	"context"

	"github.com/pkg/errors"

	"matchflow/internal/domain"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

type Store interface {
	GetBatch(ctx context.Context, id string) (domain.BatchHistory, error)
	ListBatchesByCountry(ctx context.Context, country domain.Country, limit, offset int) ([]domain.BatchHistory, error)
	ListRunningBatches(ctx context.Context) ([]domain.BatchHistory, error)
	ListDetails(ctx context.Context, batchID string, limit, offset int) ([]domain.BatchDetail, error)
	DetailStats(ctx context.Context, batchID string) (domain.DetailStats, error)
}

type Ledger struct {
	store Store
}

func New(store Store) *Ledger { return &Ledger{store: store} }

// Window normalizes limit/offset query values. Zero limit means DefaultLimit.
func Window(limit, offset int) (int, int, error) {
	if limit < 0 {
		return 0, 0, domain.Invalid("limit", "must not be negative")
	}
	if offset < 0 {
		return 0, 0, domain.Invalid("offset", "must not be negative")
	}
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit, offset, nil
}

// ListByCountry returns the country's batches, newest first.
func (l *Ledger) ListByCountry(ctx context.Context, country domain.Country, limit, offset int) ([]domain.BatchHistory, error) {
	if !country.IsValid() {
		return nil, domain.Invalid("country", "unsupported country %q", country)
	}
	limit, offset, err := Window(limit, offset)
	if err != nil {
		return nil, err
	}
	batches, err := l.store.ListBatchesByCountry(ctx, country, limit, offset)
	if err != nil {
		return nil, errors.Wrapf(err, "list batches for %s", country)
	}
	if batches == nil {
		batches = []domain.BatchHistory{}
	}
	return batches, nil
}

// GetDetail returns one page of the batch's details. Stats always cover
// every detail of the batch, not just the page.
func (l *Ledger) GetDetail(ctx context.Context, batchID string, limit, offset int) (domain.BatchDetailPage, error) {
	limit, offset, err := Window(limit, offset)
	if err != nil {
		return domain.BatchDetailPage{}, err
	}
	b, err := l.store.GetBatch(ctx, batchID)
	if err != nil {
		return domain.BatchDetailPage{}, err
	}
	details, err := l.store.ListDetails(ctx, batchID, limit, offset)
	if err != nil {
		return domain.BatchDetailPage{}, errors.Wrapf(err, "list details for %s", batchID)
	}
	stats, err := l.store.DetailStats(ctx, batchID)
	if err != nil {
		return domain.BatchDetailPage{}, errors.Wrapf(err, "detail stats for %s", batchID)
	}
	if details == nil {
		details = []domain.BatchDetail{}
	}
	return domain.BatchDetailPage{Batch: b, Details: details, Stats: stats}, nil
}

func (l *Ledger) ListRunning(ctx context.Context) ([]domain.BatchHistory, error) {
	batches, err := l.store.ListRunningBatches(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list running batches")
	}
	if batches == nil {
		batches = []domain.BatchHistory{}
	}
	return batches, nil
}
