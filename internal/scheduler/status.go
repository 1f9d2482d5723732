package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"matchflow/internal/domain"
	"matchflow/internal/registry"
)

type ConfigReader interface {
	Get(ctx context.Context, country domain.Country) (domain.Config, error)
}

type BatchHistory interface {
	LatestBatch(ctx context.Context, country domain.Country) (*domain.BatchHistory, error)
}

// StatusTracker derives JobStatus from the registry, the live cron entries
// and the most recent batch. Nothing it returns is stored.
type StatusTracker struct {
	configs ConfigReader
	batches BatchHistory
	service *Service
	now     func() time.Time
}

func NewStatusTracker(configs ConfigReader, batches BatchHistory, service *Service) *StatusTracker {
	return &StatusTracker{configs: configs, batches: batches, service: service, now: time.Now}
}

func (t *StatusTracker) Status(ctx context.Context, country domain.Country) (domain.JobStatus, error) {
	st := domain.JobStatus{Country: country}
	cfg, err := t.configs.Get(ctx, country)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return domain.JobStatus{}, err
	}

	latest, err := t.batches.LatestBatch(ctx, country)
	if err != nil {
		return domain.JobStatus{}, errors.Wrapf(err, "latest batch for %s", country)
	}
	if latest != nil {
		started := latest.StartedAt
		st.LastExecution = &started
	}

	if !cfg.IsEnabled {
		return st, nil
	}
	if e, ok := t.service.entry(country); ok {
		st.IsRegistered = true
		if !e.Next.IsZero() {
			next := e.Next
			st.NextExecution = &next
			return st, nil
		}
	}
	if next, err := registry.NextRunTime(cfg.CronExpression, cfg.Timezone, t.now()); err == nil {
		st.NextExecution = &next
	}
	return st, nil
}

// Statuses reports every supported country, configured or not.
func (t *StatusTracker) Statuses(ctx context.Context) ([]domain.JobStatus, error) {
	out := make([]domain.JobStatus, 0, len(domain.Countries))
	for _, c := range domain.Countries {
		st, err := t.Status(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
