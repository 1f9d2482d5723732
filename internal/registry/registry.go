// Package registry owns the per-country matching schedule configs.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"matchflow/internal/domain"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 50
	MaxDelayMs   = 10000
	MaxRetries   = 5
)

type Store interface {
	GetConfig(ctx context.Context, country domain.Country) (domain.Config, error)
	ListConfigs(ctx context.Context) ([]domain.Config, error)
	SaveConfig(ctx context.Context, c domain.Config) (domain.Config, error)
}

// Listener is notified after a config change has been persisted. Listeners
// are called one at a time in write order and must not call back into the
// Registry.
type Listener func(domain.Config)

type Registry struct {
	store     Store
	mu        sync.Mutex
	listeners []Listener
	now       func() time.Time
}

func New(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Defaults is the config a country starts from: disabled, daily at 09:00 local.
func Defaults(country domain.Country) domain.Config {
	return domain.Config{
		Country:             country,
		CronExpression:      "0 9 * * *",
		Timezone:            country.DefaultTimezone(),
		IsEnabled:           false,
		BatchSize:           10,
		DelayBetweenUsersMs: 1000,
		MaxRetryCount:       3,
		LoginWindowDays:     7,
	}
}

func (r *Registry) Get(ctx context.Context, country domain.Country) (domain.Config, error) {
	if !country.IsValid() {
		return domain.Config{}, domain.Invalid("country", "unsupported country %q", country)
	}
	return r.store.GetConfig(ctx, country)
}

func (r *Registry) List(ctx context.Context) ([]domain.Config, error) {
	configs, err := r.store.ListConfigs(ctx)
	if configs == nil && err == nil {
		configs = []domain.Config{}
	}
	return configs, err
}

// Upsert applies patch to the country's config, creating it from Defaults
// when the country has none yet.
func (r *Registry) Upsert(ctx context.Context, country domain.Country, patch domain.ConfigPatch, actor string) (domain.Config, error) {
	return r.save(ctx, country, patch, actor, true)
}

// Update applies patch to an existing config; unknown countries yield ErrNotFound.
func (r *Registry) Update(ctx context.Context, country domain.Country, patch domain.ConfigPatch, actor string) (domain.Config, error) {
	return r.save(ctx, country, patch, actor, false)
}

// Seed creates configs that do not exist yet and leaves existing ones alone.
func (r *Registry) Seed(ctx context.Context, configs []domain.Config, actor string) error {
	for _, c := range configs {
		if _, err := r.Get(ctx, c.Country); err == nil {
			continue
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		patch := domain.ConfigPatch{
			CronExpression:      &c.CronExpression,
			Timezone:            &c.Timezone,
			IsEnabled:           &c.IsEnabled,
			BatchSize:           &c.BatchSize,
			DelayBetweenUsersMs: &c.DelayBetweenUsersMs,
			MaxRetryCount:       &c.MaxRetryCount,
			LoginWindowDays:     &c.LoginWindowDays,
			IncludeUnknownRank:  &c.IncludeUnknownRank,
			Description:         &c.Description,
		}
		if _, err := r.Upsert(ctx, c.Country, patch, actor); err != nil {
			return errors.Wrapf(err, "seed %s", c.Country)
		}
	}
	return nil
}

func (r *Registry) save(ctx context.Context, country domain.Country, patch domain.ConfigPatch, actor string, create bool) (domain.Config, error) {
	if !country.IsValid() {
		return domain.Config{}, domain.Invalid("country", "unsupported country %q", country)
	}

	// listeners run under the lock so they see changes in write order
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.store.GetConfig(ctx, country)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound) && create:
		cfg = Defaults(country)
		cfg.CreatedAt = r.now()
	default:
		return domain.Config{}, err
	}

	apply(&cfg, patch)
	if err := Validate(cfg); err != nil {
		return domain.Config{}, err
	}
	cfg.LastModifiedBy = actor
	cfg.UpdatedAt = r.now()

	saved, err := r.store.SaveConfig(ctx, cfg)
	if err != nil {
		return domain.Config{}, err
	}

	log.Info().
		Str("country", string(country)).
		Str("cron", saved.CronExpression).
		Str("timezone", saved.Timezone).
		Bool("enabled", saved.IsEnabled).
		Str("by", actor).
		Msg("matching config saved")

	for _, l := range r.listeners {
		l(saved)
	}
	return saved, nil
}

func apply(c *domain.Config, p domain.ConfigPatch) {
	if p.CronExpression != nil {
		c.CronExpression = strings.TrimSpace(*p.CronExpression)
	}
	if p.Timezone != nil {
		c.Timezone = strings.TrimSpace(*p.Timezone)
	}
	if p.IsEnabled != nil {
		c.IsEnabled = *p.IsEnabled
	}
	if p.BatchSize != nil {
		c.BatchSize = *p.BatchSize
	}
	if p.DelayBetweenUsersMs != nil {
		c.DelayBetweenUsersMs = *p.DelayBetweenUsersMs
	}
	if p.MaxRetryCount != nil {
		c.MaxRetryCount = *p.MaxRetryCount
	}
	if p.LoginWindowDays != nil {
		c.LoginWindowDays = *p.LoginWindowDays
	}
	if p.IncludeUnknownRank != nil {
		c.IncludeUnknownRank = *p.IncludeUnknownRank
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
}

// Validate checks every range and format rule of a config.
func Validate(c domain.Config) error {
	if !c.Country.IsValid() {
		return domain.Invalid("country", "unsupported country %q", c.Country)
	}
	if len(strings.Fields(c.CronExpression)) != 5 {
		return domain.Invalid("cronExpression", "expected 5 fields, got %q", c.CronExpression)
	}
	if err := ValidateCronExpression(c.CronExpression); err != nil {
		return domain.Invalid("cronExpression", "invalid cron expression: %v", err)
	}
	if c.Timezone == "" {
		return domain.Invalid("timezone", "timezone is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return domain.Invalid("timezone", "unknown timezone %q", c.Timezone)
	}
	if c.BatchSize < MinBatchSize || c.BatchSize > MaxBatchSize {
		return domain.Invalid("batchSize", "must be between %d and %d", MinBatchSize, MaxBatchSize)
	}
	if c.DelayBetweenUsersMs < 0 || c.DelayBetweenUsersMs > MaxDelayMs {
		return domain.Invalid("delayBetweenUsersMs", "must be between 0 and %d", MaxDelayMs)
	}
	if c.MaxRetryCount < 0 || c.MaxRetryCount > MaxRetries {
		return domain.Invalid("maxRetryCount", "must be between 0 and %d", MaxRetries)
	}
	if c.LoginWindowDays < 1 {
		return domain.Invalid("loginWindowDays", "must be at least 1")
	}
	return nil
}
