package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"matchflow/internal/domain"
)

const configColumns = `id,country,cron_expression,timezone,is_enabled,batch_size,delay_between_users_ms,max_retry_count,login_window_days,include_unknown_rank,description,last_modified_by,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConfig(row scanner) (domain.Config, error) {
	var c domain.Config
	var country, created, updated string
	if err := row.Scan(&c.ID, &country, &c.CronExpression, &c.Timezone, &c.IsEnabled, &c.BatchSize, &c.DelayBetweenUsersMs,
		&c.MaxRetryCount, &c.LoginWindowDays, &c.IncludeUnknownRank, &c.Description, &c.LastModifiedBy, &created, &updated); err != nil {
		return domain.Config{}, err
	}
	c.Country = domain.Country(country)
	c.CreatedAt = parseTS(created)
	c.UpdatedAt = parseTS(updated)
	return c, nil
}

func (r *sqliteRepo) GetConfig(ctx context.Context, country domain.Country) (domain.Config, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM matching_configs WHERE country=?`, string(country))
	c, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return domain.Config{}, errors.Wrapf(domain.ErrNotFound, "config %s", country)
	}
	return c, err
}

func (r *sqliteRepo) ListConfigs(ctx context.Context) ([]domain.Config, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+configColumns+` FROM matching_configs ORDER BY country`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []domain.Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// SaveConfig inserts or replaces the config row for c.Country.
func (r *sqliteRepo) SaveConfig(ctx context.Context, c domain.Config) (domain.Config, error) {
	if c.ID == "" {
		c.ID = newID("cfg")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO matching_configs (`+configColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(country) DO UPDATE SET
  cron_expression=excluded.cron_expression,
  timezone=excluded.timezone,
  is_enabled=excluded.is_enabled,
  batch_size=excluded.batch_size,
  delay_between_users_ms=excluded.delay_between_users_ms,
  max_retry_count=excluded.max_retry_count,
  login_window_days=excluded.login_window_days,
  include_unknown_rank=excluded.include_unknown_rank,
  description=excluded.description,
  last_modified_by=excluded.last_modified_by,
  updated_at=excluded.updated_at
`, c.ID, string(c.Country), c.CronExpression, c.Timezone, c.IsEnabled, c.BatchSize, c.DelayBetweenUsersMs, c.MaxRetryCount,
		c.LoginWindowDays, c.IncludeUnknownRank, c.Description, c.LastModifiedBy, ts(c.CreatedAt), ts(c.UpdatedAt))
	if err != nil {
		return domain.Config{}, errors.Wrap(err, "save config")
	}
	return r.GetConfig(ctx, c.Country)
}
