// Package users is the service's view of the platform's user store: who is
// eligible for a batch, who can be paired with whom, and what an operator
// sees when validating a manual pairing.
package users

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"matchflow/internal/domain"
)

const (
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusBlocked = "blocked"
	RankUnknown   = "UNKNOWN"
	tsLayout      = domain.TimestampLayout
	userColumns   = `id,name,country,gender,rank,matching_status,last_login_at`
)

type User struct {
	ID             string
	Name           string
	Country        domain.Country
	Gender         string
	Rank           string
	MatchingStatus string
	LastLoginAt    time.Time
}

// Eligibility is the per-batch filter derived from a country config.
type Eligibility struct {
	Country            domain.Country
	LoginSince         time.Time
	IncludeUnknownRank bool
}

func EligibilityFor(c domain.Config, now time.Time) Eligibility {
	return Eligibility{
		Country:            c.Country,
		LoginSince:         now.AddDate(0, 0, -c.LoginWindowDays),
		IncludeUnknownRank: c.IncludeUnknownRank,
	}
}

func (e Eligibility) Admits(u User) bool {
	if u.Country != e.Country || u.MatchingStatus != StatusActive {
		return false
	}
	if u.LastLoginAt.Before(e.LoginSince) {
		return false
	}
	return e.IncludeUnknownRank || u.Rank != RankUnknown
}

type Directory interface {
	Get(ctx context.Context, id string) (User, error)
	CountEligible(ctx context.Context, e Eligibility) (int, error)
	// ListEligible pages through eligible users ordered by id, starting after afterID.
	ListEligible(ctx context.Context, e Eligibility, afterID string, limit int) ([]User, error)
	// ListCandidates returns eligible users that u could be paired with.
	ListCandidates(ctx context.Context, u User, e Eligibility) ([]User, error)
}

// MutuallyEligible is the preference rule shared by the batch selector and
// manual validation: same country, and opposite gender when both are known.
func MutuallyEligible(a, b User) (bool, string) {
	if a.ID == b.ID {
		return false, "same user"
	}
	if a.Country != b.Country {
		return false, "users are registered in different countries"
	}
	if a.Gender != "" && b.Gender != "" && a.Gender == b.Gender {
		return false, "gender preference mismatch"
	}
	return true, ""
}

func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  country TEXT NOT NULL,
  gender TEXT NOT NULL DEFAULT '',
  rank TEXT NOT NULL DEFAULT 'UNKNOWN',
  matching_status TEXT NOT NULL DEFAULT 'active',
  last_login_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_eligible ON users(country, matching_status, last_login_at);
`)
	return err
}

type SQLiteDirectory struct{ db *sql.DB }

func NewSQLiteDirectory(db *sql.DB) *SQLiteDirectory { return &SQLiteDirectory{db: db} }

// Upsert writes u; used for seeding and tests.
func (d *SQLiteDirectory) Upsert(ctx context.Context, u User) error {
	if u.MatchingStatus == "" {
		u.MatchingStatus = StatusActive
	}
	if u.Rank == "" {
		u.Rank = RankUnknown
	}
	_, err := d.db.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, country=excluded.country, gender=excluded.gender,
  rank=excluded.rank, matching_status=excluded.matching_status, last_login_at=excluded.last_login_at`,
		u.ID, u.Name, string(u.Country), u.Gender, u.Rank, u.MatchingStatus, u.LastLoginAt.UTC().Format(tsLayout))
	return err
}

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	var country, login string
	if err := row.Scan(&u.ID, &u.Name, &country, &u.Gender, &u.Rank, &u.MatchingStatus, &login); err != nil {
		return User{}, err
	}
	u.Country = domain.Country(country)
	u.LastLoginAt, _ = time.Parse(tsLayout, login)
	return u, nil
}

func (d *SQLiteDirectory) Get(ctx context.Context, id string) (User, error) {
	u, err := scanUser(d.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return User{}, errors.Wrapf(domain.ErrNotFound, "user %s", id)
	}
	return u, err
}

const eligibleWhere = ` WHERE country=? AND matching_status='active' AND last_login_at >= ? AND (? OR rank <> 'UNKNOWN')`

func eligibleArgs(e Eligibility) []any {
	return []any{string(e.Country), e.LoginSince.UTC().Format(tsLayout), e.IncludeUnknownRank}
}

func (d *SQLiteDirectory) CountEligible(ctx context.Context, e Eligibility) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`+eligibleWhere, eligibleArgs(e)...).Scan(&n)
	return n, err
}

func (d *SQLiteDirectory) query(ctx context.Context, q string, args ...any) ([]User, error) {
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (d *SQLiteDirectory) ListEligible(ctx context.Context, e Eligibility, afterID string, limit int) ([]User, error) {
	args := append(eligibleArgs(e), afterID, limit)
	return d.query(ctx, `SELECT `+userColumns+` FROM users`+eligibleWhere+` AND id > ? ORDER BY id LIMIT ?`, args...)
}

func (d *SQLiteDirectory) ListCandidates(ctx context.Context, u User, e Eligibility) ([]User, error) {
	all, err := d.query(ctx, `SELECT `+userColumns+` FROM users`+eligibleWhere+` AND id <> ? ORDER BY id`, append(eligibleArgs(e), u.ID)...)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if ok, _ := MutuallyEligible(u, c); ok {
			out = append(out, c)
		}
	}
	return out, nil
}
