package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"matchflow/internal/domain"
)

func insertPair(ctx context.Context, tx *sql.Tx, p domain.Pair) error {
	if p.UserA == p.UserB {
		return errors.Errorf("pair needs two distinct users, got %s twice", p.UserA)
	}
	if p.UserB < p.UserA {
		p.UserA, p.UserB = p.UserB, p.UserA
	}
	if p.ID == "" {
		p.ID = newID("pair")
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO pairs (id,user_a,user_b,source,source_id,score,created_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.UserA, p.UserB, string(p.Source), p.SourceID, p.Score, ts(p.CreatedAt))
	return errors.Wrap(err, "insert pair")
}

func (r *sqliteRepo) InsertPair(ctx context.Context, p domain.Pair) (domain.Pair, error) {
	if p.ID == "" {
		p.ID = newID("pair")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pair{}, err
	}
	if err := insertPair(ctx, tx, p); err != nil {
		rollback(tx)
		return domain.Pair{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pair{}, err
	}
	canonical := domain.NewPair(p.UserA, p.UserB)
	p.UserA, p.UserB = canonical.UserA, canonical.UserB
	return p, nil
}

func (r *sqliteRepo) PairMatchedSince(ctx context.Context, a, b string, since time.Time) (bool, error) {
	p := domain.NewPair(a, b)
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pairs WHERE user_a=? AND user_b=? AND created_at >= ?`,
		p.UserA, p.UserB, ts(since)).Scan(&n)
	return n > 0, err
}

func (r *sqliteRepo) UserMatchCountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pairs WHERE (user_a=? OR user_b=?) AND created_at >= ?`,
		userID, userID, ts(since)).Scan(&n)
	return n, err
}
