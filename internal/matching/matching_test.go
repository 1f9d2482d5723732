package matching

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchflow/internal/domain"
	"matchflow/internal/users"
)

type fakeHistory struct {
	matched map[[2]string]time.Time
	err     error
}

func (h fakeHistory) PairMatchedSince(_ context.Context, a, b string, since time.Time) (bool, error) {
	if h.err != nil {
		return false, h.err
	}
	p := domain.NewPair(a, b)
	at, ok := h.matched[[2]string{p.UserA, p.UserB}]
	return ok && !at.Before(since), nil
}

func TestDuplicateGuard(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	g := NewDuplicateGuard(fakeHistory{matched: map[[2]string]time.Time{
		{"a", "b"}: now.AddDate(0, 0, -3),
		{"a", "c"}: now.AddDate(0, 0, -40),
	}}, 30*24*time.Hour)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := g.Allowed(ctx, "b", "a")
	require.NoError(t, err)
	assert.False(t, ok, "recent pair in either order is rejected")

	ok, err = g.Allowed(ctx, "a", "c")
	require.NoError(t, err)
	assert.True(t, ok, "pair outside the cool-down is allowed")

	ok, err = g.Allowed(ctx, "a", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssign_HighestScoreWithIDTieBreak(t *testing.T) {
	a := NewAssigner(NewDuplicateGuard(fakeHistory{}, time.Hour))
	out, err := a.Assign(context.Background(), "u1", NewSliceStream(
		domain.Candidate{UserID: "u9", Score: 0.8},
		domain.Candidate{UserID: "u5", Score: 0.9},
		domain.Candidate{UserID: "u3", Score: 0.9},
		domain.Candidate{UserID: "u2", Score: 0.1},
	))
	require.NoError(t, err)
	assert.Equal(t, domain.DetailSuccess, out.Status)
	assert.Equal(t, "u3", out.Selected.UserID)
	assert.Len(t, out.Pool, 4)
}

func TestAssign_SkipsGuardedCandidates(t *testing.T) {
	history := fakeHistory{matched: map[[2]string]time.Time{{"u1", "u3"}: time.Now()}}
	a := NewAssigner(NewDuplicateGuard(history, time.Hour))
	out, err := a.Assign(context.Background(), "u1", NewSliceStream(
		domain.Candidate{UserID: "u3", Score: 0.9},
		domain.Candidate{UserID: "u4", Score: 0.5},
	))
	require.NoError(t, err)
	assert.Equal(t, "u4", out.Selected.UserID)
}

func TestAssign_EmptyVersusExhausted(t *testing.T) {
	history := fakeHistory{matched: map[[2]string]time.Time{{"u1", "u2"}: time.Now()}}
	a := NewAssigner(NewDuplicateGuard(history, time.Hour))
	ctx := context.Background()

	out, err := a.Assign(ctx, "u1", NewSliceStream())
	require.NoError(t, err)
	assert.Equal(t, domain.DetailNoCandidates, out.Status)
	assert.Empty(t, out.Pool)
	assert.Nil(t, out.Selected)

	out, err = a.Assign(ctx, "u1", NewSliceStream(domain.Candidate{UserID: "u2", Score: 1}))
	require.NoError(t, err)
	assert.Equal(t, domain.DetailFilterExhausted, out.Status)
	assert.Len(t, out.Pool, 1)
	assert.Nil(t, out.Selected)
}

func TestAssign_GuardFailureIsError(t *testing.T) {
	a := NewAssigner(NewDuplicateGuard(fakeHistory{err: errors.New("db locked")}, time.Hour))
	_, err := a.Assign(context.Background(), "u1", NewSliceStream(domain.Candidate{UserID: "u2", Score: 1}))
	assert.ErrorContains(t, err, "db locked")
}

type fakeDirectory struct {
	users.Directory
	pool []users.User
}

func (d fakeDirectory) ListCandidates(context.Context, users.User, users.Eligibility) ([]users.User, error) {
	return d.pool, nil
}

type countingScorer struct{ calls int }

func (s *countingScorer) Score(_ context.Context, _ users.User, c users.User) (float64, error) {
	s.calls++
	if c.ID == "bad" {
		return 0, errors.New("model unavailable")
	}
	return float64(len(c.ID)), nil
}

func TestDirectorySelector_ScoresLazily(t *testing.T) {
	scorer := &countingScorer{}
	sel := NewDirectorySelector(fakeDirectory{pool: []users.User{{ID: "x"}, {ID: "yy"}, {ID: "bad"}}}, scorer)
	stream, err := sel.Select(context.Background(), users.User{ID: "u1"}, users.Eligibility{})
	require.NoError(t, err)
	assert.Zero(t, scorer.calls)

	c, ok, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.Candidate{UserID: "x", Score: 1}, c)
	assert.Equal(t, 1, scorer.calls)

	_, _, err = stream.Next(context.Background())
	require.NoError(t, err)
	_, _, err = stream.Next(context.Background())
	assert.ErrorContains(t, err, "model unavailable")
}
