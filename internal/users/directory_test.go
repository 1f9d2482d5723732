package users_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchflow/internal/domain"
	"matchflow/internal/store"
	"matchflow/internal/testdb"
	"matchflow/internal/users"
)

func seed(t *testing.T) *users.SQLiteDirectory {
	t.Helper()
	dir := users.NewSQLiteDirectory(testdb.Open(t))
	now := time.Now()
	for _, u := range []users.User{
		{ID: "k1", Country: domain.CountryKR, Gender: "M", Rank: "A", LastLoginAt: now},
		{ID: "k2", Country: domain.CountryKR, Gender: "F", Rank: "B", LastLoginAt: now.AddDate(0, 0, -2)},
		{ID: "k3", Country: domain.CountryKR, Gender: "F", LastLoginAt: now},
		{ID: "k4", Country: domain.CountryKR, Gender: "F", Rank: "A", LastLoginAt: now.AddDate(0, 0, -30)},
		{ID: "k5", Country: domain.CountryKR, Gender: "F", Rank: "A", MatchingStatus: users.StatusPaused, LastLoginAt: now},
		{ID: "j1", Country: domain.CountryJP, Gender: "F", Rank: "A", LastLoginAt: now},
	} {
		require.NoError(t, dir.Upsert(context.Background(), u))
	}
	return dir
}

func TestEligibility(t *testing.T) {
	dir := seed(t)
	ctx := context.Background()
	e := users.EligibilityFor(domain.Config{Country: domain.CountryKR, LoginWindowDays: 7}, time.Now())

	n, err := dir.CountEligible(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	e.IncludeUnknownRank = true
	n, err = dir.CountEligible(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	page, err := dir.ListEligible(ctx, e, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "k1", page[0].ID)
	assert.Equal(t, "k2", page[1].ID)

	page, err = dir.ListEligible(ctx, e, "k2", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "k3", page[0].ID)
	assert.True(t, e.Admits(page[0]))
}

func TestListCandidates_AppliesPreferences(t *testing.T) {
	dir := seed(t)
	ctx := context.Background()
	e := users.EligibilityFor(domain.Config{Country: domain.CountryKR, LoginWindowDays: 7, IncludeUnknownRank: true}, time.Now())

	k1, err := dir.Get(ctx, "k1")
	require.NoError(t, err)
	cands, err := dir.ListCandidates(ctx, k1, e)
	require.NoError(t, err)
	ids := []string{}
	for _, c := range cands {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"k2", "k3"}, ids)

	k2, err := dir.Get(ctx, "k2")
	require.NoError(t, err)
	cands, err = dir.ListCandidates(ctx, k2, e)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "k1", cands[0].ID)
}

func TestGet(t *testing.T) {
	dir := seed(t)
	u, err := dir.Get(context.Background(), "k3")
	require.NoError(t, err)
	assert.Equal(t, users.RankUnknown, u.Rank)
	assert.Equal(t, users.StatusActive, u.MatchingStatus)

	_, err = dir.Get(context.Background(), "nobody")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMutuallyEligible(t *testing.T) {
	a := users.User{ID: "a", Country: domain.CountryKR, Gender: "M"}
	ok, _ := users.MutuallyEligible(a, users.User{ID: "b", Country: domain.CountryKR, Gender: "F"})
	assert.True(t, ok)
	ok, _ = users.MutuallyEligible(a, users.User{ID: "b", Country: domain.CountryKR})
	assert.True(t, ok, "unknown gender is not a mismatch")
	ok, reason := users.MutuallyEligible(a, users.User{ID: "b", Country: domain.CountryJP, Gender: "F"})
	assert.False(t, ok)
	assert.Contains(t, reason, "countries")
	ok, _ = users.MutuallyEligible(a, a)
	assert.False(t, ok)
}

func TestTimestampsShareStoreLayout(t *testing.T) {
	db := testdb.Open(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 5, 7, 8, 9, 123456000, time.FixedZone("KST", 9*3600))

	require.NoError(t, users.NewSQLiteDirectory(db).Upsert(ctx, users.User{ID: "k1", Country: domain.CountryKR, LastLoginAt: at}))
	b, err := store.NewSQLiteRepo(db).CreateBatch(ctx, domain.BatchHistory{
		Country: domain.CountryKR, Status: domain.BatchRunning, StartedAt: at, TotalUsers: 1,
	})
	require.NoError(t, err)

	var login, started string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT last_login_at FROM users WHERE id='k1'`).Scan(&login))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT started_at FROM batch_history WHERE id=?`, b.ID).Scan(&started))

	assert.Equal(t, "2024-03-04T22:08:09.123456Z", login)
	assert.Equal(t, started, login)
	parsed, err := time.Parse(domain.TimestampLayout, login)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(at))
}
