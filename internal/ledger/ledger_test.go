package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchflow/internal/domain"
	"matchflow/internal/store"
	"matchflow/internal/testdb"
)

func seedBatch(t *testing.T, repo store.Repository, started time.Time, total int) domain.BatchHistory {
	t.Helper()
	b, err := repo.CreateBatch(context.Background(), domain.BatchHistory{
		Country: domain.CountryKR, Status: domain.BatchRunning, StartedAt: started, TotalUsers: total,
	})
	require.NoError(t, err)
	return b
}

func TestGetDetail_StatsCoverWholeBatch(t *testing.T) {
	repo := store.NewSQLiteRepo(testdb.Open(t))
	l := New(repo)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute)
	b := seedBatch(t, repo, start, 3)

	statuses := []domain.DetailStatus{domain.DetailSuccess, domain.DetailNoCandidates, domain.DetailSuccess}
	for i, st := range statuses {
		ms := int64((i + 1) * 10)
		d := domain.BatchDetail{
			BatchID: b.ID, UserID: fmt.Sprintf("u%d", i), Status: st, CandidatePool: []domain.Candidate{},
			ProcessingTimeMs: &ms, Attempts: 1, CreatedAt: start.Add(time.Duration(i) * time.Second),
		}
		var pair *domain.Pair
		if st == domain.DetailSuccess {
			partner, score := fmt.Sprintf("p%d", i), 0.5
			d.PartnerID, d.SelectedScore = &partner, &score
			p := domain.NewPair(d.UserID, partner)
			p.Source, p.SourceID, p.CreatedAt = domain.PairFromBatch, b.ID, d.CreatedAt
			pair = &p
		}
		require.NoError(t, repo.RecordOutcome(ctx, d, pair))
	}

	page, err := l.GetDetail(ctx, b.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, b.ID, page.Batch.ID)
	assert.Equal(t, 3, page.Batch.ProcessedUsers)
	require.Len(t, page.Details, 2)
	assert.Equal(t, "u0", page.Details[0].UserID)
	assert.Equal(t, domain.DetailStats{TotalDetails: 3, SuccessCount: 2, AverageProcessingTimeMs: 20}, page.Stats)

	page, err = l.GetDetail(ctx, b.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Details, 1)
	assert.Equal(t, "u2", page.Details[0].UserID)

	_, err = l.GetDetail(ctx, "bat_unknown", 0, 0)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestListByCountry_NewestFirst(t *testing.T) {
	repo := store.NewSQLiteRepo(testdb.Open(t))
	l := New(repo)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		b := seedBatch(t, repo, base.Add(time.Duration(i)*time.Minute), 0)
		_, err := repo.FinishBatch(ctx, b.ID, domain.BatchCompleted, nil, base.Add(time.Duration(i)*time.Minute+time.Second))
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}

	batches, err := l.ListByCountry(ctx, domain.CountryKR, 0, 0)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, ids[2], batches[0].ID)
	assert.Equal(t, ids[0], batches[2].ID)

	batches, err = l.ListByCountry(ctx, domain.CountryKR, 1, 1)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, ids[1], batches[0].ID)

	batches, err = l.ListByCountry(ctx, domain.CountryJP, 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, batches)
	assert.Empty(t, batches)

	_, err = l.ListByCountry(ctx, domain.CountryKR, -1, 0)
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestListRunning(t *testing.T) {
	repo := store.NewSQLiteRepo(testdb.Open(t))
	l := New(repo)
	ctx := context.Background()

	running, err := l.ListRunning(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)

	b := seedBatch(t, repo, time.Now(), 5)
	running, err = l.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, b.ID, running[0].ID)
}

func TestWindow(t *testing.T) {
	limit, offset, err := Window(0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, limit)
	assert.Zero(t, offset)

	limit, _, err = Window(10_000, 5)
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, limit)

	_, _, err = Window(5, -1)
	assert.Error(t, err)
}
