package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matchflow/internal/domain"
	"matchflow/internal/matching"
	"matchflow/internal/metrics"
	"matchflow/internal/store"
	"matchflow/internal/testdb"
	"matchflow/internal/users"
)

// scriptedSelector wraps the real selector with per-user failures and hooks.
type scriptedSelector struct {
	inner    matching.CandidateSelector
	mu       sync.Mutex
	calls    map[string]int
	failFor  map[string]int // user -> number of attempts that fail; -1 fails forever
	onSelect func(userID string)
}

func (s *scriptedSelector) Select(ctx context.Context, u users.User, e users.Eligibility) (matching.CandidateStream, error) {
	s.mu.Lock()
	s.calls[u.ID]++
	n := s.calls[u.ID]
	fail := s.failFor[u.ID]
	hook := s.onSelect
	s.mu.Unlock()

	if hook != nil {
		hook(u.ID)
	}
	if fail == -1 || n <= fail {
		return nil, fmt.Errorf("candidate store timeout for %s", u.ID)
	}
	return s.inner.Select(ctx, u, e)
}

func (s *scriptedSelector) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type fixture struct {
	repo     store.Repository
	dir      *users.SQLiteDirectory
	selector *scriptedSelector
	coord    *Coordinator
}

func newFixture(t *testing.T, cfg domain.Config) *fixture {
	t.Helper()
	db := testdb.Open(t)
	repo := store.NewSQLiteRepo(db)
	dir := users.NewSQLiteDirectory(db)

	now := time.Now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	_, err := repo.SaveConfig(context.Background(), cfg)
	require.NoError(t, err)

	guard := matching.NewDuplicateGuard(repo, 30*24*time.Hour)
	sel := &scriptedSelector{
		inner:   matching.NewDirectorySelector(dir, matching.NeutralScorer{}),
		calls:   map[string]int{},
		failFor: map[string]int{},
	}
	coord := NewCoordinator(repo, dir, sel, matching.NewAssigner(guard), WithMetrics(metrics.NewRecorder()), WithUserTimeout(time.Second))
	return &fixture{repo: repo, dir: dir, selector: sel, coord: coord}
}

func (f *fixture) seedUsers(t *testing.T, country domain.Country, n int) []string {
	t.Helper()
	var ids []string
	for i := 1; i <= n; i++ {
		gender := "M"
		if i%2 == 0 {
			gender = "F"
		}
		id := fmt.Sprintf("u%02d", i)
		require.NoError(t, f.dir.Upsert(context.Background(), users.User{
			ID: id, Name: "user " + id, Country: country, Gender: gender, Rank: "A", LastLoginAt: time.Now().Add(-time.Hour),
		}))
		ids = append(ids, id)
	}
	return ids
}

func krConfig(batchSize, delayMs, retries int) domain.Config {
	return domain.Config{
		Country: domain.CountryKR, CronExpression: "0 9 * * *", Timezone: "Asia/Seoul", IsEnabled: true,
		BatchSize: batchSize, DelayBetweenUsersMs: delayMs, MaxRetryCount: retries, LoginWindowDays: 7,
	}
}

func (f *fixture) details(t *testing.T, batchID string) map[string]domain.BatchDetail {
	t.Helper()
	list, err := f.repo.ListDetails(context.Background(), batchID, 1000, 0)
	require.NoError(t, err)
	out := map[string]domain.BatchDetail{}
	for _, d := range list {
		out[d.UserID] = d
	}
	return out
}

func assertCounters(t *testing.T, f *fixture, b domain.BatchHistory) {
	t.Helper()
	assert.LessOrEqual(t, b.SuccessCount+b.FailureCount, b.ProcessedUsers)
	assert.LessOrEqual(t, b.ProcessedUsers, b.TotalUsers)
	assert.Len(t, f.details(t, b.ID), b.ProcessedUsers)
	for _, d := range f.details(t, b.ID) {
		if d.Status == domain.DetailSuccess {
			assert.NotNil(t, d.PartnerID)
			assert.NotNil(t, d.SelectedScore)
		} else {
			assert.Nil(t, d.PartnerID)
		}
	}
}

func TestRun_RetriesFailingUserAndCompletes(t *testing.T) {
	f := newFixture(t, krConfig(5, 120, 1))
	f.seedUsers(t, domain.CountryKR, 12)
	f.selector.failFor["u07"] = -1

	b, err := f.coord.Run(context.Background(), domain.CountryKR, domain.TriggerManual, "ops")
	require.NoError(t, err)

	assert.Equal(t, domain.BatchCompleted, b.Status)
	assert.Equal(t, 12, b.TotalUsers)
	assert.Equal(t, 12, b.ProcessedUsers)
	assert.GreaterOrEqual(t, b.FailureCount, 1)
	assert.NotNil(t, b.CompletedAt)
	assertCounters(t, f, b)

	d := f.details(t, b.ID)["u07"]
	assert.Equal(t, domain.DetailError, d.Status)
	assert.Equal(t, 2, d.Attempts)
	require.NotNil(t, d.ErrorMessage)
	assert.Contains(t, *d.ErrorMessage, "candidate store timeout")
	assert.Equal(t, 2, f.selector.callsFor("u07"))
}

func TestRun_RetryRecoversWithFreshPool(t *testing.T) {
	f := newFixture(t, krConfig(10, 0, 2))
	f.seedUsers(t, domain.CountryKR, 2)
	f.selector.failFor["u01"] = 1

	b, err := f.coord.Run(context.Background(), domain.CountryKR, domain.TriggerScheduled, "")
	require.NoError(t, err)

	d := f.details(t, b.ID)["u01"]
	assert.Equal(t, domain.DetailSuccess, d.Status)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, "u02", *d.PartnerID)
	assert.Equal(t, 2, f.selector.callsFor("u01"))
}

func TestRun_RejectsSecondRunningBatch(t *testing.T) {
	f := newFixture(t, krConfig(5, 0, 0))
	f.seedUsers(t, domain.CountryKR, 2)
	ctx := context.Background()

	_, err := f.repo.CreateBatch(ctx, domain.BatchHistory{
		Country: domain.CountryKR, Status: domain.BatchRunning, StartedAt: time.Now(), TotalUsers: 2,
	})
	require.NoError(t, err)

	_, err = f.coord.Run(ctx, domain.CountryKR, domain.TriggerManual, "ops")
	assert.True(t, errors.Is(err, domain.ErrAlreadyRunning))

	running, err := f.repo.ListRunningBatches(ctx)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestRun_CancelMidIteration(t *testing.T) {
	f := newFixture(t, krConfig(5, 0, 0))
	f.seedUsers(t, domain.CountryKR, 12)
	ctx := context.Background()

	var cancelErr error
	f.selector.onSelect = func(userID string) {
		if userID != "u07" {
			return
		}
		running, err := f.repo.ListRunningBatches(ctx)
		if err != nil || len(running) != 1 {
			cancelErr = fmt.Errorf("expected one running batch: %v", err)
			return
		}
		_, cancelErr = f.coord.Cancel(ctx, running[0].ID)
	}

	b, err := f.coord.Run(ctx, domain.CountryKR, domain.TriggerManual, "ops")
	require.NoError(t, err)
	require.NoError(t, cancelErr)

	assert.Equal(t, domain.BatchCancelled, b.Status)
	assert.Equal(t, 6, b.ProcessedUsers)
	assert.NotNil(t, b.CompletedAt)
	assertCounters(t, f, b)

	details := f.details(t, b.ID)
	for i := 7; i <= 12; i++ {
		_, ok := details[fmt.Sprintf("u%02d", i)]
		assert.False(t, ok, "user %d must not have a detail row", i)
	}

	// a second cancel is an invalid transition and leaves the status alone
	again, err := f.coord.Cancel(ctx, b.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
	assert.Equal(t, domain.BatchCancelled, again.Status)
}

func TestRun_SleepsAfterEachUser(t *testing.T) {
	f := newFixture(t, krConfig(10, 100, 0))
	f.seedUsers(t, domain.CountryKR, 4)
	// each user's step takes as long as the delay, so the delay must come on top
	f.selector.onSelect = func(string) { time.Sleep(100 * time.Millisecond) }

	start := time.Now()
	b, err := f.coord.Run(context.Background(), domain.CountryKR, domain.TriggerManual, "ops")
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, domain.BatchCompleted, b.Status)
	assert.Equal(t, 4, b.ProcessedUsers)
	// four steps plus three pauses; none after the last user
	assert.GreaterOrEqual(t, elapsed, 700*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRun_CancelWakesThrottle(t *testing.T) {
	f := newFixture(t, krConfig(10, 10000, 0))
	f.seedUsers(t, domain.CountryKR, 3)
	ctx := context.Background()

	f.selector.onSelect = func(userID string) {
		if userID != "u01" {
			return
		}
		go func() {
			time.Sleep(100 * time.Millisecond)
			running, err := f.repo.ListRunningBatches(ctx)
			if err == nil && len(running) == 1 {
				_, _ = f.coord.Cancel(ctx, running[0].ID)
			}
		}()
	}

	start := time.Now()
	b, err := f.coord.Run(ctx, domain.CountryKR, domain.TriggerManual, "ops")
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, domain.BatchCancelled, b.Status)
	assert.Equal(t, 1, b.ProcessedUsers)
	assertCounters(t, f, b)
}

func TestPause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, pause(ctx, 0))
	assert.True(t, pause(ctx, time.Millisecond))
	cancel()
	assert.False(t, pause(ctx, 0))
	assert.False(t, pause(ctx, time.Hour))
}

func TestCancel_UnknownAndCompletedBatch(t *testing.T) {
	f := newFixture(t, krConfig(5, 0, 0))
	f.seedUsers(t, domain.CountryKR, 2)
	ctx := context.Background()

	_, err := f.coord.Cancel(ctx, "bat_missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	b, err := f.coord.Run(ctx, domain.CountryKR, domain.TriggerManual, "ops")
	require.NoError(t, err)
	_, err = f.coord.Cancel(ctx, b.ID)
	assert.True(t, errors.Is(err, domain.ErrInvalidState))
}

func TestRun_NoCandidatesAndFilterExhausted(t *testing.T) {
	f := newFixture(t, krConfig(5, 0, 0))
	ctx := context.Background()
	login := time.Now().Add(-time.Hour)
	require.NoError(t, f.dir.Upsert(ctx, users.User{ID: "a", Country: domain.CountryKR, Gender: "M", Rank: "A", LastLoginAt: login}))
	require.NoError(t, f.dir.Upsert(ctx, users.User{ID: "b", Country: domain.CountryKR, Gender: "F", Rank: "A", LastLoginAt: login}))
	require.NoError(t, f.dir.Upsert(ctx, users.User{ID: "c", Country: domain.CountryKR, Gender: "M", Rank: "A", LastLoginAt: login}))
	// a and c have already met b
	for _, other := range []string{"a", "c"} {
		_, err := f.repo.InsertPair(ctx, domain.Pair{UserA: other, UserB: "b", Source: domain.PairFromManual, SourceID: "mm_x", CreatedAt: time.Now()})
		require.NoError(t, err)
	}

	b, err := f.coord.Run(ctx, domain.CountryKR, domain.TriggerManual, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCompleted, b.Status)
	assert.Equal(t, 3, b.ProcessedUsers)
	assert.Equal(t, 0, b.SuccessCount)
	assert.Equal(t, 3, b.FailureCount)

	d := f.details(t, b.ID)
	assert.Equal(t, domain.DetailFilterExhausted, d["a"].Status)
	assert.Equal(t, []domain.Candidate{{UserID: "b", Score: 1}}, d["a"].CandidatePool)
	assert.Equal(t, domain.DetailFilterExhausted, d["b"].Status)
	assert.Equal(t, domain.DetailFilterExhausted, d["c"].Status)
}

func TestRun_EmptyPoolIsNoCandidates(t *testing.T) {
	f := newFixture(t, krConfig(5, 0, 0))
	f.seedUsers(t, domain.CountryKR, 1)

	b, err := f.coord.Run(context.Background(), domain.CountryKR, domain.TriggerManual, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.DetailNoCandidates, f.details(t, b.ID)["u01"].Status)
	assert.Equal(t, 1, b.FailureCount)
}

func TestRun_EligibilityFilters(t *testing.T) {
	cfg := krConfig(5, 0, 0)
	cfg.LoginWindowDays = 3
	f := newFixture(t, cfg)
	ctx := context.Background()
	require.NoError(t, f.dir.Upsert(ctx, users.User{ID: "fresh", Country: domain.CountryKR, Rank: "A", LastLoginAt: time.Now()}))
	require.NoError(t, f.dir.Upsert(ctx, users.User{ID: "stale", Country: domain.CountryKR, Rank: "A", LastLoginAt: time.Now().AddDate(0, 0, -10)}))
	require.NoError(t, f.dir.Upsert(ctx, users.User{ID: "unranked", Country: domain.CountryKR, Rank: users.RankUnknown, LastLoginAt: time.Now()}))
	require.NoError(t, f.dir.Upsert(ctx, users.User{ID: "japan", Country: domain.CountryJP, Rank: "A", LastLoginAt: time.Now()}))
	require.NoError(t, f.dir.Upsert(ctx, users.User{ID: "paused", Country: domain.CountryKR, Rank: "A", MatchingStatus: users.StatusPaused, LastLoginAt: time.Now()}))

	b, err := f.coord.Run(ctx, domain.CountryKR, domain.TriggerManual, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, b.TotalUsers)
	assert.Contains(t, f.details(t, b.ID), "fresh")

	cfg.IncludeUnknownRank = true
	_, err = f.repo.SaveConfig(ctx, cfg)
	require.NoError(t, err)

	b, err = f.coord.Run(ctx, domain.CountryKR, domain.TriggerManual, "ops")
	require.NoError(t, err)
	assert.Equal(t, 2, b.TotalUsers)
	assert.True(t, b.Metadata.IncludeUnknownRank)
}

// failingDirectory breaks ListEligible after the count succeeded.
type failingDirectory struct {
	users.Directory
	countErr error
	listErr  error
}

func (d failingDirectory) CountEligible(ctx context.Context, e users.Eligibility) (int, error) {
	if d.countErr != nil {
		return 0, d.countErr
	}
	return d.Directory.CountEligible(ctx, e)
}

func (d failingDirectory) ListEligible(ctx context.Context, e users.Eligibility, after string, limit int) ([]users.User, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	return d.Directory.ListEligible(ctx, e, after, limit)
}

func TestRun_InfrastructureFailureFailsBatch(t *testing.T) {
	f := newFixture(t, krConfig(5, 0, 0))
	f.seedUsers(t, domain.CountryKR, 3)
	ctx := context.Background()

	coord := NewCoordinator(f.repo, failingDirectory{Directory: f.dir, listErr: errors.New("user store unavailable")}, f.selector,
		matching.NewAssigner(matching.NewDuplicateGuard(f.repo, time.Hour)))
	b, err := coord.Run(ctx, domain.CountryKR, domain.TriggerScheduled, "")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, b.Status)
	require.NotNil(t, b.ErrorMessage)
	assert.Contains(t, *b.ErrorMessage, "user store unavailable")
	assert.NotNil(t, b.CompletedAt)

	coord = NewCoordinator(f.repo, failingDirectory{Directory: f.dir, countErr: errors.New("replica lag")}, f.selector,
		matching.NewAssigner(matching.NewDuplicateGuard(f.repo, time.Hour)))
	b, err = coord.Run(ctx, domain.CountryKR, domain.TriggerScheduled, "")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, b.Status)
	assert.Contains(t, *b.ErrorMessage, "replica lag")

	running, err := f.repo.ListRunningBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestStart_RunsInBackground(t *testing.T) {
	f := newFixture(t, krConfig(2, 0, 0))
	f.seedUsers(t, domain.CountryKR, 4)
	ctx := context.Background()

	b, err := f.coord.Start(ctx, domain.CountryKR, domain.TriggerManual, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRunning, b.Status)
	assert.Equal(t, "ops", b.Metadata.TriggeredBy)

	f.coord.Wait()
	final, err := f.repo.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCompleted, final.Status)
	assert.Equal(t, 4, final.ProcessedUsers)
	assertCounters(t, f, final)
}

func TestRun_ShutdownMarksBatchFailed(t *testing.T) {
	f := newFixture(t, krConfig(5, 0, 0))
	f.seedUsers(t, domain.CountryKR, 6)
	ctx, cancel := context.WithCancel(context.Background())
	f.selector.onSelect = func(userID string) {
		if userID == "u03" {
			cancel()
		}
	}

	b, err := f.coord.Run(ctx, domain.CountryKR, domain.TriggerScheduled, "")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchFailed, b.Status)
	assert.Equal(t, 3, b.ProcessedUsers)
	require.NotNil(t, b.ErrorMessage)
	assert.Contains(t, *b.ErrorMessage, "shutting down")
}
