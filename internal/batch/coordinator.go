// Package batch runs one country's matching batch from guard to final status.
//
// Cancellation is cooperative. A cancel request marks the batch cancelled in
// storage and wakes the throttle wait, but a user that is already being
// processed runs to the end of its step; its outcome is then discarded
// because the batch is no longer running. The worst-case stop latency is one
// user's processing time (bounded by the per-user timeout times the attempt
// count) plus the configured inter-user delay.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"matchflow/internal/domain"
	"matchflow/internal/matching"
	"matchflow/internal/metrics"
	"matchflow/internal/users"
)

type Store interface {
	GetConfig(ctx context.Context, country domain.Country) (domain.Config, error)
	CreateBatch(ctx context.Context, b domain.BatchHistory) (domain.BatchHistory, error)
	HasRunningBatch(ctx context.Context, country domain.Country) (bool, error)
	GetBatch(ctx context.Context, id string) (domain.BatchHistory, error)
	RecordOutcome(ctx context.Context, d domain.BatchDetail, pair *domain.Pair) error
	FinishBatch(ctx context.Context, id string, status domain.BatchStatus, errMsg *string, at time.Time) (domain.BatchHistory, error)
}

const DefaultUserTimeout = 30 * time.Second

type Coordinator struct {
	store       Store
	dir         users.Directory
	selector    matching.CandidateSelector
	assigner    *matching.Assigner
	metrics     *metrics.Recorder
	userTimeout time.Duration
	now         func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Coordinator)

// WithUserTimeout bounds a single selection+assignment attempt.
func WithUserTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.userTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option { return func(c *Coordinator) { c.metrics = m } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func NewCoordinator(store Store, dir users.Directory, selector matching.CandidateSelector, assigner *matching.Assigner, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		dir:         dir,
		selector:    selector,
		assigner:    assigner,
		userTimeout: DefaultUserTimeout,
		now:         time.Now,
		active:      make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// run carries everything the loop needs for one batch.
type run struct {
	batch   domain.BatchHistory
	cfg     domain.Config
	elig    users.Eligibility
	signal  context.Context
	started time.Time
}

// Run executes a batch to completion and returns its final record.
func (c *Coordinator) Run(ctx context.Context, country domain.Country, trigger domain.Trigger, actor string) (domain.BatchHistory, error) {
	r, err := c.begin(ctx, country, trigger, actor)
	if err != nil || r == nil {
		return c.lastOrEmpty(r), err
	}
	return c.execute(ctx, r), nil
}

// Start creates the batch record synchronously and processes users in the
// background. Guard failures are returned before anything is started.
func (c *Coordinator) Start(ctx context.Context, country domain.Country, trigger domain.Trigger, actor string) (domain.BatchHistory, error) {
	r, err := c.begin(ctx, country, trigger, actor)
	if err != nil || r == nil {
		return c.lastOrEmpty(r), err
	}
	if r.batch.Status != domain.BatchRunning {
		return r.batch, nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.execute(ctx, r)
	}()
	return r.batch, nil
}

// Wait blocks until every batch started with Start has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (c *Coordinator) lastOrEmpty(r *run) domain.BatchHistory {
	if r == nil {
		return domain.BatchHistory{}
	}
	return r.batch
}

func (c *Coordinator) begin(ctx context.Context, country domain.Country, trigger domain.Trigger, actor string) (*run, error) {
	cfg, err := c.store.GetConfig(ctx, country)
	if err != nil {
		return nil, err
	}
	running, err := c.store.HasRunningBatch(ctx, country)
	if err != nil {
		return nil, errors.Wrap(err, "check running batch")
	}
	if running {
		return nil, errors.Wrapf(domain.ErrAlreadyRunning, "country %s", country)
	}

	started := c.now()
	elig := users.EligibilityFor(cfg, started)
	b := domain.BatchHistory{
		ConfigID:  cfg.ID,
		Country:   country,
		Status:    domain.BatchRunning,
		StartedAt: started,
		Metadata: domain.BatchMetadata{
			Trigger:             trigger,
			TriggeredBy:         actor,
			CronExpression:      cfg.CronExpression,
			Timezone:            cfg.Timezone,
			BatchSize:           cfg.BatchSize,
			DelayBetweenUsersMs: cfg.DelayBetweenUsersMs,
			MaxRetryCount:       cfg.MaxRetryCount,
			LoginWindowDays:     cfg.LoginWindowDays,
			IncludeUnknownRank:  cfg.IncludeUnknownRank,
		},
	}

	total, err := c.dir.CountEligible(ctx, elig)
	if err != nil {
		// the run is recorded as failed so operators see why nothing happened
		msg := fmt.Sprintf("count eligible users: %v", err)
		b.Status = domain.BatchFailed
		b.CompletedAt = &started
		b.ErrorMessage = &msg
		failed, createErr := c.store.CreateBatch(ctx, b)
		if createErr != nil {
			return nil, errors.Wrap(createErr, "record failed batch")
		}
		log.Error().Err(err).Str("country", string(country)).Str("batch_id", failed.ID).Msg("batch failed before start")
		return &run{batch: failed}, nil
	}
	b.TotalUsers = total

	created, err := c.store.CreateBatch(ctx, b)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			return nil, errors.Wrapf(err, "country %s", country)
		}
		return nil, err
	}

	signal, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.active[created.ID] = cancel
	c.mu.Unlock()
	c.metrics.BatchStarted(country)

	log.Info().
		Str("country", string(country)).
		Str("batch_id", created.ID).
		Str("trigger", string(trigger)).
		Int("total_users", total).
		Msg("batch started")

	return &run{batch: created, cfg: cfg, elig: elig, signal: signal, started: started}, nil
}

// Cancel marks a running batch cancelled. Processing stops at the next
// user boundary.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) (domain.BatchHistory, error) {
	b, err := c.store.FinishBatch(ctx, batchID, domain.BatchCancelled, nil, c.now())
	if errors.Is(err, domain.ErrBatchNotRunning) {
		return b, errors.Wrapf(domain.ErrInvalidState, "batch %s is already %s", batchID, b.Status)
	}
	if err != nil {
		return domain.BatchHistory{}, err
	}

	c.mu.Lock()
	if cancel, ok := c.active[batchID]; ok {
		cancel()
	}
	c.mu.Unlock()

	log.Info().Str("batch_id", batchID).Str("country", string(b.Country)).Msg("batch cancel requested")
	return b, nil
}

func (c *Coordinator) execute(ctx context.Context, r *run) domain.BatchHistory {
	// user steps and their writes run on wctx so neither a cancel nor a
	// shutdown can split one in half
	wctx := context.WithoutCancel(ctx)
	defer func() {
		c.mu.Lock()
		if cancel, ok := c.active[r.batch.ID]; ok {
			cancel()
			delete(c.active, r.batch.ID)
		}
		c.mu.Unlock()
	}()

	loopErr := c.loop(ctx, wctx, r)

	status := domain.BatchCompleted
	var errMsg *string
	switch {
	case loopErr != nil:
		status = domain.BatchFailed
		msg := loopErr.Error()
		errMsg = &msg
	case ctx.Err() != nil:
		status = domain.BatchFailed
		msg := "interrupted: service shutting down"
		errMsg = &msg
	}

	final, err := c.store.FinishBatch(wctx, r.batch.ID, status, errMsg, c.now())
	if err != nil && !errors.Is(err, domain.ErrBatchNotRunning) {
		log.Error().Err(err).Str("batch_id", r.batch.ID).Msg("failed to finalize batch")
		if b, getErr := c.store.GetBatch(wctx, r.batch.ID); getErr == nil {
			final = b
		}
	}
	c.metrics.BatchFinished(final, c.now().Sub(r.started))

	ev := log.Info()
	if final.Status == domain.BatchFailed {
		ev = log.Error()
	}
	ev.Str("country", string(final.Country)).
		Str("batch_id", final.ID).
		Str("status", string(final.Status)).
		Int("total_users", final.TotalUsers).
		Int("processed_users", final.ProcessedUsers).
		Int("success", final.SuccessCount).
		Int("failure", final.FailureCount).
		Msg("batch finished")
	return final
}

// loop processes eligible users in id order until all are done, the batch
// leaves the running state, or an infrastructure error aborts it.
func (c *Coordinator) loop(ctx, wctx context.Context, r *run) error {
	delay := time.Duration(r.cfg.DelayBetweenUsersMs) * time.Millisecond

	processed := 0
	after := ""
	for processed < r.batch.TotalUsers {
		page, err := c.dir.ListEligible(wctx, r.elig, after, r.cfg.BatchSize)
		if err != nil {
			return errors.Wrap(err, "list eligible users")
		}
		if len(page) == 0 {
			return nil
		}

		for _, u := range page {
			if processed >= r.batch.TotalUsers {
				return nil
			}
			if stop, err := c.stopRequested(ctx, wctx, r); stop || err != nil {
				return err
			}

			detail, pair := c.processUser(wctx, r, u)
			if err := c.store.RecordOutcome(wctx, detail, pair); err != nil {
				if errors.Is(err, domain.ErrBatchNotRunning) {
					log.Info().Str("batch_id", r.batch.ID).Str("user_id", u.ID).Msg("batch stopped while user was in flight, outcome discarded")
					return nil
				}
				return errors.Wrapf(err, "record outcome for %s", u.ID)
			}
			processed++
			after = u.ID

			if processed < r.batch.TotalUsers && !pause(r.signal, delay) {
				// woken by cancel or shutdown
				return nil
			}
		}
	}
	return nil
}

// pause sleeps for d after a user's outcome is stored. It reports false when
// the signal fires first.
func pause(signal context.Context, d time.Duration) bool {
	if d <= 0 {
		return signal.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-signal.Done():
		return false
	}
}

// stopRequested checks the in-process signal and the stored status.
func (c *Coordinator) stopRequested(ctx, wctx context.Context, r *run) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	if r.signal.Err() != nil {
		return true, nil
	}
	b, err := c.store.GetBatch(wctx, r.batch.ID)
	if err != nil {
		return true, errors.Wrap(err, "poll batch status")
	}
	return b.Status != domain.BatchRunning, nil
}

// processUser runs selection and assignment for u with up to MaxRetryCount
// retries. Only the final attempt's outcome is returned.
func (c *Coordinator) processUser(ctx context.Context, r *run, u users.User) (domain.BatchDetail, *domain.Pair) {
	started := c.now()
	var (
		out      matching.Outcome
		err      error
		attempts int
	)
	for attempt := 0; attempt <= r.cfg.MaxRetryCount; attempt++ {
		attempts++
		out, err = c.attempt(ctx, r, u)
		if err == nil {
			break
		}
		log.Warn().Err(err).
			Str("batch_id", r.batch.ID).
			Str("user_id", u.ID).
			Int("attempt", attempts).
			Int("max_retries", r.cfg.MaxRetryCount).
			Msg("user attempt failed")
	}

	elapsed := c.now().Sub(started)
	ms := elapsed.Milliseconds()
	d := domain.BatchDetail{
		BatchID:          r.batch.ID,
		UserID:           u.ID,
		CandidatePool:    []domain.Candidate{},
		ProcessingTimeMs: &ms,
		Attempts:         attempts,
		CreatedAt:        c.now(),
	}

	var pair *domain.Pair
	if err != nil {
		msg := err.Error()
		d.Status = domain.DetailError
		d.ErrorMessage = &msg
	} else {
		d.Status = out.Status
		d.CandidatePool = out.Pool
		if out.Status == domain.DetailSuccess {
			partner := out.Selected.UserID
			score := out.Selected.Score
			d.PartnerID = &partner
			d.SelectedScore = &score
			p := domain.NewPair(u.ID, partner)
			p.Source = domain.PairFromBatch
			p.SourceID = r.batch.ID
			p.Score = &score
			p.CreatedAt = d.CreatedAt
			pair = &p
		}
	}
	c.metrics.UserProcessed(r.batch.Country, d.Status, elapsed, attempts)
	return d, pair
}

func (c *Coordinator) attempt(ctx context.Context, r *run, u users.User) (out matching.Outcome, err error) {
	actx, cancel := context.WithTimeout(ctx, c.userTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic while matching %s: %v", u.ID, p)
		}
	}()

	// a fresh pool per attempt so a retry never works from stale candidates
	stream, err := c.selector.Select(actx, u, r.elig)
	if err != nil {
		return matching.Outcome{}, errors.Wrap(err, "select candidates")
	}
	out, err = c.assigner.Assign(actx, u.ID, stream)
	if err != nil {
		return matching.Outcome{}, errors.Wrap(err, "assign partner")
	}
	return out, nil
}
