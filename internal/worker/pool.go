package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"matchflow/internal/domain"
)

// ActorDispatcher is the audit actor for manual matchings executed on schedule.
const ActorDispatcher = "system:dispatcher"

type DueSource interface {
	DueManual(ctx context.Context, now time.Time, limit int) ([]domain.ManualMatching, error)
}

type Executor interface {
	Execute(ctx context.Context, id, actor string) (domain.ManualMatching, error)
}

// Pool executes manual matchings once their scheduledAt has passed, with at
// most size executions in flight.
type Pool struct {
	due       DueSource
	exec      Executor
	sem       chan struct{}
	stop      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
	pollEvery time.Duration
	now       func() time.Time
}

func NewPool(due DueSource, exec Executor, size int, pollEvery time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		due:       due,
		exec:      exec,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
		now:       time.Now,
	}
}

// Run polls until ctx is done or Stop is called, then waits for in-flight
// executions.
func (p *Pool) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()

	log.Info().Dur("interval", p.pollEvery).Int("size", cap(p.sem)).Msg("manual matching dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case <-t.C:
			p.Dispatch(ctx)
		}
	}
}

func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stop) })
}

// Dispatch starts every due matching it can get a slot for. Matchings left
// over wait for the next poll.
func (p *Pool) Dispatch(ctx context.Context) int {
	due, err := p.due.DueManual(ctx, p.now(), cap(p.sem))
	if err != nil {
		log.Error().Err(err).Msg("failed to load due manual matchings")
		return 0
	}

	started := 0
	for _, m := range due {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return started
		}
		started++
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			res, err := p.exec.Execute(ctx, id, ActorDispatcher)
			if err != nil {
				// another caller may have claimed it first
				log.Warn().Err(err).Str("manual_id", id).Msg("dispatch of manual matching failed")
				return
			}
			log.Info().Str("manual_id", id).Str("status", string(res.Status)).Msg("manual matching dispatched")
		}(m.ID)
	}
	return started
}

// Wait blocks until every dispatched execution has returned.
func (p *Pool) Wait() { p.wg.Wait() }
