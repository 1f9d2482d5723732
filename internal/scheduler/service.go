package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"matchflow/internal/domain"
	"matchflow/internal/registry"
)

// ActorScheduler is recorded as triggeredBy on cron-fired batches.
const ActorScheduler = "system:scheduler"

type Coordinator interface {
	Start(ctx context.Context, country domain.Country, trigger domain.Trigger, actor string) (domain.BatchHistory, error)
}

type ConfigLister interface {
	List(ctx context.Context) ([]domain.Config, error)
}

type TriggerResult struct {
	Country     domain.Country `json:"country"`
	TriggeredAt time.Time      `json:"triggeredAt"`
	BatchID     string         `json:"batchId"`
}

// Service keeps one cron entry per enabled country and starts batches when
// they fire.
type Service struct {
	configs ConfigLister
	coord   Coordinator
	cron    *cron.Cron
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time

	mu       sync.Mutex
	entries  map[domain.Country]cron.EntryID
	fired    map[domain.Country]time.Time
	lifetime context.Context
}

func NewService(configs ConfigLister, coord Coordinator) *Service {
	logger := cron.PrintfLogger(&log.Logger)
	return &Service{
		configs:  configs,
		coord:    coord,
		cron:     cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
		stop:     make(chan struct{}),
		now:      time.Now,
		entries:  make(map[domain.Country]cron.EntryID),
		fired:    make(map[domain.Country]time.Time),
		lifetime: context.Background(),
	}
}

// Start registers every persisted config and runs the cron engine until ctx
// is done or Stop is called. Batches it starts live as long as ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.lifetime = ctx
	s.mu.Unlock()

	if err := s.Load(ctx); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Int("entries", len(s.cron.Entries())).Msg("schedule service started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	log.Info().Msg("schedule service stopped")
	return nil
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Load syncs every stored config. A config that no longer parses is logged
// and left unregistered.
func (s *Service) Load(ctx context.Context) error {
	configs, err := s.configs.List(ctx)
	if err != nil {
		return errors.Wrap(err, "load schedule configs")
	}
	for _, c := range configs {
		if err := s.Sync(c); err != nil {
			log.Error().Err(err).Str("country", string(c.Country)).Msg("failed to register schedule")
		}
	}
	return nil
}

// OnConfigChanged is the registry listener.
func (s *Service) OnConfigChanged(c domain.Config) {
	if err := s.Sync(c); err != nil {
		log.Error().Err(err).Str("country", string(c.Country)).Msg("failed to re-register schedule")
	}
}

// Sync replaces the country's cron entry with one derived from c. Calling it
// repeatedly with the same config leaves exactly one entry.
func (s *Service) Sync(c domain.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[c.Country]; ok {
		s.cron.Remove(id)
		delete(s.entries, c.Country)
	}
	if !c.IsEnabled {
		log.Info().Str("country", string(c.Country)).Msg("schedule disabled, not registered")
		return nil
	}

	schedule, err := registry.ParseSchedule(c.CronExpression, c.Timezone)
	if err != nil {
		return errors.Wrapf(err, "parse schedule %q in %s", c.CronExpression, c.Timezone)
	}
	country := c.Country
	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(country) }))
	s.entries[country] = id

	log.Info().
		Str("country", string(country)).
		Str("cron", c.CronExpression).
		Str("timezone", c.Timezone).
		Time("next_run", schedule.Next(s.now())).
		Msg("schedule registered")
	return nil
}

// entry returns the live cron entry for country, if registered.
func (s *Service) entry(country domain.Country) (cron.Entry, bool) {
	s.mu.Lock()
	id, ok := s.entries[country]
	s.mu.Unlock()
	if !ok {
		return cron.Entry{}, false
	}
	e := s.cron.Entry(id)
	return e, e.Valid()
}

func (s *Service) fire(country domain.Country) {
	slot := s.now().Truncate(time.Minute)

	s.mu.Lock()
	if last, ok := s.fired[country]; ok && !slot.After(last) {
		s.mu.Unlock()
		log.Warn().Str("country", string(country)).Time("slot", slot).Msg("schedule slot already fired, skipping")
		return
	}
	s.fired[country] = slot
	ctx := s.lifetime
	s.mu.Unlock()

	b, err := s.coord.Start(ctx, country, domain.TriggerScheduled, ActorScheduler)
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		log.Warn().Str("country", string(country)).Msg("scheduled run skipped, batch already running")
	case err != nil:
		log.Error().Err(err).Str("country", string(country)).Msg("failed to start scheduled batch")
	default:
		log.Info().Str("country", string(country)).Str("batch_id", b.ID).Msg("scheduled batch started")
	}
}

// TriggerManual starts a batch now. The single-running-batch guard is
// checked before it returns; the users are processed in the background.
func (s *Service) TriggerManual(ctx context.Context, country domain.Country, actor string) (TriggerResult, error) {
	if !country.IsValid() {
		return TriggerResult{}, domain.Invalid("country", "unsupported country %q", country)
	}
	if err := ctx.Err(); err != nil {
		return TriggerResult{}, err
	}

	s.mu.Lock()
	lifetime := s.lifetime
	s.mu.Unlock()

	at := s.now()
	b, err := s.coord.Start(lifetime, country, domain.TriggerManual, actor)
	if err != nil {
		return TriggerResult{}, err
	}
	log.Info().Str("country", string(country)).Str("batch_id", b.ID).Str("by", actor).Msg("manual batch triggered")
	return TriggerResult{Country: country, TriggeredAt: at, BatchID: b.ID}, nil
}
