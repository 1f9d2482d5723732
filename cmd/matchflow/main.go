package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"matchflow/internal/api"
	"matchflow/internal/batch"
	"matchflow/internal/config"
	"matchflow/internal/ledger"
	"matchflow/internal/manual"
	"matchflow/internal/matching"
	"matchflow/internal/metrics"
	"matchflow/internal/registry"
	"matchflow/internal/scheduler"
	"matchflow/internal/scoring"
	"matchflow/internal/store"
	"matchflow/internal/users"
	"matchflow/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file")
		envFile = flag.String("env", "", ".env file (default ./.env if present)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof routes")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	setupLogging(cfg.Log)

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Database.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	if err := users.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure users schema")
	}

	repo := store.NewSQLiteRepo(db)
	if n, err := repo.RecoverStaleBatches(context.Background(), time.Now().Add(-cfg.Matching.StaleAfter), "interrupted: heartbeat lost"); err != nil {
		log.Error().Err(err).Msg("recover stale batches")
	} else {
		log.Info().Int("recovered", n).Msg("recovered stale running batches")
	}
	if n, err := repo.RecoverStaleManual(context.Background(), time.Now().Add(-cfg.Matching.StaleAfter), "system:recovery", "interrupted: executor stopped"); err != nil {
		log.Error().Err(err).Msg("recover stale manual matchings")
	} else {
		log.Info().Int("recovered", n).Msg("recovered stale processing manual matchings")
	}

	reg := registry.New(repo)
	if err := reg.Seed(context.Background(), cfg.SeedConfigs(), "system:seed"); err != nil {
		log.Fatal().Err(err).Msg("seed configs")
	}

	var scorer matching.Scorer = matching.NeutralScorer{}
	if cfg.Scorer.URL != "" {
		scorer = scoring.NewHTTPScorer(cfg.Scorer.URL, cfg.Scorer.Timeout).WithRateLimit(cfg.Scorer.RatePerSecond, cfg.Scorer.Burst)
		log.Info().Str("url", cfg.Scorer.URL).Msg("using remote scorer")
	}

	rec := metrics.NewRecorder()
	dir := users.NewSQLiteDirectory(db)
	guard := matching.NewDuplicateGuard(repo, cfg.Matching.Cooldown)
	coord := batch.NewCoordinator(repo, dir, matching.NewDirectorySelector(dir, scorer), matching.NewAssigner(guard),
		batch.WithMetrics(rec), batch.WithUserTimeout(cfg.Matching.UserTimeout))
	sched := scheduler.NewService(reg, coord)
	reg.Subscribe(sched.OnConfigChanged)
	manualSvc := manual.NewService(repo, dir, guard, manual.WithMetrics(rec))
	pool := worker.NewPool(repo, manualSvc, cfg.Dispatcher.Concurrency, cfg.Dispatcher.PollInterval)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: api.NewServer(api.Deps{
		Registry:  reg,
		Scheduler: sched,
		Status:    scheduler.NewStatusTracker(reg, repo, sched),
		Ledger:    ledger.New(repo),
		Batches:   coord,
		Manual:    manualSvc,
		Metrics:   rec,
		Debug:     *debug,
	})}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		ctxTimeout, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctxTimeout)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}
	// running batches see the cancelled context and finish as failed
	coord.Wait()
	log.Info().Msg("bye")
}

func setupLogging(c config.LogConfig) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		log.Warn().Str("level", c.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
