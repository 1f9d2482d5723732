// Package config loads service settings: built-in defaults, then an optional
// YAML file, then MATCHFLOW_* environment variables (a .env file is read
// first when present). Command-line flags are applied on top by main.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"matchflow/internal/domain"
	"matchflow/internal/registry"
)

const envPrefix = "MATCHFLOW_"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Matching   MatchingConfig   `yaml:"matching"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Scorer     ScorerConfig     `yaml:"scorer"`
	// Seed creates these country configs on startup when they do not exist.
	Seed []SeedConfig `yaml:"seed"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type MatchingConfig struct {
	Cooldown    time.Duration `yaml:"cooldown"`
	UserTimeout time.Duration `yaml:"userTimeout"`
	// StaleAfter is how old a running batch's heartbeat may be at startup
	// before it is failed.
	StaleAfter time.Duration `yaml:"staleAfter"`
}

type DispatcherConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	Concurrency  int           `yaml:"concurrency"`
}

type ScorerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// RatePerSecond caps calls to the scoring service; 0 means unlimited.
	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

type SeedConfig struct {
	Country             domain.Country `yaml:"country"`
	CronExpression      string         `yaml:"cronExpression"`
	Timezone            string         `yaml:"timezone"`
	Enabled             bool           `yaml:"enabled"`
	BatchSize           int            `yaml:"batchSize"`
	DelayBetweenUsersMs *int           `yaml:"delayBetweenUsersMs"`
	MaxRetryCount       *int           `yaml:"maxRetryCount"`
	LoginWindowDays     int            `yaml:"loginWindowDays"`
	IncludeUnknownRank  bool           `yaml:"includeUnknownRank"`
	Description         string         `yaml:"description"`
}

func Defaults() Config {
	return Config{
		Server:     ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Database:   DatabaseConfig{Path: "matchflow.db"},
		Log:        LogConfig{Level: "info", Format: "console"},
		Matching:   MatchingConfig{Cooldown: 30 * 24 * time.Hour, UserTimeout: 30 * time.Second, StaleAfter: 10 * time.Minute},
		Dispatcher: DispatcherConfig{PollInterval: 15 * time.Second, Concurrency: 4},
		Scorer:     ScorerConfig{Timeout: 5 * time.Second, RatePerSecond: 20, Burst: 5},
	}
}

// Load builds the config. path and envFile may be empty.
func Load(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg(".env file could not be loaded")
		}
	} else if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg(".env file not loaded")
	}

	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(envPrefix + key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", envPrefix, key)
		}
		*dst = d
		return nil
	}

	str("ADDR", &cfg.Server.Addr)
	str("DB", &cfg.Database.Path)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("SCORER_URL", &cfg.Scorer.URL)

	for key, dst := range map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT": &cfg.Server.ShutdownTimeout,
		"COOLDOWN":         &cfg.Matching.Cooldown,
		"USER_TIMEOUT":     &cfg.Matching.UserTimeout,
		"STALE_AFTER":      &cfg.Matching.StaleAfter,
		"POLL_INTERVAL":    &cfg.Dispatcher.PollInterval,
		"SCORER_TIMEOUT":   &cfg.Scorer.Timeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup(envPrefix + "DISPATCH_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "%sDISPATCH_CONCURRENCY", envPrefix)
		}
		cfg.Dispatcher.Concurrency = n
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return errors.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	for name, d := range map[string]time.Duration{
		"matching.cooldown":       c.Matching.Cooldown,
		"matching.userTimeout":    c.Matching.UserTimeout,
		"matching.staleAfter":     c.Matching.StaleAfter,
		"dispatcher.pollInterval": c.Dispatcher.PollInterval,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive", name)
		}
	}
	if c.Scorer.RatePerSecond < 0 {
		return errors.New("scorer.ratePerSecond must not be negative")
	}
	if c.Dispatcher.Concurrency < 1 {
		return errors.New("dispatcher.concurrency must be at least 1")
	}
	for _, s := range c.Seed {
		if err := registry.Validate(s.Config()); err != nil {
			return errors.Wrapf(err, "seed %s", s.Country)
		}
	}
	return nil
}

// Config fills the fields the seed leaves unset from registry.Defaults.
func (s SeedConfig) Config() domain.Config {
	c := registry.Defaults(s.Country)
	c.IsEnabled = s.Enabled
	c.IncludeUnknownRank = s.IncludeUnknownRank
	c.Description = s.Description
	if s.CronExpression != "" {
		c.CronExpression = s.CronExpression
	}
	if s.Timezone != "" {
		c.Timezone = s.Timezone
	}
	if s.BatchSize != 0 {
		c.BatchSize = s.BatchSize
	}
	if s.DelayBetweenUsersMs != nil {
		c.DelayBetweenUsersMs = *s.DelayBetweenUsersMs
	}
	if s.MaxRetryCount != nil {
		c.MaxRetryCount = *s.MaxRetryCount
	}
	if s.LoginWindowDays != 0 {
		c.LoginWindowDays = s.LoginWindowDays
	}
	return c
}

func (c Config) SeedConfigs() []domain.Config {
	out := make([]domain.Config, 0, len(c.Seed))
	for _, s := range c.Seed {
		out = append(out, s.Config())
	}
	return out
}
