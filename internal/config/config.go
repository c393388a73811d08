// Package config loads runtime configuration from defaults, an optional
// YAML file, a .env file and KASKADE_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of configuration environment variables.
const EnvPrefix = "KASKADE"

// Config is the application configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	HTTPAddr  string `mapstructure:"http_addr"`

	UseMemory     bool   `mapstructure:"use_memory"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	ClickhouseDSN string `mapstructure:"clickhouse_dsn"`

	Pairs []string `mapstructure:"pairs"`

	Venue     VenueConfig     `mapstructure:"venue"`
	Market    MarketConfig    `mapstructure:"market"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
}

// VenueConfig configures the swap API and quote stream clients.
type VenueConfig struct {
	Stub       bool          `mapstructure:"stub"`
	BaseURL    string        `mapstructure:"base_url"`
	QuotesURL  string        `mapstructure:"quotes_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// MarketConfig configures the market signal engine.
type MarketConfig struct {
	MaxEvents       int           `mapstructure:"max_events"`
	MaxHorizon      time.Duration `mapstructure:"max_horizon"`
	TrendSamples    int           `mapstructure:"trend_samples"`
	TrendEpsilonBps float64       `mapstructure:"trend_epsilon_bps"`
	MinSamples      int           `mapstructure:"min_samples"`
	MinSpan         time.Duration `mapstructure:"min_span"`
}

// SchedulerConfig configures tick cadence and per-tick capacity.
type SchedulerConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	DefaultCooldown    time.Duration `mapstructure:"default_cooldown"`
	FailureCooldown    time.Duration `mapstructure:"failure_cooldown"`
	MaxIntentsPerTick  int           `mapstructure:"max_intents_per_tick"`
	MaxNotionalPerTick uint64        `mapstructure:"max_notional_per_tick"`
	MaxPerPairPerTick  int           `mapstructure:"max_per_pair_per_tick"`
	MaxPerUserPerTick  int           `mapstructure:"max_per_user_per_tick"`
	EvalWorkers        int           `mapstructure:"eval_workers"`
	QueueSize          int           `mapstructure:"queue_size"`
	PairRefresh        time.Duration `mapstructure:"pair_refresh"`
}

// ExecutorConfig configures the executor pool.
type ExecutorConfig struct {
	Workers          int           `mapstructure:"workers"`
	VersionTolerance uint64        `mapstructure:"version_tolerance"`
	MaxSnapshotAge   time.Duration `mapstructure:"max_snapshot_age"`
	BuildTimeout     time.Duration `mapstructure:"build_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("http_addr", ":9090")

	v.SetDefault("use_memory", true)
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("clickhouse_dsn", "")
	v.SetDefault("pairs", []string{})

	v.SetDefault("venue.stub", true)
	v.SetDefault("venue.base_url", "")
	v.SetDefault("venue.quotes_url", "")
	v.SetDefault("venue.timeout", 10*time.Second)
	v.SetDefault("venue.max_retries", 3)
	v.SetDefault("venue.retry_delay", 500*time.Millisecond)

	v.SetDefault("market.max_events", 64)
	v.SetDefault("market.max_horizon", 60*time.Second)
	v.SetDefault("market.trend_samples", 0)
	v.SetDefault("market.trend_epsilon_bps", 0.5)
	v.SetDefault("market.min_samples", 10)
	v.SetDefault("market.min_span", 5*time.Second)

	v.SetDefault("scheduler.tick_interval", time.Second)
	v.SetDefault("scheduler.default_cooldown", 10*time.Second)
	v.SetDefault("scheduler.failure_cooldown", 10*time.Second)
	v.SetDefault("scheduler.max_intents_per_tick", 64)
	v.SetDefault("scheduler.max_notional_per_tick", 0)
	v.SetDefault("scheduler.max_per_pair_per_tick", 0)
	v.SetDefault("scheduler.max_per_user_per_tick", 0)
	v.SetDefault("scheduler.eval_workers", 8)
	v.SetDefault("scheduler.queue_size", 256)
	v.SetDefault("scheduler.pair_refresh", 5*time.Second)

	v.SetDefault("executor.workers", 4)
	v.SetDefault("executor.version_tolerance", 5)
	v.SetDefault("executor.max_snapshot_age", 10*time.Second)
	v.SetDefault("executor.build_timeout", 5*time.Second)
}

// Load reads configuration. path may be empty. A missing .env file is ignored.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best-effort

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	var pairs []string
	for _, p := range c.Pairs {
		for _, part := range strings.Split(p, ",") {
			if part = strings.TrimSpace(part); part != "" {
				pairs = append(pairs, strings.ToUpper(part))
			}
		}
	}
	c.Pairs = pairs
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
}

// Validate checks value ranges and required settings.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.LogFormat == "json" || c.LogFormat == "console", "log_format must be json or console, got %q", c.LogFormat)
	if !c.UseMemory {
		check(c.PostgresDSN != "", "postgres_dsn is required unless use_memory is set")
		check(c.ClickhouseDSN != "", "clickhouse_dsn is required unless use_memory is set")
	}
	if !c.Venue.Stub {
		check(c.Venue.BaseURL != "", "venue.base_url is required unless venue.stub is set")
	}
	check(c.Venue.Timeout > 0, "venue.timeout must be positive")
	check(c.Venue.MaxRetries >= 0, "venue.max_retries must not be negative")

	check(c.Market.MaxEvents >= 2, "market.max_events must be at least 2")
	check(c.Market.MaxHorizon > 0, "market.max_horizon must be positive")
	check(c.Market.TrendSamples >= 0, "market.trend_samples must not be negative")
	check(c.Market.TrendEpsilonBps >= 0, "market.trend_epsilon_bps must not be negative")
	check(c.Market.MinSamples >= 1 && c.Market.MinSamples <= c.Market.MaxEvents,
		"market.min_samples must be between 1 and market.max_events")
	check(c.Market.MinSpan >= 0 && c.Market.MinSpan <= c.Market.MaxHorizon,
		"market.min_span must be between 0 and market.max_horizon")

	check(c.Scheduler.TickInterval >= 10*time.Millisecond, "scheduler.tick_interval must be at least 10ms")
	check(c.Scheduler.DefaultCooldown >= 0, "scheduler.default_cooldown must not be negative")
	check(c.Scheduler.FailureCooldown >= 0, "scheduler.failure_cooldown must not be negative")
	check(c.Scheduler.MaxIntentsPerTick >= 0, "scheduler.max_intents_per_tick must not be negative")
	check(c.Scheduler.MaxPerPairPerTick >= 0, "scheduler.max_per_pair_per_tick must not be negative")
	check(c.Scheduler.MaxPerUserPerTick >= 0, "scheduler.max_per_user_per_tick must not be negative")
	check(c.Scheduler.EvalWorkers >= 1, "scheduler.eval_workers must be at least 1")
	check(c.Scheduler.QueueSize >= 1, "scheduler.queue_size must be at least 1")
	check(c.Scheduler.PairRefresh >= 10*time.Millisecond, "scheduler.pair_refresh must be at least 10ms")

	check(c.Executor.Workers >= 1, "executor.workers must be at least 1")
	check(c.Executor.MaxSnapshotAge >= 0, "executor.max_snapshot_age must not be negative")
	check(c.Executor.BuildTimeout > 0, "executor.build_timeout must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
