// Package config handles application configuration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/your-org/regime-allocator/internal/engine"
	"github.com/your-org/regime-allocator/internal/portfolio"
	"github.com/your-org/regime-allocator/internal/signal"
)

// Config defines the structure for all application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	RunID    string `yaml:"run_id"`

	InitialCapital float64 `yaml:"initial_capital"`
	RegimeSymbol   string  `yaml:"regime_symbol"`

	RegimeLookback       int     `yaml:"regime_lookback"`
	TrendThreshold       float64 `yaml:"trend_threshold"`
	TrendSmoothing       float64 `yaml:"trend_smoothing"`
	VolatilityThreshold  float64 `yaml:"volatility_threshold"`
	VolatilityPercentile float64 `yaml:"volatility_percentile"`
	VolatilityWindow     int     `yaml:"volatility_window"`
	DebounceCount        int     `yaml:"debounce_count"`

	AllocatorMode      string  `yaml:"allocator_mode"`
	MinWeight          float64 `yaml:"min_weight"`
	MaxWeight          float64 `yaml:"max_weight"`
	RebalanceThreshold float64 `yaml:"rebalance_threshold"`
	RebalanceCadence   int     `yaml:"rebalance_cadence"`
	RiskLookback       int     `yaml:"risk_lookback"`

	StrategyPool          []string            `yaml:"strategy_pool"`
	RegimeWhitelists      map[string][]string `yaml:"regime_whitelists"`
	DefaultWhitelist      []string            `yaml:"default_whitelist"`
	ConservativeWhitelist []string            `yaml:"conservative_whitelist"`
	Strategies            []StrategyConf      `yaml:"strategies"`

	MaxDisableRetries int      `yaml:"max_disable_retries"`
	ShutdownTimeout   Duration `yaml:"shutdown_timeout"`
	CallTimeout       Duration `yaml:"call_timeout"`
	ParallelFanOut    FlexBool `yaml:"parallel_fanout"`
	FanOutWorkers     int      `yaml:"fanout_workers"`

	CheckpointInterval int    `yaml:"checkpoint_interval"`
	CheckpointPath     string `yaml:"checkpoint_path"`

	Database  DatabaseConf   `yaml:"database"`
	DBWriter  DBWriterConfig `yaml:"db_writer"`
	Execution ExecutionConf  `yaml:"execution"`
	Feed      FeedConf       `yaml:"feed"`
	HTTP      HTTPConf       `yaml:"http"`
	Schedule  ScheduleConf   `yaml:"schedule"`
}

// StrategyConf holds the parameters of one reference strategy.
type StrategyConf struct {
	ID         string  `yaml:"id"`
	Kind       string  `yaml:"kind"`
	Pair       string  `yaml:"pair"`
	Lookback   int     `yaml:"lookback"`
	Threshold  float64 `yaml:"threshold"`
	HoldBars   int     `yaml:"hold_bars"`
	TP         float64 `yaml:"tp"` // Take Profit, relative
	SL         float64 `yaml:"sl"` // Stop Loss, relative
	EWMALambda float64 `yaml:"ewma_lambda"`
	BaseSize   float64 `yaml:"base_size"`
	Capital    float64 `yaml:"capital"`
}

// DatabaseConf holds the Postgres connection settings.
type DatabaseConf struct {
	Host     string   `yaml:"host"`
	Port     string   `yaml:"port"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	Name     string   `yaml:"name"`
	SSLMode  string   `yaml:"sslmode"`
	Migrate  FlexBool `yaml:"migrate"`
}

// DBWriterConfig holds configuration for the batched audit writer.
type DBWriterConfig struct {
	BatchSize            int `yaml:"batch_size"`
	WriteIntervalSeconds int `yaml:"write_interval_seconds"`
}

// ExecutionConf configures the paper executor and its guard.
type ExecutionConf struct {
	InitialQuote    float64  `yaml:"initial_quote"`
	OrderRatio      float64  `yaml:"order_ratio"`
	Timeout         Duration `yaml:"timeout"`
	MaxRetries      int      `yaml:"max_retries"`
	Backoff         Duration `yaml:"backoff"`
	BreakerFailures uint32   `yaml:"breaker_failures"`
	BreakerCooldown Duration `yaml:"breaker_cooldown"`
}

// FeedConf configures the live WebSocket feed.
type FeedConf struct {
	URL            string   `yaml:"url"`
	Symbol         string   `yaml:"symbol"`
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// HTTPConf configures the control API. An empty Addr disables it.
type HTTPConf struct {
	Addr string `yaml:"addr"`
}

// ScheduleConf holds wall-clock schedules for live mode.
type ScheduleConf struct {
	RebalanceCron string `yaml:"rebalance_cron"`
}

var current atomic.Pointer[Config]

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	return current.Load()
}

// ReloadConfig loads and validates configPath and, on success, makes it the
// value returned by GetConfig.
func ReloadConfig(configPath string) (*Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	current.Store(cfg)
	return cfg, nil
}

// LoadConfig loads configuration from the specified YAML file path
// and environment variables. Defaults are applied; validation is not.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		// Default values
		LogLevel: "info",
	}

	// Read YAML file
	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", portfolio.ErrConfiguration, configPath, err)
	}

	// Overrides from environment variables
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		cfg.Database.Host = dbHost
	}
	if dbPort := os.Getenv("DB_PORT"); dbPort != "" {
		cfg.Database.Port = dbPort
	}
	if dbUser := os.Getenv("DB_USER"); dbUser != "" {
		cfg.Database.User = dbUser
	}
	if dbPassword := os.Getenv("DB_PASSWORD"); dbPassword != "" {
		cfg.Database.Password = dbPassword
	}
	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		cfg.Database.Name = dbName
	}
	if feedURL := os.Getenv("FEED_URL"); feedURL != "" {
		cfg.Feed.URL = feedURL
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.InitialCapital <= 0 {
		c.InitialCapital = 1_000_000
	}
	if c.RegimeLookback == 0 {
		c.RegimeLookback = 20
	}
	if c.DebounceCount == 0 {
		c.DebounceCount = 1
	}
	if c.AllocatorMode == "" {
		c.AllocatorMode = "max_dd"
	}
	if c.MaxWeight == 0 {
		c.MaxWeight = 1
	}
	if c.MaxDisableRetries == 0 {
		c.MaxDisableRetries = 3
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(30 * time.Second)
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = Duration(5 * time.Second)
	}
	if c.Database.Port == "" {
		c.Database.Port = "5432"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.DBWriter.BatchSize == 0 {
		c.DBWriter.BatchSize = 100
	}
	if c.DBWriter.WriteIntervalSeconds == 0 {
		c.DBWriter.WriteIntervalSeconds = 1
	}
	if c.Execution.InitialQuote == 0 {
		c.Execution.InitialQuote = c.InitialCapital
	}
	if c.Feed.Symbol == "" {
		c.Feed.Symbol = c.RegimeSymbol
	}
	for i := range c.Strategies {
		if c.Strategies[i].Pair == "" {
			c.Strategies[i].Pair = c.RegimeSymbol
		}
	}
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}

// Validate reports every configuration problem at once. Each error satisfies
// errors.Is(err, portfolio.ErrConfiguration).
func (c *Config) Validate() error {
	err := c.Engine().Validate()

	if !logLevels[strings.ToLower(c.LogLevel)] {
		err = multierr.Append(err, portfolio.ConfigErrorf("unknown log_level %q", c.LogLevel))
	}
	if _, perr := portfolio.ParseAllocationMode(c.AllocatorMode); perr != nil {
		err = multierr.Append(err, perr)
	}
	if c.DebounceCount < 1 {
		err = multierr.Append(err, portfolio.ConfigErrorf("debounce_count must be at least 1, got %d", c.DebounceCount))
	}
	if c.FanOutWorkers < 0 {
		err = multierr.Append(err, portfolio.ConfigErrorf("fanout_workers must not be negative"))
	}
	if c.CheckpointInterval < 0 {
		err = multierr.Append(err, portfolio.ConfigErrorf("checkpoint_interval must not be negative"))
	}

	seen := make(map[string]bool, len(c.Strategies))
	for _, s := range c.Strategies {
		if seen[s.ID] {
			err = multierr.Append(err, portfolio.ConfigErrorf("strategies: duplicate id %q", s.ID))
		}
		seen[s.ID] = true
		if _, kerr := signal.ParseKind(s.Kind); kerr != nil {
			err = multierr.Append(err, portfolio.ConfigErrorf("strategies[%s]: %v", s.ID, kerr))
		}
		if s.BaseSize <= 0 {
			err = multierr.Append(err, portfolio.ConfigErrorf("strategies[%s]: base_size must be positive", s.ID))
		}
	}

	if c.Database.Host != "" {
		if _, perr := strconv.Atoi(c.Database.Port); perr != nil {
			err = multierr.Append(err, portfolio.ConfigErrorf("database.port %q is not a number", c.Database.Port))
		}
	}
	if c.Execution.MaxRetries < 0 {
		err = multierr.Append(err, portfolio.ConfigErrorf("execution.max_retries must not be negative"))
	}
	if c.Execution.OrderRatio < 0 || c.Execution.OrderRatio > 1 {
		err = multierr.Append(err, portfolio.ConfigErrorf("execution.order_ratio must lie within [0, 1]"))
	}
	if c.Feed.URL != "" {
		if u, perr := url.Parse(c.Feed.URL); perr != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			err = multierr.Append(err, portfolio.ConfigErrorf("feed.url %q must be a ws:// or wss:// URL", c.Feed.URL))
		}
	}
	if c.Schedule.RebalanceCron != "" {
		if _, perr := cron.ParseStandard(c.Schedule.RebalanceCron); perr != nil {
			err = multierr.Append(err, portfolio.ConfigErrorf("schedule.rebalance_cron: %v", perr))
		}
	}
	return err
}

// Engine converts the file configuration into the engine's view of it.
func (c *Config) Engine() engine.Config {
	mode, _ := portfolio.ParseAllocationMode(c.AllocatorMode)
	return engine.Config{
		RunID:                 c.RunID,
		RegimeSymbol:          c.RegimeSymbol,
		RegimeLookback:        c.RegimeLookback,
		TrendThreshold:        c.TrendThreshold,
		TrendSmoothing:        c.TrendSmoothing,
		VolatilityThreshold:   c.VolatilityThreshold,
		VolatilityPercentile:  c.VolatilityPercentile,
		VolatilityWindow:      c.VolatilityWindow,
		DebounceCount:         c.DebounceCount,
		AllocatorMode:         mode,
		MinWeight:             c.MinWeight,
		MaxWeight:             c.MaxWeight,
		RebalanceThreshold:    c.RebalanceThreshold,
		RebalanceCadence:      c.RebalanceCadence,
		RiskLookback:          c.RiskLookback,
		StrategyPool:          c.StrategyPool,
		RegimeWhitelists:      c.RegimeWhitelists,
		DefaultWhitelist:      c.DefaultWhitelist,
		ConservativeWhitelist: c.ConservativeWhitelist,
		MaxDisableRetries:     c.MaxDisableRetries,
		ShutdownTimeout:       c.ShutdownTimeout.Std(),
		CallTimeout:           c.CallTimeout.Std(),
		InitialCapital:        c.InitialCapital,
		ParallelFanOut:        bool(c.ParallelFanOut),
		FanOutWorkers:         c.FanOutWorkers,
		CheckpointInterval:    c.CheckpointInterval,
	}
}

// Params converts a strategy entry into reference strategy parameters.
func (s StrategyConf) Params() signal.Params {
	return signal.Params{
		Engine: signal.EngineConfig{
			Kind:       signal.Kind(s.Kind),
			Lookback:   s.Lookback,
			Threshold:  s.Threshold,
			HoldBars:   s.HoldBars,
			TakeProfit: s.TP,
			StopLoss:   s.SL,
			EWMALambda: s.EWMALambda,
		},
		Pair:     s.Pair,
		BaseSize: s.BaseSize,
		Capital:  s.Capital,
	}
}

// Enabled reports whether a database is configured.
func (d DatabaseConf) Enabled() bool {
	return d.Host != ""
}

// DSN returns a postgres:// connection URL.
func (d DatabaseConf) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}
