// Package config loads klined configuration from an optional YAML file and
// KLINED_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/exit"
	"solana-kline-engine/internal/logger"
	"solana-kline-engine/internal/strategy"
)

// EnvPrefix is prepended to every environment override, e.g. KLINED_REDIS_URL.
const EnvPrefix = "KLINED"

// Store and history backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	HistoryNone       = "none"
	HistoryPostgres   = "postgres"
	HistoryClickHouse = "clickhouse"

	FeedWebSocket = "ws"
	FeedFile      = "jsonl"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the full process configuration.
type Config struct {
	Log        logger.Config     `mapstructure:"log"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Postgres   PostgresConfig    `mapstructure:"postgres"`
	ClickHouse ClickHouseConfig  `mapstructure:"clickhouse"`
	KLine      KLineConfig       `mapstructure:"kline"`
	Exit       exit.Config       `mapstructure:"exit"`
	Strategies []strategy.Config `mapstructure:"strategies" validate:"dive"`
	Snapshots  SnapshotConfig    `mapstructure:"snapshots"`
	Feed       FeedConfig        `mapstructure:"feed"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
}

type RedisConfig struct {
	URL          string `mapstructure:"url"`
	ConnectTries uint   `mapstructure:"connect_tries" validate:"gte=1"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	ConnectTries uint   `mapstructure:"connect_tries" validate:"gte=1"`
	Migrate      bool   `mapstructure:"migrate"` // run embedded migrations on startup
}

type ClickHouseConfig struct {
	DSN          string `mapstructure:"dsn"`
	ConnectTries uint   `mapstructure:"connect_tries" validate:"gte=1"`
	Migrate      bool   `mapstructure:"migrate"`
}

// KLineConfig configures the aggregator and its stores.
type KLineConfig struct {
	Store          string        `mapstructure:"store" validate:"oneof=memory redis"`
	History        string        `mapstructure:"history" validate:"oneof=none postgres clickhouse"`
	Resolutions    []string      `mapstructure:"resolutions" validate:"min=1"`
	Retention      time.Duration `mapstructure:"retention" validate:"gt=0"`
	TradeRetention time.Duration `mapstructure:"trade_retention" validate:"gte=0"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	FlushInterval  time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	FlushTimeout   time.Duration `mapstructure:"flush_timeout" validate:"gt=0"`
	FlushBatchSize int           `mapstructure:"flush_batch_size" validate:"gt=0"`
	FlushRetries   uint          `mapstructure:"flush_retries" validate:"gte=1"`
	StoreTimeout   time.Duration `mapstructure:"store_timeout" validate:"gt=0"`
}

// ParsedResolutions converts Resolutions into domain values.
func (c KLineConfig) ParsedResolutions() ([]domain.Resolution, error) {
	out := make([]domain.Resolution, 0, len(c.Resolutions))
	seen := make(map[domain.Resolution]bool, len(c.Resolutions))
	for _, s := range c.Resolutions {
		r, err := domain.ParseResolution(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out, nil
}

// SnapshotConfig enables detection snapshots.
type SnapshotConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir" validate:"required_if=Enabled true"`
}

// FeedConfig selects the event source.
type FeedConfig struct {
	Kind             string        `mapstructure:"kind" validate:"oneof=ws jsonl"`
	URL              string        `mapstructure:"url" validate:"required_if=Kind ws"`
	Path             string        `mapstructure:"path" validate:"required_if=Kind jsonl"`
	ReconnectWait    time.Duration `mapstructure:"reconnect_wait" validate:"gt=0"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait" validate:"gtefield=ReconnectWait"`
	PingInterval     time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	Buffer           int           `mapstructure:"buffer" validate:"gt=0"`

	// MonitorWallets are base58 wallets whose own trades set entry prices.
	MonitorWallets []string `mapstructure:"monitor_wallets"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the HTTP server
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	var cfg Config
	v := viper.New()
	setDefaults(v)
	// Defaults always decode; an error here is a programming bug.
	if err := v.Unmarshal(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	lc := logger.DefaultConfig()
	v.SetDefault("log.level", lc.Level)
	v.SetDefault("log.format", lc.Format)
	v.SetDefault("log.output", lc.Output)
	v.SetDefault("log.development", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 14)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.connect_tries", 5)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.connect_tries", 5)
	v.SetDefault("postgres.migrate", false)
	v.SetDefault("clickhouse.dsn", "")
	v.SetDefault("clickhouse.connect_tries", 5)
	v.SetDefault("clickhouse.migrate", false)

	res := domain.DefaultResolutions()
	names := make([]string, len(res))
	for i, r := range res {
		names[i] = string(r)
	}
	v.SetDefault("kline.store", StoreMemory)
	v.SetDefault("kline.history", HistoryNone)
	v.SetDefault("kline.resolutions", names)
	v.SetDefault("kline.retention", 4*time.Hour)
	v.SetDefault("kline.trade_retention", 0)
	v.SetDefault("kline.sweep_interval", time.Minute)
	v.SetDefault("kline.flush_interval", 10*time.Second)
	v.SetDefault("kline.flush_timeout", 30*time.Second)
	v.SetDefault("kline.flush_batch_size", 500)
	v.SetDefault("kline.flush_retries", 3)
	v.SetDefault("kline.store_timeout", 2*time.Second)

	ec := exit.DefaultConfig()
	v.SetDefault("exit.stop_loss.enabled", ec.StopLoss.Enabled)
	v.SetDefault("exit.stop_loss.percent", ec.StopLoss.Percent)
	v.SetDefault("exit.take_profit.enabled", ec.TakeProfit.Enabled)
	v.SetDefault("exit.take_profit.levels", ec.TakeProfit.Levels)
	v.SetDefault("exit.trailing.enabled", ec.Trailing.Enabled)
	v.SetDefault("exit.trailing.activation_percent", ec.Trailing.ActivationPercent)
	v.SetDefault("exit.trailing.trailing_percent", ec.Trailing.TrailingPercent)

	v.SetDefault("strategies", []strategy.Config{
		{Kind: strategy.KindPullbackBuy},
		{Kind: strategy.KindBreakoutHigh},
	})
	v.SetDefault("snapshots.enabled", false)
	v.SetDefault("snapshots.dir", "data/snapshots")

	v.SetDefault("feed.kind", FeedWebSocket)
	v.SetDefault("feed.url", "ws://localhost:8900/events")
	v.SetDefault("feed.path", "")
	v.SetDefault("feed.reconnect_wait", time.Second)
	v.SetDefault("feed.max_reconnect_wait", 30*time.Second)
	v.SetDefault("feed.ping_interval", 30*time.Second)
	v.SetDefault("feed.buffer", 1024)
	v.SetDefault("feed.monitor_wallets", []string{})

	v.SetDefault("metrics.addr", ":9090")
}

func newViper(path string) (*viper.Viper, error) {
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
	return v, nil
}

// Load reads path (optional) and the environment, then validates the result.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and then cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if _, err := c.KLine.ParsedResolutions(); err != nil {
		return fmt.Errorf("%w: kline.resolutions: %v", ErrInvalidConfig, err)
	}
	if c.KLine.Store == StoreRedis && c.Redis.URL == "" {
		return fmt.Errorf("%w: redis.url is required for the redis store", ErrInvalidConfig)
	}
	switch c.KLine.History {
	case HistoryPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("%w: postgres.dsn is required for postgres history", ErrInvalidConfig)
		}
	case HistoryClickHouse:
		if c.ClickHouse.DSN == "" {
			return fmt.Errorf("%w: clickhouse.dsn is required for clickhouse history", ErrInvalidConfig)
		}
	}
	if err := c.Exit.Validate(); err != nil {
		return fmt.Errorf("%w: exit: %v", ErrInvalidConfig, err)
	}
	for i, w := range c.Feed.MonitorWallets {
		if _, err := domain.ParsePublicKey(w); err != nil {
			return fmt.Errorf("%w: feed.monitor_wallets[%d]: %v", ErrInvalidConfig, i, err)
		}
	}
	for i, s := range c.Strategies {
		if s.Resolution == "" {
			continue
		}
		if _, err := domain.ParseResolution(s.Resolution); err != nil {
			return fmt.Errorf("%w: strategies[%d].resolution: %v", ErrInvalidConfig, i, err)
		}
	}
	return nil
}
