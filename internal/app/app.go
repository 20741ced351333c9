// Package app builds the engine components from configuration. It is shared
// by the klined and klinectl binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"solana-kline-engine/internal/cache"
	"solana-kline-engine/internal/config"
	"solana-kline-engine/internal/exit"
	"solana-kline-engine/internal/feed"
	"solana-kline-engine/internal/kline"
	"solana-kline-engine/internal/storage"
	chstore "solana-kline-engine/internal/storage/clickhouse"
	"solana-kline-engine/internal/storage/memory"
	"solana-kline-engine/internal/storage/migrations"
	pgstore "solana-kline-engine/internal/storage/postgres"
	redisstore "solana-kline-engine/internal/storage/redis"
	"solana-kline-engine/internal/strategy"
)

// Stores holds the opened storage backends.
type Stores struct {
	Live    storage.LiveStore
	History storage.HistoryStore // nil when history is disabled

	memory  *memory.KLineStore
	closers []func()
}

// Close releases every backend connection.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// RunSweeper evicts expired in-memory buckets until ctx is done. It returns
// immediately for other live stores.
func (s *Stores) RunSweeper(ctx context.Context, cfg config.KLineConfig) {
	if s.memory == nil {
		return
	}
	s.memory.RunSweeper(ctx, cfg.SweepInterval)
}

// OpenStores connects the configured live and history backends. With
// useMemory set the live store is in-process and history is disabled.
func OpenStores(ctx context.Context, cfg *config.Config, useMemory bool, logger *zap.Logger) (*Stores, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stores{}

	store := cfg.KLine.Store
	history := cfg.KLine.History
	if useMemory {
		store, history = config.StoreMemory, config.HistoryNone
	}

	switch store {
	case config.StoreRedis:
		client, err := redisstore.NewClientWithRetry(ctx, cfg.Redis.URL, cfg.Redis.ConnectTries, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.closers = append(s.closers, func() { client.Close() })
		s.Live = redisstore.NewKLineStore(client.Client, redisstore.Options{
			Retention:      cfg.KLine.Retention,
			TradeRetention: cfg.KLine.TradeRetention,
		})
		logger.Info("live store: redis")
	default:
		opts := []memory.Option{}
		if cfg.KLine.TradeRetention > 0 {
			opts = append(opts, memory.WithTradeRetention(cfg.KLine.TradeRetention))
		}
		s.memory = memory.NewKLineStore(cfg.KLine.Retention, opts...)
		s.Live = s.memory
		logger.Info("live store: memory")
	}

	hist, err := openHistory(ctx, cfg, history, s, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.History = hist
	return s, nil
}

func openHistory(ctx context.Context, cfg *config.Config, backend string, s *Stores, logger *zap.Logger) (storage.HistoryStore, error) {
	switch backend {
	case config.HistoryPostgres:
		pool, err := pgstore.NewPoolWithRetry(ctx, cfg.Postgres.DSN, cfg.Postgres.ConnectTries, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		if cfg.Postgres.Migrate {
			applied, err := migrations.RunPostgresMigrations(ctx, pool, logger)
			if err != nil {
				return nil, fmt.Errorf("postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied", zap.Strings("files", applied))
		}
		logger.Info("history store: postgres")
		return pgstore.NewKLineHistoryStore(pool), nil

	case config.HistoryClickHouse:
		var (
			conn *chstore.Conn
			err  error
		)
		if cfg.ClickHouse.Migrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN, logger)
		} else {
			conn, err = chstore.NewConnWithRetry(ctx, cfg.ClickHouse.DSN, cfg.ClickHouse.ConnectTries, logger)
		}
		if err != nil {
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		s.closers = append(s.closers, func() { conn.Close() })
		logger.Info("history store: clickhouse")
		return chstore.NewKLineHistoryStore(conn), nil

	default:
		logger.Info("history store: disabled")
		return nil, nil
	}
}

// Engine is the set of components driven by the orchestrator.
type Engine struct {
	KLines     *kline.Service
	Exits      *exit.Engine
	Strategies *strategy.Manager
	Cache      *cache.TradeCache
}

type engineOptions struct {
	clock func() time.Time
}

// EngineOption customizes BuildEngine.
type EngineOption func(*engineOptions)

// WithClock sets the clock of the aggregator and the exit engine.
func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) { o.clock = now }
}

// BuildEngine creates the aggregator, exit engine and detectors on top of stores.
func BuildEngine(cfg *config.Config, stores *Stores, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var eo engineOptions
	for _, opt := range opts {
		opt(&eo)
	}
	if stores == nil || stores.Live == nil {
		return nil, errors.New("app: live store required")
	}

	resolutions, err := cfg.KLine.ParsedResolutions()
	if err != nil {
		return nil, err
	}

	klines, err := kline.New(kline.Options{
		Store:          stores.Live,
		History:        stores.History,
		Trades:         stores.Live,
		Resolutions:    resolutions,
		FlushInterval:  cfg.KLine.FlushInterval,
		FlushTimeout:   cfg.KLine.FlushTimeout,
		FlushBatchSize: cfg.KLine.FlushBatchSize,
		FlushRetries:   cfg.KLine.FlushRetries,
		StoreTimeout:   cfg.KLine.StoreTimeout,
		Retention:      cfg.KLine.Retention,
		Logger:         logger.With(zap.String("component", "kline")),
		Clock:          eo.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("kline service: %w", err)
	}

	exits, err := exit.New(cfg.Exit, exit.Options{
		Prices: klines,
		Logger: logger.With(zap.String("component", "exit")),
		Clock:  eo.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("exit engine: %w", err)
	}

	deps := strategy.Deps{
		KLines: klines,
		Trades: stores.Live,
		Logger: logger.With(zap.String("component", "strategy")),
	}
	if cfg.Snapshots.Enabled {
		deps.Snapshots = strategy.NewSnapshotWriter(cfg.Snapshots.Dir)
	}
	detectors, err := strategy.FromConfigs(cfg.Strategies, deps)
	if err != nil {
		return nil, fmt.Errorf("strategies: %w", err)
	}
	manager := strategy.NewManager(deps.Logger)
	manager.Register(detectors...)

	return &Engine{
		KLines:     klines,
		Exits:      exits,
		Strategies: manager,
		Cache:      cache.NewTradeCache(logger.With(zap.String("component", "cache"))),
	}, nil
}

// NewSource creates the configured feed source.
func NewSource(cfg config.FeedConfig, logger *zap.Logger) (feed.Source, error) {
	switch cfg.Kind {
	case config.FeedWebSocket:
		return feed.NewWSSource(cfg.URL, feed.WSConfig{
			ReconnectWait:    cfg.ReconnectWait,
			MaxReconnectWait: cfg.MaxReconnectWait,
			PingInterval:     cfg.PingInterval,
		}, logger), nil
	case config.FeedFile:
		return feed.NewFileSource(cfg.Path, logger), nil
	default:
		return nil, fmt.Errorf("unknown feed kind %q", cfg.Kind)
	}
}
