// Package kline maintains multi-resolution OHLCV series from the trade stream.
//
// Every trade is folded into the live store for all configured resolutions
// in one batch. A flush job periodically persists closed buckets to the
// durable history store, and reads combine both sources.
package kline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/observability"
	"solana-kline-engine/internal/storage"
)

// Defaults for Options.
const (
	DefaultFlushInterval  = 60 * time.Second
	DefaultFlushTimeout   = 30 * time.Second
	DefaultStoreTimeout   = 2 * time.Second
	DefaultFlushBatchSize = 500
	DefaultRetention      = 4 * time.Hour
)

var (
	// ErrNoStore is returned by New without a live store.
	ErrNoStore = errors.New("kline: live store is required")
	// ErrNoTradeLog is returned by Rebuild when no trade log is configured.
	ErrNoTradeLog = errors.New("kline: trade log is not configured")
)

// Options configures a Service.
type Options struct {
	Store          storage.KLineStore   // required
	History        storage.HistoryStore // optional; nil disables flushing
	Trades         storage.TradeLog     // optional; enables Rebuild
	Resolutions    []domain.Resolution  // defaults to domain.DefaultResolutions()
	FlushInterval  time.Duration
	FlushTimeout   time.Duration // bound for one periodic flush run
	FlushBatchSize int
	FlushRetries   uint          // MergeBatch attempts per chunk within a run
	StoreTimeout   time.Duration // bound for one ApplyTrade call
	Retention      time.Duration // flush bookkeeping lifetime, matches live TTL
	Logger         *zap.Logger
	Clock          func() time.Time
}

// Service is the K-line aggregator.
type Service struct {
	store       storage.KLineStore
	history     storage.HistoryStore
	trades      storage.TradeLog
	resolutions []domain.Resolution

	flushInterval  time.Duration
	flushTimeout   time.Duration
	flushBatchSize int
	flushRetries   uint
	storeTimeout   time.Duration

	logger  *zap.Logger
	now     func() time.Time
	tracker *dirtyTracker

	flushMu sync.Mutex // one flush run at a time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}

	resolutions := opts.Resolutions
	if len(resolutions) == 0 {
		resolutions = domain.DefaultResolutions()
	}
	for _, res := range resolutions {
		if !res.Valid() {
			return nil, fmt.Errorf("%w: %q", storage.ErrUnknownResolution, res)
		}
	}

	s := &Service{
		store:          opts.Store,
		history:        opts.History,
		trades:         opts.Trades,
		resolutions:    append([]domain.Resolution(nil), resolutions...),
		flushInterval:  orDefault(opts.FlushInterval, DefaultFlushInterval),
		flushTimeout:   orDefault(opts.FlushTimeout, DefaultFlushTimeout),
		flushBatchSize: opts.FlushBatchSize,
		flushRetries:   opts.FlushRetries,
		storeTimeout:   orDefault(opts.StoreTimeout, DefaultStoreTimeout),
		logger:         opts.Logger,
		now:            opts.Clock,
		tracker:        newDirtyTracker(orDefault(opts.Retention, DefaultRetention)),
	}
	if s.flushBatchSize <= 0 {
		s.flushBatchSize = DefaultFlushBatchSize
	}
	if s.flushRetries == 0 {
		s.flushRetries = 3
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Resolutions returns the maintained resolutions.
func (s *Service) Resolutions() []domain.Resolution {
	return append([]domain.Resolution(nil), s.resolutions...)
}

// ProcessTrade folds a trade into every resolution as one store batch
// bounded by the store timeout. Failures are logged and counted; the trade
// is not retried.
func (s *Service) ProcessTrade(ctx context.Context, t *domain.Trade) error {
	if err := storage.ValidateTrade(t); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	start := time.Now()
	err := s.store.ApplyTrade(ctx, t, s.resolutions)
	observability.RecordStoreCall("apply_trade", time.Since(start).Seconds(), err)
	if err != nil {
		s.logger.Error("apply trade failed",
			zap.String("token", t.TokenAddress),
			zap.Int64("slot", t.Slot),
			zap.Error(err))
		return fmt.Errorf("apply trade: %w", err)
	}

	observability.RecordTradeProcessed(string(t.Venue), float64(t.Timestamp))

	if s.history != nil {
		now := s.now()
		for _, res := range s.resolutions {
			s.tracker.mark(t.TokenAddress, res, res.BucketStart(t.Timestamp), now)
		}
		observability.UpdateDirtyBuckets(s.tracker.dirtyCount())
	}

	s.logger.Debug("trade processed",
		zap.String("token", t.TokenAddress),
		zap.Float64("price", t.Price))
	return nil
}
