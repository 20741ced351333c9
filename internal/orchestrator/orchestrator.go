// Package orchestrator wires the live path together.
// Flow: feed -> normalization -> trade cache -> K-line aggregation ->
// entry detectors -> exit engine -> signal sink.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"solana-kline-engine/internal/cache"
	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/exit"
	"solana-kline-engine/internal/feed"
	"solana-kline-engine/internal/kline"
	"solana-kline-engine/internal/normalization"
	"solana-kline-engine/internal/observability"
	"solana-kline-engine/internal/strategy"
)

// DefaultBuffer is the feed channel capacity.
const DefaultBuffer = 1024

// DefaultStopTimeout bounds the final K-line flush on shutdown.
const DefaultStopTimeout = 30 * time.Second

// Options for creating Orchestrator.
type Options struct {
	// Required
	Source feed.Source
	KLines *kline.Service
	Exits  *exit.Engine
	Sink   SignalSink

	// Optional
	Cache       *cache.TradeCache // created when nil
	Strategies  *strategy.Manager // nil disables entry detection
	Clock       *kline.EventClock // advanced to each trade timestamp; nil in live mode
	Buffer      int
	StopTimeout time.Duration
	Logger      *zap.Logger

	// MonitorWallets are the base58 wallets whose trades record entry
	// prices in the trade cache. Trades by other wallets never do.
	MonitorWallets []string
}

// Stats summarizes one Run.
type Stats struct {
	Messages     int `json:"messages"`
	Trades       int `json:"trades"`
	Rejected     int `json:"rejected"`
	StoreErrors  int `json:"store_errors"`
	Holdings     int `json:"holdings"`
	Seeded       int `json:"seeded"`
	EntrySignals int `json:"entry_signals"`
	ExitSignals  int `json:"exit_signals"`
}

// Orchestrator consumes one feed and drives every downstream component.
// Messages are handled one at a time in arrival order.
type Orchestrator struct {
	source      feed.Source
	normalizer  *normalization.Normalizer
	cache       *cache.TradeCache
	klines      *kline.Service
	strategies  *strategy.Manager
	exits       *exit.Engine
	sink        SignalSink
	clock       *kline.EventClock
	monitored   map[string]struct{}
	buffer      int
	stopTimeout time.Duration
	logger      *zap.Logger

	// seeded holds wallet/token pairs whose entry price was already set.
	// Only the consumer goroutine touches it.
	seeded map[holdingKey]struct{}
}

type holdingKey struct {
	wallet string
	token  string
}

// ErrMissingComponent is returned by New when a required option is nil.
var ErrMissingComponent = errors.New("orchestrator: missing required component")

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Source == nil:
		return nil, fmt.Errorf("%w: source", ErrMissingComponent)
	case opts.KLines == nil:
		return nil, fmt.Errorf("%w: kline service", ErrMissingComponent)
	case opts.Exits == nil:
		return nil, fmt.Errorf("%w: exit engine", ErrMissingComponent)
	case opts.Sink == nil:
		return nil, fmt.Errorf("%w: signal sink", ErrMissingComponent)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewTradeCache(logger)
	}
	if opts.Strategies == nil {
		opts.Strategies = strategy.NewManager(logger)
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	monitored := make(map[string]struct{}, len(opts.MonitorWallets))
	for _, w := range opts.MonitorWallets {
		monitored[w] = struct{}{}
	}

	return &Orchestrator{
		source: opts.Source,
		normalizer: normalization.NewNormalizer(logger, func(kind domain.VenueKind, _ error) {
			observability.RecordRejectedEvent(string(kind))
		}),
		cache:       opts.Cache,
		klines:      opts.KLines,
		strategies:  opts.Strategies,
		exits:       opts.Exits,
		sink:        opts.Sink,
		clock:       opts.Clock,
		monitored:   monitored,
		buffer:      opts.Buffer,
		stopTimeout: opts.StopTimeout,
		logger:      logger.With(zap.String("component", "orchestrator")),
		seeded:      make(map[holdingKey]struct{}),
	}, nil
}

// Run consumes the source until it is exhausted or ctx is done, then stops
// the K-line flush job with a final flush. A source error is returned after
// the messages already received have been handled.
func (o *Orchestrator) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	o.klines.Start(ctx)

	msgs := make(chan feed.Message, o.buffer)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(msgs)
		if err := o.source.Run(gctx, msgs); err != nil {
			return fmt.Errorf("feed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// Drain with the parent ctx so a failing source does not cut
		// handling of messages it already produced.
		for msg := range msgs {
			if ctx.Err() != nil {
				continue
			}
			o.handle(ctx, msg, &stats)
		}
		return nil
	})

	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.stopTimeout)
	defer cancel()
	if err := o.klines.Stop(stopCtx); err != nil {
		o.logger.Error("kline shutdown flush failed", zap.Error(err))
		runErr = errors.Join(runErr, err)
	}

	o.logger.Info("orchestrator stopped",
		zap.Int("messages", stats.Messages),
		zap.Int("trades", stats.Trades),
		zap.Int("entry_signals", stats.EntrySignals),
		zap.Int("exit_signals", stats.ExitSignals))
	return stats, runErr
}

func (o *Orchestrator) handle(ctx context.Context, msg feed.Message, stats *Stats) {
	stats.Messages++
	if msg.Holding != nil {
		stats.Holdings++
		if o.seed(ctx, msg.Holding) {
			stats.Seeded++
		}
		return
	}

	trade, ok := o.normalizer.Normalize(msg.Event, msg.Slot)
	if !ok {
		stats.Rejected++
		return
	}
	stats.Trades++

	if o.clock != nil {
		o.clock.Advance(trade.Timestamp)
	}
	if _, ok := o.monitored[trade.User]; ok {
		o.cache.Save(trade.TokenAddress, trade.Price)
	}
	if err := o.klines.ProcessTrade(ctx, trade); err != nil {
		// Already logged and counted by the service. Detectors still run
		// against whatever state the store holds.
		stats.StoreErrors++
	}

	for _, res := range o.strategies.Execute(ctx, trade.TokenAddress, trade.Price, trade.Slot) {
		stats.EntrySignals++
		o.sink.Entry(ctx, EntrySignal{
			Token:  trade.TokenAddress,
			Slot:   trade.Slot,
			Price:  trade.Price,
			Result: res,
		})
	}

	for _, sig := range o.exits.Execute(ctx, trade.TokenAddress, trade.Price, trade.Slot) {
		stats.ExitSignals++
		o.sink.Exit(ctx, sig)
		if IsFullExit(sig) {
			// A later holding for the pair is a new position.
			delete(o.seeded, holdingKey{wallet: sig.Wallet, token: sig.TokenAddress})
		}
	}
}

// seed starts tracking a holding. The entry price is the first price a
// monitored wallet traded the token at, or the current K-line price when no
// monitored trade was cached.
// A pair is seeded once; a zero amount ends tracking.
func (o *Orchestrator) seed(ctx context.Context, h *feed.Holding) bool {
	wallet, token := h.Wallet.String(), h.Token.String()
	key := holdingKey{wallet: wallet, token: token}

	if h.Amount <= 0 {
		if _, ok := o.seeded[key]; ok {
			o.exits.ClearEntryPrice(token, wallet)
			delete(o.seeded, key)
		}
		return false
	}
	if _, ok := o.seeded[key]; ok {
		return false
	}

	price, ok := o.cache.Get(token)
	source := "trade_cache"
	if !ok {
		price, ok = o.klines.CurrentPrice(ctx, token)
		source = "kline"
	}
	if !ok {
		// Retried on the next observation of this holding.
		o.logger.Debug("no entry price for holding",
			zap.String("token", token),
			zap.String("wallet", wallet))
		return false
	}

	if err := o.exits.SetEntryPrice(token, wallet, price, h.Amount, 0); err != nil {
		o.logger.Warn("seed entry failed",
			zap.String("token", token),
			zap.String("wallet", wallet),
			zap.Error(err))
		return false
	}
	o.seeded[key] = struct{}{}
	o.logger.Info("holding seeded",
		zap.String("token", token),
		zap.String("wallet", wallet),
		zap.Float64("entry_price", price),
		zap.String("price_source", source))
	return true
}
