package strategy

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"solana-kline-engine/internal/domain"
)

// PullbackBuyName is the detector name of PullbackBuy.
const PullbackBuyName = "pullback_buy"

// PullbackBuyParams configures PullbackBuy.
type PullbackBuyParams struct {
	Uptrend         int               // consecutive higher closes required
	PullbackPercent float64           // drop from the uptrend high
	MinBuyOrders    int               // qualifying buys in the last bucket
	MinSolAmount    float64           // buy size range, SOL
	MaxSolAmount    float64
	Resolution      domain.Resolution
	Window          int               // buckets fetched per evaluation
}

// DefaultPullbackBuyParams returns the default parameters.
func DefaultPullbackBuyParams() PullbackBuyParams {
	return PullbackBuyParams{
		Uptrend:         3,
		PullbackPercent: 10,
		MinBuyOrders:    3,
		MinSolAmount:    0.5,
		MaxSolAmount:    2,
		Resolution:      domain.Resolution1s,
		Window:          DefaultWindow,
	}
}

// PullbackBuy detects an uptrend followed by a pullback with fresh
// mid-sized buying in the latest bucket.
type PullbackBuy struct {
	params   PullbackBuyParams
	klines   KLineSource
	trades   TradeSource
	snapshot *SnapshotWriter
	logger   *zap.Logger
}

// NewPullbackBuy creates the detector. snapshot and logger may be nil.
func NewPullbackBuy(params PullbackBuyParams, klines KLineSource, trades TradeSource, snapshot *SnapshotWriter, logger *zap.Logger) *PullbackBuy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PullbackBuy{
		params:   params,
		klines:   klines,
		trades:   trades,
		snapshot: snapshot,
		logger:   logger.With(zap.String("detector", PullbackBuyName)),
	}
}

// Name implements Detector.
func (p *PullbackBuy) Name() string { return PullbackBuyName }

// Params returns the detector parameters.
func (p *PullbackBuy) Params() PullbackBuyParams { return p.params }

// Execute implements Detector.
func (p *PullbackBuy) Execute(ctx context.Context, token string, _ float64, slot int64) (domain.StrategyResult, error) {
	klines, err := p.klines.Series(ctx, token, p.params.Resolution, p.params.Window)
	if err != nil {
		return domain.StrategyResult{}, fmt.Errorf("load klines: %w", err)
	}
	if len(klines) < p.params.Uptrend+2 {
		return p.miss("not enough klines to analyze trend: %d", len(klines)), nil
	}

	// Walk closes until the uptrend is long enough, tracking the highest high seen on up moves.
	uptrend := 0
	highest := 0.0
	highestIdx := -1
	for i := 1; i < len(klines); i++ {
		if klines[i].Close > klines[i-1].Close {
			uptrend++
			if klines[i].High > highest {
				highest = klines[i].High
				highestIdx = i
			}
		} else {
			uptrend = 0
		}
		if uptrend >= p.params.Uptrend {
			break
		}
	}
	if uptrend < p.params.Uptrend || highestIdx < 0 {
		return p.miss("no uptrend detected: %d/%d", uptrend, p.params.Uptrend), nil
	}

	lowest := highest
	pullback := 0.0
	detected := false
	for _, k := range klines[highestIdx+1:] {
		if k.Low < lowest {
			lowest = k.Low
			pullback = (highest - lowest) / highest * 100
			if pullback >= p.params.PullbackPercent {
				detected = true
			}
		}
	}
	if !detected {
		return p.miss("no sufficient pullback: %.2f%%/%v%%", pullback, p.params.PullbackPercent), nil
	}

	last := klines[len(klines)-1]
	trades, err := p.trades.TokenTrades(ctx, token, last.BucketStart, math.MaxInt64)
	if err != nil {
		return domain.StrategyResult{}, fmt.Errorf("load trades: %w", err)
	}

	buys := 0
	for _, t := range trades {
		sol := t.SolAmountUI()
		if t.IsBuy && sol >= p.params.MinSolAmount && sol <= p.params.MaxSolAmount {
			buys++
		}
	}
	if buys < p.params.MinBuyOrders {
		return p.miss("not enough buy orders: %d/%d", buys, p.params.MinBuyOrders), nil
	}

	metrics := map[string]any{
		"uptrend_count":    uptrend,
		"pullback_percent": pullback,
		"buy_orders":       buys,
		"highest_price":    highest,
		"lowest_price":     lowest,
	}
	p.logger.Info("pullback buy opportunity detected",
		zap.String("token", token),
		zap.Int64("slot", slot),
		zap.Int("uptrend_count", uptrend),
		zap.Float64("pullback_percent", pullback),
		zap.Int("buy_orders", buys))

	if p.snapshot != nil {
		if _, err := p.snapshot.Write(Snapshot{
			Detector: PullbackBuyName,
			Token:    token,
			Slot:     slot,
			Params:   p.params,
			Metrics:  metrics,
			KLines:   klines,
			Trades:   trades,
		}); err != nil {
			p.logger.Error("snapshot write failed", zap.String("token", token), zap.Error(err))
		}
	}

	return domain.StrategyResult{
		Detector:  PullbackBuyName,
		Triggered: true,
		Message: fmt.Sprintf("pullback buy opportunity: %d uptrend klines, %.2f%% pullback, %d buy orders",
			uptrend, pullback, buys),
		Data: metrics,
	}, nil
}

func (p *PullbackBuy) miss(format string, args ...any) domain.StrategyResult {
	res := domain.NotTriggered(format, args...)
	res.Detector = PullbackBuyName
	p.logger.Debug(res.Message)
	return res
}
