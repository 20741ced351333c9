package strategy

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"solana-kline-engine/internal/domain"
)

// BreakoutHighName is the detector name of BreakoutHigh.
const BreakoutHighName = "breakout_high"

// minHistoryKLines is the shortest history that defines a previous high.
const minHistoryKLines = 5

// BreakoutHighParams configures BreakoutHigh.
type BreakoutHighParams struct {
	Lookback           int     // minimum K-lines required
	Confirmation       int     // consecutive closes above the previous high
	VolumeFactor       float64 // breakout volume vs. average history volume
	MinPullbackPercent float64 // dip before the breakout
	Resolution         domain.Resolution
	Window             int
}

// DefaultBreakoutHighParams returns the default parameters.
func DefaultBreakoutHighParams() BreakoutHighParams {
	return BreakoutHighParams{
		Lookback:           24,
		Confirmation:       2,
		VolumeFactor:       1.5,
		MinPullbackPercent: 5,
		Resolution:         domain.Resolution1s,
		Window:             DefaultWindow,
	}
}

// BreakoutHigh detects a confirmed, volume-backed close above the
// previous high after a pullback.
type BreakoutHigh struct {
	params BreakoutHighParams
	klines KLineSource
	trades TradeSource
	logger *zap.Logger
}

// NewBreakoutHigh creates the detector. logger may be nil.
func NewBreakoutHigh(params BreakoutHighParams, klines KLineSource, trades TradeSource, logger *zap.Logger) *BreakoutHigh {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakoutHigh{
		params: params,
		klines: klines,
		trades: trades,
		logger: logger.With(zap.String("detector", BreakoutHighName)),
	}
}

// Name implements Detector.
func (b *BreakoutHigh) Name() string { return BreakoutHighName }

// Params returns the detector parameters.
func (b *BreakoutHigh) Params() BreakoutHighParams { return b.params }

// Execute implements Detector.
func (b *BreakoutHigh) Execute(ctx context.Context, token string, _ float64, slot int64) (domain.StrategyResult, error) {
	klines, err := b.klines.Series(ctx, token, b.params.Resolution, b.params.Window)
	if err != nil {
		return domain.StrategyResult{}, fmt.Errorf("load klines: %w", err)
	}
	if len(klines) < b.params.Lookback {
		return b.miss("not enough klines to analyze breakout: %d/%d", len(klines), b.params.Lookback), nil
	}

	historyEnd := len(klines) - (b.params.Confirmation + 1)
	if historyEnd < minHistoryKLines {
		return b.miss("not enough historical klines to determine previous high: %d", max(historyEnd, 0)), nil
	}
	history, recent := klines[:historyEnd], klines[historyEnd:]

	prevHigh := history[0].High
	var totalVolume float64
	for _, k := range history {
		prevHigh = math.Max(prevHigh, k.High)
		totalVolume += k.Volume
	}
	avgVolume := totalVolume / float64(len(history))
	if prevHigh <= 0 {
		return b.miss("no previous high"), nil
	}

	lowest := math.Inf(1)
	for _, k := range history[len(history)-minHistoryKLines:] {
		lowest = math.Min(lowest, k.Low)
	}
	pullback := (prevHigh - lowest) / prevHigh * 100
	if pullback < b.params.MinPullbackPercent {
		return b.miss("insufficient pullback before breakout: %.2f%%/%v%%", pullback, b.params.MinPullbackPercent), nil
	}

	var (
		breakout     *domain.KLine
		confirmed    int
		breakoutSeen bool
	)
	for _, k := range recent {
		if k.Close > prevHigh {
			confirmed++
			if breakout == nil {
				breakout = k
			}
		} else {
			confirmed = 0
			breakout = nil
		}
		if confirmed >= b.params.Confirmation {
			breakoutSeen = true
			break
		}
	}
	if !breakoutSeen || breakout == nil {
		return b.miss("no breakout above previous high of %v", prevHigh), nil
	}

	required := avgVolume * b.params.VolumeFactor
	if breakout.Volume < required {
		return b.miss("insufficient volume for breakout: %v < %.2f", breakout.Volume, required), nil
	}

	last := klines[len(klines)-1]
	trades, err := b.trades.TokenTrades(ctx, token, last.BucketStart, math.MaxInt64)
	if err != nil {
		return domain.StrategyResult{}, fmt.Errorf("load trades: %w", err)
	}
	buys := 0
	for _, t := range trades {
		if t.IsBuy {
			buys++
		}
	}

	b.logger.Info("breakout buy opportunity detected",
		zap.String("token", token),
		zap.Int64("slot", slot),
		zap.Float64("previous_high", prevHigh),
		zap.Float64("breakout_price", breakout.High),
		zap.Int("confirmations", confirmed),
		zap.Int("buy_orders", buys))

	return domain.StrategyResult{
		Detector:  BreakoutHighName,
		Triggered: true,
		Message: fmt.Sprintf("breakout buy opportunity: price broke above %v with %d confirmation candles",
			prevHigh, confirmed),
		Data: map[string]any{
			"previous_high":   prevHigh,
			"breakout_price":  breakout.High,
			"confirmations":   confirmed,
			"buy_orders":      buys,
			"breakout_volume": breakout.Volume,
			"average_volume":  avgVolume,
		},
	}, nil
}

func (b *BreakoutHigh) miss(format string, args ...any) domain.StrategyResult {
	res := domain.NotTriggered(format, args...)
	res.Detector = BreakoutHighName
	b.logger.Debug(res.Message)
	return res
}
