package kline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/normalization"
	"solana-kline-engine/internal/observability"
	"solana-kline-engine/internal/storage"
)

// QueryHistorical reads [start, end] from the history store. Empty when
// history is disabled.
func (s *Service) QueryHistorical(ctx context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error) {
	if s.history == nil {
		return nil, nil
	}
	klines, err := s.history.Range(ctx, token, res, start, end)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return klines, nil
}

// GetRecent reads [start, end] from the live store.
func (s *Service) GetRecent(ctx context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error) {
	begin := time.Now()
	klines, err := s.store.Range(ctx, token, res, start, end)
	observability.RecordStoreCall("range", time.Since(begin).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("query live store: %w", err)
	}
	return klines, nil
}

// GetAll merges history and live buckets in [start, end], live winning on
// the same bucket, ordered by bucket start ASC. A history failure degrades
// to live-only results.
func (s *Service) GetAll(ctx context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error) {
	live, err := s.GetRecent(ctx, token, res, start, end)
	if err != nil {
		return nil, err
	}

	historical, err := s.QueryHistorical(ctx, token, res, start, end)
	if err != nil {
		s.logger.Warn("history read failed, serving live buckets only",
			zap.String("token", token),
			zap.String("resolution", res.String()),
			zap.Error(err))
		historical = nil
	}

	return mergeSeries(historical, live), nil
}

// mergeSeries de-duplicates by bucket start; entries in live replace
// entries in historical.
func mergeSeries(historical, live []*domain.KLine) []*domain.KLine {
	byStart := make(map[int64]*domain.KLine, len(historical)+len(live))
	for _, k := range historical {
		byStart[k.BucketStart] = k
	}
	for _, k := range live {
		byStart[k.BucketStart] = k
	}

	result := make([]*domain.KLine, 0, len(byStart))
	for _, k := range byStart {
		result = append(result, k)
	}
	normalization.SortKLines(result)
	return result
}

// Rebuild folds retained trades into K-lines for buckets starting in
// [start, end]. Any valid resolution works, including ones not maintained
// live, but only trades still in the trade log contribute.
func (s *Service) Rebuild(ctx context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error) {
	if s.trades == nil {
		return nil, ErrNoTradeLog
	}
	if !res.Valid() {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownResolution, res)
	}

	from := res.BucketStart(start)
	to := res.BucketStart(end) + res.Seconds() - 1
	trades, err := s.trades.TokenTrades(ctx, token, from, to)
	if err != nil {
		return nil, fmt.Errorf("read trade log: %w", err)
	}
	normalization.SortTrades(trades)

	all := normalization.AggregateKLines(trades, res)
	result := make([]*domain.KLine, 0, len(all))
	for _, k := range all {
		if k.BucketStart >= start && k.BucketStart <= end {
			result = append(result, k)
		}
	}
	return result, nil
}

// Latest returns the live bucket containing the current time, if any.
func (s *Service) Latest(ctx context.Context, token string, res domain.Resolution) (*domain.KLine, bool) {
	if !res.Valid() {
		return nil, false
	}

	bucket := res.BucketStart(s.now().Unix())
	k, err := s.store.Get(ctx, token, res, bucket)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			observability.RecordStoreCall("get", 0, err)
			s.logger.Warn("latest kline lookup failed",
				zap.String("token", token),
				zap.String("resolution", res.String()),
				zap.Error(err))
		}
		return nil, false
	}
	return k, true
}

// CurrentPrice returns the close of the first current bucket found walking
// domain.PriceFallbackOrder. Returns false when the token has not traded
// within the coarsest fallback window.
func (s *Service) CurrentPrice(ctx context.Context, token string) (float64, bool) {
	for _, res := range domain.PriceFallbackOrder() {
		if k, ok := s.Latest(ctx, token, res); ok && k.Close > 0 {
			return k.Close, true
		}
	}
	return 0, false
}

// Series reads the n most recent buckets of res ending at the current bucket,
// combining history and live data.
func (s *Service) Series(ctx context.Context, token string, res domain.Resolution, n int) ([]*domain.KLine, error) {
	if n <= 0 || !res.Valid() {
		return nil, nil
	}
	end := res.BucketStart(s.now().Unix())
	start := end - int64(n-1)*res.Seconds()

	klines, err := s.GetAll(ctx, token, res, start, end)
	if err != nil {
		return nil, err
	}
	if len(klines) > n {
		klines = klines[len(klines)-n:]
	}
	return klines, nil
}
