// Package strategy runs entry-side pattern detectors over live K-lines.
package strategy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/observability"
)

// Detector is an entry-side pattern check over a token's recent K-lines.
type Detector interface {
	// Name identifies the detector in results, logs and metrics.
	Name() string

	// Execute evaluates token at the given price and slot. Missing data is
	// a not-triggered result, not an error.
	Execute(ctx context.Context, token string, price float64, slot int64) (domain.StrategyResult, error)
}

// KLineSource provides the n most recent buckets of a resolution,
// ascending by bucket start. Implemented by kline.Service.
type KLineSource interface {
	Series(ctx context.Context, token string, res domain.Resolution, n int) ([]*domain.KLine, error)
}

// TradeSource provides recorded trades of a token. Implemented by the live stores.
type TradeSource interface {
	TokenTrades(ctx context.Context, token string, start, end int64) ([]*domain.Trade, error)
}

// Manager runs registered detectors and collects triggered results.
type Manager struct {
	mu        sync.RWMutex
	detectors []Detector
	logger    *zap.Logger
}

// NewManager creates an empty Manager. A nil logger disables logging.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Register appends detectors. They run in registration order.
func (m *Manager) Register(detectors ...Detector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range detectors {
		if d == nil {
			continue
		}
		m.detectors = append(m.detectors, d)
		m.logger.Info("detector registered", zap.String("detector", d.Name()))
	}
}

// Len returns the number of registered detectors.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.detectors)
}

// Execute runs every detector against token and returns the triggered
// results. Detector errors and panics are logged and counted; they never
// reach the caller.
func (m *Manager) Execute(ctx context.Context, token string, price float64, slot int64) []domain.StrategyResult {
	m.mu.RLock()
	detectors := append([]Detector(nil), m.detectors...)
	m.mu.RUnlock()

	var results []domain.StrategyResult
	for _, d := range detectors {
		if ctx.Err() != nil {
			break
		}

		res, err := m.run(ctx, d, token, price, slot)
		if err != nil {
			observability.RecordDetectorError(d.Name())
			m.logger.Error("detector failed",
				zap.String("detector", d.Name()),
				zap.String("token", token),
				zap.Int64("slot", slot),
				zap.Error(err))
			continue
		}
		if !res.Triggered {
			continue
		}

		if res.Detector == "" {
			res.Detector = d.Name()
		}
		observability.RecordEntrySignal(d.Name())
		m.logger.Info("entry signal",
			zap.String("detector", res.Detector),
			zap.String("token", token),
			zap.Int64("slot", slot),
			zap.String("message", res.Message))
		results = append(results, res)
	}
	return results
}

func (m *Manager) run(ctx context.Context, d Detector, token string, price float64, slot int64) (res domain.StrategyResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.Execute(ctx, token, price, slot)
}
