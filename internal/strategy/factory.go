package strategy

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"solana-kline-engine/internal/domain"
)

// DefaultWindow is the number of buckets a detector reads per evaluation.
const DefaultWindow = 300

// Detector kinds accepted by FromConfig.
const (
	KindPullbackBuy  = PullbackBuyName
	KindBreakoutHigh = BreakoutHighName
)

// Factory errors
var (
	ErrUnknownDetectorKind = errors.New("unknown detector kind")
	ErrMissingSources      = errors.New("detector requires K-line and trade sources")
	ErrInvalidResolution   = errors.New("invalid detector resolution")
	ErrInvalidWindow       = errors.New("window too small for detector")
	ErrInvalidUptrend      = errors.New("pullback_buy requires Uptrend >= 1")
	ErrInvalidPercent      = errors.New("percentage must be positive")
	ErrInvalidBuyOrders    = errors.New("pullback_buy requires MinBuyOrders >= 0")
	ErrInvalidSolRange     = errors.New("pullback_buy requires 0 <= MinSolAmount <= MaxSolAmount")
	ErrInvalidLookback     = errors.New("breakout_high requires Lookback >= Confirmation+6")
	ErrInvalidConfirmation = errors.New("breakout_high requires Confirmation >= 1")
	ErrInvalidVolumeFactor = errors.New("breakout_high requires VolumeFactor >= 0")
)

// Config describes one detector. Nil parameters take the kind's defaults.
type Config struct {
	Kind       string `mapstructure:"kind" validate:"required,oneof=pullback_buy breakout_high"`
	Resolution string `mapstructure:"resolution"`
	Window     *int   `mapstructure:"window"`

	// pullback_buy
	Uptrend         *int     `mapstructure:"uptrend"`
	PullbackPercent *float64 `mapstructure:"pullback_percent"`
	MinBuyOrders    *int     `mapstructure:"min_buy_orders"`
	MinSolAmount    *float64 `mapstructure:"min_sol_amount"`
	MaxSolAmount    *float64 `mapstructure:"max_sol_amount"`

	// breakout_high
	Lookback           *int     `mapstructure:"lookback"`
	Confirmation       *int     `mapstructure:"confirmation"`
	VolumeFactor       *float64 `mapstructure:"volume_factor"`
	MinPullbackPercent *float64 `mapstructure:"min_pullback_percent"`
}

// Deps are the collaborators shared by every detector.
type Deps struct {
	KLines    KLineSource
	Trades    TradeSource
	Snapshots *SnapshotWriter // optional
	Logger    *zap.Logger     // optional
}

// FromConfig creates a Detector from cfg.
// Validates parameters per kind and returns clear errors for invalid ones.
func FromConfig(cfg Config, deps Deps) (Detector, error) {
	if deps.KLines == nil || deps.Trades == nil {
		return nil, ErrMissingSources
	}

	switch cfg.Kind {
	case KindPullbackBuy:
		params, err := pullbackParams(cfg)
		if err != nil {
			return nil, err
		}
		return NewPullbackBuy(params, deps.KLines, deps.Trades, deps.Snapshots, deps.Logger), nil
	case KindBreakoutHigh:
		params, err := breakoutParams(cfg)
		if err != nil {
			return nil, err
		}
		return NewBreakoutHigh(params, deps.KLines, deps.Trades, deps.Logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDetectorKind, cfg.Kind)
	}
}

// FromConfigs creates every detector in order, stopping at the first error.
func FromConfigs(cfgs []Config, deps Deps) ([]Detector, error) {
	detectors := make([]Detector, 0, len(cfgs))
	for i, cfg := range cfgs {
		d, err := FromConfig(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("strategies[%d]: %w", i, err)
		}
		detectors = append(detectors, d)
	}
	return detectors, nil
}

func pullbackParams(cfg Config) (PullbackBuyParams, error) {
	p := DefaultPullbackBuyParams()
	if err := applyCommon(cfg, &p.Resolution, &p.Window); err != nil {
		return p, err
	}
	setInt(&p.Uptrend, cfg.Uptrend)
	setFloat(&p.PullbackPercent, cfg.PullbackPercent)
	setInt(&p.MinBuyOrders, cfg.MinBuyOrders)
	setFloat(&p.MinSolAmount, cfg.MinSolAmount)
	setFloat(&p.MaxSolAmount, cfg.MaxSolAmount)

	if p.Uptrend < 1 {
		return p, ErrInvalidUptrend
	}
	if p.PullbackPercent <= 0 {
		return p, fmt.Errorf("%w: pullback_percent=%v", ErrInvalidPercent, p.PullbackPercent)
	}
	if p.MinBuyOrders < 0 {
		return p, ErrInvalidBuyOrders
	}
	if p.MinSolAmount < 0 || p.MaxSolAmount < p.MinSolAmount {
		return p, ErrInvalidSolRange
	}
	if p.Window < p.Uptrend+2 {
		return p, fmt.Errorf("%w: window=%d uptrend=%d", ErrInvalidWindow, p.Window, p.Uptrend)
	}
	return p, nil
}

func breakoutParams(cfg Config) (BreakoutHighParams, error) {
	p := DefaultBreakoutHighParams()
	if err := applyCommon(cfg, &p.Resolution, &p.Window); err != nil {
		return p, err
	}
	setInt(&p.Lookback, cfg.Lookback)
	setInt(&p.Confirmation, cfg.Confirmation)
	setFloat(&p.VolumeFactor, cfg.VolumeFactor)
	setFloat(&p.MinPullbackPercent, cfg.MinPullbackPercent)

	if p.Confirmation < 1 {
		return p, ErrInvalidConfirmation
	}
	if p.Lookback < p.Confirmation+1+minHistoryKLines {
		return p, ErrInvalidLookback
	}
	if p.VolumeFactor < 0 {
		return p, ErrInvalidVolumeFactor
	}
	if p.MinPullbackPercent <= 0 {
		return p, fmt.Errorf("%w: min_pullback_percent=%v", ErrInvalidPercent, p.MinPullbackPercent)
	}
	if p.Window < p.Lookback {
		return p, fmt.Errorf("%w: window=%d lookback=%d", ErrInvalidWindow, p.Window, p.Lookback)
	}
	return p, nil
}

func applyCommon(cfg Config, res *domain.Resolution, window *int) error {
	if cfg.Resolution != "" {
		r, err := domain.ParseResolution(cfg.Resolution)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResolution, err)
		}
		*res = r
	}
	setInt(window, cfg.Window)
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
