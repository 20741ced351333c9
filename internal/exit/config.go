package exit

import (
	"errors"
	"fmt"

	"solana-kline-engine/internal/domain"
)

// Configuration errors returned by New and Config.Validate.
var (
	ErrNoModules          = errors.New("exit: no exit module enabled")
	ErrNoTakeProfitLevels = errors.New("exit: take-profit enabled without levels")
	ErrInvalidPercent     = errors.New("exit: invalid percentage")
)

// StopLossConfig sells the whole entry once the loss reaches Percent.
type StopLossConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Percent float64 `mapstructure:"percent"`
}

// TakeProfitConfig sells part of the original size at each level.
type TakeProfitConfig struct {
	Enabled bool                     `mapstructure:"enabled"`
	Levels  []domain.TakeProfitLevel `mapstructure:"levels"`
}

// TrailingConfig arms at ActivationPercent gain and sells the whole entry
// once price falls TrailingPercent below the high-water mark.
type TrailingConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	ActivationPercent float64 `mapstructure:"activation_percent"`
	TrailingPercent   float64 `mapstructure:"trailing_percent"`
}

// Config configures the exit engine.
type Config struct {
	StopLoss   StopLossConfig   `mapstructure:"stop_loss"`
	TakeProfit TakeProfitConfig `mapstructure:"take_profit"`
	Trailing   TrailingConfig   `mapstructure:"trailing"`
}

// DefaultConfig returns the default ladder: stop-loss 15%, take-profit at
// +100/+300/+700/+1500%, trailing stop armed at +100% with a 30% trail.
func DefaultConfig() Config {
	return Config{
		StopLoss: StopLossConfig{Enabled: true, Percent: 15},
		TakeProfit: TakeProfitConfig{
			Enabled: true,
			Levels: []domain.TakeProfitLevel{
				{ProfitPercent: 100, SellPercent: 10},
				{ProfitPercent: 300, SellPercent: 10},
				{ProfitPercent: 700, SellPercent: 20},
				{ProfitPercent: 1500, SellPercent: 30},
			},
		},
		Trailing: TrailingConfig{Enabled: true, ActivationPercent: 100, TrailingPercent: 30},
	}
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if !c.StopLoss.Enabled && !c.TakeProfit.Enabled && !c.Trailing.Enabled {
		return ErrNoModules
	}

	if c.StopLoss.Enabled && (c.StopLoss.Percent <= 0 || c.StopLoss.Percent > 100) {
		return fmt.Errorf("%w: stop_loss.percent=%v", ErrInvalidPercent, c.StopLoss.Percent)
	}

	if c.TakeProfit.Enabled {
		if len(c.TakeProfit.Levels) == 0 {
			return ErrNoTakeProfitLevels
		}
		seen := make(map[float64]struct{}, len(c.TakeProfit.Levels))
		for i, lvl := range c.TakeProfit.Levels {
			if lvl.ProfitPercent <= 0 {
				return fmt.Errorf("%w: take_profit.levels[%d].profit_percent=%v", ErrInvalidPercent, i, lvl.ProfitPercent)
			}
			if lvl.SellPercent <= 0 || lvl.SellPercent > 100 {
				return fmt.Errorf("%w: take_profit.levels[%d].sell_percent=%v", ErrInvalidPercent, i, lvl.SellPercent)
			}
			// Levels are tracked by threshold, so duplicates could never both fire.
			if _, dup := seen[lvl.ProfitPercent]; dup {
				return fmt.Errorf("%w: duplicate take-profit threshold %v", ErrInvalidPercent, lvl.ProfitPercent)
			}
			seen[lvl.ProfitPercent] = struct{}{}
		}
	}

	if c.Trailing.Enabled {
		if c.Trailing.ActivationPercent < 0 {
			return fmt.Errorf("%w: trailing.activation_percent=%v", ErrInvalidPercent, c.Trailing.ActivationPercent)
		}
		if c.Trailing.TrailingPercent <= 0 || c.Trailing.TrailingPercent > 100 {
			return fmt.Errorf("%w: trailing.trailing_percent=%v", ErrInvalidPercent, c.Trailing.TrailingPercent)
		}
	}
	return nil
}
