package domain

import "fmt"

// ExitAction names the rule that produced an exit signal.
type ExitAction string

const (
	ExitActionStopLoss         ExitAction = "stop_loss"
	ExitActionTakeProfit       ExitAction = "take_profit"
	ExitActionTrailingStopLoss ExitAction = "trailing_stop_loss"
)

// ClosesPosition reports whether the action sells the whole entry.
func (a ExitAction) ClosesPosition() bool {
	return a == ExitActionStopLoss || a == ExitActionTrailingStopLoss
}

// ExitSignal is a sell instruction for one (token, wallet) entry.
type ExitSignal struct {
	Triggered      bool             `json:"triggered"`
	Message        string           `json:"message"`
	Action         ExitAction       `json:"action"`
	TokenAddress   string           `json:"tokenAddress"`
	Wallet         string           `json:"wallet"`
	Slot           int64            `json:"slot"`
	EntryPrice     float64          `json:"entryPrice"`
	CurrentPrice   float64          `json:"currentPrice"`
	PnLPercent     float64          `json:"pnlPercent"`
	SellPercentage float64          `json:"sellPercentage"` // of the original entry size
	TokenAmount    float64          `json:"tokenAmount"`    // base units to sell
	Level          *TakeProfitLevel `json:"level,omitempty"`
	HighWaterMark  float64          `json:"highWaterMark,omitempty"` // trailing stop only
}

// StrategyResult is the outcome of one entry-side detector run.
type StrategyResult struct {
	Detector  string         `json:"detector"`
	Triggered bool           `json:"triggered"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// NotTriggered builds a negative result with a formatted message.
func NotTriggered(format string, args ...any) StrategyResult {
	return StrategyResult{Message: fmt.Sprintf(format, args...)}
}
