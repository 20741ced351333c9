package domain

import "sort"

// TakeProfitLevel is one rung of the take-profit ladder.
type TakeProfitLevel struct {
	ProfitPercent float64 `mapstructure:"profit_percent" json:"profitPercent"` // pnl threshold
	SellPercent   float64 `mapstructure:"sell_percent" json:"sellPercent"`     // share of the original size
}

// SortTakeProfitLevels returns a copy sorted ascending by threshold.
func SortTakeProfitLevels(levels []TakeProfitLevel) []TakeProfitLevel {
	out := make([]TakeProfitLevel, len(levels))
	copy(out, levels)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ProfitPercent < out[j].ProfitPercent
	})
	return out
}

// WalletEntry is the exit-engine state of one wallet's position in a token.
type WalletEntry struct {
	TokenAddress    string               `json:"tokenAddress"`
	Wallet          string               `json:"wallet"`
	EntryPrice      float64              `json:"entryPrice"`
	Size            float64              `json:"size"`          // base units at entry
	EntryTime       int64                `json:"entryTime"`     // unix milliseconds
	HighWaterMark   float64              `json:"highWaterMark"` // max price seen, starts at EntryPrice
	TriggeredLevels map[float64]struct{} `json:"-"`
	TrailingArmed   bool                 `json:"trailingArmed"`
}

// NewWalletEntry creates an armed entry.
func NewWalletEntry(token, wallet string, price, size float64, ts int64) *WalletEntry {
	return &WalletEntry{
		TokenAddress:    token,
		Wallet:          wallet,
		EntryPrice:      price,
		Size:            size,
		EntryTime:       ts,
		HighWaterMark:   price,
		TriggeredLevels: make(map[float64]struct{}),
	}
}

// LevelTriggered reports whether the threshold has already fired.
func (e *WalletEntry) LevelTriggered(threshold float64) bool {
	_, ok := e.TriggeredLevels[threshold]
	return ok
}

// Levels returns the fired take-profit thresholds in ascending order.
func (e *WalletEntry) Levels() []float64 {
	out := make([]float64, 0, len(e.TriggeredLevels))
	for lvl := range e.TriggeredLevels {
		out = append(out, lvl)
	}
	sort.Float64s(out)
	return out
}

// Clone returns a deep copy.
func (e *WalletEntry) Clone() WalletEntry {
	cp := *e
	cp.TriggeredLevels = make(map[float64]struct{}, len(e.TriggeredLevels))
	for k := range e.TriggeredLevels {
		cp.TriggeredLevels[k] = struct{}{}
	}
	return cp
}
