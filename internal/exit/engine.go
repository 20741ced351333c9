// Package exit evaluates per-wallet positions against the latest price and
// produces stop-loss, take-profit and trailing-stop sell signals.
package exit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/observability"
)

// ErrInvalidEntry is returned by SetEntryPrice for unusable input.
var ErrInvalidEntry = errors.New("exit: invalid entry")

var hundred = decimal.NewFromInt(100)

// PriceSource supplies the current price of a token when the caller has none.
type PriceSource interface {
	CurrentPrice(ctx context.Context, token string) (float64, bool)
}

// Options holds the optional collaborators of an Engine.
type Options struct {
	Prices PriceSource
	Logger *zap.Logger
	Clock  func() time.Time
}

// tracked guards one wallet entry. Evaluations of the same entry are
// serialized; different entries evaluate in parallel.
type tracked struct {
	mu     sync.Mutex
	entry  *domain.WalletEntry
	closed bool
}

// Engine holds token -> wallet -> entry state.
type Engine struct {
	cfg    Config
	levels []domain.TakeProfitLevel

	prices PriceSource
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]map[string]*tracked
}

// New creates an Engine. Misconfiguration is reported here and never at
// evaluation time.
func New(cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		prices:  opts.Prices,
		logger:  opts.Logger,
		now:     opts.Clock,
		entries: make(map[string]map[string]*tracked),
	}
	if cfg.TakeProfit.Enabled {
		e.levels = domain.SortTakeProfitLevels(cfg.TakeProfit.Levels)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}

	e.logger.Info("exit engine initialized",
		zap.Bool("stop_loss", cfg.StopLoss.Enabled),
		zap.Float64("stop_loss_percent", cfg.StopLoss.Percent),
		zap.Bool("take_profit", cfg.TakeProfit.Enabled),
		zap.Int("take_profit_levels", len(e.levels)),
		zap.Bool("trailing", cfg.Trailing.Enabled),
		zap.Float64("trailing_activation_percent", cfg.Trailing.ActivationPercent),
		zap.Float64("trailing_percent", cfg.Trailing.TrailingPercent))
	return e, nil
}

// SetEntryPrice records a new entry for (token, wallet), replacing any
// existing one and its state. ts is unix milliseconds; zero means now.
func (e *Engine) SetEntryPrice(token, wallet string, price, size float64, ts int64) error {
	if token == "" || wallet == "" {
		return fmt.Errorf("%w: token and wallet are required", ErrInvalidEntry)
	}
	if !validPrice(price) {
		return fmt.Errorf("%w: price %v", ErrInvalidEntry, price)
	}
	if size < 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return fmt.Errorf("%w: size %v", ErrInvalidEntry, size)
	}
	if ts == 0 {
		ts = e.now().UnixMilli()
	}

	e.mu.Lock()
	wallets, ok := e.entries[token]
	if !ok {
		wallets = make(map[string]*tracked)
		e.entries[token] = wallets
	}
	wallets[wallet] = &tracked{entry: domain.NewWalletEntry(token, wallet, price, size, ts)}
	n := e.countLocked()
	e.mu.Unlock()

	observability.UpdateTrackedEntries(n)
	e.logger.Info("entry price set",
		zap.String("token", token),
		zap.String("wallet", wallet),
		zap.Float64("price", price),
		zap.Float64("size", size))
	return nil
}

// ClearEntryPrice removes the entry of wallet in token. An empty wallet
// clears every wallet of the token.
func (e *Engine) ClearEntryPrice(token, wallet string) {
	e.mu.Lock()
	if wallet == "" {
		for _, t := range e.entries[token] {
			t.markClosed()
		}
		delete(e.entries, token)
	} else if wallets, ok := e.entries[token]; ok {
		if t, ok := wallets[wallet]; ok {
			t.markClosed()
			delete(wallets, wallet)
		}
		if len(wallets) == 0 {
			delete(e.entries, token)
		}
	}
	n := e.countLocked()
	e.mu.Unlock()

	observability.UpdateTrackedEntries(n)
	e.logger.Debug("entry cleared", zap.String("token", token), zap.String("wallet", wallet))
}

func (t *tracked) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// WalletEntry returns a copy of the entry of wallet in token.
func (e *Engine) WalletEntry(token, wallet string) (domain.WalletEntry, bool) {
	e.mu.RLock()
	t, ok := e.entries[token][wallet]
	e.mu.RUnlock()
	if !ok {
		return domain.WalletEntry{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.WalletEntry{}, false
	}
	return t.entry.Clone(), true
}

// Entries returns copies of every open entry of token ordered by wallet.
func (e *Engine) Entries(token string) []domain.WalletEntry {
	var out []domain.WalletEntry
	for _, t := range e.snapshot(token) {
		t.mu.Lock()
		if !t.closed {
			out = append(out, t.entry.Clone())
		}
		t.mu.Unlock()
	}
	return out
}

// AverageEntryPrice returns the size-weighted entry price over all wallets
// of token. False when there is no entry or the total size is zero.
func (e *Engine) AverageEntryPrice(token string) (float64, bool) {
	var value, size float64
	for _, en := range e.Entries(token) {
		value += en.EntryPrice * en.Size
		size += en.Size
	}
	if size <= 0 {
		return 0, false
	}
	return value / size, true
}

// Len returns the number of tracked entries.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.countLocked()
}

func (e *Engine) countLocked() int {
	n := 0
	for _, wallets := range e.entries {
		n += len(wallets)
	}
	return n
}

type walletRef struct {
	wallet string
	t      *tracked
}

// snapshot lists the tracked entries of token in lexical wallet order.
func (e *Engine) snapshot(token string) []*tracked {
	refs := e.refs(token)
	out := make([]*tracked, len(refs))
	for i, r := range refs {
		out[i] = r.t
	}
	return out
}

func (e *Engine) refs(token string) []walletRef {
	e.mu.RLock()
	wallets := e.entries[token]
	refs := make([]walletRef, 0, len(wallets))
	for w, t := range wallets {
		refs = append(refs, walletRef{wallet: w, t: t})
	}
	e.mu.RUnlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].wallet < refs[j].wallet })
	return refs
}

// Execute evaluates every entry of token at price and returns the
// triggered signals, at most one per entry. A non-positive price is
// replaced by the PriceSource's current price. Missing entries or a
// missing price yield no signals.
func (e *Engine) Execute(ctx context.Context, token string, price float64, slot int64) []domain.ExitSignal {
	refs := e.refs(token)
	if len(refs) == 0 {
		return nil
	}

	if !validPrice(price) {
		if e.prices == nil {
			return nil
		}
		p, ok := e.prices.CurrentPrice(ctx, token)
		if !ok || !validPrice(p) {
			e.logger.Debug("no current price, skipping exit evaluation", zap.String("token", token))
			return nil
		}
		price = p
	}

	var signals []domain.ExitSignal
	for _, r := range refs {
		sig, closed := e.evaluate(r.t, price, slot)
		if closed {
			e.remove(token, r.wallet, r.t)
		}
		if sig == nil {
			continue
		}

		observability.RecordExitSignal(string(sig.Action))
		e.logger.Info("exit signal",
			zap.String("token", token),
			zap.String("wallet", sig.Wallet),
			zap.String("action", string(sig.Action)),
			zap.Float64("pnl_percent", sig.PnLPercent),
			zap.Float64("sell_percent", sig.SellPercentage),
			zap.Float64("token_amount", sig.TokenAmount),
			zap.Int64("slot", slot))
		signals = append(signals, *sig)
	}
	return signals
}

// remove deletes the evaluated entry unless it was replaced meanwhile.
func (e *Engine) remove(token, wallet string, t *tracked) {
	e.mu.Lock()
	if wallets, ok := e.entries[token]; ok && wallets[wallet] == t {
		delete(wallets, wallet)
		if len(wallets) == 0 {
			delete(e.entries, token)
		}
	}
	n := e.countLocked()
	e.mu.Unlock()
	observability.UpdateTrackedEntries(n)
}

// evaluate runs stop-loss, take-profit and trailing stop in that order.
// The second return reports whether the entry reached its terminal state.
func (e *Engine) evaluate(t *tracked, price float64, slot int64) (*domain.ExitSignal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}

	en := t.entry
	pnl := percentChange(en.EntryPrice, price)

	if e.cfg.StopLoss.Enabled && pnl <= -e.cfg.StopLoss.Percent {
		t.closed = true
		sig := e.signal(en, domain.ExitActionStopLoss, price, pnl, slot, 100)
		sig.Message = fmt.Sprintf("stop loss: %.2f%% <= -%v%%", pnl, e.cfg.StopLoss.Percent)
		return sig, true
	}

	var sig *domain.ExitSignal
	if e.cfg.TakeProfit.Enabled && pnl > 0 {
		sig = e.takeProfit(en, price, pnl, slot)
		if sig != nil && e.ladderExhausted(en) {
			t.closed = true
			return sig, true
		}
	}

	if e.cfg.Trailing.Enabled {
		if !en.TrailingArmed && pnl >= e.cfg.Trailing.ActivationPercent {
			en.TrailingArmed = true
			e.logger.Debug("trailing stop armed",
				zap.String("token", en.TokenAddress),
				zap.String("wallet", en.Wallet),
				zap.Float64("pnl_percent", pnl))
		}
		if price > en.HighWaterMark {
			en.HighWaterMark = price
		}
		if sig == nil && en.TrailingArmed {
			drop := -percentChange(en.HighWaterMark, price)
			if drop >= e.cfg.Trailing.TrailingPercent {
				t.closed = true
				sig = e.signal(en, domain.ExitActionTrailingStopLoss, price, pnl, slot, 100)
				sig.HighWaterMark = en.HighWaterMark
				sig.Message = fmt.Sprintf("trailing stop: %.2f%% below high %v", drop, en.HighWaterMark)
				return sig, true
			}
		}
	}

	return sig, false
}

// takeProfit fires the lowest untriggered level reached by pnl.
func (e *Engine) takeProfit(en *domain.WalletEntry, price, pnl float64, slot int64) *domain.ExitSignal {
	for _, lvl := range e.levels {
		if en.LevelTriggered(lvl.ProfitPercent) {
			continue
		}
		if pnl < lvl.ProfitPercent {
			return nil
		}

		en.TriggeredLevels[lvl.ProfitPercent] = struct{}{}
		e.logger.Debug("take profit level fired",
			zap.String("token", en.TokenAddress),
			zap.String("wallet", en.Wallet),
			zap.Float64s("triggered_levels", en.Levels()))
		level := lvl
		sig := e.signal(en, domain.ExitActionTakeProfit, price, pnl, slot, lvl.SellPercent)
		sig.Level = &level
		sig.Message = fmt.Sprintf("take profit: %.2f%% >= %v%%, selling %v%%", pnl, lvl.ProfitPercent, lvl.SellPercent)
		return sig
	}
	return nil
}

// ladderExhausted reports whether every level fired and together they sold
// the whole original size.
func (e *Engine) ladderExhausted(en *domain.WalletEntry) bool {
	var sold float64
	for _, lvl := range e.levels {
		if !en.LevelTriggered(lvl.ProfitPercent) {
			return false
		}
		sold += lvl.SellPercent
	}
	return sold >= 100
}

func (e *Engine) signal(en *domain.WalletEntry, action domain.ExitAction, price, pnl float64, slot int64, sellPercent float64) *domain.ExitSignal {
	return &domain.ExitSignal{
		Triggered:      true,
		Action:         action,
		TokenAddress:   en.TokenAddress,
		Wallet:         en.Wallet,
		Slot:           slot,
		EntryPrice:     en.EntryPrice,
		CurrentPrice:   price,
		PnLPercent:     pnl,
		SellPercentage: sellPercent,
		TokenAmount:    en.Size * sellPercent / 100,
	}
}

// percentChange returns (to-from)/from*100 computed in decimal so that
// thresholds such as -15% or +300% compare exactly.
func percentChange(from, to float64) float64 {
	f := decimal.NewFromFloat(from)
	pct, _ := decimal.NewFromFloat(to).Sub(f).Div(f).Mul(hundred).Float64()
	return pct
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 1)
}
