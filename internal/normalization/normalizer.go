// Package normalization maps venue-specific trade events into canonical trades.
package normalization

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"solana-kline-engine/internal/domain"
)

// Normalization errors. Each rejects a single event.
var (
	ErrUnknownEvent    = errors.New("unknown venue event")
	ErrMissingMint     = errors.New("venue event missing mint")
	ErrMissingReserves = errors.New("venue event missing reserves")
	ErrInvalidPrice    = errors.New("computed price is not positive and finite")
)

var (
	lamportsPerSol = decimal.NewFromInt(domain.LamportsPerSol)
	tokenScale     = decimal.New(1, domain.TokenDecimals)
)

// ToTrade converts a venue event into a canonical trade.
func ToTrade(ev domain.VenueEvent, slot int64) (*domain.Trade, error) {
	switch e := ev.(type) {
	case *domain.PumpFunTradeEvent:
		return fromPumpFun(e, slot)
	case *domain.PumpSwapBuyEvent:
		return fromPumpSwapBuy(e, slot)
	case *domain.PumpSwapSellEvent:
		return fromPumpSwapSell(e, slot)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

func fromPumpFun(e *domain.PumpFunTradeEvent, slot int64) (*domain.Trade, error) {
	if e == nil {
		return nil, ErrUnknownEvent
	}
	if e.Mint.IsZero() {
		return nil, ErrMissingMint
	}

	price := e.Price
	if !validPrice(price) {
		// Listener did not supply a usable price; derive it from the curve.
		derived, err := reservePrice(e.VirtualSolReserves, e.VirtualTokenReserves)
		if err != nil {
			return nil, err
		}
		price = derived
	}

	return &domain.Trade{
		TokenAddress:         e.Mint.String(),
		Price:                price,
		Amount:               e.TokenAmount,
		SolAmount:            e.SolAmount,
		IsBuy:                e.IsBuy,
		User:                 e.User.String(),
		Timestamp:            e.Timestamp,
		Slot:                 slot,
		VirtualSolReserves:   e.VirtualSolReserves,
		RealSolReserves:      e.RealSolReserves,
		VirtualTokenReserves: e.VirtualTokenReserves,
		RealTokenReserves:    e.RealTokenReserves,
		Venue:                domain.VenuePumpFun,
	}, nil
}

func fromPumpSwapBuy(e *domain.PumpSwapBuyEvent, slot int64) (*domain.Trade, error) {
	if e == nil {
		return nil, ErrUnknownEvent
	}
	if e.BaseMint.IsZero() {
		return nil, ErrMissingMint
	}
	price, err := reservePrice(e.PoolQuoteTokenReserves, e.PoolBaseTokenReserves)
	if err != nil {
		return nil, err
	}

	return &domain.Trade{
		TokenAddress:      e.BaseMint.String(),
		Price:             price,
		Amount:            e.BaseAmountOut,
		SolAmount:         e.QuoteAmountIn,
		IsBuy:             true,
		User:              e.User.String(),
		Timestamp:         e.Timestamp,
		Slot:              slot,
		RealSolReserves:   e.PoolQuoteTokenReserves,
		RealTokenReserves: e.PoolBaseTokenReserves,
		Venue:             domain.VenuePumpSwap,
	}, nil
}

func fromPumpSwapSell(e *domain.PumpSwapSellEvent, slot int64) (*domain.Trade, error) {
	if e == nil {
		return nil, ErrUnknownEvent
	}
	if e.BaseMint.IsZero() {
		return nil, ErrMissingMint
	}
	price, err := reservePrice(e.PoolQuoteTokenReserves, e.PoolBaseTokenReserves)
	if err != nil {
		return nil, err
	}

	return &domain.Trade{
		TokenAddress:      e.BaseMint.String(),
		Price:             price,
		Amount:            e.BaseAmountIn,
		SolAmount:         e.QuoteAmountOut,
		IsBuy:             false,
		User:              e.User.String(),
		Timestamp:         e.Timestamp,
		Slot:              slot,
		RealSolReserves:   e.PoolQuoteTokenReserves,
		RealTokenReserves: e.PoolBaseTokenReserves,
		Venue:             domain.VenuePumpSwap,
	}, nil
}

// reservePrice returns (quote/1e9) / (base/1e6): SOL per whole token.
func reservePrice(quoteReserve, baseReserve uint64) (float64, error) {
	if quoteReserve == 0 || baseReserve == 0 {
		return 0, ErrMissingReserves
	}
	quote := decimalFromUint64(quoteReserve).Div(lamportsPerSol)
	base := decimalFromUint64(baseReserve).Div(tokenScale)
	price := quote.Div(base).InexactFloat64()
	if !validPrice(price) {
		return 0, ErrInvalidPrice
	}
	return price, nil
}

func decimalFromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

// Normalizer wraps ToTrade for the ingestion path: rejections are logged and
// reported as a skipped event, never returned to the caller.
type Normalizer struct {
	logger   *zap.Logger
	onReject func(kind domain.VenueKind, err error)
}

// NewNormalizer creates a Normalizer. onReject may be nil.
func NewNormalizer(logger *zap.Logger, onReject func(kind domain.VenueKind, err error)) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger, onReject: onReject}
}

// Normalize returns the canonical trade, or false if the event was rejected.
func (n *Normalizer) Normalize(ev domain.VenueEvent, slot int64) (*domain.Trade, bool) {
	var kind domain.VenueKind
	if ev != nil {
		kind = ev.Kind()
	}

	t, err := ToTrade(ev, slot)
	if err != nil {
		n.logger.Warn("rejected venue event",
			zap.String("kind", string(kind)),
			zap.Int64("slot", slot),
			zap.Error(err))
		if n.onReject != nil {
			n.onReject(kind, err)
		}
		return nil, false
	}
	return t, true
}
