package domain

// VenueKind tags the shape of a raw venue event.
type VenueKind string

const (
	VenueKindPumpFunTrade VenueKind = "pumpfun_trade"
	VenueKindPumpSwapBuy  VenueKind = "pumpswap_buy"
	VenueKindPumpSwapSell VenueKind = "pumpswap_sell"
)

// VenueEvent is a decoded, venue-specific trade event. The set of
// implementations is closed; consumers switch on the concrete type.
type VenueEvent interface {
	Kind() VenueKind
	venueEvent()
}

// PumpFunTradeEvent is a bonding-curve trade.
type PumpFunTradeEvent struct {
	Mint                 PublicKey `json:"mint"`
	SolAmount            uint64    `json:"solAmount"`
	TokenAmount          uint64    `json:"tokenAmount"`
	IsBuy                bool      `json:"isBuy"`
	User                 PublicKey `json:"user"`
	Price                float64   `json:"price"` // SOL per token as reported by the listener
	Timestamp            int64     `json:"timestamp"`
	VirtualSolReserves   uint64    `json:"virtualSolReserves"`
	VirtualTokenReserves uint64    `json:"virtualTokenReserves"`
	RealSolReserves      uint64    `json:"realSolReserves"`
	RealTokenReserves    uint64    `json:"realTokenReserves"`
}

// PumpSwapBuyEvent is an AMM buy. The pool event does not carry the base
// mint, so the listener fills BaseMint from the pool account.
type PumpSwapBuyEvent struct {
	BaseMint               PublicKey `json:"baseMint"`
	Timestamp              int64     `json:"timestamp"`
	BaseAmountOut          uint64    `json:"base_amount_out"`
	MaxQuoteAmountIn       uint64    `json:"max_quote_amount_in"`
	PoolBaseTokenReserves  uint64    `json:"pool_base_token_reserves"`
	PoolQuoteTokenReserves uint64    `json:"pool_quote_token_reserves"`
	QuoteAmountIn          uint64    `json:"quote_amount_in"`
	QuoteAmountInWithLpFee uint64    `json:"quote_amount_in_with_lp_fee"`
	UserQuoteAmountIn      uint64    `json:"user_quote_amount_in"`
	Pool                   PublicKey `json:"pool"`
	User                   PublicKey `json:"user"`
}

// PumpSwapSellEvent is an AMM sell.
type PumpSwapSellEvent struct {
	BaseMint                    PublicKey `json:"baseMint"`
	Timestamp                   int64     `json:"timestamp"`
	BaseAmountIn                uint64    `json:"base_amount_in"`
	MinQuoteAmountOut           uint64    `json:"min_quote_amount_out"`
	PoolBaseTokenReserves       uint64    `json:"pool_base_token_reserves"`
	PoolQuoteTokenReserves      uint64    `json:"pool_quote_token_reserves"`
	QuoteAmountOut              uint64    `json:"quote_amount_out"`
	QuoteAmountOutWithoutLpFee  uint64    `json:"quote_amount_out_without_lp_fee"`
	UserQuoteAmountOut          uint64    `json:"user_quote_amount_out"`
	Pool                        PublicKey `json:"pool"`
	User                        PublicKey `json:"user"`
}

func (*PumpFunTradeEvent) Kind() VenueKind { return VenueKindPumpFunTrade }
func (*PumpSwapBuyEvent) Kind() VenueKind  { return VenueKindPumpSwapBuy }
func (*PumpSwapSellEvent) Kind() VenueKind { return VenueKindPumpSwapSell }

func (*PumpFunTradeEvent) venueEvent() {}
func (*PumpSwapBuyEvent) venueEvent()  {}
func (*PumpSwapSellEvent) venueEvent() {}
